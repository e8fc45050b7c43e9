package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

func newFake(t *testing.T, h http.HandlerFunc) *Index {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	x, err := New(Config{Addresses: []string{srv.URL}, Index: "snovault"}, logger.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return x
}

func TestIndexSendsExternalGTE(t *testing.T) {
	var query string
	x := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	})
	if err := x.Index(context.Background(), &docindex.Document{UUID: "a"}, 17); err != nil {
		t.Fatalf("index: %v", err)
	}
	if !strings.Contains(query, "version_type=external_gte") || !strings.Contains(query, "version=17") {
		t.Fatalf("query = %q", query)
	}
}

func TestIndexConflict(t *testing.T) {
	x := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":{"type":"version_conflict_engine_exception"}}`)
	})
	err := x.Index(context.Background(), &docindex.Document{UUID: "a"}, 1)
	if !errors.Is(err, docindex.ErrVersionConflict) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnavailable(t *testing.T) {
	x := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{}`)
	})
	err := x.Index(context.Background(), &docindex.Document{UUID: "a"}, 1)
	if !errors.Is(err, docindex.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestGetAndMissing(t *testing.T) {
	x := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"found":false}`)
			return
		}
		_, _ = io.WriteString(w, `{"_version":9,"_source":{"uuid":"a","item_type":"lab"}}`)
	})
	doc, err := x.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version != 9 || doc.ItemType != "lab" {
		t.Fatalf("doc = %+v", doc)
	}
	if _, err := x.Get(context.Background(), "missing"); !errors.Is(err, docindex.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestFindReferencingQuery(t *testing.T) {
	var body map[string]any
	x := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":2},"hits":[{"_id":"x"},{"_id":"y"}]}}`)
	})
	res, err := x.FindReferencing(context.Background(), docindex.ReferenceQuery{
		Updated: []string{"u1"},
		Renamed: []string{"r1"},
		Limit:   docindex.SearchMax,
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.Total != 2 || len(res.UUIDs) != 2 {
		t.Fatalf("res = %+v", res)
	}
	raw, _ := json.Marshal(body)
	if !strings.Contains(string(raw), "embedded_uuids") || !strings.Contains(string(raw), "linked_uuids") {
		t.Fatalf("query body = %s", raw)
	}
}

func TestFindReferencingEmpty(t *testing.T) {
	x := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	res, err := x.FindReferencing(context.Background(), docindex.ReferenceQuery{Limit: 10})
	if err != nil || res.Total != 0 {
		t.Fatalf("res = %+v, %v", res, err)
	}
}

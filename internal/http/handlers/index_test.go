package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/indexing/indexer"
	"github.com/yungbote/snovault-indexer/internal/indexing/listener"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

type fakeIndexer struct {
	got       indexer.Request
	err       error
	persisted *indexer.CycleStatus
	pErr      error
}

func (f *fakeIndexer) Run(ctx context.Context, req indexer.Request) (*indexer.CycleStatus, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &indexer.CycleStatus{Xmin: 42, LastXmin: req.LastXmin, Status: indexer.StatusFinished, Indexed: 3}, nil
}

func (f *fakeIndexer) State() indexer.State        { return indexer.StateIdle }
func (f *fakeIndexer) Last() *indexer.CycleStatus { return nil }
func (f *fakeIndexer) Persisted(ctx context.Context) (*indexer.CycleStatus, error) {
	return f.persisted, f.pErr
}

type fakeListener struct{}

func (fakeListener) Status() listener.Snapshot {
	return listener.Snapshot{Connected: true, Recent: []listener.Entry{{Error: "x"}}}
}

func serve(h *IndexHandler, method, path, body string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/index", h.Index)
	r.GET("/_indexer", h.Status)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestIndexPassesRequest(t *testing.T) {
	f := &fakeIndexer{}
	h := NewIndexHandler(logger.Nop(), f, nil, "")
	rec := serve(h, http.MethodPost, "/index", `{"record":true,"dry_run":true,"last_xmin":7,"types":["lab"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !f.got.Record || !f.got.DryRun || f.got.LastXmin == nil || *f.got.LastXmin != 7 {
		t.Fatalf("request = %+v", f.got)
	}
	if len(f.got.Types) != 1 || f.got.Types[0] != "lab" || f.got.InitiatedBy != "INDEXER" {
		t.Fatalf("request = %+v", f.got)
	}
	var st indexer.CycleStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Xmin != 42 || st.Indexed != 3 || st.Status != indexer.StatusFinished {
		t.Fatalf("status body = %+v", st)
	}
}

func TestIndexEmptyBodyDefaults(t *testing.T) {
	f := &fakeIndexer{}
	rec := serve(NewIndexHandler(logger.Nop(), f, nil, "ops"), http.MethodPost, "/index", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if f.got.Record || f.got.DryRun || f.got.LastXmin != nil || f.got.InitiatedBy != "ops" {
		t.Fatalf("request = %+v", f.got)
	}
}

func TestIndexRejectsBadBody(t *testing.T) {
	for _, body := range []string{`{"record":`, `{"last_xmin":-1}`} {
		rec := serve(NewIndexHandler(logger.Nop(), &fakeIndexer{}, nil, ""), http.MethodPost, "/index", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, rec.Code)
		}
	}
}

func TestIndexErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{indexer.ErrCycleInProgress, http.StatusConflict, "cycle_in_progress"},
		{fmt.Errorf("%w: worker session lost", indexer.ErrTransient), http.StatusServiceUnavailable, "transient"},
		{errors.New("mapping broken"), http.StatusInternalServerError, "index_failed"},
	}
	for _, tc := range cases {
		rec := serve(NewIndexHandler(logger.Nop(), &fakeIndexer{err: tc.err}, nil, ""), http.MethodPost, "/index", `{}`)
		if rec.Code != tc.status {
			t.Fatalf("%v: status = %d", tc.err, rec.Code)
		}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil || env.Error.Code != tc.code {
			t.Fatalf("%v: body = %s", tc.err, rec.Body.String())
		}
	}
}

func TestStatus(t *testing.T) {
	f := &fakeIndexer{pErr: docindex.ErrNotFound}
	rec := serve(NewIndexHandler(logger.Nop(), f, fakeListener{}, ""), http.MethodGet, "/_indexer", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out indexerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State != indexer.StateIdle || out.Persisted != nil || out.Listener == nil || !out.Listener.Connected {
		t.Fatalf("status = %+v", out)
	}

	f = &fakeIndexer{persisted: &indexer.CycleStatus{Xmin: 9}}
	rec = serve(NewIndexHandler(logger.Nop(), f, nil, ""), http.MethodGet, "/_indexer", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Persisted == nil || out.Persisted.Xmin != 9 {
		t.Fatalf("persisted = %+v", out.Persisted)
	}

	f = &fakeIndexer{pErr: docindex.ErrUnavailable}
	rec = serve(NewIndexHandler(logger.Nop(), f, nil, ""), http.MethodGet, "/_indexer", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ok := NewHealthHandler(map[string]Check{"db": func(context.Context) error { return nil }})
	bad := NewHealthHandler(map[string]Check{"db": func(context.Context) error { return errors.New("down") }})
	r.GET("/ok", ok.HealthCheck)
	r.GET("/bad", bad.HealthCheck)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("ok: %d %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bad", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "down") {
		t.Fatalf("bad: %d %s", rec.Code, rec.Body.String())
	}
}

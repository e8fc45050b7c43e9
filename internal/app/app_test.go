package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/snovault-indexer/internal/data/repos/storage"
	"github.com/yungbote/snovault-indexer/internal/indexing/indexer"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

var appSeq atomic.Int64

func localApp(t *testing.T) *App {
	t.Helper()
	cfg := Config{
		Name: "test",
		Postgres: PostgresConfig{
			DSN:         fmt.Sprintf("file:app_test_%d?mode=memory&cache=shared&_busy_timeout=5000", appSeq.Add(1)),
			AutoMigrate: true,
		},
		Index:   IndexConfig{Backend: "memory"},
		Indexer: IndexerConfig{PoolSize: 2},
		Auth:    AuthConfig{JWTSecret: "s3cret"},
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	a, err := New(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return a
}

func bearer(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + tok
}

func TestLocalAppIndexesOverHTTP(t *testing.T) {
	a := localApp(t)
	lab := uuid.New()
	_, err := a.Repos.Items.Write(dbctx.New(context.Background()), storage.WriteRequest{
		UUID:       lab,
		ItemType:   "lab",
		Properties: map[string]any{"name": "lab-a", "title": "Lab A", "status": "current"},
		Keys:       map[string][]string{"lab:name": {"lab-a"}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	srv := a.NewServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/index", strings.NewReader(`{"record":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t))
	rec := httptest.NewRecorder()
	srv.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var st indexer.CycleStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.FullRebuild || st.Indexed != 1 || st.InitiatedBy != "ops" {
		t.Fatalf("cycle = %+v", st)
	}
	doc, err := a.Clients.Index.Get(context.Background(), lab.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.ItemType != "lab" {
		t.Fatalf("doc = %+v", doc)
	}

	rec = httptest.NewRecorder()
	srv.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthcheck = %d %s", rec.Code, rec.Body.String())
	}
}

func TestListenRequiresPostgres(t *testing.T) {
	a := localApp(t)
	if _, err := a.NewListener(false, ""); err == nil {
		t.Fatalf("expected listener to be refused on sqlite")
	}
}

// Package elastic is the Elasticsearch docindex.Index backend.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	MetaIndex string
}

type Index struct {
	es  *elasticsearch.Client
	cfg Config
	log *logger.Logger
}

func New(cfg Config, baseLog *logger.Logger) (*Index, error) {
	if cfg.Index == "" {
		cfg.Index = "snovault"
	}
	if cfg.MetaIndex == "" {
		cfg.MetaIndex = "meta"
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &Index{es: es, cfg: cfg, log: baseLog.With("component", "ElasticIndex", "index", cfg.Index)}, nil
}

// EnsureIndices creates the document and meta indices when missing.
func (x *Index) EnsureIndices(ctx context.Context) error {
	for name, body := range map[string]string{x.cfg.Index: docMapping, x.cfg.MetaIndex: metaMapping} {
		res, err := x.es.Indices.Exists([]string{name}, x.es.Indices.Exists.WithContext(ctx))
		if err != nil {
			return unavailable("check index "+name, err)
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			continue
		}
		res, err = x.es.Indices.Create(name,
			x.es.Indices.Create.WithContext(ctx),
			x.es.Indices.Create.WithBody(strings.NewReader(body)),
		)
		if err != nil {
			return unavailable("create index "+name, err)
		}
		if err := checkResponse(res, "create index "+name); err != nil && !strings.Contains(err.Error(), "resource_already_exists") {
			return err
		}
		x.log.Info("created index", "name", name)
	}
	return nil
}

func (x *Index) Index(ctx context.Context, doc *docindex.Document, version int64) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := x.es.Index(x.cfg.Index, bytes.NewReader(body),
		x.es.Index.WithContext(ctx),
		x.es.Index.WithDocumentID(doc.UUID),
		x.es.Index.WithVersion(int(version)),
		x.es.Index.WithVersionType("external_gte"),
	)
	if err != nil {
		return unavailable("index "+doc.UUID, err)
	}
	return checkResponse(res, "index "+doc.UUID)
}

type getResponse struct {
	Version int64              `json:"_version"`
	Source  *docindex.Document `json:"_source"`
}

func (x *Index) Get(ctx context.Context, id string) (*docindex.Document, error) {
	res, err := x.es.Get(x.cfg.Index, id, x.es.Get.WithContext(ctx))
	if err != nil {
		return nil, unavailable("get "+id, err)
	}
	defer res.Body.Close()
	if err := statusError(res, "get "+id); err != nil {
		return nil, err
	}
	var out getResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	if out.Source == nil {
		return nil, fmt.Errorf("%w: %s", docindex.ErrNotFound, id)
	}
	out.Source.Version = out.Version
	return out.Source, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

func (x *Index) FindReferencing(ctx context.Context, q docindex.ReferenceQuery) (docindex.ReferenceResult, error) {
	var should []map[string]any
	if len(q.Updated) > 0 {
		should = append(should, map[string]any{"terms": map[string]any{"embedded_uuids": q.Updated}})
	}
	if len(q.Renamed) > 0 {
		should = append(should, map[string]any{"terms": map[string]any{"linked_uuids": q.Renamed}})
	}
	if len(should) == 0 {
		return docindex.ReferenceResult{}, nil
	}
	body, err := json.Marshal(map[string]any{
		"query":   map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}},
		"_source": false,
	})
	if err != nil {
		return docindex.ReferenceResult{}, err
	}
	res, err := x.es.Search(
		x.es.Search.WithContext(ctx),
		x.es.Search.WithIndex(x.cfg.Index),
		x.es.Search.WithBody(bytes.NewReader(body)),
		x.es.Search.WithSize(q.Limit),
		x.es.Search.WithTrackTotalHits(true),
		x.es.Search.WithSort("_doc"),
	)
	if err != nil {
		return docindex.ReferenceResult{}, unavailable("find referencing", err)
	}
	defer res.Body.Close()
	if err := statusError(res, "find referencing"); err != nil {
		return docindex.ReferenceResult{}, err
	}
	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return docindex.ReferenceResult{}, fmt.Errorf("decode search: %w", err)
	}
	result := docindex.ReferenceResult{Total: out.Hits.Total.Value}
	for _, h := range out.Hits.Hits {
		result.UUIDs = append(result.UUIDs, h.ID)
	}
	return result, nil
}

func (x *Index) PutMeta(ctx context.Context, id string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	res, err := x.es.Index(x.cfg.MetaIndex, bytes.NewReader(raw),
		x.es.Index.WithContext(ctx),
		x.es.Index.WithDocumentID(id),
		x.es.Index.WithRefresh("true"),
	)
	if err != nil {
		return unavailable("put meta "+id, err)
	}
	return checkResponse(res, "put meta "+id)
}

func (x *Index) GetMeta(ctx context.Context, id string, out any) error {
	res, err := x.es.Get(x.cfg.MetaIndex, id, x.es.Get.WithContext(ctx))
	if err != nil {
		return unavailable("get meta "+id, err)
	}
	defer res.Body.Close()
	if err := statusError(res, "get meta "+id); err != nil {
		return err
	}
	var wrapper struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&wrapper); err != nil {
		return fmt.Errorf("decode meta %s: %w", id, err)
	}
	return json.Unmarshal(wrapper.Source, out)
}

func (x *Index) Refresh(ctx context.Context) error {
	res, err := x.es.Indices.Refresh(
		x.es.Indices.Refresh.WithContext(ctx),
		x.es.Indices.Refresh.WithIndex(x.cfg.Index, x.cfg.MetaIndex),
	)
	if err != nil {
		return unavailable("refresh", err)
	}
	return checkResponse(res, "refresh")
}

func (x *Index) Close() error { return nil }

func checkResponse(res *esapi.Response, op string) error {
	defer res.Body.Close()
	return statusError(res, op)
}

// statusError maps an error response to the docindex sentinels. It leaves
// the body readable on success.
func statusError(res *esapi.Response, op string) error {
	if !res.IsError() {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	switch res.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", docindex.ErrVersionConflict, op)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", docindex.ErrNotFound, op)
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s: %s", docindex.ErrUnavailable, op, res.Status())
	}
	return fmt.Errorf("elasticsearch %s: %s: %s", op, res.Status(), bytes.TrimSpace(raw))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", docindex.ErrUnavailable, op, err)
}

const docMapping = `{
  "settings": {"index": {"max_result_window": 100000}},
  "mappings": {
    "properties": {
      "uuid": {"type": "keyword"},
      "item_type": {"type": "keyword"},
      "tid": {"type": "keyword"},
      "paths": {"type": "keyword"},
      "embedded_uuids": {"type": "keyword"},
      "linked_uuids": {"type": "keyword"},
      "object": {"type": "object", "enabled": false},
      "embedded": {"type": "object", "enabled": false},
      "unique_keys": {"type": "object", "enabled": false},
      "principals_allowed": {"type": "object", "enabled": false},
      "audit": {"type": "object", "enabled": false}
    }
  }
}`

const metaMapping = `{"mappings": {"dynamic": true}}`

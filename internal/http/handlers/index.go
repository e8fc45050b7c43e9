package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/http/response"
	"github.com/yungbote/snovault-indexer/internal/indexing/indexer"
	"github.com/yungbote/snovault-indexer/internal/indexing/listener"
	"github.com/yungbote/snovault-indexer/internal/platform/apierr"
	"github.com/yungbote/snovault-indexer/internal/platform/ctxutil"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

// Indexer is the controller surface the HTTP layer drives.
type Indexer interface {
	Run(ctx context.Context, req indexer.Request) (*indexer.CycleStatus, error)
	State() indexer.State
	Last() *indexer.CycleStatus
	Persisted(ctx context.Context) (*indexer.CycleStatus, error)
}

type ListenerStatus interface {
	Status() listener.Snapshot
}

type IndexHandler struct {
	log         *logger.Logger
	idx         Indexer
	listener    ListenerStatus
	defaultUser string
}

// NewIndexHandler serves cycles through idx; lst may be nil when no listener
// runs in this process.
func NewIndexHandler(log *logger.Logger, idx Indexer, lst ListenerStatus, defaultUser string) *IndexHandler {
	if defaultUser == "" {
		defaultUser = "INDEXER"
	}
	return &IndexHandler{
		log:         log.With("Handler", "IndexHandler"),
		idx:         idx,
		listener:    lst,
		defaultUser: defaultUser,
	}
}

type indexRequest struct {
	Record   bool     `json:"record"`
	DryRun   bool     `json:"dry_run"`
	Recovery bool     `json:"recovery"`
	LastXmin *int64   `json:"last_xmin"`
	Types    []string `json:"types"`
}

// POST /index
func (h *IndexHandler) Index(c *gin.Context) {
	var body indexRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		response.RespondAPIError(c, apierr.BadRequest(err))
		return
	}
	if body.LastXmin != nil && *body.LastXmin < 0 {
		response.RespondAPIError(c, apierr.BadRequest(errors.New("last_xmin must not be negative")))
		return
	}
	ctx := c.Request.Context()
	st, err := h.idx.Run(ctx, indexer.Request{
		LastXmin:    body.LastXmin,
		Types:       body.Types,
		Record:      body.Record,
		DryRun:      body.DryRun,
		Recovery:    body.Recovery,
		InitiatedBy: ctxutil.Subject(ctx, h.defaultUser),
	})
	if err != nil {
		h.log.Warn("index cycle failed", append([]interface{}{"error", err}, ctxutil.TraceFields(ctx)...)...)
		response.RespondAPIError(c, classify(err))
		return
	}
	response.RespondOK(c, st)
}

type indexerStatus struct {
	State     indexer.State        `json:"state"`
	Last      *indexer.CycleStatus `json:"last,omitempty"`
	Persisted *indexer.CycleStatus `json:"persisted,omitempty"`
	Listener  *listener.Snapshot   `json:"listener,omitempty"`
}

// GET /_indexer
func (h *IndexHandler) Status(c *gin.Context) {
	out := indexerStatus{State: h.idx.State(), Last: h.idx.Last()}
	persisted, err := h.idx.Persisted(c.Request.Context())
	switch {
	case err == nil:
		out.Persisted = persisted
	case errors.Is(err, docindex.ErrNotFound):
	default:
		response.RespondAPIError(c, classify(err))
		return
	}
	if h.listener != nil {
		snap := h.listener.Status()
		out.Listener = &snap
	}
	response.RespondOK(c, out)
}

func classify(err error) *apierr.Error {
	switch {
	case errors.Is(err, indexer.ErrCycleInProgress):
		return apierr.Conflict("cycle_in_progress", err)
	case errors.Is(err, indexer.ErrTransient), errors.Is(err, docindex.ErrUnavailable):
		return apierr.Unavailable("transient", err)
	default:
		return apierr.New(http.StatusInternalServerError, "index_failed", err)
	}
}

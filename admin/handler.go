// Package admin exposes a Router over HTTP for operators.
//
// Routes:
//
//	GET    /health
//	GET    /metrics
//	GET    /topology
//	GET    /assign/{key...}           ?version= checks staleness; keys may contain '/'
//	GET    /shards
//	POST   /shards/{id}               add a shard
//	DELETE /shards/{id}               drain and remove a shard
//	POST   /shards/{id}/force-remove  remove an unavailable shard without drain
//	POST   /shards/{id}/unavailable
//	POST   /shards/{id}/active
//	GET    /operations
//	GET    /operations/{id}
//	POST   /operations/{id}/cancel
//	POST   /operations/{id}/resume
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/shardring"
	"github.com/arloliu/shardring/internal/logging"
)

const contentTypeJSON = "application/json"

// Router is the part of *shardring.Router the handler serves.
type Router interface {
	AssignAt(key string, version int64) (string, int64, error)
	Locate(key string) (shardring.Placement, error)
	CurrentTopologyVersion() int64
	Topology() shardring.TopologyInfo
	Shards() []shardring.ShardState
	IsFollower() bool

	AddShard(ctx context.Context, shardID string) (*shardring.Operation, error)
	RemoveShard(ctx context.Context, shardID string) (*shardring.Operation, error)
	ForceRemoveShard(ctx context.Context, shardID string) (*shardring.Operation, error)
	MarkUnavailable(shardID string) error
	MarkActive(shardID string) error

	Operation(id string) (*shardring.Operation, error)
	Operations() []shardring.OperationReport
	CancelOperation(ctx context.Context, id string) error
	ResumeOperation(ctx context.Context, id string) (*shardring.Operation, error)
}

var _ Router = (*shardring.Router)(nil)

// Option configures the handler.
type Option func(*handler)

// WithGatherer sets the registry served on /metrics.
//
// Defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *handler) {
		h.gatherer = g
	}
}

// WithLogger sets the logger for request failures.
func WithLogger(logger shardring.Logger) Option {
	return func(h *handler) {
		h.logger = logger
	}
}

type handler struct {
	router   Router
	gatherer prometheus.Gatherer
	logger   shardring.Logger
}

// NewHandler returns the HTTP handler of the admin API.
//
// Parameters:
//   - router: Router to administer
//   - opts: Optional metrics gatherer and logger
//
// Returns:
//   - http.Handler: chi router serving the admin routes
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	router, _ := shardring.NewRouter(&cfg, stores, keys,
//	    shardring.WithMetrics(shardring.NewPrometheusMetrics(reg, "shardring")))
//	srv := &http.Server{Addr: ":8080", Handler: admin.NewHandler(router, admin.WithGatherer(reg))}
func NewHandler(router Router, opts ...Option) http.Handler {
	h := &handler{
		router:   router,
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/topology", h.handleTopology)
	r.Get("/assign/*", h.handleAssign)

	r.Route("/shards", func(r chi.Router) {
		r.Get("/", h.handleListShards)
		r.Post("/{id}", h.handleAddShard)
		r.Delete("/{id}", h.handleRemoveShard)
		r.Post("/{id}/force-remove", h.handleForceRemove)
		r.Post("/{id}/unavailable", h.handleMarkUnavailable)
		r.Post("/{id}/active", h.handleMarkActive)
	})

	r.Route("/operations", func(r chi.Router) {
		r.Get("/", h.handleListOperations)
		r.Get("/{id}", h.handleGetOperation)
		r.Post("/{id}/cancel", h.handleCancelOperation)
		r.Post("/{id}/resume", h.handleResumeOperation)
	})

	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, newOKResponse(map[string]any{
		"version":  h.router.CurrentTopologyVersion(),
		"follower": h.router.IsFollower(),
	}))
}

func (h *handler) handleTopology(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, newDataResponse(h.router.Topology()))
}

func (h *handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		// chi routes on the escaped path when one is set.
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, newErrorResponse(fmt.Errorf("invalid key: %w", err)))
			return
		}
		key = unescaped
	}
	if key == "" {
		h.writeJSON(w, http.StatusBadRequest, newErrorResponse(errors.New("key is required")))
		return
	}

	raw := r.URL.Query().Get("version")
	if raw == "" {
		p, err := h.router.Locate(key)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newDataResponse(p))

		return
	}

	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, newErrorResponse(errors.New("version must be an integer")))
		return
	}
	shard, current, err := h.router.AssignAt(key, version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDataResponse(shardring.Placement{Shard: shard, Version: current}))
}

func (h *handler) handleListShards(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, newDataResponse(h.router.Shards()))
}

func (h *handler) handleAddShard(w http.ResponseWriter, r *http.Request) {
	h.startOperation(w, r, h.router.AddShard)
}

func (h *handler) handleRemoveShard(w http.ResponseWriter, r *http.Request) {
	h.startOperation(w, r, h.router.RemoveShard)
}

func (h *handler) handleForceRemove(w http.ResponseWriter, r *http.Request) {
	op, err := h.router.ForceRemoveShard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDataResponse(op.Report()))
}

func (h *handler) handleMarkUnavailable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.router.MarkUnavailable)
}

func (h *handler) handleMarkActive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.router.MarkActive)
}

func (h *handler) handleListOperations(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, newDataResponse(h.router.Operations()))
}

func (h *handler) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.router.Operation(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDataResponse(op.Report()))
}

func (h *handler) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.router.CancelOperation(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	op, err := h.router.Operation(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, newDataResponse(op.Report()))
}

func (h *handler) handleResumeOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.router.ResumeOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, newDataResponse(op.Report()))
}

func (h *handler) startOperation(
	w http.ResponseWriter,
	r *http.Request,
	start func(context.Context, string) (*shardring.Operation, error),
) {
	op, err := start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, newDataResponse(op.Report()))
}

func (h *handler) transition(w http.ResponseWriter, r *http.Request, apply func(string) error) {
	id := chi.URLParam(r, "id")
	if err := apply(id); err != nil {
		h.writeError(w, err)
		return
	}

	for _, st := range h.router.Shards() {
		if st.ID == id {
			h.writeJSON(w, http.StatusOK, newDataResponse(st))
			return
		}
	}
	h.writeJSON(w, http.StatusOK, newDataResponse(nil))
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("admin request failed", "error", err)
	}
	h.writeJSON(w, status, newErrorResponse(err))
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// statusFor maps router errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shardring.ErrShardNotFound),
		errors.Is(err, shardring.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, shardring.ErrShardExists),
		errors.Is(err, shardring.ErrOperationInProgress),
		errors.Is(err, shardring.ErrInvalidTransition),
		errors.Is(err, shardring.ErrCannotCancel),
		errors.Is(err, shardring.ErrOperationNotResumable):
		return http.StatusConflict
	case errors.Is(err, shardring.ErrStaleRing):
		return http.StatusPreconditionFailed
	case errors.Is(err, shardring.ErrInvalidShardID):
		return http.StatusBadRequest
	case errors.Is(err, shardring.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, shardring.ErrNoShards),
		errors.Is(err, shardring.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

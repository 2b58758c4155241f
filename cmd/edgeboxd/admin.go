package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/edgebox"
)

// eventHeaderPrefix marks request headers copied into the event headers.
const eventHeaderPrefix = "X-Edgebox-Header-"

const defaultDeadLetterLimit = 100

// pipeline is the part of a node the admin API needs.
type pipeline interface {
	Producer() *edgebox.Producer
	Queue() *edgebox.Queue
	Health() edgebox.Health
}

type emitResponse struct {
	Hint string `json:"hint"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AdminController serves the local operator API: event ingestion for
// processes that cannot link the library, health, metrics and dead letters.
type AdminController struct {
	node        pipeline
	gatherer    prometheus.Gatherer
	propagator  propagation.TextMapPropagator
	maxBodySize int64
	logger      *zap.Logger
}

func NewAdminController(node pipeline, gatherer prometheus.Gatherer, maxBodySize int64, logger *zap.Logger) *AdminController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminController{
		node:        node,
		gatherer:    gatherer,
		propagator:  propagation.TraceContext{},
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// Register registers routes.
func (c *AdminController) Register(r *mux.Router) {
	r.HandleFunc("/healthz", c.health).Methods(http.MethodGet)
	if c.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/events", c.emit).Methods(http.MethodPost)
	api.HandleFunc("/deadletters", c.listDeadLetters).Methods(http.MethodGet)
	api.HandleFunc("/deadletters/{id:[0-9]+}/requeue", c.requeue).Methods(http.MethodPost)
}

// Router returns a router with every admin route registered.
func (c *AdminController) Router() *mux.Router {
	r := mux.NewRouter()
	c.Register(r)
	return r
}

func (c *AdminController) emit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, "BAD_BODY", err.Error())
		return
	}

	var opts []edgebox.EmitOption
	for key, values := range r.Header {
		name, ok := strings.CutPrefix(key, eventHeaderPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		opts = append(opts, edgebox.WithHeader(strings.ToLower(name), values[0]))
	}

	ctx := c.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	hint, err := c.node.Producer().Emit(ctx, body, opts...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, emitResponse{Hint: hint.String()})
	case errors.Is(err, edgebox.ErrEmptyPayload):
		writeJSONError(w, http.StatusBadRequest, "EMPTY_PAYLOAD", err.Error())
	case errors.Is(err, edgebox.ErrPayloadTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error())
	default:
		c.logger.Warn("Admin emit failed", zap.Error(err), zap.Stringer("hint", hint))
		writeJSONError(w, http.StatusServiceUnavailable, "DEGRADED", err.Error())
	}
}

func (c *AdminController) health(w http.ResponseWriter, _ *http.Request) {
	h := c.node.Health()
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (c *AdminController) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events := c.node.Queue().DeadLetters(limit)
	if events == nil {
		events = []edgebox.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (c *AdminController) requeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
		return
	}

	err = c.node.Queue().Requeue(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, edgebox.ErrEventNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		c.logger.Error("Failed to requeue dead letter", zap.Int64("event_id", id), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "REQUEUE_FAILED", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

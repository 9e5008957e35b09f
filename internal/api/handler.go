// Package api is the HTTP surface the display layer drives: slot listing,
// connect and disconnect actions, discovery refresh and the current
// notification.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rovercam/internal/notify"
	"rovercam/internal/sink"
	"rovercam/internal/supervisor"
)

var errUnknownSlot = errors.New("unknown slot")

// StatsReporter is implemented by sinks that count what they receive.
type StatsReporter interface {
	Stats() sink.Stats
}

type Handler struct {
	supervisor *supervisor.Supervisor
	notifier   *notify.Channel
	metrics    http.Handler
	tracer     trace.Tracer
	log        logging.LeveledLogger
}

func NewHandler(sup *supervisor.Supervisor, loggerFactory logging.LoggerFactory) *Handler {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewSlotCollector(sup))

	return &Handler{
		supervisor: sup,
		notifier:   sup.Notifier(),
		metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		tracer:     otel.Tracer("http-handler"),
		log:        loggerFactory.NewLogger("api"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/slots", h.handleListSlots)
	mux.HandleFunc("/slots/", h.handleSlot)
	mux.HandleFunc("/sources/refresh", h.handleRefresh)
	mux.HandleFunc("/notification", h.handleNotification)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", h.metrics)
}

type SlotResponse struct {
	supervisor.SlotView
	Media *sink.Stats `json:"media,omitempty"`
}

type SlotListResponse struct {
	Slots     []SlotResponse `json:"slots"`
	NoSources bool           `json:"no_sources,omitempty"`
}

type NotificationResponse struct {
	Active bool `json:"active"`
	*notify.Notification
}

func (h *Handler) handleListSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	_, span := h.tracer.Start(r.Context(), "http.ListSlots", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	h.respondJSON(w, h.slotList())
}

// handleSlot serves GET /slots/{index}, POST /slots/{index}/connect and
// POST /slots/{index}/disconnect.
func (h *Handler) handleSlot(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/slots/"):]
	indexStr, action, _ := strings.Cut(rest, "/")
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		h.respondError(w, fmt.Errorf("invalid slot index %q", indexStr), http.StatusBadRequest)
		return
	}

	_, span := h.tracer.Start(r.Context(), "http.Slot", trace.WithAttributes(
		attribute.Int("slot", index),
		attribute.String("action", action),
	), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	status := http.StatusOK
	switch {
	case action == "" && r.Method == http.MethodGet:
	case action == "connect" && r.Method == http.MethodPost:
		if index >= h.supervisor.Len() {
			h.respondError(w, errUnknownSlot, http.StatusNotFound)
			return
		}
		h.supervisor.RequestConnect(index)
		status = http.StatusAccepted
	case action == "disconnect" && r.Method == http.MethodPost:
		if index >= h.supervisor.Len() {
			h.respondError(w, errUnknownSlot, http.StatusNotFound)
			return
		}
		h.supervisor.Disconnect(index)
	case action != "connect" && action != "disconnect" && action != "":
		h.respondError(w, fmt.Errorf("unknown action %q", action), http.StatusNotFound)
		return
	default:
		h.respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	slot, ok := h.slot(index)
	if !ok {
		h.respondError(w, errUnknownSlot, http.StatusNotFound)
		return
	}
	h.writeJSON(w, status, slot)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "http.RefreshSources", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	n := h.supervisor.Refresh(ctx)
	span.SetAttributes(attribute.Int("sources", n))
	h.log.Infof("operator refresh found %d source(s)", n)
	h.respondJSON(w, h.slotList())
}

func (h *Handler) handleNotification(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		n, ok := h.notifier.Current()
		if !ok {
			h.respondJSON(w, NotificationResponse{})
			return
		}
		h.respondJSON(w, NotificationResponse{Active: true, Notification: &n})
	case http.MethodDelete:
		h.notifier.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		h.respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) slotList() SlotListResponse {
	views := h.supervisor.Slots()
	resp := SlotListResponse{
		Slots:     make([]SlotResponse, 0, len(views)),
		NoSources: len(views) == 0,
	}
	for _, v := range views {
		resp.Slots = append(resp.Slots, h.withMedia(v))
	}
	return resp
}

func (h *Handler) slot(index int) (SlotResponse, bool) {
	views := h.supervisor.Slots()
	if index >= len(views) {
		return SlotResponse{}, false
	}
	return h.withMedia(views[index]), true
}

func (h *Handler) withMedia(v supervisor.SlotView) SlotResponse {
	resp := SlotResponse{SlotView: v}
	if s, ok := h.supervisor.Sink(v.Index); ok {
		if reporter, ok := s.(StatsReporter); ok {
			st := reporter.Stats()
			resp.Media = &st
		}
	}
	return resp
}

func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, data)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Errorf("encoding JSON response: %v", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/progress"
)

// EventsHandler streams bus events to clients over SSE.
type EventsHandler struct {
	bus               *progress.Bus
	heartbeatInterval time.Duration
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(bus *progress.Bus) *EventsHandler {
	return &EventsHandler{
		bus:               bus,
		heartbeatInterval: 30 * time.Second,
	}
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *EventsHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// RegisterSSE registers the SSE endpoint on a chi router.
// This is separate from the huma registration because huma does not
// support SSE streaming natively.
func (h *EventsHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/events", h.handleSSEEvents)
}

// HandleSSEEvents is the raw HTTP handler for SSE streaming.
// Exported for direct use with custom routers.
func (h *EventsHandler) HandleSSEEvents(w http.ResponseWriter, r *http.Request) {
	h.handleSSEEvents(w, r)
}

// handleSSEEvents is the raw HTTP handler for SSE streaming.
func (h *EventsHandler) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	// CORS headers for cross-origin requests (frontend on different port)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")
	w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sub := h.subscribe(r)
	defer h.bus.Unsubscribe(sub.ID)

	// ResponseController gives flush failures instead of silent drops (Go 1.20+)
	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	// Initial comment establishes the connection and triggers onopen in browsers
	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		slog.Error("failed to flush initial SSE connection", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				slog.Debug("heartbeat flush failed, client likely disconnected", "error", err)
				return
			}
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if _, err := h.writeSSEEvent(w, event); err != nil {
				slog.Error("failed to write SSE event",
					"event_type", event.Type,
					"job_id", event.JobID,
					"error", err,
				)
				return
			}
			if err := rc.Flush(); err != nil {
				slog.Debug("event flush failed, client likely disconnected",
					"event_type", event.Type,
					"error", err,
				)
				return
			}
		}
	}
}

// subscribe attaches the client to the bus, scoped to a single job when
// the request carries a valid job_id.
func (h *EventsHandler) subscribe(r *http.Request) *progress.Subscriber {
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		if id, err := models.ParseULID(raw); err == nil {
			return h.bus.SubscribeJob(id)
		}
	}
	return h.bus.Subscribe()
}

// sseEnvelope is the JSON body of one SSE frame.
type sseEnvelope struct {
	JobID     string    `json:"job_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// writeSSEEvent writes a single event in SSE wire format.
func (h *EventsHandler) writeSSEEvent(w http.ResponseWriter, event *progress.Event) (int, error) {
	envelope := sseEnvelope{
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}
	if !event.JobID.IsZero() {
		envelope.JobID = event.JobID.String()
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return 0, fmt.Errorf("marshaling SSE event: %w", err)
	}

	return fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

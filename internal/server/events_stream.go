package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/rotation/internal/events"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	streamBuffer   = 100
	heartbeatEvery = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// EventsStreamHandler streams lifecycle events to clients over Server-Sent
// Events or a websocket. Both accept ?types=A,B and ?user_id= filters.
type EventsStreamHandler struct {
	eventBus *events.Bus
	log      zerolog.Logger
}

// NewEventsStreamHandler creates a new events stream handler.
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus: eventBus,
		log:      log.With().Str("component", "events_stream").Logger(),
	}
}

// eventFilter selects the events a client asked for
type eventFilter struct {
	types  map[events.EventType]bool
	userID string
}

func filterFromRequest(r *http.Request) eventFilter {
	f := eventFilter{userID: r.URL.Query().Get("user_id")}
	if raw := r.URL.Query().Get("types"); raw != "" {
		f.types = make(map[events.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.types[events.EventType(t)] = true
			}
		}
	}
	return f
}

func (f eventFilter) match(event *events.Event) bool {
	if f.types != nil && !f.types[event.Type] {
		return false
	}
	if f.userID != "" && eventUserID(event) != f.userID {
		return false
	}
	return true
}

// eventUserID returns the user an event belongs to, or "" for system events
func eventUserID(event *events.Event) string {
	switch data := event.Data.(type) {
	case *events.CycleCreatedData:
		return data.UserID
	case *events.CycleStatusChangedData:
		return data.UserID
	case *events.TradeStatusChangedData:
		return data.UserID
	case *events.TargetsChangedData:
		return data.UserID
	case *events.PreferencesChangedData:
		return data.UserID
	}
	return ""
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Streams outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	filter := filterFromRequest(r)
	eventChan, unsubscribe := h.eventBus.Subscribe(streamBuffer)
	defer unsubscribe()

	h.log.Info().
		Str("user_id", filter.userID).
		Int("types", len(filter.types)).
		Msg("Client connected to event stream")

	fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if !filter.match(event) {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, h.encode(event))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// ServeWebSocket handles GET /api/events/ws requests. Events are sent as
// JSON text messages; anything the client sends is ignored.
func (h *EventsStreamHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is enforced by the CORS middleware
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	filter := filterFromRequest(r)
	eventChan, unsubscribe := h.eventBus.Subscribe(streamBuffer)
	defer unsubscribe()

	// CloseRead drains control frames and cancels ctx when the client goes away
	ctx := conn.CloseRead(r.Context())

	h.log.Info().Str("user_id", filter.userID).Msg("Client connected to event websocket")

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Client disconnected from event websocket")
			return

		case event, ok := <-eventChan:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if !filter.match(event) {
				continue
			}
			if err := h.writeWS(ctx, conn, event); err != nil {
				h.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (h *EventsStreamHandler) writeWS(ctx context.Context, conn *websocket.Conn, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// encode encodes a payload to a JSON string.
func (h *EventsStreamHandler) encode(payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/parosfi/rebalancer/internal/events"
)

// streamClient is one connected event consumer.
type streamClient struct {
	ch      chan *events.Event
	allowed map[events.EventType]bool // nil means all types
}

// EventsStreamHandler fans bus events out to connected SSE and websocket
// clients. It subscribes to the bus exactly once; per-connection state lives
// in the client registry. A slow client drops events rather than blocking
// publishers.
type EventsStreamHandler struct {
	mu      sync.RWMutex
	clients map[string]*streamClient
	log     zerolog.Logger
}

// NewEventsStreamHandler creates the stream handler and wires it to the bus.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	h := &EventsStreamHandler{
		clients: make(map[string]*streamClient),
		log:     log.With().Str("component", "events_stream").Logger(),
	}
	for _, et := range events.AllTypes() {
		bus.Subscribe(et, h.broadcast)
	}
	return h
}

func (h *EventsStreamHandler) broadcast(event *events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.allowed != nil && !client.allowed[event.Type] {
			continue
		}
		select {
		case client.ch <- event:
		default:
			// Client buffer full; drop rather than block the bus.
		}
	}
}

func (h *EventsStreamHandler) register(r *http.Request) (string, *streamClient) {
	var allowed map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	client := &streamClient{
		ch:      make(chan *events.Event, 100),
		allowed: allowed,
	}
	id := uuid.New().String()

	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()
	return id, client
}

func (h *EventsStreamHandler) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// ServeSSE handles GET /api/events/stream as Server-Sent Events.
func (h *EventsStreamHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, client := h.register(r)
	defer h.unregister(id)

	h.log.Debug().Str("client_id", id).Msg("SSE client connected")

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event := <-client.ch:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}

// ServeWebsocket handles GET /api/events/ws, streaming the same events over
// a websocket for clients that need bidirectional framing or proxies that
// buffer SSE.
func (h *EventsStreamHandler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	id, client := h.register(r)
	defer h.unregister(id)

	h.log.Debug().Str("client_id", id).Msg("Websocket client connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-client.ch:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

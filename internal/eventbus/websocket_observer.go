package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/scrypster/memento/pkg/types"
)

// WebSocketObserver fans events published on a Bus out to WebSocket clients.
// It is a one-way external observer of C8's internal bus, grounded on the
// teacher's WebSocketHub pattern but without the broadcast/register channel
// plumbing a bidirectional hub needs: every connected client gets its own
// Bus subscription and write loop.
type WebSocketObserver struct {
	bus            *Bus
	allowedOrigins map[string]bool
}

// NewWebSocketObserver creates an observer broadcasting bus events to
// WebSocket clients connecting from one of allowedOrigins.
func NewWebSocketObserver(bus *Bus, allowedOrigins []string) *WebSocketObserver {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketObserver{bus: bus, allowedOrigins: origins}
}

// ServeHTTP upgrades the request to a WebSocket connection and streams
// every subsequent bus event to it as JSON until the client disconnects.
func (o *WebSocketObserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && len(o.allowedOrigins) > 0 && !o.allowedOrigins[origin] {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("ERROR: event observer WebSocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	sub := o.bus.Subscribe(DefaultCapacity)
	defer sub.Close()

	// readPump: drain and discard anything the client sends, purely to
	// detect disconnection (this is a read-only fan-out endpoint).
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnected:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := o.writeEvent(conn, event); err != nil {
				log.Printf("ERROR: event observer WebSocket write failed: %v", err)
				return
			}
		}
	}
}

func (o *WebSocketObserver) writeEvent(conn *websocket.Conn, event types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// WebsocketRelay forwards every Bus event as a JSON text frame to connected
// websocket clients, for an operational dashboard to watch queue/transfer
// activity live. It is optional and never load-bearing: nothing else
// depends on a relay client being present.
type WebsocketRelay struct {
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	unsubFn func()
}

// NewWebsocketRelay creates a relay subscribed to b. Call ServeHTTP from an
// http.Handler to accept dashboard connections.
func NewWebsocketRelay(b *Bus, logger *slog.Logger) *WebsocketRelay {
	if logger == nil {
		logger = slog.Default()
	}

	r := &WebsocketRelay{
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}

	r.unsubFn = b.Subscribe(r.broadcast)

	return r
}

// Close stops the relay, unsubscribing from the bus and closing every
// connected client.
func (r *WebsocketRelay) Close() {
	r.unsubFn()

	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.conns {
		_ = c.Close(websocket.StatusNormalClosure, "relay closing")
	}
}

// ServeHTTP upgrades the request to a websocket connection and registers it
// to receive every future Bus event until the client disconnects.
func (r *WebsocketRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Warn("bus: websocket accept failed", slog.Any("err", err))
		return
	}

	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()

		_ = conn.CloseNow()
	}()

	// Block until the client goes away; the relay only writes, it never
	// expects inbound frames.
	ctx := req.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (r *WebsocketRelay) broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("bus: marshal event for relay failed", slog.Any("err", err))
		return
	}

	r.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(r.conns))
	for c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	for _, c := range targets {
		if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
			r.logger.Debug("bus: relay write failed, dropping connection", slog.Any("err", err))
		}
	}
}

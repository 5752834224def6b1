// Package gateway streams sensorsync events to WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sensorsync/internal/domain"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// localOrigins are the browser origins allowed to open a stream.
var localOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// streamClient tracks a single WebSocket connection.
type streamClient struct {
	name      string
	filter    string // event type prefix, "" = all
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Stream is an http.Handler that upgrades to a WebSocket and forwards every
// bus event to the client. Clients may pass ?type=<prefix> to receive only
// matching event types (for example "snapshot."). A client that cannot keep
// up loses events rather than slowing the bus.
type Stream struct {
	auth    Authenticator
	logger  *slog.Logger
	clients sync.Map // uint64 -> *streamClient
	nextID  atomic.Uint64
	dropped atomic.Uint64
	unsub   func()
}

// NewStream subscribes to bus and returns the handler. Call Close to
// unsubscribe and disconnect clients.
func NewStream(bus domain.EventBus, auth Authenticator, logger *slog.Logger) *Stream {
	s := &Stream{auth: auth, logger: logger}
	s.unsub = bus.SubscribeAll(s.forward)
	return s
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Dropped returns how many frames were discarded for slow clients.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes from the bus and disconnects every client.
func (s *Stream) Close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.clients.Range(func(_, value any) bool {
		value.(*streamClient).close()
		return true
	})
}

func (s *Stream) forward(_ context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*streamClient)
		if cc.filter != "" && !strings.HasPrefix(string(ev.Type), cc.filter) {
			return true
		}
		select {
		case cc.sendCh <- frame:
		default:
			s.dropped.Add(1)
			s.logger.Warn("event stream: dropped event for slow client", "client", cc.name, "type", ev.Type)
		}
		return true
	})
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(requestToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: localOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &streamClient{
		name:   info.Name,
		filter: r.URL.Query().Get("type"),
		sendCh: make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
	}
	connID := s.nextID.Add(1)
	s.clients.Store(connID, cc)
	defer s.clients.Delete(connID)
	s.logger.Info("event stream client connected", "conn_id", connID, "client", cc.name, "filter", cc.filter)

	// Clients only listen; CloseRead handles their control frames and ends
	// ctx when they go away.
	ctx := ws.CloseRead(r.Context())

	hello, _ := json.Marshal(helloPayload{Client: cc.name, Filter: cc.filter})
	if err := s.write(ctx, ws, Frame{Type: FrameTypeHello, Payload: hello}); err != nil {
		ws.Close(websocket.StatusInternalError, "write failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			s.logger.Info("event stream client disconnected", "conn_id", connID)
			return
		case <-cc.done:
			ws.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case frame := <-cc.sendCh:
			if err := s.write(ctx, ws, frame); err != nil {
				s.logger.Debug("event stream write failed", "conn_id", connID, "error", err)
				ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Stream) write(ctx context.Context, ws *websocket.Conn, frame Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, frame)
}

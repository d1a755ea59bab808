// Package wsnet implements the service-worker channel variant: a single
// worker instance reachable over the network, used when a shared-worker
// channel is unavailable and tab and worker end up in separate OS
// processes. Grounded on the diane-assistant WSClient
// (other_examples/ba9d0afb_diane-assistant-diane__server-internal-mcpproxy-ws_client.go.go):
// a gorilla/websocket connection, a pending-calls map keyed by a
// correlation id, and a read loop that dispatches replies vs. requests.
package wsnet

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"browsermcp-runtime/internal/channel"
	"browsermcp-runtime/internal/wire"
)

type frame struct {
	ID       string        `json:"id,omitempty"`
	Envelope wire.Envelope `json:"envelope,omitempty"`
	IsReply  bool          `json:"isReply,omitempty"`
	Reply    wire.Reply    `json:"reply,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Endpoint wraps a single gorilla/websocket connection as a channel.Channel.
type Endpoint struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	pending *channel.PendingCalls

	mu      sync.RWMutex
	handler channel.RequestHandler

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an already-established websocket connection.
func New(conn *websocket.Conn) *Endpoint {
	e := &Endpoint{
		conn:    conn,
		pending: channel.NewPendingCalls(),
		done:    make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// Dial connects to a worker's networked listener, mirroring the tab side
// of the service-worker fallback.
func Dial(ctx context.Context, url string, header http.Header) (*Endpoint, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", wire.ErrTransportUnavailable, url, err)
	}
	return New(conn), nil
}

// Upgrade accepts an inbound tab connection on the worker's local listener.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Endpoint, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade tab connection: %w", err)
	}
	return New(conn), nil
}

func (e *Endpoint) readLoop() {
	defer func() {
		e.pending.RejectAll(wire.ErrTransportUnavailable)
		e.closeOnce.Do(func() {
			close(e.done)
			_ = e.conn.Close()
		})
	}()

	for {
		var f frame
		if err := e.conn.ReadJSON(&f); err != nil {
			return
		}
		if f.IsReply {
			e.pending.Resolve(f.ID, f.Reply)
			continue
		}
		go e.handleRequest(f.Envelope)
	}
}

func (e *Endpoint) handleRequest(env wire.Envelope) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()

	var reply wire.Reply
	if h != nil {
		reply = h(context.Background(), env)
	} else {
		reply = wire.Reply{Success: false, Error: "no handler registered"}
	}

	if env.ID == "" {
		return
	}
	_ = e.writeFrame(frame{ID: env.ID, IsReply: true, Reply: reply})
}

func (e *Endpoint) writeFrame(f frame) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	select {
	case <-e.done:
		return fmt.Errorf("%w: connection closed", wire.ErrTransportUnavailable)
	default:
	}
	return e.conn.WriteJSON(f)
}

// Send implements channel.Channel.
func (e *Endpoint) Send(ctx context.Context, env wire.Envelope) error {
	return e.writeFrame(frame{ID: env.ID, Envelope: env})
}

// SendWithReply implements channel.Channel.
func (e *Endpoint) SendWithReply(ctx context.Context, env wire.Envelope, timeout time.Duration) (wire.Reply, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	waiter := e.pending.Register(env.ID)
	if err := e.writeFrame(frame{ID: env.ID, Envelope: env}); err != nil {
		e.pending.Forget(env.ID)
		return wire.Reply{}, err
	}
	return channel.WaitReply(ctx, waiter, timeout)
}

// OnMessage implements channel.Channel.
func (e *Endpoint) OnMessage(handler channel.RequestHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// Close implements channel.Channel.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	return e.conn.Close()
}

var _ channel.Channel = (*Endpoint)(nil)

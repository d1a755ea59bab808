// Package link implements the WebSocket link (C7): the worker's
// connection to the external proxy. Grounded on the diane-assistant
// WSClient (other_examples/ba9d0afb_diane-assistant-diane__server-internal-mcpproxy-ws_client.go.go)
// for its connect/readLoop/reconnectLoop/heartbeatLoop shape, adapted to
// this system's own constants (30s backoff ceiling, 20s ping interval,
// the 1000-close/no-reconnect rule, and the auth-token restart's
// suppressed status broadcast) rather than diane's.
package link

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is one point in the idle -> connecting -> open ->
// (closed|error) -> reconnecting(delay) -> connecting state machine.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateOpen          State = "open"
	StateClosed        State = "closed"
	StateError         State = "error"
	StateReconnecting  State = "reconnecting"
)

// Config carries the durations and URL the link needs. Callers normally
// build this from internal/config's LinkConfig.
type Config struct {
	ProxyURL           string
	RequireAuth        bool
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	PingInterval       time.Duration
	TokenRestartSettle time.Duration
}

// Link owns one WebSocket connection to the proxy and its reconnect state
// machine. OnOpen/OnClose bind and unbind the MCP SDK transport; OnStatus
// is called with each connected/disconnected transition, except the
// interim disconnect of a token-driven restart.
type Link struct {
	cfg    Config
	logger *log.Logger

	onOpen   func(conn *websocket.Conn)
	onClose  func()
	onStatus func(connected bool)

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	token            string
	stopRequested    bool
	restartRequested bool
	tokenSet         chan struct{}
	done             chan struct{}
	closeOnce        sync.Once
}

// New builds a Link. A nil logger falls back to log.Default().
func New(cfg Config, onStatus func(connected bool), onOpen func(conn *websocket.Conn), onClose func(), logger *log.Logger) *Link {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.TokenRestartSettle <= 0 {
		cfg.TokenRestartSettle = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Link{
		cfg:      cfg,
		logger:   logger,
		onOpen:   onOpen,
		onClose:  onClose,
		onStatus: onStatus,
		state:    StateIdle,
		tokenSet: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether the link currently has an open socket.
func (l *Link) Connected() bool {
	return l.State() == StateOpen
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// SetAuthToken updates the proxy auth token. If the link is open, the
// current connection is closed with code 1000 and reconnected after the
// configured settle delay; the interim disconnect is not broadcast. If
// the link is gated on auth and idle, this wakes the connect loop.
func (l *Link) SetAuthToken(token string) {
	l.mu.Lock()
	if l.token == token {
		l.mu.Unlock()
		return
	}
	l.token = token
	conn := l.conn
	open := l.state == StateOpen
	if open {
		l.restartRequested = true
	}
	l.mu.Unlock()

	if open && conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	select {
	case l.tokenSet <- struct{}{}:
	default:
	}
}

// Run starts the connect/reconnect loop in a goroutine and returns
// immediately; it stops when ctx is cancelled or Stop is called.
func (l *Link) Run(ctx context.Context) {
	go l.loop(ctx)
}

// Stop closes any open connection with code 1000 and prevents further
// reconnect attempts.
func (l *Link) Stop() {
	l.mu.Lock()
	l.stopRequested = true
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Link) loop(ctx context.Context) {
	backoff := l.cfg.InitialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		default:
		}

		l.mu.Lock()
		token := l.token
		gated := l.cfg.RequireAuth && token == ""
		l.mu.Unlock()

		if gated {
			select {
			case <-l.tokenSet:
				continue
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}

		l.setState(StateConnecting)
		conn, err := l.dial(ctx, token)
		if err != nil {
			l.logger.Printf("link: dial failed: %v", err)
			l.setState(StateError)
			l.broadcastStatus(false)
			if !l.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
			continue
		}

		backoff = l.cfg.InitialBackoff
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.setState(StateOpen)
		if l.onOpen != nil {
			l.onOpen(conn)
		}
		l.broadcastStatus(true)

		l.runConnection(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		suppressed := l.restartRequested
		l.restartRequested = false
		stopped := l.stopRequested
		l.mu.Unlock()

		if l.onClose != nil {
			l.onClose()
		}

		if stopped {
			l.setState(StateClosed)
			l.broadcastStatus(false)
			return
		}

		if suppressed {
			l.setState(StateReconnecting)
			if !l.sleep(ctx, l.cfg.TokenRestartSettle) {
				return
			}
			continue
		}

		// An unexpected drop (network failure, peer vanished without a
		// clean handshake) gets the same backoff-and-retry treatment as
		// a failed dial. Only Stop's deliberate 1000-close is terminal.
		l.setState(StateReconnecting)
		l.broadcastStatus(false)
		if !l.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
	}
}

func (l *Link) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(l.cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pingFrame is the Outward keepalive named in the wire table: a JSON text
// message, not a WS control frame, so it round-trips through a JSON-RPC
// proxy the same way any other application message does.
var pingFrame = []byte(`{"type":"ping"}`)

// runConnection blocks until the connection closes, running a keepalive
// ping ticker alongside a blocking read pump. Send errors on the ping are
// swallowed; the read pump's resulting error ends this call.
func (l *Link) runConnection(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	var once sync.Once
	closeStop := func() { once.Do(func() { close(stop) }) }

	go func() {
		ticker := time.NewTicker(l.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
					l.logger.Printf("link: ping failed: %v", err)
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closeStop()
			return
		}
	}
}

func (l *Link) broadcastStatus(connected bool) {
	if l.onStatus != nil {
		l.onStatus(connected)
	}
}

func (l *Link) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-l.done:
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

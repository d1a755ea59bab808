package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type fakeProxy struct {
	mu        sync.Mutex
	conns     []*websocket.Conn
	connCount int
	tokens    []string
	messages  [][]byte
	srv       *httptest.Server
}

func newFakeProxy() *fakeProxy {
	p := &fakeProxy{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.connCount++
		p.conns = append(p.conns, conn)
		p.tokens = append(p.tokens, r.URL.Query().Get("token"))
		p.mu.Unlock()

		// Keep reading until the client closes, so ReadMessage on the
		// client side blocks exactly until we intentionally drop it.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			p.mu.Lock()
			p.messages = append(p.messages, data)
			p.mu.Unlock()
		}
	}))
	return p
}

func (p *fakeProxy) messageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *fakeProxy) lastMessage() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return nil
	}
	return p.messages[len(p.messages)-1]
}

func (p *fakeProxy) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakeProxy) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connCount
}

func (p *fakeProxy) lastToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tokens) == 0 {
		return ""
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *fakeProxy) dropLast() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return
	}
	_ = p.conns[len(p.conns)-1].Close()
}

func (p *fakeProxy) close() { p.srv.Close() }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLinkConnectsAndBroadcastsOpenStatus(t *testing.T) {
	proxy := newFakeProxy()
	defer proxy.close()

	var statusMu sync.Mutex
	var statuses []bool
	l := New(Config{ProxyURL: proxy.url(), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, PingInterval: time.Hour},
		func(connected bool) {
			statusMu.Lock()
			statuses = append(statuses, connected)
			statusMu.Unlock()
		}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx)

	waitFor(t, time.Second, func() bool { return l.Connected() })

	statusMu.Lock()
	defer statusMu.Unlock()
	if len(statuses) == 0 || !statuses[0] {
		t.Fatalf("expected first status broadcast to be connected=true, got %v", statuses)
	}
}

func TestLinkAuthGateWaitsForToken(t *testing.T) {
	proxy := newFakeProxy()
	defer proxy.close()

	l := New(Config{ProxyURL: proxy.url(), RequireAuth: true, InitialBackoff: 10 * time.Millisecond, PingInterval: time.Hour}, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if proxy.count() != 0 {
		t.Fatalf("expected no connection attempt while gated, got %d", proxy.count())
	}

	l.SetAuthToken("secret")
	waitFor(t, time.Second, func() bool { return l.Connected() })
	if proxy.lastToken() != "secret" {
		t.Errorf("expected token query param to carry the auth token, got %q", proxy.lastToken())
	}
}

func TestLinkStopPreventsReconnect(t *testing.T) {
	proxy := newFakeProxy()
	defer proxy.close()

	l := New(Config{ProxyURL: proxy.url(), InitialBackoff: 10 * time.Millisecond, PingInterval: time.Hour}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx)

	waitFor(t, time.Second, func() bool { return l.Connected() })
	l.Stop()

	waitFor(t, time.Second, func() bool { return l.State() == StateClosed })
	time.Sleep(50 * time.Millisecond)
	if proxy.count() != 1 {
		t.Errorf("expected exactly one connection attempt after Stop, got %d", proxy.count())
	}
}

func TestLinkReconnectsAfterPeerDrop(t *testing.T) {
	proxy := newFakeProxy()
	defer proxy.close()

	l := New(Config{ProxyURL: proxy.url(), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, PingInterval: time.Hour}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx)

	waitFor(t, time.Second, func() bool { return proxy.count() == 1 })
	proxy.dropLast()

	waitFor(t, 2*time.Second, func() bool { return proxy.count() == 2 })
}

func TestNextBackoffCapped(t *testing.T) {
	cases := []struct {
		current, max, want time.Duration
	}{
		{time.Second, 30 * time.Second, 2 * time.Second},
		{16 * time.Second, 30 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second, 30 * time.Second},
	}
	for _, c := range cases {
		if got := nextBackoff(c.current, c.max); got != c.want {
			t.Errorf("nextBackoff(%s, %s) = %s, want %s", c.current, c.max, got, c.want)
		}
	}
}

func TestLinkSendsJSONPingKeepalive(t *testing.T) {
	proxy := newFakeProxy()
	defer proxy.close()

	l := New(Config{ProxyURL: proxy.url(), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, PingInterval: 20 * time.Millisecond}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx)

	waitFor(t, time.Second, func() bool { return l.Connected() })
	waitFor(t, time.Second, func() bool { return proxy.messageCount() > 0 })

	got := proxy.lastMessage()
	want := `{"type":"ping"}`
	if string(got) != want {
		t.Errorf("expected keepalive ping to be the JSON text message %q, got %q", want, got)
	}
}

func TestLinkConfigDefaults(t *testing.T) {
	l := New(Config{ProxyURL: "ws://example"}, nil, nil, nil, nil)
	if l.cfg.InitialBackoff != time.Second {
		t.Errorf("expected default initial backoff of 1s, got %s", l.cfg.InitialBackoff)
	}
	if l.cfg.MaxBackoff != 30*time.Second {
		t.Errorf("expected default max backoff of 30s, got %s", l.cfg.MaxBackoff)
	}
	if l.cfg.PingInterval != 20*time.Second {
		t.Errorf("expected default ping interval of 20s, got %s", l.cfg.PingInterval)
	}
	if l.cfg.TokenRestartSettle != 100*time.Millisecond {
		t.Errorf("expected default settle delay of 100ms, got %s", l.cfg.TokenRestartSettle)
	}
}

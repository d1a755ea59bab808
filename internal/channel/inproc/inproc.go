// Package inproc implements the shared-worker channel variant: one
// worker instance shared across all same-origin tabs, each tab owning a
// dedicated port. Here "worker" and "tab" are goroutines connected by a
// pair of buffered byte channels; envelopes are JSON round-tripped across
// the pair to preserve the structured-clone invariant (no shared mutable
// memory between contexts) even though both ends live in one process.
package inproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"browsermcp-runtime/internal/channel"
	"browsermcp-runtime/internal/wire"
)

type frame struct {
	ID       string        `json:"id,omitempty"`
	Envelope wire.Envelope `json:"envelope,omitempty"`
	IsReply  bool          `json:"isReply,omitempty"`
	Reply    wire.Reply    `json:"reply,omitempty"`
}

// Endpoint is one side of an in-process channel pair.
type Endpoint struct {
	out chan []byte
	in  chan []byte

	pending *channel.PendingCalls

	mu      sync.RWMutex
	handler channel.RequestHandler

	closeOnce sync.Once
	done      chan struct{}
}

// Pair creates two connected endpoints: the tab side and the worker side.
func Pair() (tab *Endpoint, worker *Endpoint) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)

	tab = &Endpoint{out: aToB, in: bToA, pending: channel.NewPendingCalls(), done: make(chan struct{})}
	worker = &Endpoint{out: bToA, in: aToB, pending: channel.NewPendingCalls(), done: make(chan struct{})}

	go tab.dispatchLoop()
	go worker.dispatchLoop()
	return tab, worker
}

func (e *Endpoint) dispatchLoop() {
	for {
		select {
		case raw, ok := <-e.in:
			if !ok {
				e.pending.RejectAll(wire.ErrTransportUnavailable)
				return
			}
			var f frame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			if f.IsReply {
				e.pending.Resolve(f.ID, f.Reply)
				continue
			}
			go e.handleRequest(f.Envelope)
		case <-e.done:
			return
		}
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
	_ = e.sendFrame(frame{ID: env.ID, IsReply: true, Reply: reply})
}

func (e *Endpoint) sendFrame(f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case e.out <- raw:
		return nil
	case <-e.done:
		return fmt.Errorf("%w: channel closed", wire.ErrTransportUnavailable)
	}
}

// Send implements channel.Channel.
func (e *Endpoint) Send(ctx context.Context, env wire.Envelope) error {
	return e.sendFrame(frame{ID: env.ID, Envelope: env})
}

// SendWithReply implements channel.Channel.
func (e *Endpoint) SendWithReply(ctx context.Context, env wire.Envelope, timeout time.Duration) (wire.Reply, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	waiter := e.pending.Register(env.ID)
	if err := e.sendFrame(frame{ID: env.ID, Envelope: env}); err != nil {
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
		e.pending.RejectAll(wire.ErrTransportUnavailable)
	})
	return nil
}

var _ channel.Channel = (*Endpoint)(nil)

// Package tab implements the tab adapter (C4): the per-tab facade that
// owns a local tool registry, a worker transport channel, and the
// init/flush/focus/unload state machine. Grounded on the map+RWMutex
// bookkeeping style of the teacher's SessionManager
// (mcp-server/internal/browser/session_manager.go), generalized from one
// browser session to one simulated tab process.
package tab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"browsermcp-runtime/internal/channel"
	"browsermcp-runtime/internal/mirror"
	"browsermcp-runtime/internal/registry"
	"browsermcp-runtime/internal/wire"
)

// Timeouts matching spec.md defaults; callers normally override these
// from internal/config's WorkerConfig/LinkConfig.
const (
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultAckTimeout       = 5 * time.Second
)

// TransportFactories selects the worker transport the way a real tab
// tries a SharedWorker first and falls back to a ServiceWorker.
type TransportFactories struct {
	// Shared attempts the shared-worker-analog channel; a nil function or
	// a returned error triggers the Service fallback.
	Shared func() (channel.Channel, error)
	// Service builds the service-worker-analog channel.
	Service func(ctx context.Context) (channel.Channel, error)
}

func selectTransport(ctx context.Context, f TransportFactories) (channel.Channel, error) {
	if f.Shared != nil {
		if ch, err := f.Shared(); err == nil {
			return ch, nil
		}
	}
	if f.Service != nil {
		return f.Service(ctx)
	}
	return nil, fmt.Errorf("%w: no shared or service transport available", wire.ErrTransportUnavailable)
}

// InitOptions carries the per-tab init parameters.
type InitOptions struct {
	BackendURL       string
	Token            string
	URL              string
	Title            string
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
}

type queuedRegistration struct {
	payload wire.RegisterToolPayload
	done    chan error
}

// Adapter is the per-tab facade described in spec.md 4.1.
type Adapter struct {
	tabID  string
	reg    *registry.Registry
	mirror *mirror.Mirror
	logger *log.Logger

	mu          sync.RWMutex
	ch          channel.Channel
	initialized bool
	initErr     error
	initDone    chan struct{}
	handshake   chan struct{}
	handshakeOnce sync.Once
	connected   bool
	ackTimeout  time.Duration

	queueMu sync.Mutex
	queue   []*queuedRegistration

	statusMu   sync.Mutex
	statusSubs map[int]func(bool)
	nextSubID  int

	pendingToken string
}

// New builds an Adapter for tabID, not yet connected to any transport.
func New(tabID string, reg *registry.Registry, mir *mirror.Mirror, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	if reg == nil {
		reg = registry.New(logger)
	}
	return &Adapter{
		tabID:      tabID,
		reg:        reg,
		mirror:     mir,
		logger:     logger,
		initDone:   make(chan struct{}),
		handshake:  make(chan struct{}),
		statusSubs: make(map[int]func(bool)),
		ackTimeout: DefaultAckTimeout,
	}
}

// Init runs the five-step protocol: transport selection, handshake,
// INIT, REGISTER_TAB/SET_ACTIVE_TAB, and flush of queued registrations.
func (a *Adapter) Init(ctx context.Context, f TransportFactories, opts InitOptions) error {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.AckTimeout > 0 {
		a.ackTimeout = opts.AckTimeout
	}

	ch, err := selectTransport(ctx, f)
	if err != nil {
		a.finishInit(err)
		return err
	}
	a.mu.Lock()
	a.ch = ch
	a.mu.Unlock()
	ch.OnMessage(a.handleMessage)

	hctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	select {
	case <-a.handshake:
	case <-hctx.Done():
		err := fmt.Errorf("%w: no CONNECTION_STATUS handshake within %s", wire.ErrTransportUnavailable, opts.HandshakeTimeout)
		a.finishInit(err)
		return err
	}

	token := opts.Token
	a.mu.Lock()
	if a.pendingToken != "" {
		token = a.pendingToken
	}
	a.mu.Unlock()

	initEnv, err := wire.Encode(wire.TypeInit, wire.InitPayload{BackendURL: opts.BackendURL, Token: token})
	if err != nil {
		a.finishInit(err)
		return err
	}
	if _, err := ch.SendWithReply(ctx, initEnv, a.ackTimeout); err != nil {
		a.finishInit(err)
		return err
	}

	regEnv, _ := wire.Encode(wire.TypeRegisterTab, wire.RegisterTabPayload{
		TabID: a.tabID, URL: opts.URL, Title: opts.Title, Timestamp: time.Now().UnixMilli(),
	})
	if _, err := ch.SendWithReply(ctx, regEnv, a.ackTimeout); err != nil {
		a.finishInit(err)
		return err
	}
	activeEnv, _ := wire.Encode(wire.TypeSetActiveTab, wire.SetActiveTabPayload{TabID: a.tabID})
	if _, err := ch.SendWithReply(ctx, activeEnv, a.ackTimeout); err != nil {
		a.finishInit(err)
		return err
	}

	a.flushQueue(ctx)

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	close(a.initDone)
	return nil
}

func (a *Adapter) finishInit(err error) {
	a.mu.Lock()
	a.initErr = err
	a.mu.Unlock()
	select {
	case <-a.initDone:
	default:
		close(a.initDone)
	}
}

// WaitForInit blocks until Init has completed (successfully or not).
func (a *Adapter) WaitForInit(ctx context.Context) error {
	select {
	case <-a.initDone:
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) isInitialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

func (a *Adapter) channel() channel.Channel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ch
}

// GetTabID returns this adapter's stable tab id.
func (a *Adapter) GetTabID() string { return a.tabID }

// IsToolRegistered reports whether name has a local record.
func (a *Adapter) IsToolRegistered(name string) bool {
	_, ok := a.reg.Get(name)
	return ok
}

// GetRegisteredTools lists locally registered tool names.
func (a *Adapter) GetRegisteredTools() []string { return a.reg.Names() }

// augmentSchema returns a copy of schema with an additive tabId property,
// so external callers may target this registration's owning tab.
func augmentSchema(schema map[string]interface{}) map[string]interface{} {
	clone := make(map[string]interface{}, len(schema)+1)
	for k, v := range schema {
		clone[k] = v
	}
	props, _ := clone["properties"].(map[string]interface{})
	clonedProps := make(map[string]interface{}, len(props)+1)
	for k, v := range props {
		clonedProps[k] = v
	}
	clonedProps["tabId"] = map[string]interface{}{
		"type":        "string",
		"description": "Optional id of the tab this call should target.",
	}
	clone["properties"] = clonedProps
	return clone
}

// RegisterTool records def/handler locally and, once init has reached the
// flush step, forwards REGISTER_TOOL to the worker. Calls made earlier are
// queued and resolved in FIFO order once the flush runs.
func (a *Adapter) RegisterTool(ctx context.Context, def registry.Definition, handler registry.Handler) (bool, error) {
	isNew := a.reg.Register(def, handler)

	payload := wire.RegisterToolPayload{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: augmentSchema(def.InputSchema),
		HandlerType: "proxy",
		TabID:       a.tabID,
	}

	var err error
	if !a.isInitialized() {
		q := &queuedRegistration{payload: payload, done: make(chan error, 1)}
		a.queueMu.Lock()
		a.queue = append(a.queue, q)
		a.queueMu.Unlock()
		select {
		case err = <-q.done:
		case <-ctx.Done():
			return isNew, ctx.Err()
		}
	} else {
		err = a.sendRegisterTool(ctx, payload)
	}
	if err != nil {
		return isNew, err
	}

	if a.mirror != nil {
		a.mirror.OnRegister(def, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return handler(ctx, args)
		})
	}
	return isNew, nil
}

func (a *Adapter) sendRegisterTool(ctx context.Context, payload wire.RegisterToolPayload) error {
	ch := a.channel()
	if ch == nil {
		return fmt.Errorf("%w: adapter has no transport", wire.ErrTransportUnavailable)
	}
	env, err := wire.Encode(wire.TypeRegisterTool, payload)
	if err != nil {
		return err
	}
	reply, err := ch.SendWithReply(ctx, env, a.ackTimeout)
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("%w: %s", wire.ErrWorkerError, reply.Error)
	}
	return nil
}

func (a *Adapter) flushQueue(ctx context.Context) {
	a.queueMu.Lock()
	pending := a.queue
	a.queue = nil
	a.queueMu.Unlock()

	for _, q := range pending {
		err := a.sendRegisterTool(ctx, q.payload)
		q.done <- err
	}
}

// UnregisterTool decrements the local refcount and, if it reaches zero,
// notifies the worker. The tri-state return mirrors registry.Unregister.
func (a *Adapter) UnregisterTool(ctx context.Context, name string) (*bool, error) {
	result := a.reg.Unregister(name)
	if a.mirror != nil && result != nil && *result {
		a.mirror.OnUnregister(name)
	}
	if result == nil || !*result {
		return result, nil
	}

	ch := a.channel()
	if ch == nil {
		return result, nil
	}
	env, _ := wire.Encode(wire.TypeUnregisterTool, wire.UnregisterToolPayload{Name: name, TabID: a.tabID})
	if _, err := ch.SendWithReply(ctx, env, a.ackTimeout); err != nil {
		return result, err
	}
	return result, nil
}

// SetAuthToken buffers the token until init completes, then forwards it.
func (a *Adapter) SetAuthToken(ctx context.Context, token string) error {
	if !a.isInitialized() {
		a.mu.Lock()
		a.pendingToken = token
		a.mu.Unlock()
		return nil
	}
	ch := a.channel()
	if ch == nil {
		return fmt.Errorf("%w: adapter has no transport", wire.ErrTransportUnavailable)
	}
	env, _ := wire.Encode(wire.TypeSetAuthToken, wire.SetAuthTokenPayload{Token: token})
	_, err := ch.SendWithReply(ctx, env, a.ackTimeout)
	return err
}

// NotifyFocus sends SET_ACTIVE_TAB, mirroring a window focus or
// visibility-becomes-visible event.
func (a *Adapter) NotifyFocus(ctx context.Context) error {
	ch := a.channel()
	if ch == nil {
		return fmt.Errorf("%w: adapter has no transport", wire.ErrTransportUnavailable)
	}
	env, _ := wire.Encode(wire.TypeSetActiveTab, wire.SetActiveTabPayload{TabID: a.tabID})
	return ch.Send(ctx, env)
}

// Unload best-effort unregisters every local tool and clears the mirror,
// mimicking the beforeunload/pagehide handlers.
func (a *Adapter) Unload(ctx context.Context) {
	for _, name := range a.reg.Names() {
		env, _ := wire.Encode(wire.TypeUnregisterTool, wire.UnregisterToolPayload{Name: name, TabID: a.tabID})
		if ch := a.channel(); ch != nil {
			_ = ch.Send(ctx, env)
		}
	}
	if a.mirror != nil {
		a.mirror.Clear()
	}
}

// OnConnectionStatus subscribes to CONNECTION_STATUS updates, returning an
// unsubscribe function.
func (a *Adapter) OnConnectionStatus(cb func(connected bool)) func() {
	a.statusMu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.statusSubs[id] = cb
	a.statusMu.Unlock()

	return func() {
		a.statusMu.Lock()
		delete(a.statusSubs, id)
		a.statusMu.Unlock()
	}
}

func (a *Adapter) notifyStatus(connected bool) {
	a.mu.Lock()
	a.connected = connected
	a.mu.Unlock()

	a.statusMu.Lock()
	subs := make([]func(bool), 0, len(a.statusSubs))
	for _, cb := range a.statusSubs {
		subs = append(subs, cb)
	}
	a.statusMu.Unlock()

	for _, cb := range subs {
		cb(connected)
	}
}

// handleMessage is the channel.RequestHandler for this tab's transport.
func (a *Adapter) handleMessage(ctx context.Context, env wire.Envelope) wire.Reply {
	switch env.Type {
	case wire.TypeConnectionStatus:
		var payload wire.ConnectionStatusPayload
		_ = env.Decode(&payload)
		a.handshakeOnce.Do(func() { close(a.handshake) })
		a.notifyStatus(payload.Connected)
		return wire.Reply{Success: true}
	case wire.TypeCallTool:
		return a.handleCallTool(ctx, env)
	default:
		return wire.Reply{Success: true}
	}
}

// invokeHandler runs a caller-registered tool handler with the same
// panic-isolation the registry gives listener callbacks: a panicking
// handler becomes an error result instead of taking down the adapter.
func (a *Adapter) invokeHandler(ctx context.Context, rec registry.Record, args map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Printf("tab %s: handler for %q panicked: %v", a.tabID, rec.Definition.Name, r)
			err = fmt.Errorf("%v", r)
		}
	}()
	return rec.Handler(ctx, args)
}

func (a *Adapter) handleCallTool(ctx context.Context, env wire.Envelope) wire.Reply {
	var payload wire.CallToolPayload
	if err := env.Decode(&payload); err != nil {
		return wire.Reply{Success: false, Error: err.Error()}
	}
	if payload.TargetTabID != "" && payload.TargetTabID != a.tabID {
		return wire.Reply{Success: true}
	}

	rec, ok := a.reg.Get(payload.ToolName)
	result := wire.ToolCallResultPayload{CallID: payload.CallID}
	if !ok {
		result.Success = false
		result.Error = fmt.Sprintf("%s: %s", wire.ErrUnknownTool, payload.ToolName)
	} else {
		var args map[string]interface{}
		if len(payload.Args) > 0 {
			if err := json.Unmarshal(payload.Args, &args); err != nil {
				result.Success = false
				result.Error = err.Error()
			}
		}
		if result.Error == "" {
			out, err := a.invokeHandler(ctx, rec, args)
			if err != nil {
				result.Success = false
				result.Error = err.Error()
			} else {
				raw, merr := json.Marshal(out)
				if merr != nil {
					result.Success = false
					result.Error = merr.Error()
				} else {
					result.Success = true
					result.Result = raw
				}
			}
		}
	}

	resultEnv, _ := wire.Encode(wire.TypeToolCallResult, result)
	if ch := a.channel(); ch != nil {
		if err := ch.Send(ctx, resultEnv); err != nil {
			a.logger.Printf("tab %s: send TOOL_CALL_RESULT for %s: %v", a.tabID, payload.CallID, err)
		}
	}
	return wire.Reply{Success: true}
}

// Package worker implements the worker tool registry (C6) and the MCP
// controller (C8): the advertised name->definition map backed by
// generated proxy handlers that route calls through the tab manager,
// plus the readiness-gated REGISTER_TOOL queue. Grounded directly on
// the teacher's internal/mcp/server.go registerTool/wrapTool pattern
// (mcp.NewToolWithRawSchema, mcpServer.AddTool, the
// success/IsError-content result shape), generalized from locally
// executed tools to tab-routed proxy handlers.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"browsermcp-runtime/internal/channel"
	"browsermcp-runtime/internal/recorder"
	"browsermcp-runtime/internal/registry"
	"browsermcp-runtime/internal/tabmanager"
	"browsermcp-runtime/internal/wire"
)

// DefaultToolCallTimeout is the per-call deadline spec.md names for the
// pending-call table (30s).
const DefaultToolCallTimeout = 30 * time.Second

// Controller is the worker's single coordinator: it owns the tab manager,
// the advertised MCP tool set, and the pending-call table correlating
// CALL_TOOL with TOOL_CALL_RESULT by callId.
type Controller struct {
	mcpSrv          *mcpserver.MCPServer
	tm              *tabmanager.Manager
	toolCallTimeout time.Duration
	logger          *log.Logger
	rec             *recorder.Recorder
	sink            wire.EventSink

	onAuthToken     func(token string)
	isLinkConnected func() bool

	mu         sync.RWMutex
	advertised map[string]registry.Definition
	tabChans   map[string]channel.Channel
	mcpReady   bool

	queueMu sync.Mutex
	queue   []registry.Definition

	pendingMu sync.Mutex
	pending   map[string]chan wire.ToolCallResultPayload
}

// Options configures a Controller at construction.
type Options struct {
	ToolCallTimeout time.Duration
	OnAuthToken     func(token string)
	IsLinkConnected func() bool
	Logger          *log.Logger
	// Recorder, if set, receives a JSONL trace of registration, routing,
	// and call-result lifecycle events for postmortem debugging. Optional.
	Recorder *recorder.Recorder
	// EventSink backs GET_EVENTS/STORE_EVENT. Defaults to wire.NoopEventSink,
	// since the event-tracker feature itself is an external collaborator.
	EventSink wire.EventSink
}

// New builds a Controller bound to mcpSrv and tm, and registers the
// list_browser_tabs meta tool immediately (it requires no readiness gate
// since it never proxies to a tab).
func New(mcpSrv *mcpserver.MCPServer, tm *tabmanager.Manager, opts Options) *Controller {
	if opts.ToolCallTimeout <= 0 {
		opts.ToolCallTimeout = DefaultToolCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.EventSink == nil {
		opts.EventSink = wire.NoopEventSink{}
	}
	c := &Controller{
		mcpSrv:          mcpSrv,
		tm:              tm,
		toolCallTimeout: opts.ToolCallTimeout,
		logger:          opts.Logger,
		rec:             opts.Recorder,
		sink:            opts.EventSink,
		onAuthToken:     opts.OnAuthToken,
		isLinkConnected: opts.IsLinkConnected,
		advertised:      make(map[string]registry.Definition),
		tabChans:        make(map[string]channel.Channel),
		pending:         make(map[string]chan wire.ToolCallResultPayload),
	}
	c.registerListTabsTool()
	return c
}

// HandleTabConnection binds a newly connected tab's channel and sends the
// initial CONNECTION_STATUS the tab adapter's init handshake waits on.
func (c *Controller) HandleTabConnection(ch channel.Channel) {
	ch.OnMessage(func(ctx context.Context, env wire.Envelope) wire.Reply {
		return c.dispatch(ch, ctx, env)
	})
	env, _ := wire.Encode(wire.TypeConnectionStatus, wire.ConnectionStatusPayload{Connected: true})
	if err := ch.Send(context.Background(), env); err != nil {
		c.logger.Printf("worker: initial CONNECTION_STATUS send failed: %v", err)
	}
}

// SetReady flips the MCP-server-bound-to-transport flag. Going true drains
// the REGISTER_TOOL queue in FIFO order.
func (c *Controller) SetReady(ready bool) {
	c.mu.Lock()
	c.mcpReady = ready
	c.mu.Unlock()
	if !ready {
		return
	}

	c.queueMu.Lock()
	pending := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for _, def := range pending {
		c.addToolToMCP(def)
	}
}

func (c *Controller) dispatch(ch channel.Channel, ctx context.Context, env wire.Envelope) wire.Reply {
	switch env.Type {
	case wire.TypeInit:
		var p wire.InitPayload
		_ = env.Decode(&p)
		if p.Token != "" && c.onAuthToken != nil {
			c.onAuthToken(p.Token)
		}
		return wire.Reply{Success: true}

	case wire.TypeSetAuthToken:
		var p wire.SetAuthTokenPayload
		_ = env.Decode(&p)
		if c.onAuthToken != nil {
			c.onAuthToken(p.Token)
		}
		return wire.Reply{Success: true}

	case wire.TypeRegisterTab:
		var p wire.RegisterTabPayload
		_ = env.Decode(&p)
		c.tm.RegisterTab(p.TabID, p.URL, p.Title, p.Timestamp)
		c.mu.Lock()
		c.tabChans[p.TabID] = ch
		c.mu.Unlock()
		c.broadcastTabList()
		return wire.Reply{Success: true}

	case wire.TypeSetActiveTab:
		var p wire.SetActiveTabPayload
		_ = env.Decode(&p)
		c.tm.SetActiveTab(p.TabID)
		c.broadcastTabList()
		return wire.Reply{Success: true}

	case wire.TypeRegisterTool:
		var p wire.RegisterToolPayload
		_ = env.Decode(&p)
		return c.handleRegisterTool(p)

	case wire.TypeUnregisterTool:
		var p wire.UnregisterToolPayload
		_ = env.Decode(&p)
		return c.handleUnregisterTool(p)

	case wire.TypeToolCallResult:
		var p wire.ToolCallResultPayload
		_ = env.Decode(&p)
		if !c.resolvePending(p.CallID, p) {
			c.logger.Printf("worker: TOOL_CALL_RESULT for unknown or already-timed-out call %s", p.CallID)
		}
		return wire.Reply{Success: true}

	case wire.TypeGetConnectionState:
		connected := c.isLinkConnected != nil && c.isLinkConnected()
		data, _ := json.Marshal(wire.ConnectionStatusPayload{Connected: connected})
		return wire.Reply{Success: true, Data: data}

	case wire.TypeGetEvents:
		var p struct {
			TabID string `json:"tabId"`
		}
		_ = env.Decode(&p)
		events, err := c.sink.Get(ctx, p.TabID)
		if err != nil {
			return wire.Reply{Success: false, Error: err.Error()}
		}
		data, _ := json.Marshal(events)
		return wire.Reply{Success: true, Data: data}

	case wire.TypeStoreEvent:
		var evt wire.Event
		_ = env.Decode(&evt)
		if err := c.sink.Store(ctx, evt); err != nil {
			return wire.Reply{Success: false, Error: err.Error()}
		}
		return wire.Reply{Success: true}

	default:
		return wire.Reply{Success: true}
	}
}

func (c *Controller) handleRegisterTool(payload wire.RegisterToolPayload) wire.Reply {
	isNewForTab, isNewTool := c.tm.RegisterToolForTab(payload.Name, payload.TabID)
	c.trace("tool_registered", payload.TabID, map[string]interface{}{
		"tool": payload.Name, "newForTab": isNewForTab, "newTool": isNewTool,
	})
	if isNewTool {
		def := registry.Definition{
			Name:        payload.Name,
			Description: payload.Description,
			InputSchema: payload.InputSchema,
		}
		c.advertiseOrQueue(def)
	}
	return wire.Reply{Success: true}
}

func (c *Controller) handleUnregisterTool(payload wire.UnregisterToolPayload) wire.Reply {
	outcome := c.tm.UnregisterToolFromTab(payload.Name, payload.TabID)
	c.trace("tool_unregistered", payload.TabID, map[string]interface{}{
		"tool": payload.Name, "wasRemoved": outcome.WasRemoved, "remainingTabs": outcome.RemainingTabs,
	})
	if outcome.WasRemoved {
		c.mu.Lock()
		delete(c.advertised, payload.Name)
		c.mu.Unlock()
		c.mcpSrv.DeleteTools(payload.Name)
	}
	return wire.Reply{Success: true}
}

// trace is a no-op when no recorder was configured; it exists so call
// sites don't need to nil-check c.rec themselves.
func (c *Controller) trace(eventType, sessionID string, data interface{}) {
	if c.rec == nil {
		return
	}
	c.rec.Log(eventType, sessionID, data)
}

func (c *Controller) advertiseOrQueue(def registry.Definition) {
	c.mu.Lock()
	c.advertised[def.Name] = def
	ready := c.mcpReady
	c.mu.Unlock()

	if ready {
		c.addToolToMCP(def)
		return
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, def)
	c.queueMu.Unlock()
}

func (c *Controller) addToolToMCP(def registry.Definition) {
	schema, err := json.Marshal(def.InputSchema)
	if err != nil {
		schema = []byte(`{"type":"object"}`)
	}
	mcpTool := mcp.NewToolWithRawSchema(def.Name, def.Description, schema)
	c.mcpSrv.AddTool(mcpTool, c.proxyHandler(def.Name))
}

func (c *Controller) broadcastTabList() {
	tabs := c.tm.ListTabs()
	active := c.tm.ActiveTab()
	summaries := make([]wire.TabSummary, 0, len(tabs))
	for _, t := range tabs {
		summaries = append(summaries, wire.TabSummary{
			TabID:    t.TabID,
			URL:      t.URL,
			Title:    t.Title,
			IsActive: t.TabID == active,
			LastSeen: time.UnixMilli(t.LastSeen).UTC().Format(time.RFC3339),
		})
	}
	env, _ := wire.Encode(wire.TypeTabListUpdated, wire.TabListUpdatedPayload{Tabs: summaries})

	c.mu.RLock()
	chans := make([]channel.Channel, 0, len(c.tabChans))
	for _, ch := range c.tabChans {
		chans = append(chans, ch)
	}
	c.mu.RUnlock()

	for _, ch := range chans {
		if err := ch.Send(context.Background(), env); err != nil {
			c.logger.Printf("worker: TAB_LIST_UPDATED broadcast failed: %v", err)
		}
	}
}

// proxyHandler builds the generated handler stored in the advertised MCP
// registry for name, delegating the routing/correlation work to callTool
// and only handling the MCP SDK's request/result marshaling here.
func (c *Controller) proxyHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := c.callTool(ctx, name, args)
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil, err
			}
			return errorResult(name, err), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(result))}, IsError: false}, nil
	}
}

// callTool routes name via the tab manager, correlates by a fresh callId,
// sends CALL_TOOL to the target tab, and awaits TOOL_CALL_RESULT. This is
// the core of C6/C8 kept independent of the MCP SDK's request/result types.
func (c *Controller) callTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	explicitTabID, _ := args["tabId"].(string)

	route := c.tm.RouteToolCall(name, explicitTabID)
	if route == nil {
		tabs := c.tm.ToolTabs(name)
		c.trace("tool_call_routed", explicitTabID, map[string]interface{}{"tool": name, "routed": false})
		return nil, fmt.Errorf("%w: %s (known tabs: %v)", wire.ErrNoRouteForTool, name, tabs)
	}
	c.trace("tool_call_routed", route.TargetTabID, map[string]interface{}{
		"tool": name, "routed": true, "reason": route.Reason,
	})

	c.mu.RLock()
	ch, ok := c.tabChans[route.TargetTabID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: target tab %s not connected", wire.ErrNoRouteForTool, route.TargetTabID)
	}

	argsRaw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	callID := uuid.NewString()
	waiter := c.registerPending(callID)

	callEnv, _ := wire.Encode(wire.TypeCallTool, wire.CallToolPayload{
		ToolName: name, Args: argsRaw, CallID: callID, TargetTabID: route.TargetTabID,
	})
	if err := ch.Send(ctx, callEnv); err != nil {
		c.forgetPending(callID)
		return nil, fmt.Errorf("%w: %v", wire.ErrTransportUnavailable, err)
	}

	timer := time.NewTimer(c.toolCallTimeout)
	defer timer.Stop()
	select {
	case result := <-waiter:
		c.trace("tool_call_result", route.TargetTabID, map[string]interface{}{
			"tool": name, "callId": callID, "success": result.Success,
		})
		if !result.Success {
			return nil, fmt.Errorf("%w: %s", wire.ErrHandlerError, result.Error)
		}
		return result.Result, nil
	case <-timer.C:
		c.forgetPending(callID)
		c.trace("tool_call_result", route.TargetTabID, map[string]interface{}{
			"tool": name, "callId": callID, "success": false, "timeout": true,
		})
		return nil, fmt.Errorf("%w: %s exceeded %s", wire.ErrToolCallTimeout, name, c.toolCallTimeout)
	case <-ctx.Done():
		c.forgetPending(callID)
		return nil, ctx.Err()
	}
}

func (c *Controller) registerPending(callID string) chan wire.ToolCallResultPayload {
	ch := make(chan wire.ToolCallResultPayload, 1)
	c.pendingMu.Lock()
	c.pending[callID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Controller) resolvePending(callID string, payload wire.ToolCallResultPayload) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}

func (c *Controller) forgetPending(callID string) {
	c.pendingMu.Lock()
	delete(c.pending, callID)
	c.pendingMu.Unlock()
}

func (c *Controller) registerListTabsTool() {
	schema := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	raw, _ := json.Marshal(schema)
	mcpTool := mcp.NewToolWithRawSchema("list_browser_tabs", "Lists the browser tabs currently connected to the worker.", raw)
	c.mcpSrv.AddTool(mcpTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tabs := c.tm.ListTabs()
		active := c.tm.ActiveTab()
		summaries := make([]wire.TabSummary, 0, len(tabs))
		for _, t := range tabs {
			summaries = append(summaries, wire.TabSummary{
				TabID:    t.TabID,
				URL:      t.URL,
				Title:    t.Title,
				IsActive: t.TabID == active,
				LastSeen: time.UnixMilli(t.LastSeen).UTC().Format(time.RFC3339),
			})
		}
		payload, err := json.Marshal(summaries)
		if err != nil {
			return errorResult("list_browser_tabs", err), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(payload))}, IsError: false}, nil
	})
}

func errorResult(name string, err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", name, err))},
		IsError: true,
	}
}

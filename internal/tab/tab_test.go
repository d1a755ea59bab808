package tab

import (
	"context"
	"errors"
	"testing"
	"time"

	"browsermcp-runtime/internal/channel"
	"browsermcp-runtime/internal/channel/inproc"
	"browsermcp-runtime/internal/registry"
	"browsermcp-runtime/internal/wire"
)

// fakeWorker acks the handshake/init/register lifecycle messages and
// forwards anything else (e.g. TOOL_CALL_RESULT) onto a channel for the
// test to inspect.
func fakeWorker(t *testing.T, worker channel.Channel, forwarded chan wire.Envelope) {
	t.Helper()
	worker.OnMessage(func(ctx context.Context, env wire.Envelope) wire.Reply {
		switch env.Type {
		case wire.TypeInit, wire.TypeRegisterTab, wire.TypeSetActiveTab, wire.TypeRegisterTool, wire.TypeUnregisterTool, wire.TypeSetAuthToken:
			return wire.Reply{Success: true}
		default:
			if forwarded != nil {
				forwarded <- env
			}
			return wire.Reply{Success: true}
		}
	})
}

func factoriesFor(ch channel.Channel) TransportFactories {
	return TransportFactories{Shared: func() (channel.Channel, error) { return ch, nil }}
}

func TestInitHandshakeTimeout(t *testing.T) {
	tabCh, workerCh := inproc.Pair()
	defer tabCh.Close()
	defer workerCh.Close()
	// no CONNECTION_STATUS is ever sent by the worker side

	a := New("tab-1", registry.New(nil), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := a.Init(ctx, factoriesFor(tabCh), InitOptions{BackendURL: "ws://example", HandshakeTimeout: 20 * time.Millisecond})
	if err == nil {
		t.Fatal("expected handshake timeout error")
	}
	if !errors.Is(err, wire.ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestInitFullFlow(t *testing.T) {
	tabCh, workerCh := inproc.Pair()
	defer tabCh.Close()
	defer workerCh.Close()
	fakeWorker(t, workerCh, nil)

	go func() {
		env, _ := wire.Encode(wire.TypeConnectionStatus, wire.ConnectionStatusPayload{Connected: true})
		_ = workerCh.Send(context.Background(), env)
	}()

	a := New("tab-1", registry.New(nil), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Init(ctx, factoriesFor(tabCh), InitOptions{BackendURL: "ws://example", URL: "https://app", Title: "App"}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	if err := a.WaitForInit(ctx); err != nil {
		t.Fatalf("WaitForInit returned error: %v", err)
	}
}

func TestRegisterToolQueuedBeforeInit(t *testing.T) {
	tabCh, workerCh := inproc.Pair()
	defer tabCh.Close()
	defer workerCh.Close()
	fakeWorker(t, workerCh, nil)

	go func() {
		env, _ := wire.Encode(wire.TypeConnectionStatus, wire.ConnectionStatusPayload{Connected: true})
		_ = workerCh.Send(context.Background(), env)
	}()

	a := New("tab-1", registry.New(nil), nil, nil)

	def := registry.Definition{Name: "get_time", InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}}
	handler := func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return "noon", nil }

	regResult := make(chan error, 1)
	go func() {
		_, err := a.RegisterTool(context.Background(), def, handler)
		regResult <- err
	}()

	time.Sleep(20 * time.Millisecond) // let RegisterTool enqueue before flush runs

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Init(ctx, factoriesFor(tabCh), InitOptions{BackendURL: "ws://example"}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}

	select {
	case err := <-regResult:
		if err != nil {
			t.Fatalf("expected queued registration to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued registration to resolve")
	}

	if !a.IsToolRegistered("get_time") {
		t.Error("expected get_time to be locally registered")
	}
}

func TestCallToolExecutesHandlerAndSendsResult(t *testing.T) {
	tabCh, workerCh := inproc.Pair()
	defer tabCh.Close()
	defer workerCh.Close()

	forwarded := make(chan wire.Envelope, 1)
	fakeWorker(t, workerCh, forwarded)

	go func() {
		env, _ := wire.Encode(wire.TypeConnectionStatus, wire.ConnectionStatusPayload{Connected: true})
		_ = workerCh.Send(context.Background(), env)
	}()

	a := New("tab-1", registry.New(nil), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Init(ctx, factoriesFor(tabCh), InitOptions{BackendURL: "ws://example"}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}

	def := registry.Definition{Name: "get_time", InputSchema: map[string]interface{}{"type": "object"}}
	handler := func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return "noon", nil }
	if _, err := a.RegisterTool(ctx, def, handler); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	callEnv, _ := wire.Encode(wire.TypeCallTool, wire.CallToolPayload{ToolName: "get_time", CallID: "call-1"})
	if err := workerCh.Send(ctx, callEnv); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	select {
	case got := <-forwarded:
		if got.Type != wire.TypeToolCallResult {
			t.Fatalf("expected TOOL_CALL_RESULT, got %s", got.Type)
		}
		var payload wire.ToolCallResultPayload
		if err := got.Decode(&payload); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if payload.CallID != "call-1" || !payload.Success {
			t.Errorf("unexpected result payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TOOL_CALL_RESULT")
	}
}

func TestCallToolHandlerPanicReturnsFailureResult(t *testing.T) {
	tabCh, workerCh := inproc.Pair()
	defer tabCh.Close()
	defer workerCh.Close()

	forwarded := make(chan wire.Envelope, 1)
	fakeWorker(t, workerCh, forwarded)

	go func() {
		env, _ := wire.Encode(wire.TypeConnectionStatus, wire.ConnectionStatusPayload{Connected: true})
		_ = workerCh.Send(context.Background(), env)
	}()

	a := New("tab-1", registry.New(nil), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Init(ctx, factoriesFor(tabCh), InitOptions{BackendURL: "ws://example"}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}

	def := registry.Definition{Name: "bad_tool", InputSchema: map[string]interface{}{"type": "object"}}
	handler := func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		var x interface{} = "not-a-map"
		return x.(map[string]interface{}), nil // deliberately bad type assertion
	}
	if _, err := a.RegisterTool(ctx, def, handler); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	callEnv, _ := wire.Encode(wire.TypeCallTool, wire.CallToolPayload{ToolName: "bad_tool", CallID: "call-1"})
	if err := workerCh.Send(ctx, callEnv); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	select {
	case got := <-forwarded:
		if got.Type != wire.TypeToolCallResult {
			t.Fatalf("expected TOOL_CALL_RESULT, got %s", got.Type)
		}
		var payload wire.ToolCallResultPayload
		if err := got.Decode(&payload); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if payload.CallID != "call-1" || payload.Success {
			t.Errorf("expected a failed result for a panicking handler, got %+v", payload)
		}
		if payload.Error == "" {
			t.Error("expected a non-empty error message describing the panic")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TOOL_CALL_RESULT after handler panic")
	}
}

func TestCallToolIgnoredForOtherTab(t *testing.T) {
	tabCh, workerCh := inproc.Pair()
	defer tabCh.Close()
	defer workerCh.Close()

	forwarded := make(chan wire.Envelope, 1)
	fakeWorker(t, workerCh, forwarded)

	go func() {
		env, _ := wire.Encode(wire.TypeConnectionStatus, wire.ConnectionStatusPayload{Connected: true})
		_ = workerCh.Send(context.Background(), env)
	}()

	a := New("tab-1", registry.New(nil), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Init(ctx, factoriesFor(tabCh), InitOptions{BackendURL: "ws://example"}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}

	def := registry.Definition{Name: "get_time", InputSchema: map[string]interface{}{"type": "object"}}
	handler := func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return "noon", nil }
	if _, err := a.RegisterTool(ctx, def, handler); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	callEnv, _ := wire.Encode(wire.TypeCallTool, wire.CallToolPayload{ToolName: "get_time", CallID: "call-2", TargetTabID: "tab-other"})
	if err := workerCh.Send(ctx, callEnv); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	select {
	case got := <-forwarded:
		t.Fatalf("expected no result forwarded for a mismatched target tab, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregisterToolTriState(t *testing.T) {
	tabCh, workerCh := inproc.Pair()
	defer tabCh.Close()
	defer workerCh.Close()
	fakeWorker(t, workerCh, nil)

	go func() {
		env, _ := wire.Encode(wire.TypeConnectionStatus, wire.ConnectionStatusPayload{Connected: true})
		_ = workerCh.Send(context.Background(), env)
	}()

	a := New("tab-1", registry.New(nil), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Init(ctx, factoriesFor(tabCh), InitOptions{BackendURL: "ws://example"}); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}

	if result, _ := a.UnregisterTool(ctx, "missing"); result != nil {
		t.Errorf("expected nil for unknown tool, got %v", *result)
	}

	def := registry.Definition{Name: "get_time", InputSchema: map[string]interface{}{"type": "object"}}
	handler := func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return "noon", nil }
	a.RegisterTool(ctx, def, handler)
	a.RegisterTool(ctx, def, handler)

	result, err := a.UnregisterTool(ctx, "get_time")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || *result {
		t.Fatalf("expected false (decremented but alive), got %v", result)
	}

	result, err = a.UnregisterTool(ctx, "get_time")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !*result {
		t.Fatalf("expected true (removed), got %v", result)
	}
}

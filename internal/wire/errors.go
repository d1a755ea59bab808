package wire

import "errors"

// Sentinel error kinds from the error handling design. Components wrap
// these with fmt.Errorf("%w: ...") at the point of detection so callers
// can errors.Is against the kind regardless of added context.
var (
	// ErrTransportUnavailable: no worker channel could be established.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrRequestTimeout: per-message reply deadline exceeded.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrWorkerError: worker returned {success:false, error}.
	ErrWorkerError = errors.New("worker error")
	// ErrUnknownTool: MCP call names a tool not in the advertised registry.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrNoRouteForTool: routing returned null (empty set or invalid explicit tabId).
	ErrNoRouteForTool = errors.New("no route for tool")
	// ErrToolCallTimeout: no TOOL_CALL_RESULT within the tool-call deadline.
	ErrToolCallTimeout = errors.New("tool call timeout")
	// ErrHandlerError: the tab handler returned an error; message propagated verbatim.
	ErrHandlerError = errors.New("handler error")
	// ErrAuthGated: link refused to open because requireAuth and no token.
	ErrAuthGated = errors.New("auth gated")
	// ErrRegistrationFailed: init failed because the worker rejected the handshake.
	ErrRegistrationFailed = errors.New("registration failed")
)

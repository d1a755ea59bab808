// Package wire defines the message envelope and discriminants exchanged
// between a tab adapter and the worker, independent of which Channel
// implementation carries them.
package wire

import "encoding/json"

// Type is the envelope discriminant.
type Type string

const (
	TypeInit               Type = "INIT"
	TypeSetAuthToken       Type = "SET_AUTH_TOKEN"
	TypeRegisterTab        Type = "REGISTER_TAB"
	TypeSetActiveTab       Type = "SET_ACTIVE_TAB"
	TypeRegisterTool       Type = "REGISTER_TOOL"
	TypeUnregisterTool     Type = "UNREGISTER_TOOL"
	TypeGetEvents          Type = "GET_EVENTS"
	TypeStoreEvent         Type = "STORE_EVENT"
	TypeGetConnectionState Type = "GET_CONNECTION_STATUS"
	TypeToolCallResult     Type = "TOOL_CALL_RESULT"
	TypeConnectionStatus   Type = "CONNECTION_STATUS"
	TypeCallTool           Type = "CALL_TOOL"
	TypeTabListUpdated     Type = "TAB_LIST_UPDATED"
)

// Envelope is the wire shape every message takes: a type discriminant plus
// an arbitrary payload, deferred to json.RawMessage until the handler for
// that type claims it.
type Envelope struct {
	Type Type `json:"type"`
	// ID correlates a request envelope with its Reply, standing in for the
	// ephemeral MessageChannel port the browser would transfer alongside
	// the message. Empty for fire-and-forget sends.
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is the shape of exactly one response delivered on a request's
// reply port, per the ephemeral-MessageChannel idiom described in the spec.
type Reply struct {
	// ID echoes the Envelope.ID it answers.
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// InitPayload is carried by INIT.
type InitPayload struct {
	BackendURL string `json:"backendUrl"`
	Token      string `json:"token,omitempty"`
}

// SetAuthTokenPayload is carried by SET_AUTH_TOKEN.
type SetAuthTokenPayload struct {
	Token string `json:"token"`
}

// RegisterTabPayload is carried by REGISTER_TAB.
type RegisterTabPayload struct {
	TabID     string `json:"tabId"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
}

// SetActiveTabPayload is carried by SET_ACTIVE_TAB.
type SetActiveTabPayload struct {
	TabID string `json:"tabId"`
}

// RegisterToolPayload is carried by REGISTER_TOOL. InputSchema carries the
// tab-augmented schema (additive tabId property, see internal/tab).
type RegisterToolPayload struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	HandlerType string                 `json:"handlerType"`
	TabID       string                 `json:"tabId"`
}

// UnregisterToolPayload is carried by UNREGISTER_TOOL. TabID is required;
// the spec's two conflicting variants are resolved in favor of the
// stricter, owner-required form (see design notes).
type UnregisterToolPayload struct {
	Name  string `json:"name"`
	TabID string `json:"tabId"`
}

// ToolCallResultPayload is carried by TOOL_CALL_RESULT.
type ToolCallResultPayload struct {
	CallID  string          `json:"callId"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ConnectionStatusPayload is carried by CONNECTION_STATUS.
type ConnectionStatusPayload struct {
	Connected bool `json:"connected"`
}

// CallToolPayload is carried by CALL_TOOL.
type CallToolPayload struct {
	ToolName    string          `json:"toolName"`
	Args        json.RawMessage `json:"args,omitempty"`
	CallID      string          `json:"callId"`
	TargetTabID string          `json:"targetTabId,omitempty"`
}

// TabSummary describes one tab row, used by TAB_LIST_UPDATED and the
// list_browser_tabs meta tool.
type TabSummary struct {
	TabID    string `json:"tabId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	IsActive bool   `json:"isActive"`
	LastSeen string `json:"lastSeen"`
}

// TabListUpdatedPayload is carried by TAB_LIST_UPDATED.
type TabListUpdatedPayload struct {
	Tabs []TabSummary `json:"tabs"`
}

// Encode wraps a typed payload into an Envelope.
func Encode(t Type, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals an Envelope's payload into dst.
func (e Envelope) Decode(dst interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// Package tabmanager implements the worker-side tab manager (C5): tab
// bookkeeping, active-tab tracking, the tool-to-tabs index, and the
// routing policy that picks which tab services a call. Grounded on the
// teacher's SessionManager (mcp-server/internal/browser/session_manager.go):
// a map guarded by sync.RWMutex plus metadata-updater closures, here
// generalized from browser sessions to simulated tabs.
package tabmanager

import (
	"sync"
	"time"
)

// Tab is the worker-side record for one registered tab.
type Tab struct {
	TabID    string
	URL      string
	Title    string
	LastSeen int64 // millis
}

// RouteReason explains why routeToolCall picked the tab it did.
type RouteReason string

const (
	ReasonExplicit      RouteReason = "explicit"
	ReasonSingleTab     RouteReason = "single_tab"
	ReasonActiveTab     RouteReason = "active_tab"
	ReasonActiveLacks   RouteReason = "active_lacks_tool"
	ReasonNoActiveTab   RouteReason = "no_active_tab"
)

// RouteResult is returned by RouteToolCall.
type RouteResult struct {
	TargetTabID string
	Reason      RouteReason
}

// UnregisterOutcome reports the effect of UnregisterToolFromTab.
type UnregisterOutcome struct {
	WasRemoved     bool
	RemainingTabs  int
	WasActiveTab   bool
}

// Manager is the worker's single source of truth for tabs and the
// tool-to-tabs index. All methods are safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	tabs      map[string]*Tab
	activeTab string
	// toolTabs maps a tool name to the set of tabIds that registered it.
	toolTabs map[string]map[string]struct{}
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		tabs:     make(map[string]*Tab),
		toolTabs: make(map[string]map[string]struct{}),
	}
}

// RegisterTab creates or refreshes a tab record.
func (m *Manager) RegisterTab(tabID, url, title string, timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs[tabID] = &Tab{TabID: tabID, URL: url, Title: title, LastSeen: timestamp}
}

// SetActiveTab marks tabID as the active tab. Passing an unknown tabID is
// a no-op aside from recording the id, mirroring a focus event racing a
// not-yet-processed REGISTER_TAB.
func (m *Manager) SetActiveTab(tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeTab = tabID
	if rec, ok := m.tabs[tabID]; ok {
		rec.LastSeen = time.Now().UnixMilli()
	}
}

// ActiveTab returns the currently active tab id, or "" if none.
func (m *Manager) ActiveTab() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeTab
}

// GetTab returns the record for tabID, if any.
func (m *Manager) GetTab(tabID string) (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tabs[tabID]
	if !ok {
		return Tab{}, false
	}
	return *rec, true
}

// ListTabs returns a snapshot of every known tab.
func (m *Manager) ListTabs() []Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tab, 0, len(m.tabs))
	for _, rec := range m.tabs {
		out = append(out, *rec)
	}
	return out
}

// RemoveTab deletes tabID's record and withdraws its tool registrations.
// Returns the set of tool names whose set became empty as a result, so
// the caller can withdraw them from the advertised registry.
func (m *Manager) RemoveTab(tabID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tabs, tabID)
	if m.activeTab == tabID {
		m.activeTab = ""
	}

	var emptied []string
	for name, set := range m.toolTabs {
		if _, ok := set[tabID]; !ok {
			continue
		}
		delete(set, tabID)
		if len(set) == 0 {
			delete(m.toolTabs, name)
			emptied = append(emptied, name)
		}
	}
	return emptied
}

// RegisterToolForTab adds tabID to name's tab set. Returns isNewForTab
// (the tab had not previously registered this name) and isNewTool (this
// is the first tab to register name at all, i.e. the advertised registry
// must add it).
func (m *Manager) RegisterToolForTab(name, tabID string) (isNewForTab, isNewTool bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, exists := m.toolTabs[name]
	if !exists {
		set = make(map[string]struct{})
		m.toolTabs[name] = set
	}
	_, already := set[tabID]
	set[tabID] = struct{}{}
	return !already, !exists
}

// UnregisterToolFromTab removes tabID from name's tab set.
func (m *Manager) UnregisterToolFromTab(name, tabID string) UnregisterOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.toolTabs[name]
	if !ok {
		return UnregisterOutcome{}
	}
	delete(set, tabID)
	outcome := UnregisterOutcome{WasActiveTab: tabID == m.activeTab, RemainingTabs: len(set)}
	if len(set) == 0 {
		delete(m.toolTabs, name)
		outcome.WasRemoved = true
	}
	return outcome
}

// ToolTabs returns a snapshot of the tab set registered for name.
func (m *Manager) ToolTabs(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.toolTabs[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for tabID := range set {
		out = append(out, tabID)
	}
	return out
}

// RouteToolCall implements the ordered decision tree: explicit tab wins
// if valid, a lone registrant wins regardless of focus, the active tab
// wins if it has the tool, otherwise an arbitrary member is picked.
// Returns nil if name has no registrants or an explicit tabId was
// supplied but is not among them.
func (m *Manager) RouteToolCall(name string, explicitTabID string) *RouteResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.toolTabs[name]
	if !ok || len(set) == 0 {
		return nil
	}

	if explicitTabID != "" {
		if _, ok := set[explicitTabID]; ok {
			return &RouteResult{TargetTabID: explicitTabID, Reason: ReasonExplicit}
		}
		return nil
	}

	if len(set) == 1 {
		for tabID := range set {
			return &RouteResult{TargetTabID: tabID, Reason: ReasonSingleTab}
		}
	}

	if m.activeTab != "" {
		if _, ok := set[m.activeTab]; ok {
			return &RouteResult{TargetTabID: m.activeTab, Reason: ReasonActiveTab}
		}
	}

	reason := ReasonActiveLacks
	if m.activeTab == "" {
		reason = ReasonNoActiveTab
	}
	for tabID := range set {
		return &RouteResult{TargetTabID: tabID, Reason: reason}
	}
	return nil
}

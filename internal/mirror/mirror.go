// Package mirror bridges the tab-side tool registry (C1) to the browser's
// native WebMCP surface (navigator.modelContext), when present. A process
// embedding this module into an actual browser host supplies a concrete
// NativeSurface; hosts without one use NoopSurface.
package mirror

import (
	"context"
	"log"
	"sync"

	"browsermcp-runtime/internal/registry"
)

// NativeSurface stands in for navigator.modelContext. registerTool,
// unregisterTool, and clearContext are used exactly as the WebMCP note
// defines them.
type NativeSurface interface {
	RegisterTool(def registry.Definition, execute func(ctx context.Context, args map[string]interface{}) (interface{}, error)) error
	UnregisterTool(name string) error
	ClearContext() error
}

// NoopSurface is the default NativeSurface for hosts with no
// navigator.modelContext equivalent; every call succeeds without effect.
type NoopSurface struct{}

func (NoopSurface) RegisterTool(registry.Definition, func(ctx context.Context, args map[string]interface{}) (interface{}, error)) error {
	return nil
}

func (NoopSurface) UnregisterTool(string) error { return nil }

func (NoopSurface) ClearContext() error { return nil }

// Mirror tracks which tool names have been pushed into a NativeSurface so
// it can idempotently unregister-then-reregister on update, and prune its
// own set on failure to avoid stale entries.
type Mirror struct {
	mu       sync.Mutex
	surface  NativeSurface
	enabled  bool
	mirrored map[string]struct{}
	logger   *log.Logger
}

// New creates a Mirror bound to surface. enabled matches the spec's
// "enabled by default" rule; pass false to start disabled.
func New(surface NativeSurface, enabled bool, logger *log.Logger) *Mirror {
	if surface == nil {
		surface = NoopSurface{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Mirror{
		surface:  surface,
		enabled:  enabled,
		mirrored: make(map[string]struct{}),
		logger:   logger,
	}
}

// OnRegister mirrors a successful worker-side registration. Because the
// native API forbids duplicate names, an existing mirror entry for this
// name is unregistered first.
func (m *Mirror) OnRegister(def registry.Definition, execute func(ctx context.Context, args map[string]interface{}) (interface{}, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}

	if _, already := m.mirrored[def.Name]; already {
		if err := m.surface.UnregisterTool(def.Name); err != nil {
			m.logger.Printf("mirror: unregister before re-register %q failed: %v", def.Name, err)
		}
		delete(m.mirrored, def.Name)
	}

	if err := m.surface.RegisterTool(def, execute); err != nil {
		m.logger.Printf("mirror: register %q failed: %v", def.Name, err)
		return
	}
	m.mirrored[def.Name] = struct{}{}
}

// OnUnregister removes name from the native surface, pruning the mirror's
// own set regardless of whether the underlying call succeeds.
func (m *Mirror) OnUnregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, tracked := m.mirrored[name]; !tracked {
		return
	}
	delete(m.mirrored, name)
	if err := m.surface.UnregisterTool(name); err != nil {
		m.logger.Printf("mirror: unregister %q failed: %v", name, err)
	}
}

// Clear empties the native surface. clearContext is preferred; on failure
// it falls back to per-name unregisters.
func (m *Mirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

func (m *Mirror) clearLocked() {
	if err := m.surface.ClearContext(); err != nil {
		m.logger.Printf("mirror: clearContext failed, falling back to per-name unregister: %v", err)
		for name := range m.mirrored {
			if uerr := m.surface.UnregisterTool(name); uerr != nil {
				m.logger.Printf("mirror: unregister %q failed: %v", name, uerr)
			}
		}
	}
	m.mirrored = make(map[string]struct{})
}

// SetEnabled toggles the mirror at runtime. Disabling flushes the native
// surface; enabling repopulates it from the supplied registry snapshot.
func (m *Mirror) SetEnabled(enabled bool, reg *registry.Registry, executeFor func(name string) func(ctx context.Context, args map[string]interface{}) (interface{}, error)) {
	m.mu.Lock()
	wasEnabled := m.enabled
	m.enabled = enabled
	if wasEnabled && !enabled {
		m.clearLocked()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if !wasEnabled && enabled && reg != nil {
		for _, name := range reg.Names() {
			rec, ok := reg.Get(name)
			if !ok {
				continue
			}
			m.OnRegister(rec.Definition, executeFor(name))
		}
	}
}

// Enabled reports whether the mirror is currently active.
func (m *Mirror) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// MirroredNames returns the tool names currently pushed into the native surface.
func (m *Mirror) MirroredNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.mirrored))
	for name := range m.mirrored {
		names = append(names, name)
	}
	return names
}

package plugin

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrPluginNotFound is returned when a requested hook cannot be found.
var ErrPluginNotFound = errors.New("hook not found")

// Manager discovers hooks in a directory.
type Manager struct {
	pluginDir string
	plugins   map[string]*Plugin
	mu        sync.RWMutex
}

// NewManager creates a Manager for the given hook directory.
func NewManager(pluginDir string) *Manager {
	return &Manager{
		pluginDir: pluginDir,
		plugins:   make(map[string]*Plugin),
	}
}

// Discover replaces the known hooks with those found in the hook directory.
// Each subdirectory holding a plugin.json with a name and an executable is one
// hook; anything else is ignored. A missing directory means no hooks.
func (m *Manager) Discover() error {
	found := make(map[string]*Plugin)

	entries, err := os.ReadDir(m.pluginDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if p, ok := loadHook(filepath.Join(m.pluginDir, entry.Name())); ok {
			found[p.Manifest.Name] = p
		}
	}

	m.mu.Lock()
	m.plugins = found
	m.mu.Unlock()
	return nil
}

// loadHook reads dir/plugin.json. Unreadable or incomplete manifests are
// skipped.
func loadHook(dir string) (*Plugin, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "plugin.json"))
	if err != nil {
		return nil, false
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	if manifest.Name == "" || manifest.Executable == "" {
		return nil, false
	}
	return &Plugin{
		Manifest:   manifest,
		Path:       dir,
		Executable: filepath.Join(dir, manifest.Executable),
	}, true
}

// Get returns a hook by name, or ErrPluginNotFound.
func (m *Manager) Get(name string) (*Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.plugins[name]; ok {
		return p, nil
	}
	return nil, ErrPluginNotFound
}

// List returns the discovered hooks ordered by name.
func (m *Manager) List() []*Plugin {
	m.mu.RLock()
	hooks := make([]*Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		hooks = append(hooks, p)
	}
	m.mu.RUnlock()

	slices.SortFunc(hooks, func(a, b *Plugin) int {
		return strings.Compare(a.Manifest.Name, b.Manifest.Name)
	})
	return hooks
}

// Subscribers returns the hooks that want event for a record with labels,
// ordered by name.
func (m *Manager) Subscribers(event string, labels []string) []*Plugin {
	var out []*Plugin
	for _, p := range m.List() {
		if p.Wants(event, labels) {
			out = append(out, p)
		}
	}
	return out
}

// PluginDir returns the hook directory path.
func (m *Manager) PluginDir() string {
	return m.pluginDir
}

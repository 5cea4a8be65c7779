package authkernel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrEthical07/authkernel/internal/logging"
)

type pluginRecord struct {
	plugin     Plugin
	installed  bool
	capability any
}

// PluginRegistry owns plugin records and their install state. A record exists
// from Register until Uninstall; its capability is set only while installed.
//
// Install and Uninstall are serialized. Plugin Install and Uninstall callbacks
// run outside the record lock, so they may read the registry.
type PluginRegistry struct {
	lifecycle sync.Mutex

	mu      sync.RWMutex
	records map[string]*pluginRecord
	order   []string

	logger *slog.Logger
}

// NewPluginRegistry returns an empty registry.
func NewPluginRegistry(logger *slog.Logger) *PluginRegistry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PluginRegistry{
		records: make(map[string]*pluginRecord),
		logger:  logger,
	}
}

// Register stores p as not installed. A second plugin with the same name is
// rejected and the registry is left unchanged.
func (r *PluginRegistry) Register(p Plugin) error {
	if p == nil {
		return configError("", ErrInvalidPlugin)
	}
	name := p.Name()
	if name == "" {
		return configError(name, ErrInvalidPlugin)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[name]; exists {
		return configError(name, ErrDuplicatePlugin)
	}
	r.records[name] = &pluginRecord{plugin: p}
	r.order = append(r.order, name)
	return nil
}

// Install installs the named plugin into k. Installing an installed plugin is
// a no-op. A failing or panicking Install returns *InstallError and leaves the
// record not installed.
func (r *PluginRegistry) Install(name string, k *Kernel) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	rec, ok := r.records[name]
	var (
		p         Plugin
		installed bool
	)
	if ok {
		p = rec.plugin
		installed = rec.installed
	}
	r.mu.RUnlock()

	if !ok {
		return configError(name, ErrPluginNotFound)
	}
	if installed {
		return nil
	}

	capability, err := safeInstall(p, k)
	if err != nil {
		r.logger.Warn("plugin install failed", "plugin", name, "error", err)
		return &InstallError{Plugin: name, Err: err}
	}

	r.mu.Lock()
	rec.installed = true
	rec.capability = capability
	r.mu.Unlock()

	r.logger.Debug("plugin installed", "plugin", name, "version", p.Version(), "kind", string(p.Kind()))
	return nil
}

func safeInstall(p Plugin, k *Kernel) (capability any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			capability = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Install(k)
}

// Uninstall removes the named plugin. Unknown names are ignored. If the plugin
// was installed and implements Uninstaller, its error or panic is logged and
// swallowed; the record is removed regardless.
func (r *PluginRegistry) Uninstall(name string) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	rec, ok := r.records[name]
	var (
		p         Plugin
		installed bool
	)
	if ok {
		p = rec.plugin
		installed = rec.installed
	}
	r.mu.RUnlock()

	if !ok {
		return
	}

	if installed {
		if u, ok := p.(Uninstaller); ok {
			if err := safeUninstall(u); err != nil {
				r.logger.Warn("plugin uninstall failed", "plugin", name, "error", err)
			}
		}
	}

	r.mu.Lock()
	delete(r.records, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

func safeUninstall(u Uninstaller) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Join(err, fmt.Errorf("panic: %v", rec))
		}
	}()
	return u.Uninstall()
}

// Get returns the registered plugin.
func (r *PluginRegistry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, false
	}
	return rec.plugin, true
}

// API returns the capability of an installed plugin.
func (r *PluginRegistry) API(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok || !rec.installed || rec.capability == nil {
		return nil, false
	}
	return rec.capability, true
}

// Has reports whether name is registered.
func (r *PluginRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[name]
	return ok
}

// IsInstalled reports whether name is registered and installed.
func (r *PluginRegistry) IsInstalled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return ok && rec.installed
}

// List returns every record in registration order.
func (r *PluginRegistry) List() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginInfo, 0, len(r.order))
	for _, name := range r.order {
		rec := r.records[name]
		out = append(out, PluginInfo{
			Name:    name,
			Version: rec.plugin.Version(),
			Kind:    rec.plugin.Kind(),
			Enabled: rec.installed,
		})
	}
	return out
}

// Names returns registered names in registration order.
func (r *PluginRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

package authkernel

// Kind tags what a plugin provides.
type Kind string

const (
	KindTokenStore Kind = "token-store"
	KindRefresh    Kind = "refresh"
	KindFetch      Kind = "fetch"
	KindStorage    Kind = "storage"
	KindSync       Kind = "sync"
	KindCustom     Kind = "custom"
)

// Plugin is an installable unit that exposes a capability to the kernel.
//
// Install is called once per registration, when the kernel initializes or
// when the plugin is added to an initialized kernel. The returned capability
// (possibly nil) is what Kernel.PluginAPI and Capability return for the
// plugin's name. Install must not register or install other plugins.
type Plugin interface {
	Name() string
	Version() string
	Kind() Kind
	Install(k *Kernel) (capability any, err error)
}

// Uninstaller is implemented by plugins that release resources on removal.
type Uninstaller interface {
	Uninstall() error
}

// PluginInfo is the introspection view of a registered plugin.
type PluginInfo struct {
	Name    string
	Version string
	Kind    Kind
	Enabled bool
}

// PluginFunc builds a custom plugin from an install function.
func PluginFunc(name, version string, install func(k *Kernel) (any, error)) Plugin {
	return &funcPlugin{name: name, version: version, install: install}
}

type funcPlugin struct {
	name    string
	version string
	install func(k *Kernel) (any, error)
}

func (p *funcPlugin) Name() string    { return p.name }
func (p *funcPlugin) Version() string { return p.version }
func (p *funcPlugin) Kind() Kind      { return KindCustom }

func (p *funcPlugin) Install(k *Kernel) (any, error) {
	if p.install == nil {
		return nil, nil
	}
	return p.install(k)
}

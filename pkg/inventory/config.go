package inventory

// Transport names understood by the inventory.
const (
	TransportSSH   = "ssh"
	TransportLocal = "local"
)

// DefaultTransport is used when neither the target URI nor any group names one.
const DefaultTransport = TransportSSH

// Config is the typed per-target transport configuration. Every field is
// optional so that group overlays can be merged field by field.
type Config struct {
	// Transport selects the transport when the target URI has no scheme.
	Transport *string `json:"transport,omitempty"`

	// SSH configures the ssh transport.
	SSH *TransportConfig `json:"ssh,omitempty"`

	// Local configures the local transport.
	Local *TransportConfig `json:"local,omitempty"`
}

// TransportConfig holds the connection settings for one transport.
type TransportConfig struct {
	User           *string           `json:"user,omitempty"`
	Password       *string           `json:"password,omitempty"`
	Port           *int              `json:"port,omitempty" validate:"omitempty,gt=0,lt=65536"`
	PrivateKey     *string           `json:"private-key,omitempty"`
	HostKeyCheck   *bool             `json:"host-key-check,omitempty"`
	KnownHosts     *string           `json:"known-hosts,omitempty"`
	ConnectTimeout *int              `json:"connect-timeout,omitempty" validate:"omitempty,gte=0"`
	RunAs          *string           `json:"run-as,omitempty"`
	SudoPassword   *string           `json:"sudo-password,omitempty"`
	TmpDir         *string           `json:"tmpdir,omitempty"`
	Interpreters   map[string]string `json:"interpreters,omitempty"`
}

// Merge returns c overlaid with overlay. Set fields of overlay win; unset
// fields fall through to c. Merge never mutates either operand.
func (c Config) Merge(overlay Config) Config {
	return Config{
		Transport: pick(c.Transport, overlay.Transport),
		SSH:       c.SSH.Merge(overlay.SSH),
		Local:     c.Local.Merge(overlay.Local),
	}
}

// Section returns the settings for the named transport, never nil.
func (c Config) Section(transport string) *TransportConfig {
	var section *TransportConfig
	switch transport {
	case TransportSSH:
		section = c.SSH
	case TransportLocal:
		section = c.Local
	}
	if section == nil {
		return &TransportConfig{}
	}
	return section
}

// withSection returns a copy of c with the named transport's section replaced.
func (c Config) withSection(transport string, section *TransportConfig) Config {
	switch transport {
	case TransportSSH:
		c.SSH = section
	case TransportLocal:
		c.Local = section
	}
	return c
}

// Merge returns t overlaid with overlay. Either side may be nil.
func (t *TransportConfig) Merge(overlay *TransportConfig) *TransportConfig {
	if t == nil && overlay == nil {
		return nil
	}
	base := t
	if base == nil {
		base = &TransportConfig{}
	}
	if overlay == nil {
		overlay = &TransportConfig{}
	}

	return &TransportConfig{
		User:           pick(base.User, overlay.User),
		Password:       pick(base.Password, overlay.Password),
		Port:           pick(base.Port, overlay.Port),
		PrivateKey:     pick(base.PrivateKey, overlay.PrivateKey),
		HostKeyCheck:   pick(base.HostKeyCheck, overlay.HostKeyCheck),
		KnownHosts:     pick(base.KnownHosts, overlay.KnownHosts),
		ConnectTimeout: pick(base.ConnectTimeout, overlay.ConnectTimeout),
		RunAs:          pick(base.RunAs, overlay.RunAs),
		SudoPassword:   pick(base.SudoPassword, overlay.SudoPassword),
		TmpDir:         pick(base.TmpDir, overlay.TmpDir),
		Interpreters:   mergeStrings(base.Interpreters, overlay.Interpreters),
	}
}

// Value dereferences p, returning def when p is nil.
func Value[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func pick[T any](base, overlay *T) *T {
	if overlay != nil {
		return overlay
	}
	return base
}

func mergeStrings(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

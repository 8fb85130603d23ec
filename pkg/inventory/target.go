package inventory

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Target is one independently addressable host. Connection parameters parsed
// from the URI override the matching fields of the group-derived config.
// Targets obtained from an Inventory share its per-run state.
type Target struct {
	name     string
	uri      string
	scheme   string
	host     string
	user     string
	password string
	port     int

	inv *Inventory
}

// NewTarget parses a target URI outside of any inventory. Such a target sees
// only its URI-embedded settings.
func NewTarget(uri string) (*Target, error) {
	return parseTarget(uri, uri)
}

func parseTarget(name, uri string) (*Target, error) {
	if uri == "" {
		uri = name
	}
	if uri == "" {
		return nil, fmt.Errorf("target name must not be empty")
	}

	raw := uri
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("could not parse target URI %q: %w", uri, err)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("could not parse target URI %q: unexpected path %q", uri, u.Path)
	}

	t := &Target{
		name:   name,
		uri:    uri,
		scheme: u.Scheme,
		host:   u.Hostname(),
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("could not parse target URI %q: invalid port %q", uri, p)
		}
		t.port = port
	}

	if u.User != nil {
		t.user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			t.password = pw
		}
	}

	if t.host == "" && t.scheme != TransportLocal {
		return nil, fmt.Errorf("could not parse target URI %q: missing host", uri)
	}

	return t, nil
}

// Name returns the target's name, unique within an inventory.
func (t *Target) Name() string { return t.name }

// URI returns the target's URI as declared.
func (t *Target) URI() string { return t.uri }

// Host returns the host part of the URI.
func (t *Target) Host() string {
	if t.host == "" {
		return t.name
	}
	return t.host
}

// Protocol returns the URI scheme, empty when none was given.
func (t *Target) Protocol() string { return t.scheme }

// Transport returns the transport used to reach the target: the URI scheme,
// else the configured transport, else the default.
func (t *Target) Transport() string {
	if t.scheme != "" {
		return t.scheme
	}
	if tr := t.data().Config.Transport; tr != nil && *tr != "" {
		return *tr
	}
	if t.name == "localhost" {
		return TransportLocal
	}
	return DefaultTransport
}

// Config returns the effective config with URI-embedded user, password and
// port applied to the active transport's section.
func (t *Target) Config() Config {
	cfg := t.data().Config
	transport := t.Transport()

	section := cfg.Section(transport)
	override := &TransportConfig{}
	if t.user != "" {
		override.User = Ptr(t.user)
	}
	if t.password != "" {
		override.Password = Ptr(t.password)
	}
	if t.port != 0 {
		override.Port = Ptr(t.port)
	}

	return cfg.withSection(transport, section.Merge(override))
}

// User returns the login user.
func (t *Target) User() string {
	return Value(t.Config().Section(t.Transport()).User, "")
}

// Password returns the login password.
func (t *Target) Password() string {
	return Value(t.Config().Section(t.Transport()).Password, "")
}

// Port returns the port, 0 meaning the transport default.
func (t *Target) Port() int {
	return Value(t.Config().Section(t.Transport()).Port, 0)
}

// Groups returns the names of the groups the target belongs to, outermost first.
func (t *Target) Groups() []string {
	return append([]string(nil), t.data().Groups...)
}

// Vars returns the target's vars.
func (t *Target) Vars() map[string]any {
	if t.inv == nil {
		return map[string]any{}
	}
	return t.inv.Vars(t)
}

// Facts returns the target's facts.
func (t *Target) Facts() map[string]any {
	if t.inv == nil {
		return map[string]any{}
	}
	return t.inv.Facts(t)
}

// Features returns the target's features, sorted.
func (t *Target) Features() []string {
	if t.inv == nil {
		return nil
	}
	return t.inv.Features(t)
}

// HasFeature reports whether the target has the named feature.
func (t *Target) HasFeature(feature string) bool {
	for _, f := range t.Features() {
		if f == feature {
			return true
		}
	}
	return false
}

// String returns the target name.
func (t *Target) String() string { return t.name }

// Detail returns a serializable description of the target.
func (t *Target) Detail() map[string]any {
	features := t.Features()
	sort.Strings(features)
	return map[string]any{
		"name":      t.name,
		"uri":       t.uri,
		"transport": t.Transport(),
		"user":      t.User(),
		"port":      t.Port(),
		"groups":    t.Groups(),
		"vars":      t.Vars(),
		"facts":     t.Facts(),
		"features":  features,
	}
}

func (t *Target) data() TargetData {
	if t.inv == nil {
		return TargetData{}
	}
	return t.inv.DataFor(t.name)
}

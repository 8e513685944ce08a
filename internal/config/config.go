// Package config handles TOML configuration parsing and validation for
// athena-ddnsd. Secrets are resolved to bytes at load time so no later
// subsystem re-reads files.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/athena-dhcpd/athena-ddnsd/internal/dnsclient"
)

// Config is the top-level configuration for athena-ddnsd.
type Config struct {
	Keys    map[string]*Key `toml:"keys"`
	A       []*Task         `toml:"a"`
	AAAA    []*Task         `toml:"aaaa"`
	Metrics MetricsConfig   `toml:"metrics"`
}

// MetricsConfig holds the optional Prometheus listener settings.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Key declares a TSIG key and the authoritative server it signs for.
// Exactly one of the four secret fields must be set.
type Key struct {
	Server           string `toml:"server"`
	Name             string `toml:"name"`
	Alg              string `toml:"alg"`
	Secret           string `toml:"secret"`
	SecretBase64     string `toml:"secret-base64"`
	SecretFile       string `toml:"secret-file"`
	SecretFileBase64 string `toml:"secret-file-base64"`

	// Resolved during Load.
	ServerAddr  netip.Addr `toml:"-"`
	Algorithm   string     `toml:"-"` // canonical DNS wire name
	SecretBytes []byte     `toml:"-"`
}

// Task declares one record to keep in sync with an interface address.
// Name may be empty for an AAAA task that only publishes neighbors.
type Task struct {
	Key       string            `toml:"key"`
	Name      string            `toml:"name"`
	Interface string            `toml:"interface"`
	Scope     string            `toml:"scope"`
	Zone      string            `toml:"zone"`
	TTL       uint32            `toml:"ttl"`
	Neighbors map[string]string `toml:"neighbors"`

	// Resolved during Load. ScopePrefix is the zero Prefix when no scope
	// was configured.
	ScopePrefix   netip.Prefix          `toml:"-"`
	NeighborAddrs map[string]netip.Addr `toml:"-"`
}

// Load reads and parses a TOML config file, resolves secrets, and
// validates every key and task.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate resolves and checks keys first, then both task lists.
func validate(cfg *Config) error {
	if len(cfg.Keys) == 0 {
		return errors.New("no keys configured")
	}
	for id, k := range cfg.Keys {
		if err := k.resolve(); err != nil {
			return fmt.Errorf("key %q: %w", id, err)
		}
	}
	for i, t := range cfg.A {
		if err := t.resolve(cfg.Keys, false); err != nil {
			return fmt.Errorf("[[a]] entry %d: %w", i, err)
		}
	}
	for i, t := range cfg.AAAA {
		if err := t.resolve(cfg.Keys, true); err != nil {
			return fmt.Errorf("[[aaaa]] entry %d: %w", i, err)
		}
	}
	return nil
}

// resolve parses the server address and algorithm and decodes the secret.
func (k *Key) resolve() error {
	if k.Name == "" {
		return errors.New("missing tsig key name")
	}

	addr, err := netip.ParseAddr(k.Server)
	if err != nil {
		return fmt.Errorf("parsing server address %q: %w", k.Server, err)
	}
	k.ServerAddr = addr

	alg, err := dnsclient.ParseAlgorithm(k.Alg)
	if err != nil {
		return err
	}
	k.Algorithm = alg

	secret, err := k.resolveSecret()
	if err != nil {
		return err
	}
	k.SecretBytes = secret
	return nil
}

// resolveSecret decodes the secret from exactly one configured source.
// A raw secret file is used byte-for-byte; a base64 secret file is
// whitespace-trimmed before decoding.
func (k *Key) resolveSecret() ([]byte, error) {
	sources := 0
	for _, s := range []string{k.Secret, k.SecretBase64, k.SecretFile, k.SecretFileBase64} {
		if s != "" {
			sources++
		}
	}
	if sources == 0 {
		return nil, errors.New("no secret source configured (one of secret, secret-base64, secret-file, secret-file-base64)")
	}
	if sources > 1 {
		return nil, errors.New("multiple secret sources configured, exactly one allowed")
	}

	switch {
	case k.Secret != "":
		return []byte(k.Secret), nil
	case k.SecretBase64 != "":
		secret, err := base64.StdEncoding.DecodeString(k.SecretBase64)
		if err != nil {
			return nil, fmt.Errorf("decoding secret-base64: %w", err)
		}
		return secret, nil
	case k.SecretFile != "":
		secret, err := os.ReadFile(k.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("reading secret-file: %w", err)
		}
		return secret, nil
	default:
		data, err := os.ReadFile(k.SecretFileBase64)
		if err != nil {
			return nil, fmt.Errorf("reading secret-file-base64: %w", err)
		}
		secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decoding secret-file-base64: %w", err)
		}
		return secret, nil
	}
}

// resolve checks key references, name/neighbor presence, the scope's
// address family, and parses neighbor templates.
func (t *Task) resolve(keys map[string]*Key, v6 bool) error {
	if _, ok := keys[t.Key]; !ok {
		return fmt.Errorf("references unknown key %q", t.Key)
	}
	if t.Interface == "" {
		return errors.New("missing interface")
	}

	if !v6 {
		if t.Name == "" {
			return errors.New("missing record name")
		}
		if len(t.Neighbors) > 0 {
			return errors.New("neighbors are not supported on A records")
		}
	} else if t.Name == "" && len(t.Neighbors) == 0 {
		return errors.New("needs a record name or neighbors")
	}

	if t.Scope != "" {
		p, err := netip.ParsePrefix(t.Scope)
		if err != nil {
			return fmt.Errorf("parsing scope %q: %w", t.Scope, err)
		}
		if p.Addr().Is4() == v6 {
			return fmt.Errorf("scope %s does not match the record's address family", p)
		}
		t.ScopePrefix = p
	}

	for name, tmpl := range t.Neighbors {
		a, err := netip.ParseAddr(tmpl)
		if err != nil {
			return fmt.Errorf("parsing neighbor %q template %q: %w", name, tmpl, err)
		}
		if !a.Is6() || a.Is4In6() {
			return fmt.Errorf("neighbor %q template %q is not an IPv6 address", name, tmpl)
		}
		if t.NeighborAddrs == nil {
			t.NeighborAddrs = make(map[string]netip.Addr, len(t.Neighbors))
		}
		t.NeighborAddrs[name] = a
	}
	return nil
}

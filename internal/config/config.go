// Package config loads the YAML file describing which build hosts the
// dispatch engine may use and how to reach each one, in the same
// load-with-defaults/atomic-save shape the rest of the ambient stack
// uses for on-disk state.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/xionghul/distcc/internal/dispatch"
)

// HostConfig is the on-disk description of one build host.
type HostConfig struct {
	Mode string `yaml:"mode"` // "tcp", "tunnel", or "websocket"

	Hostname string `yaml:"hostname,omitempty"`
	Port     int    `yaml:"port,omitempty"`

	TunnelUser    string `yaml:"tunnel-user,omitempty"`
	TunnelCommand string `yaml:"tunnel-command,omitempty"`

	GatewayURL string `yaml:"gateway-url,omitempty"`

	Preprocessing string `yaml:"preprocessing,omitempty"` // "client" or "server"
	ProtoVersion  uint32 `yaml:"proto-version,omitempty"`
	Compress      bool   `yaml:"compress,omitempty"`
	RequireAuth   bool   `yaml:"require-auth,omitempty"`

	// TrustedKey is a base64 RSA modulus. It is loaded and saved with
	// the file, but Host does not copy it into dispatch.Host and no
	// AUTH code checks it.
	TrustedKey string `yaml:"trusted-key,omitempty"`
}

// Config holds the full set of configured build hosts.
type Config struct {
	DefaultHost string                `yaml:"default-host"`
	Hosts       map[string]HostConfig `yaml:"hosts"`

	// ConfigDir is the directory the config file lives in; it is not
	// itself persisted.
	ConfigDir string `yaml:"-"`
}

// DefaultConfig is returned by Load when no config file exists yet: no
// hosts configured, local compilation only.
var DefaultConfig = Config{Hosts: map[string]HostConfig{}}

// Load reads the host configuration from path. A missing file is
// equivalent to DefaultConfig, matching the "absence of config is not
// an error" convention used for daemon/client settings elsewhere in
// this stack.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		withPath := DefaultConfig
		withPath.ConfigDir = filepath.Dir(path)
		return &withPath, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if c.Hosts == nil {
		c.Hosts = map[string]HostConfig{}
	}
	c.ConfigDir = filepath.Dir(path)

	return &c, nil
}

// Save writes c to path atomically: it is built in a ".new" sibling
// and renamed into place so a crash mid-write never leaves a
// half-written config file behind.
func Save(c *Config, path string) error {
	_ = os.Remove(path + ".new")
	_ = os.MkdirAll(filepath.Dir(path), 0o700)

	f, err := os.Create(path + ".new")
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(path + ".new")
	}()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("config: closing %s: %w", path, err)
	}

	if err := os.Rename(path+".new", path); err != nil {
		return fmt.Errorf("config: renaming into place: %w", err)
	}
	return nil
}

// Host looks up name and converts it into the dispatch.Host shape the
// orchestrator consumes.
func (c *Config) Host(name string) (dispatch.Host, error) {
	if name == "" {
		name = c.DefaultHost
	}

	hc, ok := c.Hosts[name]
	if !ok {
		return dispatch.Host{}, fmt.Errorf("config: no host named %q", name)
	}

	mode, err := parseMode(hc.Mode)
	if err != nil {
		return dispatch.Host{}, fmt.Errorf("config: host %q: %w", name, err)
	}

	site := dispatch.SiteClient
	if hc.Preprocessing == "server" {
		site = dispatch.SiteServer
	}

	return dispatch.Host{
		Name:          name,
		Mode:          mode,
		Hostname:      hc.Hostname,
		Port:          hc.Port,
		TunnelUser:    hc.TunnelUser,
		TunnelCommand: hc.TunnelCommand,
		GatewayURL:    hc.GatewayURL,
		Preprocessing: site,
		ProtoVersion:  hc.ProtoVersion,
		Compress:      hc.Compress,
		RequireAuth:   hc.RequireAuth,
	}, nil
}

func parseMode(m string) (dispatch.TransportMode, error) {
	switch m {
	case "", "tcp":
		return dispatch.TransportTCP, nil
	case "tunnel":
		return dispatch.TransportTunnel, nil
	case "websocket":
		return dispatch.TransportWebsocket, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q", m)
	}
}

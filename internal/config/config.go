// Package config loads the dispatcher's process-wide server configuration
// from a TOML file, read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultPort is used when [config].port is absent.
const DefaultPort = 5712

var (
	ErrMissingSecret       = errors.New("config: missing required field config.secret")
	ErrMissingCheckoutRoot = errors.New("config: missing required field config.checkout_root")
	ErrInvalidCheckoutRoot = errors.New("config: config.checkout_root must be an existing directory")
	ErrInvalidLogRoot      = errors.New("config: config.log_root must be an existing directory")
	ErrInvalidPort         = errors.New("config: config.port must fit in 16 bits")
)

// Archive configures the optional S3 log archiver.
type Archive struct {
	Bucket string `toml:"bucket"`
	Prefix string `toml:"prefix"`
	Region string `toml:"region"`
}

// Enabled reports whether archival is configured.
func (a Archive) Enabled() bool {
	return a.Bucket != ""
}

type configSection struct {
	Secret       string            `toml:"secret"`
	Port         int               `toml:"port"`
	CheckoutRoot string            `toml:"checkout_root"`
	LogRoot      string            `toml:"log_root"`
	Hostname     string            `toml:"hostname"`
	Archive      Archive           `toml:"archive"`
}

type fileFormat struct {
	Config configSection                          `toml:"config"`
	Env    map[string]map[string]map[string]map[string]string `toml:"env"`
}

// ServerConfig is the process-wide configuration loaded at startup.
type ServerConfig struct {
	Secret       string
	Port         int
	CheckoutRoot string
	LogRoot      string
	Hostname     string
	Archive      Archive

	// Env holds per owner/repo/branch environment injection maps, keyed
	// exactly as written under [env.<owner>.<repo>.<branch>].
	Env map[string]map[string]map[string]map[string]string
}

// PublicURL builds an absolute URL for path using the configured hostname
// and port. If no hostname is configured, path is returned unchanged
// (callers then serve a bare relative task_url, which is only usable by
// clients sharing the dispatcher's own origin).
func (c ServerConfig) PublicURL(path string) string {
	if c.Hostname == "" {
		return path
	}
	return fmt.Sprintf("http://%s:%d%s", c.Hostname, c.Port, path)
}

// EnvFor returns the environment injection map configured for a specific
// owner/repo/branch, or nil if none is configured.
func (c ServerConfig) EnvFor(owner, repo, branch string) map[string]string {
	byRepo, ok := c.Env[owner]
	if !ok {
		return nil
	}
	byBranch, ok := byRepo[repo]
	if !ok {
		return nil
	}
	return byBranch[branch]
}

// Load reads and validates a server configuration file.
func Load(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (ServerConfig, error) {
	var raw fileFormat
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return ServerConfig{}, fmt.Errorf("config: parse toml: %w", err)
	}

	if raw.Config.Secret == "" {
		return ServerConfig{}, ErrMissingSecret
	}

	port := raw.Config.Port
	if port == 0 {
		port = DefaultPort
	}
	if port < 0 || port > 65535 {
		return ServerConfig{}, ErrInvalidPort
	}

	if raw.Config.CheckoutRoot == "" {
		return ServerConfig{}, ErrMissingCheckoutRoot
	}
	if info, err := os.Stat(raw.Config.CheckoutRoot); err != nil || !info.IsDir() {
		return ServerConfig{}, ErrInvalidCheckoutRoot
	}

	logRoot := raw.Config.LogRoot
	if logRoot == "" {
		logRoot = raw.Config.CheckoutRoot
	}
	if info, err := os.Stat(logRoot); err != nil || !info.IsDir() {
		return ServerConfig{}, ErrInvalidLogRoot
	}

	return ServerConfig{
		Secret:       raw.Config.Secret,
		Port:         port,
		CheckoutRoot: raw.Config.CheckoutRoot,
		LogRoot:      logRoot,
		Hostname:     raw.Config.Hostname,
		Archive:      raw.Config.Archive,
		Env:          raw.Env,
	}, nil
}

package toolhub

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/gobwas/glob"
)

// Config is the declarative description of the connections a Hub should hold.
// Reconcile drives the registry toward it.
type Config struct {
	// Disabled pauses every connection without losing their registry entries.
	Disabled bool `json:"disabled,omitempty"`

	Connections []ConnectionSpec `json:"connections"`
}

// ConnectionSpec describes one named connection.
type ConnectionSpec struct {
	Name string `json:"name"`

	// Source namespaces the name: two specs with the same name but different
	// sources are distinct connections.
	Source string `json:"source,omitempty"`

	// Enabled defaults to true when absent. Disabled connections stay listable
	// as placeholder entries without an active transport.
	Enabled *bool `json:"enabled,omitempty"`

	Transport TransportSpec `json:"transport"`

	// NoTaskMethods are glob patterns (e.g. "tools/slow-*") naming methods
	// that must never be task-augmented on this connection, regardless of
	// what the peer advertises.
	NoTaskMethods []string `json:"noTaskMethods,omitempty"`
}

// IsEnabled reports whether this connection should hold an active transport.
func (s ConnectionSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Equal reports whether two specs describe the same connection identically, so
// reconciliation can skip restarting an unchanged connection.
func (s ConnectionSpec) Equal(other ConnectionSpec) bool {
	return s.Name == other.Name &&
		s.Source == other.Source &&
		s.IsEnabled() == other.IsEnabled() &&
		s.Transport.Equal(other.Transport) &&
		slices.Equal(s.NoTaskMethods, other.NoTaskMethods)
}

// LoadFunc produces a Config from a source the host chooses. LoadConfigFile is
// the file-backed implementation; tests inject their own.
type LoadFunc func() (Config, error)

// LoadConfigFile reads and validates a JSON config file.
func LoadConfigFile(path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(bs, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configs that cannot be reconciled: missing names, duplicate
// (name, source) pairs, unknown transport kinds, and malformed method patterns.
func (c Config) Validate() error {
	seen := make(map[connKey]struct{}, len(c.Connections))
	for _, spec := range c.Connections {
		if spec.Name == "" {
			return fmt.Errorf("connection with empty name")
		}
		key := connKey{name: spec.Name, source: spec.Source}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate connection %q", spec.Name)
		}
		seen[key] = struct{}{}

		if err := spec.Transport.Validate(); err != nil {
			return fmt.Errorf("connection %q: %w", spec.Name, err)
		}
		if _, err := compileMethodPatterns(spec.NoTaskMethods); err != nil {
			return fmt.Errorf("connection %q: %w", spec.Name, err)
		}
	}
	return nil
}

// compileMethodPatterns compiles method glob patterns, with "/" as the only
// separator so "tools/*" does not match nested method names.
func compileMethodPatterns(patterns []string) ([]glob.Glob, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid method pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

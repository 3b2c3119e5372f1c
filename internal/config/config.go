// Package config handles toolhost configuration loading.
//
// A single YAML file declares the tool servers the host may register,
// keyed by server name. The host package consumes descriptors through
// the [DescriptorSource] interface; [Config] implements it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds a server descriptor may declare.
const (
	KindStdio        = "stdio"
	KindHTTPStream   = "httpStream"
	KindLocalCommand = "localCommand"
)

// Capability names a server may declare.
const (
	CapTools     = "tools"
	CapPrompts   = "prompts"
	CapResources = "resources"
)

// Default timeouts applied when a descriptor leaves them unset.
const (
	DefaultRegistrationTimeout = 30 * time.Second
	DefaultCallTimeout         = 60 * time.Second
)

// ServerDescriptor declares one tool server: how to reach it, what it
// claims to provide, and the host-side policy knobs for it. Exactly one
// transport-specific field set must be populated, matching Kind:
// Path for stdio, Endpoint (+Headers) for httpStream, Command (+Args)
// for localCommand.
type ServerDescriptor struct {
	// Name is the unique server name. Filled from the config map key.
	Name string `yaml:"-"`

	// Kind selects the transport: stdio, httpStream, or localCommand.
	Kind string `yaml:"kind"`

	// Path is the server executable for stdio servers.
	Path string `yaml:"path,omitempty"`

	// Endpoint is the URL for httpStream servers.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Headers are sent with every httpStream request (e.g. Authorization).
	Headers map[string]string `yaml:"headers,omitempty"`

	// Command and Args describe a localCommand server.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// Env are additional environment variables for spawned servers
	// (format "KEY=VALUE"), appended to the host process environment.
	// Secret values are resolved before they reach this struct.
	Env []string `yaml:"env,omitempty"`

	// Capabilities the server declares: tools, prompts, resources.
	// Empty means tools only.
	Capabilities []string `yaml:"capabilities,omitempty"`

	// RegistrationTimeout bounds connect + handshake + discovery.
	RegistrationTimeout time.Duration `yaml:"registration_timeout,omitempty"`

	// CallTimeout is the default per-call bound for this server.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`

	// ExcludeNames are component local names hidden from all callers.
	ExcludeNames []string `yaml:"exclude_names,omitempty"`

	// RoutingWeight is a tie-break hint for automatic selection.
	// The router itself never consults it.
	RoutingWeight int `yaml:"routing_weight,omitempty"`
}

// UnmarshalYAML decodes a descriptor, accepting Go duration strings
// ("30s", "2m") for the timeout fields, which yaml cannot decode into
// time.Duration directly.
func (sd *ServerDescriptor) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Kind                string            `yaml:"kind"`
		Path                string            `yaml:"path"`
		Endpoint            string            `yaml:"endpoint"`
		Headers             map[string]string `yaml:"headers"`
		Command             string            `yaml:"command"`
		Args                []string          `yaml:"args"`
		Env                 []string          `yaml:"env"`
		Capabilities        []string          `yaml:"capabilities"`
		RegistrationTimeout string            `yaml:"registration_timeout"`
		CallTimeout         string            `yaml:"call_timeout"`
		ExcludeNames        []string          `yaml:"exclude_names"`
		RoutingWeight       int               `yaml:"routing_weight"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	sd.Kind = raw.Kind
	sd.Path = raw.Path
	sd.Endpoint = raw.Endpoint
	sd.Headers = raw.Headers
	sd.Command = raw.Command
	sd.Args = raw.Args
	sd.Env = raw.Env
	sd.Capabilities = raw.Capabilities
	sd.ExcludeNames = raw.ExcludeNames
	sd.RoutingWeight = raw.RoutingWeight

	var err error
	if sd.RegistrationTimeout, err = parseDuration(raw.RegistrationTimeout); err != nil {
		return fmt.Errorf("registration_timeout: %w", err)
	}
	if sd.CallTimeout, err = parseDuration(raw.CallTimeout); err != nil {
		return fmt.Errorf("call_timeout: %w", err)
	}
	return nil
}

// parseDuration parses a Go duration string; empty means unset.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Config holds all toolhost configuration.
type Config struct {
	Servers     map[string]*ServerDescriptor `yaml:"servers"`
	JournalPath string                       `yaml:"journal_path"`
	LogLevel    string                       `yaml:"log_level"`
}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./toolhost.yaml, ~/.config/toolhost/toolhost.yaml, /etc/toolhost/toolhost.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"toolhost.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolhost", "toolhost.yaml"))
	}

	paths = append(paths, "/etc/toolhost/toolhost.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, so header values and paths may
// reference secrets as ${VAR}.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	for name, sd := range cfg.Servers {
		sd.Name = name
		applyDefaults(sd)
		if err := ValidateDescriptor(sd); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
	}

	return cfg, nil
}

// ServerDescriptor returns the descriptor for a configured server name.
// This implements the host package's DescriptorSource interface.
func (c *Config) ServerDescriptor(name string) (*ServerDescriptor, error) {
	sd, ok := c.Servers[name]
	if !ok {
		return nil, fmt.Errorf("server %q not configured", name)
	}
	return sd, nil
}

// applyDefaults fills zero-valued descriptor fields.
func applyDefaults(sd *ServerDescriptor) {
	if sd.RegistrationTimeout <= 0 {
		sd.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if sd.CallTimeout <= 0 {
		sd.CallTimeout = DefaultCallTimeout
	}
	if len(sd.Capabilities) == 0 {
		sd.Capabilities = []string{CapTools}
	}
}

// ValidateDescriptor checks that exactly one transport field set is
// populated and that it matches the declared kind.
func ValidateDescriptor(sd *ServerDescriptor) error {
	hasPath := sd.Path != ""
	hasEndpoint := sd.Endpoint != ""
	hasCommand := sd.Command != ""

	switch sd.Kind {
	case KindStdio:
		if !hasPath {
			return fmt.Errorf("stdio server requires path")
		}
		if hasEndpoint || hasCommand {
			return fmt.Errorf("stdio server must set only path")
		}
	case KindHTTPStream:
		if !hasEndpoint {
			return fmt.Errorf("httpStream server requires endpoint")
		}
		if hasPath || hasCommand {
			return fmt.Errorf("httpStream server must set only endpoint")
		}
	case KindLocalCommand:
		if !hasCommand {
			return fmt.Errorf("localCommand server requires command")
		}
		if hasPath || hasEndpoint {
			return fmt.Errorf("localCommand server must set only command")
		}
	case "":
		return fmt.Errorf("missing transport kind")
	default:
		return fmt.Errorf("unknown transport kind %q", sd.Kind)
	}

	for _, cap := range sd.Capabilities {
		switch cap {
		case CapTools, CapPrompts, CapResources:
		default:
			return fmt.Errorf("unknown capability %q", cap)
		}
	}

	return nil
}

// HasCapability reports whether the descriptor declares the named capability.
func (sd *ServerDescriptor) HasCapability(name string) bool {
	for _, c := range sd.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Package common provides shared configuration loading for the optimusprime
// command-line binaries.
//
// Both binaries read YAML configuration files. Command-line flags override
// file values, and the client API key additionally falls back to the
// OPTIMUSPRIME_API_KEY environment variable.
package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AutoScots/optimusprime/archive"
	"github.com/AutoScots/optimusprime/server"
)

// APIKeyEnvVar is the environment fallback for the client credential.
const APIKeyEnvVar = "OPTIMUSPRIME_API_KEY"

// ClientPreferences are optional client-side behaviors.
type ClientPreferences struct {
	// AutoConfirm skips the interactive confirmation prompt.
	AutoConfirm bool `yaml:"auto_confirm"`

	// SaveHistory appends accepted submissions to a local JSONL file.
	SaveHistory bool `yaml:"save_history"`
}

// ClientConfig is the YAML configuration for the submission CLI.
type ClientConfig struct {
	APIKey        string `yaml:"api_key"`
	CompetitionID string `yaml:"competition_id"`

	// Format optionally forces the packaging format, bypassing server
	// negotiation. Empty means negotiate.
	Format string `yaml:"format"`

	ServerURL string `yaml:"server_url"`

	// CompressionLevel is a preset name (store, fastest, normal, best) or
	// a digit 0-9. Empty means the default level.
	CompressionLevel string `yaml:"compression_level"`

	// Exclude lists extra path patterns to leave out of the archive.
	Exclude []string `yaml:"exclude"`

	Preferences ClientPreferences `yaml:"preferences"`
}

// DefaultClientConfig returns a client configuration with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerURL:        "http://localhost:8080",
		CompressionLevel: "normal",
		Preferences: ClientPreferences{
			SaveHistory: true,
		},
	}
}

// LoadClientConfig reads and parses a client configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that can be verified without any I/O.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if _, err := archive.ParseCompressionLevel(c.CompressionLevel); err != nil {
		return err
	}
	if c.Format != "" {
		if _, err := archive.ParseFormat(c.Format); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes the configuration as a YAML document. It refuses to
// overwrite an existing file.
func (c *ClientConfig) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ResolveAPIKey returns the configured key, falling back to the
// OPTIMUSPRIME_API_KEY environment variable when empty.
func ResolveAPIKey(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(APIKeyEnvVar)
}

// ServerAuthConfig configures credential verification. When Tokens is empty
// every presented token is accepted and used as the identity directly.
type ServerAuthConfig struct {
	// Tokens maps accepted API keys to participant identities.
	Tokens map[string]string `yaml:"tokens"`
}

// ServerConfig is the YAML configuration for the submission service.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	StorageDir string `yaml:"storage_dir"`

	DefaultFormat      string `yaml:"default_format"`
	DefaultMaxAttempts int    `yaml:"default_max_attempts"`

	Auth         ServerAuthConfig     `yaml:"auth"`
	Competitions []server.Competition `yaml:"competitions"`

	EnablePprof bool `yaml:"enable_pprof"`

	DrainDuration            time.Duration `yaml:"drain_duration"`
	GracefulShutdownDuration time.Duration `yaml:"graceful_shutdown_duration"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
}

// DefaultServerConfig returns a server configuration with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:               ":8080",
		StorageDir:               "submissions",
		DefaultFormat:            string(archive.FormatRepo),
		DefaultMaxAttempts:       5,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadServerConfig reads and parses a server configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultServerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks server configuration consistency. Competition-level
// validation happens when the policy is built.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir is required")
	}
	if _, err := archive.ParseFormat(c.DefaultFormat); err != nil {
		return fmt.Errorf("default_format: %w", err)
	}
	if c.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("default_max_attempts must be positive, got %d", c.DefaultMaxAttempts)
	}
	return nil
}

// Resolver builds the identity resolver matching the auth configuration.
func (c *ServerConfig) Resolver() server.IdentityResolver {
	if len(c.Auth.Tokens) > 0 {
		return server.StaticResolver(c.Auth.Tokens)
	}
	return server.TokenIdentityResolver{}
}

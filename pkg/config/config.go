// Package config is the server's ambient configuration layer: load a YAML
// file (env-expanded, merged over built-in defaults with dario.cat/mergo),
// compile its resource declarations into a schema.Registry, and optionally
// hot-reload both when the file changes on disk — the teacher's
// config.Initialize/loader.go shape (pkg/config/loader.go in the example
// pack), generalised from AI-chat agent/chain/MCP-server registries to the
// sync engine's resource schema.
package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/liveframe/liveframe/pkg/schema"
)

// ServerYAML is the top-level shape of liveframe.yaml.
type ServerYAML struct {
	ListenAddr       string                  `yaml:"listen_addr,omitempty"`
	StorageDSN       string                  `yaml:"storage_dsn,omitempty"`
	AllowedWSOrigins []string                `yaml:"allowed_ws_origins,omitempty"`
	WriteTimeout     string                  `yaml:"write_timeout,omitempty"`
	Resources        map[string]ResourceYAML `yaml:"resources,omitempty"`
}

// Config is the fully resolved, ready-to-use configuration: defaults
// applied, environment variables expanded, schema compiled.
type Config struct {
	configDir string

	ListenAddr       string
	StorageDSN       string
	AllowedWSOrigins []string
	WriteTimeout     time.Duration

	Resources map[string]ResourceYAML
	Registry  *schema.Registry
}

// defaultServerYAML returns the built-in defaults every field falls back to
// when the YAML file omits it, mirroring the teacher's DefaultQueueConfig.
func defaultServerYAML() *ServerYAML {
	return &ServerYAML{
		ListenAddr:       ":8080",
		StorageDSN:       "memory",
		AllowedWSOrigins: []string{"http://localhost:5173"},
		WriteTimeout:     "5s",
		Resources:        make(map[string]ResourceYAML),
	}
}

// Initialize loads, merges, validates and compiles configuration from
// configDir. This is the primary entry point, mirroring the teacher's
// config.Initialize: load .env, load YAML, merge over defaults, build
// derived state (here: the schema.Registry in place of the teacher's
// Agent/Chain/MCPServer registries).
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("no .env file loaded, continuing with existing environment", "path", envPath, "error", err)
	}

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Info("configuration initialized", "resources", len(cfg.Resources), "listen_addr", cfg.ListenAddr)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	yamlCfg, err := loadServerYAML(configDir)
	if err != nil {
		return nil, err
	}

	merged := defaultServerYAML()
	if err := mergo.Merge(merged, yamlCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge server config: %w", err)
	}

	writeTimeout, err := time.ParseDuration(merged.WriteTimeout)
	if err != nil {
		return nil, NewValidationError("server", "write_timeout", "", fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}

	registry, err := BuildRegistry(merged.Resources)
	if err != nil {
		return nil, err
	}

	return &Config{
		configDir:        configDir,
		ListenAddr:       merged.ListenAddr,
		StorageDSN:       merged.StorageDSN,
		AllowedWSOrigins: merged.AllowedWSOrigins,
		WriteTimeout:     writeTimeout,
		Resources:        merged.Resources,
		Registry:         registry,
	}, nil
}

// ExpandEnv expands {{.VAR}} template references in YAML content before
// parsing, so liveframe.yaml can source values like storage_dsn or
// allowed_ws_origins from the environment. Missing variables expand to
// empty string. Shell-style ${VAR}/$VAR text is left as is, and content
// that fails to parse or execute as a template is returned unchanged.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}

func loadServerYAML(configDir string) (*ServerYAML, error) {
	path := filepath.Join(configDir, "liveframe.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg ServerYAML
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError("liveframe.yaml", fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	if cfg.Resources == nil {
		cfg.Resources = make(map[string]ResourceYAML)
	}
	return &cfg, nil
}

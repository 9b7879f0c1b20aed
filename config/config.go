// Package config holds the file configuration of the wasm-bridge CLI.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-bridge/diag"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/registry"
	"github.com/wippyai/wasm-bridge/runtime"
)

var validate = validator.New()

// Config is the YAML configuration of a bridge runtime.
type Config struct {
	Namespace   string      `yaml:"namespace" json:"namespace" validate:"required" jsonschema:"description=Default import namespace for host functions,default=env"`
	Engine      Engine      `yaml:"engine" json:"engine"`
	Allocator   Allocator   `yaml:"allocator" json:"allocator"`
	Diagnostics Diagnostics `yaml:"diagnostics" json:"diagnostics"`
	Log         Log         `yaml:"log" json:"log"`
}

// Engine configures the wazero engine.
type Engine struct {
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" json:"memory_limit_pages" validate:"lte=65536" jsonschema:"description=Per-instance memory cap in 64 KiB pages; 0 means the wazero default,maximum=65536"`
	Interpreter      bool   `yaml:"interpreter" json:"interpreter" jsonschema:"description=Use the interpreter instead of the compiler"`
}

// Allocator pins the guest allocator exports. Empty names probe the
// usual candidates.
type Allocator struct {
	Alloc string `yaml:"alloc" json:"alloc,omitempty" validate:"omitempty,printascii" jsonschema:"description=Guest export used to allocate"`
	Free  string `yaml:"free" json:"free,omitempty" validate:"omitempty,printascii" jsonschema:"description=Guest export used to free"`
}

// Diagnostics configures the debug_* host functions.
type Diagnostics struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" jsonschema:"description=Bind the debug_* host functions,default=true"`
	MaxString uint32 `yaml:"max_string" json:"max_string" validate:"gte=1" jsonschema:"description=Longest string or byte dump a guest may report,minimum=1"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level" json:"level" validate:"oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Development bool   `yaml:"development" json:"development" jsonschema:"description=Human-readable console output"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Namespace:   registry.DefaultNamespace,
		Diagnostics: Diagnostics{Enabled: true, MaxString: memory.DefaultMaxString},
		Log:         Log{Level: "info"},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// RuntimeOptions converts the configuration into runtime options. The
// diagnostic channel is built around sink; a nil sink logs through logger.
func (c *Config) RuntimeOptions(logger *zap.Logger, sink diag.Sink) []runtime.Option {
	opts := []runtime.Option{
		runtime.WithNamespace(c.Namespace),
		runtime.WithMemoryLimitPages(c.Engine.MemoryLimitPages),
		runtime.WithInterpreter(c.Engine.Interpreter),
		runtime.WithAllocator(c.Allocator.Alloc, c.Allocator.Free),
	}
	if logger != nil {
		opts = append(opts, runtime.WithLogger(logger))
	}
	if c.Diagnostics.Enabled {
		chOpts := []diag.Option{diag.WithMaxString(c.Diagnostics.MaxString)}
		switch {
		case sink != nil:
			chOpts = append(chOpts, diag.WithSink(sink))
		case logger != nil:
			chOpts = append(chOpts, diag.WithLogger(logger))
		}
		opts = append(opts, runtime.WithDiagnostics(diag.New(chOpts...)))
	}
	return opts
}

// Build creates the zap logger described by l.
func (l Log) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if l.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// Schema returns the JSON Schema of Config.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{ExpandedStruct: true}
	s := r.Reflect(&Config{})
	s.Title = "wasm-bridge configuration"
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return out, nil
}

package client

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/patchmirror/internal/core/mirror"
	"github.com/zeusync/patchmirror/internal/core/reconcile"
	"github.com/zeusync/patchmirror/internal/core/tracker"
	"github.com/zeusync/patchmirror/internal/core/transport"
)

// Config holds configuration for the client
type Config struct {
	Transport transport.Config `yaml:"transport"`

	// Dump endpoint used for bootstrap and every resync
	DumpURL     string        `yaml:"dump_url" validate:"required,url"`
	DumpTimeout time.Duration `yaml:"dump_timeout" validate:"gt=0"`

	// Ordering
	GapTimeout     time.Duration `yaml:"gap_timeout" validate:"gt=0"`
	BufferCapacity int           `yaml:"buffer_capacity" validate:"gte=1"`
	QueueSize      int           `yaml:"queue_size" validate:"gte=1"`

	Resync reconcile.Config `yaml:"resync"`

	// Logging
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error silent"`
}

// DefaultConfig returns default client configuration. URLs are left empty.
func DefaultConfig() Config {
	tc := tracker.DefaultConfig()
	return Config{
		Transport:      transport.DefaultConfig(),
		DumpTimeout:    30 * time.Second,
		GapTimeout:     tc.GapTimeout,
		BufferCapacity: tc.BufferCapacity,
		QueueSize:      mirror.DefaultConfig().QueueSize,
		Resync:         reconcile.DefaultConfig(),
		LogLevel:       "info",
	}
}

var validate = validator.New()

// Validate checks the struct tags of the whole configuration tree.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
// Durations are written as "5s", "250ms".
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Transport.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

func (c Config) engineConfig() mirror.Config {
	return mirror.Config{
		Tracker: tracker.Config{
			GapTimeout:     c.GapTimeout,
			BufferCapacity: c.BufferCapacity,
		},
		Reconcile: c.Resync,
		QueueSize: c.QueueSize,
	}
}

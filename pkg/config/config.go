// Package config provides configuration file support for ckpt.
//
// Configuration lives next to the storage root as config.yaml (or
// config.toml). Files ending in .toml are decoded with BurntSushi/toml,
// everything else with yaml.v3.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// File names searched by LoadFromRoot, in order.
const (
	YAMLFile = "config.yaml"
	TOMLFile = "config.toml"
)

// Config represents the ckpt configuration.
type Config struct {
	Snapshot  SnapshotConfig  `yaml:"snapshot" toml:"snapshot"`
	Backup    BackupConfig    `yaml:"backup" toml:"backup"`
	Rollback  RollbackConfig  `yaml:"rollback" toml:"rollback"`
	Safety    SafetyConfig    `yaml:"safety" toml:"safety"`
	Retention RetentionConfig `yaml:"retention" toml:"retention"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
}

// SnapshotConfig configures the archive snapshotter.
type SnapshotConfig struct {
	DefaultFormat string   `yaml:"default_format" toml:"default_format" validate:"oneof=tar tar.gz tar.bz2 tar.xz tar.zst mirror"`
	Compression   string   `yaml:"compression" toml:"compression" validate:"oneof=none fast default max"`
	Engine        string   `yaml:"engine" toml:"engine" validate:"oneof=auto copy reflink"`
	Exclude       []string `yaml:"exclude,omitempty" toml:"exclude,omitempty"`
}

// BackupConfig configures the incremental backup engine.
type BackupConfig struct {
	Exclude     []string `yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	HashWorkers int      `yaml:"hash_workers" toml:"hash_workers" validate:"gte=0,lte=256"`
}

// RollbackConfig configures the rollback orchestrator.
type RollbackConfig struct {
	RequireSafetyChecks bool `yaml:"require_safety_checks" toml:"require_safety_checks"`
	AutoCheckpoint      bool `yaml:"auto_checkpoint" toml:"auto_checkpoint"`
}

// SafetyConfig holds thresholds for the default pre-flight checks.
type SafetyConfig struct {
	MaxDiskUsagePercent float64 `yaml:"max_disk_usage_percent" toml:"max_disk_usage_percent" validate:"gt=0,lte=100"`
	MaxLoadAvg          float64 `yaml:"max_load_avg" toml:"max_load_avg" validate:"gte=0"`
	// NetworkProbeAddr enables the network check when set (host:port).
	NetworkProbeAddr string `yaml:"network_probe_addr" toml:"network_probe_addr" validate:"omitempty,hostname_port"`
	ProbeTimeout     string `yaml:"probe_timeout" toml:"probe_timeout" validate:"duration"`
}

// RetentionConfig configures cleanup of old snapshots and backups.
type RetentionConfig struct {
	KeepCount int    `yaml:"keep_count" toml:"keep_count" validate:"gte=0"`
	MinAge    string `yaml:"min_age" toml:"min_age" validate:"duration"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// StoreConfig selects the rollback point/operation store.
type StoreConfig struct {
	Type       string `yaml:"type" toml:"type" validate:"oneof=memory badger"`
	SyncWrites bool   `yaml:"sync_writes" toml:"sync_writes"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Snapshot: SnapshotConfig{
			DefaultFormat: string(model.FormatTarGz),
			Compression:   "default",
			Engine:        "auto",
		},
		Backup: BackupConfig{
			HashWorkers: 4,
		},
		Rollback: RollbackConfig{
			RequireSafetyChecks: true,
			AutoCheckpoint:      true,
		},
		Safety: SafetyConfig{
			MaxDiskUsagePercent: 90,
			MaxLoadAvg:          10,
			ProbeTimeout:        "5s",
		},
		Retention: RetentionConfig{
			KeepCount: 10,
			MinAge:    "168h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Type:       "badger",
			SyncWrites: true,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errclass.ErrConfigInvalid.WithMessage(strings.Join(msgs, "; "))
		}
		return errclass.ErrConfigInvalid.Wrap(err)
	}
	return nil
}

// Format returns the configured default snapshot format.
func (c *Config) Format() model.ArchiveFormat {
	f, ok := model.ParseArchiveFormat(c.Snapshot.DefaultFormat)
	if !ok {
		return model.FormatTarGz
	}
	return f
}

// RetentionPolicy converts the retention section.
func (c *Config) RetentionPolicy() (model.RetentionPolicy, error) {
	age, err := time.ParseDuration(c.Retention.MinAge)
	if err != nil {
		return model.RetentionPolicy{}, errclass.ErrConfigInvalid.WithMessagef("retention.min_age: %v", err)
	}
	p := model.RetentionPolicy{KeepCount: c.Retention.KeepCount, MinAge: age}
	return p, p.Validate()
}

// ProbeTimeout returns the network probe timeout, defaulting to 5s.
func (c *Config) ProbeTimeout() time.Duration {
	d, err := time.ParseDuration(c.Safety.ProbeTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads the configuration file at path on top of the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, errclass.ErrConfigInvalid.WithMessagef("parse %s", path).Wrap(err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errclass.ErrConfigInvalid.WithMessagef("parse %s", path).Wrap(err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the configuration file of the storage root: config.yaml or
// config.toml, whichever exists, preferring config.yaml.
func Path(root string) string {
	for _, name := range []string{YAMLFile, TOMLFile} {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(root, YAMLFile)
}

// LoadFromRoot loads config.yaml or config.toml from the storage root.
// Returns the defaults if neither exists.
func LoadFromRoot(root string) (*Config, error) {
	path := Path(root)
	if _, err := os.Stat(path); err != nil {
		return Default(), nil
	}
	return Load(path)
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = out
	}

	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

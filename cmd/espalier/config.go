package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/espalier/store"
)

// Config is the CLI configuration. Values come from the config file, then
// ESPALIER_* environment variables, then flags.
type Config struct {
	Connection string `yaml:"connection"`
	Region     string `yaml:"region"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	Bucket     string `yaml:"bucket"`
	Scope      string `yaml:"scope"`
	Collection string `yaml:"collection"`
	Type       string `yaml:"type"`

	Transaction TransactionConfig `yaml:"transaction"`
	Log         LogConfig         `yaml:"log"`
}

type TransactionConfig struct {
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() Config {
	def := store.DefaultConfig()
	return Config{
		Connection: "dynamodb://",
		Scope:      "_default",
		Collection: "_default",
		Type:       "doc",
		Transaction: TransactionConfig{
			Attempts: def.TransactionAttempts,
			Timeout:  def.TransactionTimeout,
		},
		Log: LogConfig{Level: "warn", Format: "console"},
	}
}

// loadConfigFile overlays the YAML file at path onto cfg. A missing file is
// only an error when required.
func loadConfigFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays ESPALIER_* variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ESPALIER_CONNECTION": &cfg.Connection,
		"ESPALIER_REGION":     &cfg.Region,
		"ESPALIER_USERNAME":   &cfg.Username,
		"ESPALIER_PASSWORD":   &cfg.Password,
		"ESPALIER_BUCKET":     &cfg.Bucket,
		"ESPALIER_SCOPE":      &cfg.Scope,
		"ESPALIER_COLLECTION": &cfg.Collection,
		"ESPALIER_TYPE":       &cfg.Type,
		"ESPALIER_LOG_LEVEL":  &cfg.Log.Level,
		"ESPALIER_LOG_FORMAT": &cfg.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("ESPALIER_TRANSACTION_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ESPALIER_TRANSACTION_ATTEMPTS: %w", err)
		}
		cfg.Transaction.Attempts = n
	}
	if v, ok := lookup("ESPALIER_TRANSACTION_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ESPALIER_TRANSACTION_TIMEOUT: %w", err)
		}
		cfg.Transaction.Timeout = d
	}
	return nil
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required (--bucket, ESPALIER_BUCKET or config file)")
	}
	if c.Type == "" {
		return errors.New("type must not be empty")
	}
	return nil
}

func (c Config) keyspace() store.Keyspace {
	return store.Keyspace{Bucket: c.Bucket, Scope: c.Scope, Collection: c.Collection}
}

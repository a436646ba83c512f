package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/pipebuilder"
)

// defaultConfigPath is read when --config is not given and the file exists.
const defaultConfigPath = "pipebuilder.yaml"

// Config is the YAML configuration of the command line tool.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Render   RenderConfig  `yaml:"render"`
	Diff     DiffConfig    `yaml:"diff"`
	Mongo    MongoConfig   `yaml:"mongo"`
	Catalog  CatalogConfig `yaml:"catalog"`
}

// RenderConfig controls how pipelines are printed.
type RenderConfig struct {
	Indent int  `yaml:"indent"`
	ASCII  bool `yaml:"ascii"`
}

// DiffConfig controls the diff command.
type DiffConfig struct {
	ContextLines int `yaml:"context_lines"`
}

// MongoConfig is used by the run command.
type MongoConfig struct {
	URI          string        `yaml:"uri"`
	Database     string        `yaml:"database"`
	Timeout      time.Duration `yaml:"timeout"`
	AllowDiskUse bool          `yaml:"allow_disk_use"`
}

// CatalogConfig locates the pipeline catalog database.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		LogLevel: "warn",
		Render: RenderConfig{
			Indent: pipebuilder.DefaultIndent,
		},
		Diff: DiffConfig{
			ContextLines: 3,
		},
		Mongo: MongoConfig{
			URI:     "mongodb://localhost:27017",
			Timeout: 30 * time.Second,
		},
		Catalog: CatalogConfig{
			Path: "pipebuilder.db",
		},
	}
}

// loadConfig reads path over the defaults. A missing file is only an error
// when the path was given explicitly.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Render.Indent < 0 {
		return errors.New("render.indent cannot be negative")
	}
	if c.Diff.ContextLines < 0 {
		return errors.New("diff.context_lines cannot be negative")
	}
	if c.Mongo.Timeout < 0 {
		return errors.New("mongo.timeout cannot be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c Config) renderOptions() []pipebuilder.RenderOption {
	return []pipebuilder.RenderOption{
		pipebuilder.WithIndent(c.Render.Indent),
		pipebuilder.WithASCII(c.Render.ASCII),
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

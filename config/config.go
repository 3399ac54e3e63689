// Package config loads the server configuration from a YAML file, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/store"
)

// Config is the server configuration.
//
//	host: 0.0.0.0
//	port: "8080"
//	store:
//	  backend: sqlite
//	  data_dir: ./data
//	records:
//	  - name: users
//	    revisions: true
//	    schema:
//	      type: object
//	      required: [name]
type Config struct {
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	Store store.Config `yaml:"store"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
	Metrics  bool   `yaml:"metrics"`

	Records []record.Definition `yaml:"records"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           "8080",
		AllowedOrigins: []string{"*"},
		Store:          store.Config{Backend: "json", DataDir: "./data"},
		LogLevel:       "info",
	}
}

// Load reads the YAML file at path over the defaults and applies the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Host, "HOST")
	set(&c.Port, "PORT")
	set(&c.Store.DataDir, "DATA_DIR")
	set(&c.Store.Backend, "STORE_BACKEND")
	set(&c.Store.DSN, "DATABASE_URL")
	set(&c.LogLevel, "LOG_LEVEL")
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
}

// FlagSet defines the command line flags ApplyFlags understands.
func FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to a YAML config file")
	fs.StringP("record", "r", "", "Record type to serve (default: the only one configured)")
	fs.String("host", "", "Listen host")
	fs.StringP("port", "p", "", "Listen port")
	fs.String("backend", "", "Store backend: json, sqlite, postgres, pebble, memory")
	fs.String("data-dir", "", "Data directory for file backends")
	fs.String("dsn", "", "PostgreSQL connection string")
	fs.String("log-level", "", "Log level: trace, debug, info, warn, error")
	fs.Bool("log-json", false, "Log as JSON")
	fs.Bool("metrics", false, "Serve Prometheus metrics at /metrics")
	return fs
}

// ApplyFlags overrides settings with the flags that were set on fs.
func (c *Config) ApplyFlags(fs *flag.FlagSet) error {
	strs := map[string]*string{
		"host":      &c.Host,
		"port":      &c.Port,
		"backend":   &c.Store.Backend,
		"data-dir":  &c.Store.DataDir,
		"dsn":       &c.Store.DSN,
		"log-level": &c.LogLevel,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	bools := map[string]*bool{
		"log-json": &c.LogJSON,
		"metrics":  &c.Metrics,
	}
	for name, dst := range bools {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

// Definition returns the record type called name. An empty name selects the
// only configured record type, or a schemaless "records" type when none is
// configured.
func (c *Config) Definition(name string) (record.Definition, error) {
	if name == "" {
		switch len(c.Records) {
		case 0:
			return record.Definition{Name: "records"}, nil
		case 1:
			return c.Records[0], nil
		default:
			return record.Definition{}, fmt.Errorf("%d record types configured, choose one with --record", len(c.Records))
		}
	}
	for _, def := range c.Records {
		if def.Name == name {
			return def, nil
		}
	}
	return record.Definition{}, fmt.Errorf("record type %q is not configured", name)
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Port == "" {
		errs = multierror.Append(errs, fmt.Errorf("port is empty"))
	}
	switch c.Store.Backend {
	case "json", "sqlite", "pebble", "memory", "":
	case "postgres":
		if c.Store.DSN == "" {
			errs = multierror.Append(errs, fmt.Errorf("postgres backend needs a dsn"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	seen := map[string]bool{}
	for i, def := range c.Records {
		if err := def.Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("records[%d]: %w", i, err))
			continue
		}
		if seen[def.Name] {
			errs = multierror.Append(errs, fmt.Errorf("records[%d]: duplicate name %q", i, def.Name))
		}
		seen[def.Name] = true
	}
	return errs.ErrorOrNil()
}

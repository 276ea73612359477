// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"mellium.im/bosh"
	"mellium.im/bosh/upstream"
)

// config is the daemon configuration.
// Values are loaded in order from the built in defaults, the YAML config file,
// the BOSHD_* environment variables, and finally command line flags.
type config struct {
	// Listen is the TCP address the HTTP server listens on.
	Listen string `yaml:"listen" env:"BOSHD_LISTEN"`

	// Path is the HTTP path that BOSH requests are served from.
	Path string `yaml:"path" env:"BOSHD_PATH"`

	// PublicURL is the externally reachable URL of the BOSH endpoint.
	// If set it is advertised in the host-meta document.
	PublicURL string `yaml:"public_url" env:"BOSHD_PUBLIC_URL"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert" env:"BOSHD_TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"BOSHD_TLS_KEY"`

	LogLevel  string `yaml:"log_level" env:"BOSHD_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"BOSHD_LOG_FORMAT"`

	MaxWait        time.Duration `yaml:"max_wait" env:"BOSHD_MAX_WAIT"`
	MaxHold        int           `yaml:"max_hold" env:"BOSHD_MAX_HOLD"`
	Inactivity     time.Duration `yaml:"inactivity" env:"BOSHD_INACTIVITY"`
	Polling        time.Duration `yaml:"polling" env:"BOSHD_POLLING"`
	MaxPause       time.Duration `yaml:"max_pause" env:"BOSHD_MAX_PAUSE"`
	StartupTimeout time.Duration `yaml:"startup_timeout" env:"BOSHD_STARTUP_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"BOSHD_WRITE_TIMEOUT"`
	MaxBodySize    int64         `yaml:"max_body_size" env:"BOSHD_MAX_BODY_SIZE"`
	MaxSessions    int           `yaml:"max_sessions" env:"BOSHD_MAX_SESSIONS"`
	CreateRate     float64       `yaml:"create_rate" env:"BOSHD_CREATE_RATE"`
	CreateBurst    int           `yaml:"create_burst" env:"BOSHD_CREATE_BURST"`
	AllowRoute     bool          `yaml:"allow_route" env:"BOSHD_ALLOW_ROUTE"`
	Compression    bool          `yaml:"compression" env:"BOSHD_COMPRESSION"`
	Origin         string        `yaml:"origin" env:"BOSHD_ORIGIN"`

	// NoStartTLS disables negotiation of TLS on upstream XMPP connections.
	NoStartTLS bool `yaml:"no_starttls" env:"BOSHD_NO_STARTTLS"`

	// RequireStartTLS refuses upstream servers that do not offer StartTLS.
	RequireStartTLS bool `yaml:"require_starttls" env:"BOSHD_REQUIRE_STARTTLS"`

	// DomainsFile is a YAML file with allow and deny lists that is reloaded
	// whenever it changes.
	DomainsFile string `yaml:"domains_file" env:"BOSHD_DOMAINS_FILE"`

	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

func defaultConfig() config {
	return config{
		Listen:         ":5280",
		Path:           "/http-bind",
		LogLevel:       "info",
		LogFormat:      "text",
		MaxWait:        bosh.DefaultMaxWait,
		MaxHold:        bosh.DefaultMaxHold,
		Inactivity:     bosh.DefaultInactivity,
		Polling:        bosh.DefaultPolling,
		MaxPause:       bosh.DefaultMaxPause,
		StartupTimeout: bosh.DefaultStartupTimeout,
		WriteTimeout:   upstream.DefaultWriteTimeout,
		MaxBodySize:    bosh.DefaultMaxBodySize,
		Compression:    true,
	}
}

// loadConfig returns the default configuration overridden by the YAML file at
// path (if path is not empty) and then by the environment.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, fmt.Errorf("error loading %s: %w", path, err)
		}
	}
	err := envdecode.Decode(&cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("error loading environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d := yaml.NewDecoder(f)
	d.KnownFields(true)
	err = d.Decode(c)
	if err == io.EOF {
		return nil
	}
	return err
}

func (c config) validate() error {
	if c.Path == "" || !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must be absolute, got %q", c.Path)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if c.MaxHold < 0 || c.MaxSessions < 0 || c.CreateRate < 0 || c.CreateBurst < 0 {
		return errors.New("limits must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return err
	}
	return nil
}

// logger returns a logger that writes to w in the configured format.
func (c config) logger(w io.Writer) *slog.Logger {
	var lvl slog.Level
	// Errors were already reported by validate.
	_ = lvl.UnmarshalText([]byte(c.LogLevel))
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// domains returns the allow and deny lists from the config merged with those
// in list.
func (c config) domains(list domainList) bosh.DomainPolicy {
	return bosh.DomainPolicy{
		Allow: append(append([]string(nil), c.Allow...), list.Allow...),
		Deny:  append(append([]string(nil), c.Deny...), list.Deny...),
	}
}

// manager returns the configuration of the session manager.
func (c config) manager(logger *slog.Logger, list domainList) bosh.Config {
	return bosh.Config{
		MaxWait:        c.MaxWait,
		MaxHold:        c.MaxHold,
		Inactivity:     c.Inactivity,
		Polling:        c.Polling,
		MaxPause:       c.MaxPause,
		StartupTimeout: c.StartupTimeout,
		MaxBodySize:    c.MaxBodySize,
		MaxSessions:    c.MaxSessions,
		CreateRate:     rate.Limit(c.CreateRate),
		CreateBurst:    c.CreateBurst,
		Domains:        c.domains(list),
		AllowRoute:     c.AllowRoute,
		Compression:    c.Compression,
		Origin:         c.Origin,
		Connector: bosh.DialConnector(&upstream.Dialer{
			NoTLS:        c.NoStartTLS,
			RequireTLS:   c.RequireStartTLS,
			WriteTimeout: c.WriteTimeout,
			Logger:       logger,
		}),
		Logger: logger,
	}
}

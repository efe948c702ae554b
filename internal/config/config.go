// Package config loads and validates the TOML configuration files for
// cmd/catsd and cmd/catsc (spec.md's ambient configuration concern).
//
// Grounded on cmd/ghostctl/config.go's meta.IsDefined()-gated field
// overrides (github.com/BurntSushi/toml): a fileConfig struct decoded
// with DecodeFile, then copied field-by-field onto a defaulted runtime
// struct only where the file actually set the key, so an absent key
// never clobbers a programmatic default with TOML's zero value.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the runtime configuration for cmd/catsd.
type ServerConfig struct {
	ListenAddr          string
	AdminAddr           string
	ProtocolVersion      uint32
	IdleTimeout          time.Duration
	InputTimeout         time.Duration
	HandshakeTimeout     time.Duration
	InputLimit           int
	PingInterval         time.Duration
	DefaultSchemeFormat  string

	HandshakeSecret string
	HandshakeWindow int
}

// DefaultServerConfig returns the baseline cmd/catsd falls back to when a
// TOML key is absent.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:          ":7700",
		AdminAddr:           ":7701",
		ProtocolVersion:     1,
		IdleTimeout:         90 * time.Second,
		InputTimeout:        30 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		InputLimit:          5,
		PingInterval:        60 * time.Second,
		DefaultSchemeFormat: "json",
	}
}

type serverFile struct {
	ListenAddr          string `toml:"listen_addr"`
	AdminAddr           string `toml:"admin_addr"`
	ProtocolVersion     uint32 `toml:"protocol_version"`
	IdleTimeout         string `toml:"idle_timeout"`
	InputTimeout        string `toml:"input_timeout"`
	HandshakeTimeout    string `toml:"handshake_timeout"`
	InputLimit          int    `toml:"input_limit"`
	PingInterval        string `toml:"ping_interval"`
	DefaultSchemeFormat string `toml:"default_scheme_format"`
	HandshakeSecret     string `toml:"handshake_secret"`
	HandshakeWindow     int    `toml:"handshake_window"`
}

// LoadServerConfig decodes path over DefaultServerConfig, then validates
// the result.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("protocol_version") {
		cfg.ProtocolVersion = raw.ProtocolVersion
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("input_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.InputTimeout))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse input_timeout: %w", err)
		}
		cfg.InputTimeout = d
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("input_limit") {
		cfg.InputLimit = raw.InputLimit
	}
	if meta.IsDefined("ping_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PingInterval))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("parse ping_interval: %w", err)
		}
		cfg.PingInterval = d
	}
	if meta.IsDefined("default_scheme_format") {
		cfg.DefaultSchemeFormat = strings.ToLower(strings.TrimSpace(raw.DefaultSchemeFormat))
	}
	if meta.IsDefined("handshake_secret") {
		cfg.HandshakeSecret = raw.HandshakeSecret
	}
	if meta.IsDefined("handshake_window") {
		cfg.HandshakeWindow = raw.HandshakeWindow
	}

	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ValidateServerConfig enforces the invariants cmd/catsd needs before it
// binds a listener.
func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("server config missing listen_addr")
	}
	if cfg.ProtocolVersion == 0 {
		return fmt.Errorf("server config protocol_version must be > 0")
	}
	if cfg.InputLimit <= 0 {
		return fmt.Errorf("server config input_limit must be > 0")
	}
	switch cfg.DefaultSchemeFormat {
	case "json", "yaml", "toml":
	default:
		return fmt.Errorf("server config default_scheme_format must be json, yaml, or toml, got %q", cfg.DefaultSchemeFormat)
	}
	return nil
}

// ClientConfig is the runtime configuration for cmd/catsc.
type ClientConfig struct {
	Addr                string
	DialTimeout         time.Duration
	ProtocolVersion     uint32
	IdleTimeout         time.Duration
	InputTimeout        time.Duration
	HandshakeTimeout    time.Duration
	InputLimit          int
	SchemeFormat        string
	Compressors         []int
	DefaultCompression  *int
	APIVersion          int

	HandshakeSecret string
	HandshakeWindow int
}

// DefaultClientConfig is cmd/catsc's fallback before a TOML file is
// applied.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:             "127.0.0.1:7700",
		DialTimeout:      10 * time.Second,
		ProtocolVersion:  1,
		IdleTimeout:       90 * time.Second,
		InputTimeout:      30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		InputLimit:        5,
		SchemeFormat:      "json",
		Compressors:       []int{0, 1, 2},
		APIVersion:        1,
	}
}

type clientFile struct {
	Addr                string `toml:"addr"`
	DialTimeout         string `toml:"dial_timeout"`
	ProtocolVersion     uint32 `toml:"protocol_version"`
	IdleTimeout         string `toml:"idle_timeout"`
	InputTimeout        string `toml:"input_timeout"`
	HandshakeTimeout    string `toml:"handshake_timeout"`
	InputLimit          int    `toml:"input_limit"`
	SchemeFormat        string `toml:"scheme_format"`
	Compressors         []int  `toml:"compressors"`
	DefaultCompression  *int   `toml:"default_compression"`
	APIVersion          int    `toml:"api_version"`
	HandshakeSecret     string `toml:"handshake_secret"`
	HandshakeWindow     int    `toml:"handshake_window"`
}

// LoadClientConfig decodes path over DefaultClientConfig, then validates
// the result.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}
	if meta.IsDefined("protocol_version") {
		cfg.ProtocolVersion = raw.ProtocolVersion
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("input_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.InputTimeout))
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse input_timeout: %w", err)
		}
		cfg.InputTimeout = d
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return ClientConfig{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("input_limit") {
		cfg.InputLimit = raw.InputLimit
	}
	if meta.IsDefined("scheme_format") {
		cfg.SchemeFormat = strings.ToLower(strings.TrimSpace(raw.SchemeFormat))
	}
	if meta.IsDefined("compressors") {
		cfg.Compressors = raw.Compressors
	}
	if meta.IsDefined("default_compression") {
		cfg.DefaultCompression = raw.DefaultCompression
	}
	if meta.IsDefined("api_version") {
		cfg.APIVersion = raw.APIVersion
	}
	if meta.IsDefined("handshake_secret") {
		cfg.HandshakeSecret = raw.HandshakeSecret
	}
	if meta.IsDefined("handshake_window") {
		cfg.HandshakeWindow = raw.HandshakeWindow
	}

	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// ValidateClientConfig enforces the invariants cmd/catsc needs before it
// dials, mirroring statement.Client.Validate's compressors rule.
func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("client config missing addr")
	}
	if len(cfg.Compressors) == 0 {
		return fmt.Errorf("client config compressors must not be empty")
	}
	if cfg.DefaultCompression != nil {
		found := false
		for _, id := range cfg.Compressors {
			if id == *cfg.DefaultCompression {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("client config default_compression %d not in compressors", *cfg.DefaultCompression)
		}
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadServerConfigAppliesDefaultsForAbsentKeys(t *testing.T) {
	path := writeTemp(t, "server.toml", `listen_addr = ":9999"`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	defaults := DefaultServerConfig()
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.IdleTimeout != defaults.IdleTimeout {
		t.Errorf("IdleTimeout = %v, want default %v", cfg.IdleTimeout, defaults.IdleTimeout)
	}
	if cfg.DefaultSchemeFormat != defaults.DefaultSchemeFormat {
		t.Errorf("DefaultSchemeFormat = %q, want default %q", cfg.DefaultSchemeFormat, defaults.DefaultSchemeFormat)
	}
}

func TestLoadServerConfigOverridesEveryField(t *testing.T) {
	path := writeTemp(t, "server.toml", `
listen_addr = ":1111"
admin_addr = ":1112"
protocol_version = 3
idle_timeout = "5s"
input_timeout = "6s"
handshake_timeout = "7s"
input_limit = 9
ping_interval = "8s"
default_scheme_format = "YAML"
handshake_secret = "topsecret"
handshake_window = 30
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.ListenAddr != ":1111" || cfg.AdminAddr != ":1112" || cfg.ProtocolVersion != 3 {
		t.Errorf("basic fields = %+v", cfg)
	}
	if cfg.IdleTimeout != 5*time.Second || cfg.InputTimeout != 6*time.Second || cfg.HandshakeTimeout != 7*time.Second {
		t.Errorf("durations = %+v", cfg)
	}
	if cfg.InputLimit != 9 || cfg.PingInterval != 8*time.Second {
		t.Errorf("input_limit/ping_interval = %+v", cfg)
	}
	if cfg.DefaultSchemeFormat != "yaml" {
		t.Errorf("DefaultSchemeFormat = %q, want lowercased yaml", cfg.DefaultSchemeFormat)
	}
	if cfg.HandshakeSecret != "topsecret" || cfg.HandshakeWindow != 30 {
		t.Errorf("handshake fields = %+v", cfg)
	}
}

func TestLoadServerConfigRejectsInvalidSchemeFormat(t *testing.T) {
	path := writeTemp(t, "server.toml", `default_scheme_format = "protobuf"`)
	if _, err := LoadServerConfig(path); err == nil {
		t.Error("LoadServerConfig should reject an unsupported default_scheme_format")
	}
}

func TestValidateServerConfig(t *testing.T) {
	valid := DefaultServerConfig()
	if err := ValidateServerConfig(valid); err != nil {
		t.Errorf("ValidateServerConfig(defaults) = %v, want nil", err)
	}

	missingAddr := valid
	missingAddr.ListenAddr = ""
	if err := ValidateServerConfig(missingAddr); err == nil {
		t.Error("ValidateServerConfig should reject an empty listen_addr")
	}

	zeroVersion := valid
	zeroVersion.ProtocolVersion = 0
	if err := ValidateServerConfig(zeroVersion); err == nil {
		t.Error("ValidateServerConfig should reject protocol_version 0")
	}
}

func TestLoadClientConfigDefaultsAndOverrides(t *testing.T) {
	path := writeTemp(t, "client.toml", `
addr = "example.test:7700"
compressors = [0, 2]
default_compression = 2
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Addr != "example.test:7700" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if len(cfg.Compressors) != 2 || cfg.Compressors[1] != 2 {
		t.Errorf("Compressors = %v", cfg.Compressors)
	}
	if cfg.DefaultCompression == nil || *cfg.DefaultCompression != 2 {
		t.Errorf("DefaultCompression = %v, want 2", cfg.DefaultCompression)
	}
	defaults := DefaultClientConfig()
	if cfg.DialTimeout != defaults.DialTimeout {
		t.Errorf("DialTimeout = %v, want default %v", cfg.DialTimeout, defaults.DialTimeout)
	}
}

func TestLoadClientConfigRejectsMismatchedDefaultCompression(t *testing.T) {
	path := writeTemp(t, "client.toml", `
compressors = [0, 1]
default_compression = 2
`)
	if _, err := LoadClientConfig(path); err == nil {
		t.Error("LoadClientConfig should reject a default_compression absent from compressors")
	}
}

func TestValidateClientConfigRejectsEmptyCompressors(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Compressors = nil
	if err := ValidateClientConfig(cfg); err == nil {
		t.Error("ValidateClientConfig should reject an empty compressors list")
	}
}

func TestTemplateUnknownKind(t *testing.T) {
	if _, err := Template("bogus"); err == nil {
		t.Error("Template should reject an unknown kind")
	}
}

func TestWriteTemplateRefusesToClobberWithoutForce(t *testing.T) {
	path := writeTemp(t, "server.toml", "existing = true")
	if err := WriteTemplate(path, "server", false); err == nil {
		t.Error("WriteTemplate should refuse to overwrite an existing file without force")
	}
	if err := WriteTemplate(path, "server", true); err != nil {
		t.Errorf("WriteTemplate with force: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back template: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty server template contents")
	}
}

func TestWriteTemplateClientCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	if err := WriteTemplate(path, "client", false); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}
	if _, err := LoadClientConfig(path); err != nil {
		t.Errorf("LoadClientConfig on generated template: %v", err)
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns the default TOML text for kind ("server" or
// "client"), for cmd/catsconfig's generator.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// WriteTemplate writes kind's template to path, refusing to clobber an
// existing file unless overwrite is set.
func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `listen_addr = ":7700"
admin_addr = ":7701"
protocol_version = 1
idle_timeout = "90s"
input_timeout = "30s"
handshake_timeout = "10s"
input_limit = 5
ping_interval = "60s"
default_scheme_format = "json"

# handshake_secret enables the SHA-256 time-bounded handshake when set.
# handshake_secret = "change-me"
# handshake_window = 1
`

const clientTemplate = `addr = "127.0.0.1:7700"
dial_timeout = "10s"
protocol_version = 1
idle_timeout = "90s"
input_timeout = "30s"
handshake_timeout = "10s"
input_limit = 5
scheme_format = "json"
compressors = [0, 1, 2]
default_compression = 1
api_version = 1

# handshake_secret = "change-me"
# handshake_window = 1
`

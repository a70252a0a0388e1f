// Package config loads Pigeon's configuration surface (spec.md §6
// "Configuration surface"): a small struct populated with defaults
// and then overridden by PIGEON_* environment variables, stdlib only
// (see DESIGN.md for why no configuration library is pulled in for a
// struct this small).
package config

import (
	"os"
	"strconv"

	"github.com/CalebFields/Pigeon/internal/perr"
)

// Config is Pigeon's recognized configuration surface.
type Config struct {
	DataDir     string
	LogLevel    string
	ListenAddr  string
	EnableMDNS  bool
	Passphrase  string
}

// Default returns the built-in defaults before environment overrides.
func Default() Config {
	return Config{
		DataDir:    "./pigeon-data",
		LogLevel:   "info",
		ListenAddr: "127.0.0.1:7777",
		EnableMDNS: false,
	}
}

// Load returns Default() overridden by any recognized PIGEON_*
// environment variable.
func Load() (Config, error) {
	c := Default()

	if v, ok := os.LookupEnv("PIGEON_DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("PIGEON_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("PIGEON_LISTEN_ADDR"); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv("PIGEON_ENABLE_MDNS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, perr.ConfigError("PIGEON_ENABLE_MDNS must be a boolean", err)
		}
		c.EnableMDNS = b
	}
	if v, ok := os.LookupEnv("PIGEON_PASSPHRASE"); ok {
		c.Passphrase = v
	}

	switch c.LogLevel {
	case "debug", "info", "error", "silent":
	default:
		return Config{}, perr.ConfigError("log_level must be one of debug, info, error, silent", nil)
	}
	return c, nil
}

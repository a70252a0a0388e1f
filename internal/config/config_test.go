package config

import "testing"

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.DataDir != "./pigeon-data" || c.LogLevel != "info" || c.ListenAddr != "127.0.0.1:7777" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.EnableMDNS {
		t.Fatal("expected EnableMDNS to default to false")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	withEnv(t, "PIGEON_DATA_DIR", "/tmp/pigeon")
	withEnv(t, "PIGEON_LOG_LEVEL", "debug")
	withEnv(t, "PIGEON_LISTEN_ADDR", "0.0.0.0:9999")
	withEnv(t, "PIGEON_ENABLE_MDNS", "true")
	withEnv(t, "PIGEON_PASSPHRASE", "secret")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.DataDir != "/tmp/pigeon" || c.LogLevel != "debug" || c.ListenAddr != "0.0.0.0:9999" {
		t.Fatalf("unexpected overrides: %+v", c)
	}
	if !c.EnableMDNS {
		t.Fatal("expected EnableMDNS true")
	}
	if c.Passphrase != "secret" {
		t.Fatal("expected passphrase to be carried through")
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	withEnv(t, "PIGEON_LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unrecognized log level")
	}
}

func TestLoadRejectsInvalidMDNSBoolean(t *testing.T) {
	withEnv(t, "PIGEON_ENABLE_MDNS", "not-a-bool")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a malformed PIGEON_ENABLE_MDNS value")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
auth:
  client_id: client-1
  client_secret: secret-1
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Connection.Endpoint != "https://avs-alexa-na.amazon.com" {
		t.Fatalf("endpoint=%v, want the default service endpoint", cfg.Connection.Endpoint)
	}
	if cfg.Connection.APIVersion != "v20160207" {
		t.Fatalf("api_version=%v, want v20160207", cfg.Connection.APIVersion)
	}
	if cfg.Connection.PingInterval != 5*time.Minute {
		t.Fatalf("ping_interval=%v, want 5m", cfg.Connection.PingInterval)
	}
	if cfg.Auth.RefreshBuffer != 60*time.Second {
		t.Fatalf("refresh_buffer=%v, want 60s", cfg.Auth.RefreshBuffer)
	}
	if cfg.Device.Wakeword != "ALEXA" {
		t.Fatalf("wakeword=%v, want ALEXA", cfg.Device.Wakeword)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level=%v, want info", cfg.Log.Level)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
connection:
  endpoint: https://avs-alexa-eu.amazon.com
  ping_interval: 90s
auth:
  client_id: client-2
  client_secret: secret-2
  refresh_token: refresh-2
device:
  wakeword: EMBER
  volume: 35
monitor:
  enabled: true
  addr: ":9000"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Connection.Endpoint != "https://avs-alexa-eu.amazon.com" {
		t.Fatalf("endpoint=%v, want the eu endpoint", cfg.Connection.Endpoint)
	}
	if cfg.Connection.PingInterval != 90*time.Second {
		t.Fatalf("ping_interval=%v, want 90s", cfg.Connection.PingInterval)
	}
	if cfg.Auth.RefreshToken != "refresh-2" {
		t.Fatalf("refresh_token=%v, want refresh-2", cfg.Auth.RefreshToken)
	}
	if cfg.Device.Wakeword != "EMBER" || cfg.Device.Volume != 35 {
		t.Fatalf("device=%+v, want wakeword EMBER volume 35", cfg.Device)
	}
	if !cfg.Monitor.Enabled || cfg.Monitor.Addr != ":9000" {
		t.Fatalf("monitor=%+v, want enabled on :9000", cfg.Monitor)
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	if _, err := Load(writeConfigFile(t, "device:\n  volume: 10\n")); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestLoadRejectsVolumeOutOfRange(t *testing.T) {
	if _, err := Load(writeConfigFile(t, minimalConfig+"device:\n  volume: 150\n")); err == nil {
		t.Fatal("expected error for volume out of range")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AVS_AUTH_CLIENT_ID", "env-client")
	t.Setenv("AVS_AUTH_CLIENT_SECRET", "env-secret")
	cfg, err := Load(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.ClientID != "env-client" {
		t.Fatalf("client_id=%v, want the env override", cfg.Auth.ClientID)
	}
}

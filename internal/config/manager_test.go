package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
gateway:
  instance: "instance42"
  token: "gtok"
  test_recipient: "628111@c.us"
auth:
  password: "hunter2"
  operator_ids: [11, 22]
broadcast:
  workers: 2
  cooldown: "3s"
logging:
  level: "debug"
  console: true
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Gateway.Instance != "instance42" {
		t.Fatalf("instance = %q", cfg.Gateway.Instance)
	}
	if len(cfg.Auth.OperatorIDs) != 2 || cfg.Auth.OperatorIDs[1] != 22 {
		t.Fatalf("operators = %v", cfg.Auth.OperatorIDs)
	}
	if got := cfg.TerminateCooldown(); got != 3*time.Second {
		t.Fatalf("cooldown = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit the config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("OPERATOR_PASSWORD", "env-pass")

	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q, env override not applied", cfg.Telegram.Token)
	}
	if cfg.Auth.Password != "env-pass" {
		t.Fatalf("password = %q, env override not applied", cfg.Auth.Password)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing telegram token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"missing gateway instance", func(c *Config) { c.Gateway.Instance = "" }, "gateway.instance"},
		{"missing gateway token", func(c *Config) { c.Gateway.Token = "" }, "gateway.token"},
		{"missing password", func(c *Config) { c.Auth.Password = "" }, "auth.password"},
		{"negative workers", func(c *Config) { c.Broadcast.Workers = -1 }, "broadcast.workers"},
		{"bad cooldown", func(c *Config) { c.Broadcast.Cooldown = "fast" }, "broadcast.cooldown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			cfg.Telegram.Token = "t"
			cfg.Gateway.Instance = "i"
			cfg.Gateway.Token = "g"
			cfg.Auth.Password = "p"
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestMaxAttachmentBytesDefault(t *testing.T) {
	t.Parallel()
	var cfg Config
	if got := cfg.MaxAttachmentBytes(); got != 16<<20 {
		t.Fatalf("default ceiling = %d, want 16 MiB", got)
	}
	cfg.Broadcast.MaxAttachmentMB = 1.5
	if got := cfg.MaxAttachmentBytes(); got != int64(1.5*1024*1024) {
		t.Fatalf("ceiling = %d", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
}

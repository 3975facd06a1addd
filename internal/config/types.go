package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Gateway   GatewayConfig   `json:"gateway"`
	Auth      AuthConfig      `json:"auth"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Digest    DigestConfig    `json:"digest"`
	Server    ServerConfig    `json:"server"`
}

type TelegramConfig struct {
	Token string `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// GatewayConfig configures the WhatsApp messaging gateway client.
type GatewayConfig struct {
	BaseURL  string `json:"base_url"`
	Instance string `json:"instance" env:"GATEWAY_INSTANCE"`
	Token    string `json:"token" env:"GATEWAY_TOKEN"`
	// Timeout bounds one gateway call. Duration string, default "10s".
	Timeout    string `json:"timeout"`
	RatePerSec int    `json:"rate_per_sec"`
	// TestRecipient receives broadcast-menu option 3 (operator verification).
	TestRecipient string `json:"test_recipient"`
}

type AuthConfig struct {
	// Password is the shared secret matched during /login.
	Password string `json:"password" env:"OPERATOR_PASSWORD"`
	// OperatorIDs are pre-authorized operator chat IDs.
	OperatorIDs []int64 `json:"operator_ids"`
}

type BroadcastConfig struct {
	Workers int `json:"workers"`
	// Cooldown is the termination settle delay before tracked messages
	// are deleted. Duration string, default "5s".
	Cooldown string `json:"cooldown"`
	// MaxAttachmentMB rejects staged media above this declared size.
	MaxAttachmentMB float64 `json:"max_attachment_mb"`
}

type StorageConfig struct {
	// Driver: "sqlite" (default) or "file".
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BusyTimeout is sqlite only. Duration string.
	BusyTimeout string `json:"busy_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}
type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type DigestConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a standard 5-field cron expression.
	Schedule string `json:"schedule"`
}

type ServerConfig struct {
	Addr  string `json:"addr"`
	Pprof bool   `json:"pprof"`
}

// Validate checks cross-field constraints that strict decoding cannot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(c.Gateway.Instance) == "" {
		return fmt.Errorf("gateway.instance is required")
	}
	if strings.TrimSpace(c.Gateway.Token) == "" {
		return fmt.Errorf("gateway.token is required")
	}
	if strings.TrimSpace(c.Auth.Password) == "" {
		return fmt.Errorf("auth.password is required")
	}
	if c.Broadcast.Workers < 0 {
		return fmt.Errorf("broadcast.workers must be >= 0")
	}
	if c.Broadcast.MaxAttachmentMB < 0 {
		return fmt.Errorf("broadcast.max_attachment_mb must be >= 0")
	}
	for _, field := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"gateway.timeout", c.Gateway.Timeout},
		{"broadcast.cooldown", c.Broadcast.Cooldown},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	return nil
}

// GatewayTimeout returns the parsed per-call timeout with its default.
func (c *Config) GatewayTimeout() time.Duration {
	d, err := ParseDurationOrDefault("gateway.timeout", c.Gateway.Timeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// TerminateCooldown returns the termination settle delay with its default.
func (c *Config) TerminateCooldown() time.Duration {
	d, err := ParseDurationOrDefault("broadcast.cooldown", c.Broadcast.Cooldown, 5*time.Second)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// MaxAttachmentBytes returns the staged-media size ceiling in bytes.
// Default 16 MB, matching the upstream transport's attachment limit.
func (c *Config) MaxAttachmentBytes() int64 {
	mb := c.Broadcast.MaxAttachmentMB
	if mb <= 0 {
		mb = 16
	}
	return int64(mb * 1024 * 1024)
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(bytes.TrimSpace(b))
	return h.Sum64()
}

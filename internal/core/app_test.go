package core

import (
	"context"
	"strings"
	"testing"

	"wappsender/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = "./data/track.db"
	cfg.Broadcast.Workers = 2
	return cfg
}

func TestRuntimeConfigGuard(t *testing.T) {
	t.Parallel()
	guard := runtimeConfigGuard(baseConfig())

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "unchanged passes",
			mutate: func(c *config.Config) {},
		},
		{
			name:   "cooldown is live tunable",
			mutate: func(c *config.Config) { c.Broadcast.Cooldown = "30s" },
		},
		{
			name:    "storage path pinned",
			mutate:  func(c *config.Config) { c.Storage.Path = "./elsewhere.db" },
			wantErr: "storage settings",
		},
		{
			name:    "storage driver pinned",
			mutate:  func(c *config.Config) { c.Storage.Driver = "file" },
			wantErr: "storage settings",
		},
		{
			name:    "worker count pinned",
			mutate:  func(c *config.Config) { c.Broadcast.Workers = 8 },
			wantErr: "broadcast.workers",
		},
		{
			name: "bad digest schedule rejected",
			mutate: func(c *config.Config) {
				c.Digest.Enabled = true
				c.Digest.Schedule = "not cron"
			},
			wantErr: "digest.schedule",
		},
		{
			name: "valid digest schedule passes",
			mutate: func(c *config.Config) {
				c.Digest.Enabled = true
				c.Digest.Schedule = "0 9 * * *"
			},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			err := guard(context.Background(), cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPAddr == "" || cfg.DBDriver == "" || cfg.SyncRetries < 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Pool().MaxOpenConns <= 0 {
		t.Fatalf("expected positive pool size, got %+v", cfg.Pool())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_DSN", "/tmp/examengine.db")
	t.Setenv("SYNC_RETRIES", "0")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("RATE_LIMIT_PER_MIN", "-5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.DBDSN != "/tmp/examengine.db" {
		t.Fatalf("db settings not read from env: %+v", cfg)
	}
	if cfg.SyncRetries != 0 {
		t.Fatalf("expected zero retries to be kept, got %d", cfg.SyncRetries)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("expected 30m ttl, got %s", cfg.TokenTTL)
	}
	if cfg.RateLimitPerMin != 60 {
		t.Fatalf("expected fallback rate limit, got %d", cfg.RateLimitPerMin)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "sqlite dev", cfg: Config{DBDriver: "sqlite", DBDSN: "x.db", JWTSecret: devJWTSecret}},
		{name: "unknown driver", cfg: Config{DBDriver: "mysql", DBDSN: "x"}, wantErr: true},
		{name: "missing dsn", cfg: Config{DBDriver: "pgx"}, wantErr: true},
		{name: "dev secret in production", cfg: Config{AppEnv: "production", DBDriver: "pgx", DBDSN: "x", JWTSecret: devJWTSecret}, wantErr: true},
		{name: "production", cfg: Config{AppEnv: "production", DBDriver: "pgx", DBDSN: "x", JWTSecret: "real"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

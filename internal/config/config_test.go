package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WHATSAPP_TOKEN", "token-123")
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "106540352242922")
	t.Setenv("WEBHOOK_VERIFY_TOKEN", "verify-me")
}

func TestLoadAll_HappyPath_Defaults(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected Log.Level default: %q", cfg.Log.Level)
	}
	if cfg.Database.PostgresURL != "" {
		t.Fatalf("expected empty PostgresURL, got %q", cfg.Database.PostgresURL)
	}
	if cfg.WhatsApp.Token != "token-123" || cfg.WhatsApp.PhoneNumberID != "106540352242922" {
		t.Fatalf("unexpected WhatsApp config: %+v", cfg.WhatsApp)
	}
	if cfg.WhatsApp.SendTimeout != 30*time.Second {
		t.Fatalf("unexpected SendTimeout default: %v", cfg.WhatsApp.SendTimeout)
	}
	if cfg.Webhook.VerifyToken != "verify-me" || cfg.Webhook.AppSecret != "" {
		t.Fatalf("unexpected Webhook config: %+v", cfg.Webhook)
	}
	if cfg.Sender.ContentMax != 4096 || cfg.Sender.BulkConcurrency != 4 {
		t.Fatalf("unexpected Sender defaults: %+v", cfg.Sender)
	}

	p := cfg.Presence
	if p.BaseInterval != 15*time.Second || p.MaxInterval != 90*time.Second ||
		p.BackoffStep != 15*time.Second || p.Quiet != 10*time.Minute ||
		p.OnlineThreshold != 5*time.Minute {
		t.Fatalf("unexpected Presence defaults: %+v", p)
	}

	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
}

func TestLoadAll_HappyPath_WithRedisAndPostgres(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TTL_SECONDS", "42")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != "postgres://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected PostgresURL: %q", cfg.Database.PostgresURL)
	}
	if !cfg.Redis.Enabled {
		t.Fatalf("expected Redis enabled")
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Fatalf("unexpected Redis.Address: %q", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected Redis.Password: %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected Redis.DB: %d", cfg.Redis.DB)
	}
	if cfg.Redis.TTL != 42*time.Second {
		t.Fatalf("unexpected Redis.TTL: %v", cfg.Redis.TTL)
	}
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	for _, key := range []string{"WHATSAPP_TOKEN", "WHATSAPP_PHONE_NUMBER_ID", "WEBHOOK_VERIFY_TOKEN"} {
		t.Run("missing "+key, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
			_ = os.Unsetenv(key)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error mentioning %s, got: %v", key, err)
			}
		})
	}
}

func TestLoadAll_ReportsAllProblems(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	t.Setenv("CONTENT_MAX", "abc")

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	for _, want := range []string{"WHATSAPP_TOKEN", "WHATSAPP_PHONE_NUMBER_ID", "WEBHOOK_VERIFY_TOKEN", "CONTENT_MAX"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %s, got: %v", want, err)
		}
	}
}

func TestLoadAll_InvalidInts(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid CONTENT_MAX", "CONTENT_MAX", "abc"},
		{"invalid BULK_CONCURRENCY", "BULK_CONCURRENCY", "many"},
		{"invalid WHATSAPP_SEND_TIMEOUT_SECONDS", "WHATSAPP_SEND_TIMEOUT_SECONDS", "soon"},
		{"invalid PRESENCE_BASE_INTERVAL_SECONDS", "PRESENCE_BASE_INTERVAL_SECONDS", "nope"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"invalid REDIS_TTL_SECONDS", "REDIS_TTL_SECONDS", "bad"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)

			// Enable redis only for redis-related invalid ints.
			if strings.HasPrefix(tc.key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}

			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		set  func()
		want string
	}{
		{
			name: "content max <= 0",
			set: func() {
				t.Setenv("CONTENT_MAX", "0")
			},
			want: "CONTENT_MAX",
		},
		{
			name: "bulk concurrency <= 0",
			set: func() {
				t.Setenv("BULK_CONCURRENCY", "0")
			},
			want: "BULK_CONCURRENCY",
		},
		{
			name: "send timeout <= 0",
			set: func() {
				t.Setenv("WHATSAPP_SEND_TIMEOUT_SECONDS", "0")
			},
			want: "WHATSAPP_SEND_TIMEOUT_SECONDS",
		},
		{
			name: "max interval below base",
			set: func() {
				t.Setenv("PRESENCE_BASE_INTERVAL_SECONDS", "60")
				t.Setenv("PRESENCE_MAX_INTERVAL_SECONDS", "30")
			},
			want: "PRESENCE_MAX_INTERVAL_SECONDS",
		},
		{
			name: "online threshold <= 0",
			set: func() {
				t.Setenv("PRESENCE_ONLINE_THRESHOLD_SECONDS", "0")
			},
			want: "PRESENCE_ONLINE_THRESHOLD_SECONDS",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
			tc.set()

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestRequireEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := requireEnv("MISSING_KEY")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	t.Setenv("FOO", "bar")
	v, err := requireEnv("FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "bar" {
		t.Fatalf("expected %q, got %q", "bar", v)
	}
}

func TestGetEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got := getEnv("NOPE", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	t.Setenv("A", "x")
	if got := getEnv("A", "default"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvInt("MISSING", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}

	t.Setenv("N", "123")
	got, err = getEnvInt("N", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}

	t.Setenv("BAD", "abc")
	_, err = getEnvInt("BAD", 7)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SERVER_ADDRESS",
		"LOG_LEVEL",
		"POSTGRES_URL",
		"POSTGRES_MAX_CONNS",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_TTL_SECONDS",
		"WHATSAPP_API_URL",
		"WHATSAPP_TOKEN",
		"WHATSAPP_PHONE_NUMBER_ID",
		"WHATSAPP_SEND_TIMEOUT_SECONDS",
		"WEBHOOK_VERIFY_TOKEN",
		"WEBHOOK_APP_SECRET",
		"CONTENT_MAX",
		"BULK_CONCURRENCY",
		"PRESENCE_BASE_INTERVAL_SECONDS",
		"PRESENCE_MAX_INTERVAL_SECONDS",
		"PRESENCE_BACKOFF_STEP_SECONDS",
		"PRESENCE_QUIET_SECONDS",
		"PRESENCE_ONLINE_THRESHOLD_SECONDS",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

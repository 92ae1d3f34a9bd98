package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	WhatsApp WhatsAppConfig
	Webhook  WebhookConfig
	Sender   SenderConfig
	Presence PresenceConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Level string
}

// DatabaseConfig is empty when the service runs on the in-memory store.
type DatabaseConfig struct {
	PostgresURL string
	MaxConns    int
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type WhatsAppConfig struct {
	APIURL        string
	Token         string
	PhoneNumberID string
	SendTimeout   time.Duration
}

type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
}

type SenderConfig struct {
	ContentMax      int
	BulkConcurrency int
}

type PresenceConfig struct {
	BaseInterval    time.Duration
	MaxInterval     time.Duration
	BackoffStep     time.Duration
	Quiet           time.Duration
	OnlineThreshold time.Duration
}

// LoadAll reads the whole configuration and reports every problem at once.
func LoadAll() (*Config, error) {
	var errs []error

	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	secs := func(key string, def int) time.Duration {
		return time.Duration(num(key, def)) * time.Second
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
			MaxConns:    num("POSTGRES_MAX_CONNS", 10),
		},
		WhatsApp: WhatsAppConfig{
			APIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v21.0"),
			Token:         str("WHATSAPP_TOKEN"),
			PhoneNumberID: str("WHATSAPP_PHONE_NUMBER_ID"),
			SendTimeout:   secs("WHATSAPP_SEND_TIMEOUT_SECONDS", 30),
		},
		Webhook: WebhookConfig{
			VerifyToken: str("WEBHOOK_VERIFY_TOKEN"),
			AppSecret:   os.Getenv("WEBHOOK_APP_SECRET"),
		},
		Sender: SenderConfig{
			ContentMax:      num("CONTENT_MAX", 4096),
			BulkConcurrency: num("BULK_CONCURRENCY", 4),
		},
		Presence: PresenceConfig{
			BaseInterval:    secs("PRESENCE_BASE_INTERVAL_SECONDS", 15),
			MaxInterval:     secs("PRESENCE_MAX_INTERVAL_SECONDS", 90),
			BackoffStep:     secs("PRESENCE_BACKOFF_STEP_SECONDS", 15),
			Quiet:           secs("PRESENCE_QUIET_SECONDS", 600),
			OnlineThreshold: secs("PRESENCE_ONLINE_THRESHOLD_SECONDS", 300),
		},
	}

	redis, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redis

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, errors.Join(dbErr, ttlErr)
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("CONTENT_MAX", cfg.Sender.ContentMax > 0)
	positive("BULK_CONCURRENCY", cfg.Sender.BulkConcurrency > 0)
	positive("POSTGRES_MAX_CONNS", cfg.Database.MaxConns > 0)
	positive("WHATSAPP_SEND_TIMEOUT_SECONDS", cfg.WhatsApp.SendTimeout > 0)
	positive("PRESENCE_BASE_INTERVAL_SECONDS", cfg.Presence.BaseInterval > 0)
	positive("PRESENCE_ONLINE_THRESHOLD_SECONDS", cfg.Presence.OnlineThreshold > 0)

	if cfg.Presence.MaxInterval < cfg.Presence.BaseInterval {
		errs = append(errs, errors.New("PRESENCE_MAX_INTERVAL_SECONDS must be >= PRESENCE_BASE_INTERVAL_SECONDS"))
	}
	if cfg.Presence.BackoffStep < 0 {
		errs = append(errs, errors.New("PRESENCE_BACKOFF_STEP_SECONDS must be >= 0"))
	}
	if cfg.Presence.Quiet < 0 {
		errs = append(errs, errors.New("PRESENCE_QUIET_SECONDS must be >= 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}

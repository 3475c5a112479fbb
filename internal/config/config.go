package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Staging    StagingConfig
	Store      StoreConfig
	Redis      RedisConfig
	Messaging  MessagingConfig
	Checkpoint CheckpointConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Level  string
	Format string
}

type StagingConfig struct {
	InitialCountdown int
	TickInterval     time.Duration
	CancelGrace      time.Duration
	SentGrace        time.Duration
	MinContentLength int
	StoreKey         string
}

type StoreConfig struct {
	Backend     string
	Dir         string
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type MessagingConfig struct {
	URL         string
	Token       string
	ContentMax  int
	SendTimeout time.Duration
	QPS         int
	Burst       int
}

type CheckpointConfig struct {
	Interval time.Duration
}

const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

func LoadAll() (*Config, error) {
	var errs []error

	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	ms := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Millisecond
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
		Staging: StagingConfig{
			InitialCountdown: intVar("STAGING_INITIAL_COUNTDOWN_SECONDS", 60),
			TickInterval:     ms("STAGING_TICK_INTERVAL_MS", 1000),
			CancelGrace:      ms("STAGING_CANCEL_GRACE_MS", 500),
			SentGrace:        ms("STAGING_SENT_GRACE_MS", 1000),
			MinContentLength: intVar("STAGING_MIN_CONTENT_LENGTH", 1),
			StoreKey:         getEnv("STAGING_STORE_KEY", "staging:queue"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", BackendFile)),
			Dir:     getEnv("STORE_DIR", "./data"),
		},
		Messaging: MessagingConfig{
			Token:       os.Getenv("MESSAGING_TOKEN"),
			ContentMax:  intVar("CONTENT_MAX", 2000),
			SendTimeout: ms("SEND_TIMEOUT_MS", 10000),
			QPS:         intVar("SEND_QPS", 10),
			Burst:       intVar("SEND_BURST", 20),
		},
		Checkpoint: CheckpointConfig{
			Interval: time.Duration(intVar("CHECKPOINT_INTERVAL_SECONDS", 15)) * time.Second,
		},
	}

	if url, err := requireEnv("MESSAGING_URL"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.Messaging.URL = url
	}

	if cfg.Store.Backend == BackendPostgres {
		if url, err := requireEnv("POSTGRES_URL"); err != nil {
			errs = append(errs, err)
		} else {
			cfg.Store.PostgresURL = url
		}
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redisCfg
	if cfg.Store.Backend == BackendRedis && !cfg.Redis.Enabled {
		errs = append(errs, errors.New("REDIS_ADDR is required when STORE_BACKEND=redis"))
	}

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

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors(errs)
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(ok bool, key string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive(cfg.Staging.InitialCountdown > 0, "STAGING_INITIAL_COUNTDOWN_SECONDS")
	positive(cfg.Staging.TickInterval > 0, "STAGING_TICK_INTERVAL_MS")
	positive(cfg.Staging.CancelGrace > 0, "STAGING_CANCEL_GRACE_MS")
	positive(cfg.Staging.SentGrace > 0, "STAGING_SENT_GRACE_MS")
	positive(cfg.Staging.MinContentLength > 0, "STAGING_MIN_CONTENT_LENGTH")
	positive(cfg.Messaging.ContentMax > 0, "CONTENT_MAX")
	positive(cfg.Messaging.SendTimeout > 0, "SEND_TIMEOUT_MS")
	positive(cfg.Messaging.QPS > 0, "SEND_QPS")
	positive(cfg.Messaging.Burst > 0, "SEND_BURST")
	positive(cfg.Checkpoint.Interval > 0, "CHECKPOINT_INTERVAL_SECONDS")

	if cfg.Staging.StoreKey == "" {
		errs = append(errs, errors.New("STAGING_STORE_KEY must not be empty"))
	}

	switch cfg.Store.Backend {
	case BackendFile, BackendRedis, BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of file, redis, postgres, memory (got %q)", cfg.Store.Backend))
	}

	switch cfg.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console (got %q)", cfg.Log.Format))
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
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

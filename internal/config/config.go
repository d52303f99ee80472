package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env string // dev / staging / prod

	// HTTP
	HTTPAddr         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownWait     time.Duration

	// Store: "postgres" or "memory" (dev only)
	Store   string
	DBAddr  string
	DBDebug bool

	// RabbitMQ
	RabbitURL        string
	Queue            string
	Prefetch         int
	ConsumeTag       string
	MaxAttempts      int
	RetryDelay       time.Duration
	PublishTimeout   time.Duration
	OutboxPoll       time.Duration
	OutboxBatchLimit int

	// Verification link: token is appended to this.
	VerifyBaseURL string

	// Auth
	JWTSecret      string
	JWTIssuer      string
	SessionTTL     time.Duration
	BcryptCost     int
	RLRegister     int
	RLRegisterSpan time.Duration

	// Email
	EmailSender   string // smtp / fake
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	SMTPTimeout   time.Duration
	SMTPInsecure  bool
	FakeFailMode  string // none / transient / permanent
	FakeFailFirst int

	// Redis (optional: idempotency + rate limit)
	RedisEnabled        bool
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	EmailIdempotencyTTL time.Duration

	// Worker ops endpoint (/healthz, /metrics)
	WorkerHTTPAddr string
}

// LoadAPI loads config for the registration API process.
func LoadAPI() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required env var: JWT_SECRET")
	}
	return cfg, nil
}

// LoadWorker loads config for the verification worker process.
func LoadWorker() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if cfg.EmailSender == "smtp" && cfg.SMTPHost == "" {
		return nil, fmt.Errorf("smtp sender selected but missing SMTP_HOST")
	}
	return cfg, nil
}

// LoadTool loads the subset verifyctl needs.
func LoadTool() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RabbitURL:      strings.TrimSpace(os.Getenv("RABBIT_URL")),
		Queue:          getEnv("RABBIT_QUEUE", "email_queue"),
		PublishTimeout: getDuration("RABBIT_PUBLISH_TIMEOUT", 5*time.Second),
		// must match the worker's value or the retry queue redeclare fails
		RetryDelay: getDuration("EMAIL_RETRY_DELAY", 30*time.Second),
	}
	if cfg.RabbitURL == "" {
		return nil, fmt.Errorf("missing required env var: RABBIT_URL")
	}
	return cfg, nil
}

func load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.Env = getEnvFirst([]string{"APP_ENV", "ENV"}, "dev")

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":3000")
	cfg.HTTPReadTimeout = getDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	cfg.HTTPWriteTimeout = getDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	cfg.HTTPIdleTimeout = getDuration("HTTP_IDLE_TIMEOUT", time.Minute)
	cfg.ShutdownWait = getDuration("SHUTDOWN_WAIT", 15*time.Second)

	// The workflow has no value without durable delivery; fail fast.
	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBIT_URL"))
	if cfg.RabbitURL == "" {
		return nil, fmt.Errorf("missing required env var: RABBIT_URL")
	}
	cfg.Queue = getEnv("RABBIT_QUEUE", "email_queue")
	cfg.Prefetch = getInt("RABBIT_PREFETCH", 10)
	cfg.ConsumeTag = getEnv("RABBIT_CONSUMER_TAG", "verify-worker")
	cfg.MaxAttempts = getInt("EMAIL_MAX_ATTEMPTS", 5)
	cfg.RetryDelay = getDuration("EMAIL_RETRY_DELAY", 30*time.Second)
	cfg.PublishTimeout = getDuration("RABBIT_PUBLISH_TIMEOUT", 2*time.Second)
	cfg.OutboxPoll = getDuration("OUTBOX_POLL_INTERVAL", 15*time.Second)
	cfg.OutboxBatchLimit = getInt("OUTBOX_BATCH_LIMIT", 50)

	cfg.Store = getEnv("STORE", "postgres")
	switch cfg.Store {
	case "postgres":
		cfg.DBAddr = strings.TrimSpace(os.Getenv("DB_ADDR"))
		if cfg.DBAddr == "" {
			return nil, fmt.Errorf("missing required env var: DB_ADDR")
		}
	case "memory":
		if cfg.Env != "dev" {
			return nil, fmt.Errorf("STORE=memory is only allowed when ENV=dev")
		}
	default:
		return nil, fmt.Errorf("unknown STORE %q (want postgres or memory)", cfg.Store)
	}
	cfg.DBDebug = getBool("DB_DEBUG", false)

	cfg.VerifyBaseURL = strings.TrimSpace(os.Getenv("VERIFY_BASE_URL"))
	if cfg.VerifyBaseURL == "" {
		return nil, fmt.Errorf("missing required env var: VERIFY_BASE_URL")
	}
	if _, err := url.ParseRequestURI(cfg.VerifyBaseURL); err != nil {
		return nil, fmt.Errorf("invalid VERIFY_BASE_URL %q: %w", cfg.VerifyBaseURL, err)
	}

	cfg.JWTIssuer = getEnv("JWT_ISSUER", "verify-service")
	cfg.SessionTTL = getDuration("SESSION_TTL", time.Hour)
	cfg.BcryptCost = getInt("BCRYPT_COST", 10)
	cfg.RLRegister = getInt("RL_REGISTER_LIMIT", 5)
	cfg.RLRegisterSpan = getDuration("RL_REGISTER_WINDOW", time.Minute)

	cfg.EmailSender = getEnv("EMAIL_SENDER", "fake")
	cfg.SMTPHost = getEnv("SMTP_HOST", "")
	cfg.SMTPPort = getInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnv("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SMTPFrom = getEnv("SMTP_FROM", cfg.SMTPUsername)
	cfg.SMTPTimeout = getDuration("SMTP_TIMEOUT", 10*time.Second)
	cfg.SMTPInsecure = getBool("SMTP_INSECURE", false)
	cfg.FakeFailMode = strings.ToLower(getEnv("FAKE_FAIL_MODE", "none"))
	cfg.FakeFailFirst = getInt("FAKE_FAIL_FIRST", 0)

	cfg.RedisEnabled = getBool("REDIS_ENABLED", false)
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.EmailIdempotencyTTL = getDuration("EMAIL_IDEMPOTENCY_TTL", 24*time.Hour)

	// Guard: prevent the classic "REDIS_ADDR=localhost:6379 OTHER=..." parsing issue
	if strings.Contains(cfg.RedisAddr, " ") {
		return nil, fmt.Errorf("bad REDIS_ADDR (contains spaces): %q", cfg.RedisAddr)
	}

	cfg.WorkerHTTPAddr = getEnv("WORKER_HTTP_ADDR", ":9091")

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFirst(keys []string, def string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return def
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n := def
	_, _ = fmt.Sscanf(v, "%d", &n)
	if n <= 0 {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

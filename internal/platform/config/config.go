// Package config loads process configuration from the environment so main stays lean.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "credmint/pkg/platform/strings"
)

// Config is the full process configuration for both binaries.
type Config struct {
	Server   Server
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Ledger   LedgerConfig
	Storage  StorageConfig
	Issuance IssuanceConfig
	Renderer RendererConfig
	Cache    CacheConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	LogLevel      string
	LogFormat     string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
	AdminToken    string
	WorkerEnabled bool
}

type PostgresConfig struct {
	DSN            string
	MigrateOnStart bool
	MaxConns       int32
}

type RedisConfig struct {
	URL          string
	KeyPrefix    string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// JobTTL bounds how long a queue's job records outlive a crashed tracker.
	JobTTL time.Duration
	// VisibilityTimeout is how long a taken job may stay unreported before
	// it is handed to another worker.
	VisibilityTimeout time.Duration
	// ReclaimInterval is how often workers look for such jobs. Zero disables it.
	ReclaimInterval time.Duration
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// LedgerConfig drives the batch root committer. An empty RPCURL selects the
// in-process ledger.
type LedgerConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	ReceiptPoll     time.Duration
	ReceiptTimeout  time.Duration
	ExplorerURL     string
	MaxAttempts     int
	RetryDelay      time.Duration
	FeeBumpPercent  int
	ExpirationYears int
}

type StorageConfig struct {
	Driver        string // memory | fs | s3
	Root          string
	PublicBaseURL string
	Endpoint      string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
}

type IssuanceConfig struct {
	ChunkSize         int
	WorkerConcurrency int
	RenderConcurrency int
	StampAttempts     int
	StampRetryDelay   time.Duration
	BatchTimeout      time.Duration
	WorkRoot          string
	VerifyBaseURL     string
	QRSize            int
	QRForeground      string
	QRBackground      string
	// BootstrapIssuer is created at startup when it does not exist yet.
	BootstrapIssuer  string
	BootstrapCredits int64
}

type RendererConfig struct {
	Kind       string // raster | chrome
	ChromePath string
	Timeout    time.Duration
}

type CacheConfig struct {
	VerifySize int
	VerifyTTL  time.Duration
}

// FromEnv builds a Config from environment variables with development defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		Server: Server{
			Addr:          getenv("CREDMINT_ADDR", ":8080"),
			LogLevel:      getenv("LOG_LEVEL", "info"),
			LogFormat:     getenv("LOG_FORMAT", "json"),
			JWTSigningKey: getenv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     getenv("JWT_ISSUER", "credmint"),
			JWTAudience:   getenv("JWT_AUDIENCE", "credmint-api"),
			AdminToken:    os.Getenv("ADMIN_API_TOKEN"),
			WorkerEnabled: getenvBool("WORKER_ENABLED", true),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("DATABASE_URL"),
			MigrateOnStart: getenvBool("DATABASE_MIGRATE", true),
			MaxConns:       int32(getenvInt("DATABASE_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			KeyPrefix:    getenv("REDIS_KEY_PREFIX", "credmint"),
			PoolSize:     getenvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getenvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getenvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getenvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getenvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			JobTTL:       getenvDuration("REDIS_JOB_TTL", 24*time.Hour),

			VisibilityTimeout: getenvDuration("REDIS_VISIBILITY_TIMEOUT", 10*time.Minute),
			ReclaimInterval:   getenvDuration("REDIS_RECLAIM_INTERVAL", time.Minute),
		},
		Kafka: KafkaConfig{
			Enabled: getenvBool("KAFKA_ENABLED", false),
			Brokers: getenvList("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "credmint.issuance"),
		},
		Ledger: LedgerConfig{
			RPCURL:          os.Getenv("LEDGER_RPC_URL"),
			ContractAddress: os.Getenv("LEDGER_CONTRACT_ADDRESS"),
			PrivateKey:      os.Getenv("LEDGER_PRIVATE_KEY"),
			ChainID:         int64(getenvInt("LEDGER_CHAIN_ID", 1337)),
			ReceiptPoll:     getenvDuration("LEDGER_RECEIPT_POLL", 2*time.Second),
			ReceiptTimeout:  getenvDuration("LEDGER_RECEIPT_TIMEOUT", 2*time.Minute),
			ExplorerURL:     getenv("LEDGER_EXPLORER_URL", "https://explorer.invalid"),
			MaxAttempts:     getenvInt("LEDGER_MAX_ATTEMPTS", 3),
			RetryDelay:      getenvDuration("LEDGER_RETRY_DELAY", 5*time.Second),
			FeeBumpPercent:  getenvInt("LEDGER_FEE_BUMP_PERCENT", 15),
			ExpirationYears: getenvInt("LEDGER_EXPIRATION_YEARS", 0),
		},
		Storage: StorageConfig{
			Driver:        getenv("STORAGE_DRIVER", "memory"),
			Root:          getenv("STORAGE_ROOT", "./data/artifacts"),
			PublicBaseURL: getenv("STORAGE_PUBLIC_BASE_URL", "http://localhost:8080/artifacts"),
			Endpoint:      os.Getenv("S3_ENDPOINT"),
			Bucket:        getenv("S3_BUCKET", "certificates"),
			AccessKey:     os.Getenv("S3_ACCESS_KEY"),
			SecretKey:     os.Getenv("S3_SECRET_KEY"),
			UseSSL:        getenvBool("S3_USE_SSL", true),
		},
		Issuance: IssuanceConfig{
			ChunkSize:         getenvInt("ISSUANCE_CHUNK_SIZE", 50),
			WorkerConcurrency: getenvInt("ISSUANCE_WORKER_CONCURRENCY", 4),
			RenderConcurrency: getenvInt("ISSUANCE_RENDER_CONCURRENCY", 4),
			StampAttempts:     getenvInt("ISSUANCE_STAMP_ATTEMPTS", 3),
			StampRetryDelay:   getenvDuration("ISSUANCE_STAMP_RETRY_DELAY", time.Second),
			BatchTimeout:      getenvDuration("ISSUANCE_BATCH_TIMEOUT", 30*time.Minute),
			WorkRoot:          getenv("ISSUANCE_WORK_ROOT", os.TempDir()),
			VerifyBaseURL:     getenv("ISSUANCE_VERIFY_BASE_URL", "http://localhost:8080/v1/verify"),
			QRSize:            getenvInt("ISSUANCE_QR_SIZE", 256),
			QRForeground:      getenv("ISSUANCE_QR_FOREGROUND", "#000000"),
			QRBackground:      getenv("ISSUANCE_QR_BACKGROUND", "#ffffff"),
			BootstrapIssuer:   os.Getenv("BOOTSTRAP_ISSUER"),
			BootstrapCredits:  int64(getenvInt("BOOTSTRAP_ISSUER_CREDITS", -1)),
		},
		Renderer: RendererConfig{
			Kind:       getenv("RENDERER", "raster"),
			ChromePath: os.Getenv("CHROME_PATH"),
			Timeout:    getenvDuration("RENDERER_TIMEOUT", 30*time.Second),
		},
		Cache: CacheConfig{
			VerifySize: getenvInt("VERIFY_CACHE_SIZE", 10000),
			VerifyTTL:  getenvDuration("VERIFY_CACHE_TTL", 10*time.Minute),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Issuance.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("ISSUANCE_CHUNK_SIZE must be >= 1, got %d", c.Issuance.ChunkSize))
	}
	if c.Issuance.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("ISSUANCE_WORKER_CONCURRENCY must be >= 1, got %d", c.Issuance.WorkerConcurrency))
	}
	if c.Issuance.RenderConcurrency < 1 {
		errs = append(errs, fmt.Errorf("ISSUANCE_RENDER_CONCURRENCY must be >= 1, got %d", c.Issuance.RenderConcurrency))
	}
	if c.Issuance.StampAttempts < 1 {
		errs = append(errs, fmt.Errorf("ISSUANCE_STAMP_ATTEMPTS must be >= 1, got %d", c.Issuance.StampAttempts))
	}
	if c.Issuance.BatchTimeout < 0 {
		errs = append(errs, errors.New("ISSUANCE_BATCH_TIMEOUT must not be negative"))
	}
	if c.Redis.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("REDIS_VISIBILITY_TIMEOUT must be positive"))
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LEDGER_MAX_ATTEMPTS must be >= 1, got %d", c.Ledger.MaxAttempts))
	}
	if c.Ledger.FeeBumpPercent < 0 {
		errs = append(errs, errors.New("LEDGER_FEE_BUMP_PERCENT must not be negative"))
	}
	if c.Ledger.RPCURL != "" && (c.Ledger.ContractAddress == "" || c.Ledger.PrivateKey == "") {
		errs = append(errs, errors.New("LEDGER_CONTRACT_ADDRESS and LEDGER_PRIVATE_KEY are required with LEDGER_RPC_URL"))
	}
	switch c.Storage.Driver {
	case "memory", "fs":
	case "s3":
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("S3_ENDPOINT is required for the s3 storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}
	switch c.Renderer.Kind {
	case "raster", "chrome":
	default:
		errs = append(errs, fmt.Errorf("unknown RENDERER %q", c.Renderer.Kind))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED"))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getenvList(key, fallback string) []string {
	return pstrings.DedupeAndTrim(strings.Split(getenv(key, fallback), ","))
}

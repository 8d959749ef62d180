package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	Environment   string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
}

type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers         []string
	ComplianceTopic string
	SecurityTopic   string
	Partitions      int32
	Replication     int16
}

// StorageConfig selects the ciphertext backend: "memory", "local" or "s3".
type StorageConfig struct {
	Backend   string
	LocalRoot string
	S3Bucket  string
	S3Prefix  string
	S3Region  string
	// S3Endpoint overrides the endpoint for S3-compatible stores (MinIO).
	S3Endpoint string
	S3SSE      bool
}

// KeysConfig selects the key manager: "derived" or "vault".
type KeysConfig struct {
	Manager          string
	MasterKey        string
	PBKDF2Iterations int
	VaultAddr        string
	VaultToken       string
	VaultTransitKey  string
	VaultMount       string
}

type ValidationConfig struct {
	MinBytes          int64
	MaxBytes          int64
	AbsoluteMaxBytes  int64
	Threshold         float64
	Strict            bool
	AllowedMIMETypes  []string
	AllowedExtensions []string
}

// ScanConfig configures scanner backends. Empty addresses disable a backend.
type ScanConfig struct {
	Policy              string
	ClamAVAddr          string
	ClamAVTimeout       time.Duration
	HTTPScanURL         string
	HTTPScanAPIKey      string
	HTTPScanTimeout     time.Duration
	SignatureEnabled    bool
	BlocklistSHA256     []string
	BreakerFailures     int
	BreakerSuccesses    int
	HealthProbeSchedule string
}

type IngestConfig struct {
	Budget   time.Duration
	LeaseTTL time.Duration
}

// AuditConfig tunes audit delivery. OpsSampleRate is the fraction of
// operational events kept, in [0, 1].
type AuditConfig struct {
	OpsSampleRate float64
	RelayInterval time.Duration
	RelayBatch    int
}

// RateLimitConfig caps uploads per caller. Zero Uploads disables the limit.
type RateLimitConfig struct {
	Uploads int
	Window  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Config is the full process configuration.
type Config struct {
	Server     Server
	Logging    LoggingConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Storage    StorageConfig
	Keys       KeysConfig
	Validation ValidationConfig
	Scan       ScanConfig
	Ingest     IngestConfig
	Audit      AuditConfig
	RateLimit  RateLimitConfig
}

// FromEnv builds Config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Server: Server{
			Addr:          envOr("DOSSIER_ADDR", ":8080"),
			Environment:   envOr("DOSSIER_ENV", "development"),
			JWTSigningKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     envOr("JWT_ISSUER", "dossier"),
			JWTAudience:   envOr("JWT_AUDIENCE", "dossier-api"),
		},
		Logging: LoggingConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "json"),
		},
		Postgres: PostgresConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLife:  envDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:         envList("KAFKA_BROKERS"),
			ComplianceTopic: envOr("KAFKA_AUDIT_COMPLIANCE_TOPIC", "dossier.audit.compliance"),
			SecurityTopic:   envOr("KAFKA_AUDIT_SECURITY_TOPIC", "dossier.audit.security"),
			Partitions:      int32(envInt("KAFKA_TOPIC_PARTITIONS", 3)),
			Replication:     int16(envInt("KAFKA_TOPIC_REPLICATION", 1)),
		},
		Storage: StorageConfig{
			Backend:    envOr("STORAGE_BACKEND", "local"),
			LocalRoot:  envOr("STORAGE_LOCAL_ROOT", "./data/documents"),
			S3Bucket:   os.Getenv("STORAGE_S3_BUCKET"),
			S3Prefix:   os.Getenv("STORAGE_S3_PREFIX"),
			S3Region:   envOr("STORAGE_S3_REGION", "us-east-1"),
			S3Endpoint: os.Getenv("STORAGE_S3_ENDPOINT"),
			S3SSE:      envOr("STORAGE_S3_SSE", "true") == "true",
		},
		Keys: KeysConfig{
			Manager:          envOr("KEY_MANAGER", "derived"),
			MasterKey:        os.Getenv("DOCUMENT_MASTER_KEY"),
			PBKDF2Iterations: envInt("PBKDF2_ITERATIONS", 100_000),
			VaultAddr:        os.Getenv("VAULT_ADDR"),
			VaultToken:       os.Getenv("VAULT_TOKEN"),
			VaultTransitKey:  envOr("VAULT_TRANSIT_KEY", "dossier-documents"),
			VaultMount:       envOr("VAULT_TRANSIT_MOUNT", "transit"),
		},
		Validation: ValidationConfig{
			MinBytes:          int64(envInt("VALIDATION_MIN_BYTES", 1024)),
			MaxBytes:          int64(envInt("VALIDATION_MAX_BYTES", 10<<20)),
			AbsoluteMaxBytes:  int64(envInt("VALIDATION_ABSOLUTE_MAX_BYTES", 25<<20)),
			Threshold:         envFloat("VALIDATION_THRESHOLD", 75),
			Strict:            os.Getenv("VALIDATION_STRICT") == "true",
			AllowedMIMETypes:  envListOr("VALIDATION_ALLOWED_MIME_TYPES", []string{"application/pdf", "image/jpeg", "image/png"}),
			AllowedExtensions: envListOr("VALIDATION_ALLOWED_EXTENSIONS", []string{".pdf", ".jpg", ".jpeg", ".png"}),
		},
		Scan: ScanConfig{
			Policy:              envOr("SCAN_POLICY", "fail_open"),
			ClamAVAddr:          os.Getenv("CLAMAV_ADDR"),
			ClamAVTimeout:       envDuration("CLAMAV_TIMEOUT", 30*time.Second),
			HTTPScanURL:         os.Getenv("HTTPSCAN_URL"),
			HTTPScanAPIKey:      os.Getenv("HTTPSCAN_API_KEY"),
			HTTPScanTimeout:     envDuration("HTTPSCAN_TIMEOUT", 20*time.Second),
			SignatureEnabled:    envOr("SCAN_SIGNATURE_ENABLED", "true") == "true",
			BlocklistSHA256:     envList("SCAN_BLOCKLIST_SHA256"),
			BreakerFailures:     envInt("SCAN_BREAKER_FAILURES", 5),
			BreakerSuccesses:    envInt("SCAN_BREAKER_SUCCESSES", 3),
			HealthProbeSchedule: envOr("SCAN_HEALTH_SCHEDULE", "@every 30s"),
		},
		Ingest: IngestConfig{
			Budget:   envDuration("INGEST_BUDGET", 60*time.Second),
			LeaseTTL: envDuration("INGEST_LEASE_TTL", 2*time.Minute),
		},
		Audit: AuditConfig{
			OpsSampleRate: envFloat("AUDIT_OPS_SAMPLE_RATE", 1),
			RelayInterval: envDuration("AUDIT_RELAY_INTERVAL", time.Second),
			RelayBatch:    envInt("AUDIT_RELAY_BATCH", 100),
		},
		RateLimit: RateLimitConfig{
			Uploads: envInt("RATE_LIMIT_UPLOADS", 20),
			Window:  envDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if cfg.Keys.Manager == "derived" && cfg.Keys.MasterKey == "" {
		if cfg.Server.Environment == "production" {
			return Config{}, errors.New("DOCUMENT_MASTER_KEY is required in production")
		}
		cfg.Keys.MasterKey = "dev-master-key-change-in-production"
	}
	if cfg.Keys.PBKDF2Iterations < 100_000 {
		return Config{}, fmt.Errorf("PBKDF2_ITERATIONS must be at least 100000, got %d", cfg.Keys.PBKDF2Iterations)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envListOr(key string, def []string) []string {
	if l := envList(key); len(l) > 0 {
		return l
	}
	return def
}

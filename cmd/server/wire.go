package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/twmb/franz-go/pkg/kgo"

	documentshandler "dossier/internal/documents/handler"
	documentsmetrics "dossier/internal/documents/metrics"
	documentsservice "dossier/internal/documents/service"
	"dossier/internal/documents/store"
	"dossier/internal/encryption"
	encryptionmetrics "dossier/internal/encryption/metrics"
	jwttoken "dossier/internal/jwt_token"
	kychandler "dossier/internal/kyc/handler"
	kycmetrics "dossier/internal/kyc/metrics"
	kycservice "dossier/internal/kyc/service"
	"dossier/internal/platform/config"
	"dossier/internal/platform/httpserver"
	"dossier/internal/platform/kafka"
	"dossier/internal/platform/lease"
	"dossier/internal/platform/metrics"
	"dossier/internal/platform/postgres"
	"dossier/internal/platform/ratelimit"
	"dossier/internal/platform/redis"
	"dossier/internal/scan"
	scanmetrics "dossier/internal/scan/metrics"
	"dossier/internal/scan/scanners/clamav"
	"dossier/internal/scan/scanners/httpscan"
	"dossier/internal/scan/scanners/signature"
	"dossier/internal/storage"
	"dossier/internal/validation"
	validationmetrics "dossier/internal/validation/metrics"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/platform/audit/outbox"
	"dossier/pkg/platform/audit/publishers/compliance"
	"dossier/pkg/platform/audit/publishers/ops"
	"dossier/pkg/platform/audit/publishers/security"
	kafkasink "dossier/pkg/platform/audit/sink/kafka"
	auditmemory "dossier/pkg/platform/audit/store/memory"
	auditpostgres "dossier/pkg/platform/audit/store/postgres"
)

// application holds the router and every resource that needs an orderly stop.
type application struct {
	router chi.Router

	db       *sql.DB
	redis    *redis.Client
	kafka    *kgo.Client
	security *security.Publisher
	prober   *scan.HealthProber
	relay    context.CancelFunc
}

// drain stops background work while the process can still flush it.
func (a *application) drain(ctx context.Context) {
	if a.prober != nil {
		a.prober.Stop(ctx)
	}
	if a.relay != nil {
		a.relay()
	}
}

func (a *application) close(log *slog.Logger) {
	if a.security != nil {
		if err := a.security.Close(); err != nil {
			log.Warn("security audit flush failed", "error", err)
		}
	}
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn("postgres close failed", "error", err)
		}
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (app *application, err error) {
	app = &application{}
	defer func() {
		if err != nil {
			app.drain(context.Background())
			app.close(log)
			app = nil
		}
	}()

	if app.db, err = postgres.Open(ctx, cfg.Postgres); err != nil {
		return app, err
	}
	if app.redis, err = redis.New(ctx, cfg.Redis); err != nil {
		return app, err
	}
	if app.kafka, err = kafka.NewClient(cfg.Kafka); err != nil {
		return app, err
	}

	docStore, docTx := buildStore(app.db)
	locker := buildLocker(app.redis)

	auditStore, err := buildAuditStore(ctx, app, cfg, log)
	if err != nil {
		return app, err
	}
	complianceAudit := compliance.New(auditStore,
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics()),
	)
	var securityStore audit.Store = auditStore
	if app.kafka != nil {
		securityStore = kafkasink.New(app.kafka, cfg.Kafka.SecurityTopic)
	}
	app.security = security.New(securityStore, security.WithLogger(log))
	opsAudit := ops.New(auditStore,
		ops.WithLogger(log),
		ops.WithSampler(ops.NewSampler(cfg.Audit.OpsSampleRate)),
	)

	keys, err := buildKeyManager(cfg.Keys)
	if err != nil {
		return app, err
	}
	cipher := encryption.New(keys,
		encryption.WithLogger(log),
		encryption.WithMetrics(encryptionmetrics.New()),
		encryption.WithSecurityAuditor(app.security),
	)

	validator, err := validation.New(validation.Config{
		MinBytes:          cfg.Validation.MinBytes,
		MaxBytes:          cfg.Validation.MaxBytes,
		AbsoluteMaxBytes:  cfg.Validation.AbsoluteMaxBytes,
		Threshold:         cfg.Validation.Threshold,
		Strict:            cfg.Validation.Strict,
		AllowedMIMETypes:  cfg.Validation.AllowedMIMETypes,
		AllowedExtensions: cfg.Validation.AllowedExtensions,
	},
		validation.WithLogger(log),
		validation.WithMetrics(validationmetrics.New()),
		validation.WithFieldExtractor(validation.NewTextFieldExtractor()),
	)
	if err != nil {
		return app, err
	}

	engine, err := buildScanEngine(cfg.Scan, app.security, log)
	if err != nil {
		return app, err
	}
	if app.prober, err = scan.NewHealthProber(engine, cfg.Scan.HealthProbeSchedule); err != nil {
		return app, err
	}
	app.prober.Start()

	blobs, err := buildStorage(ctx, cfg.Storage)
	if err != nil {
		return app, err
	}

	documents, err := documentsservice.New(documentsservice.Dependencies{
		Store:      docStore,
		Tx:         docTx,
		Storage:    blobs,
		Validator:  validator,
		Scanner:    engine,
		Cipher:     cipher,
		Compliance: complianceAudit,
		Locker:     locker,
	},
		documentsservice.WithLogger(log),
		documentsservice.WithMetrics(documentsmetrics.New()),
		documentsservice.WithSecurityAuditor(app.security),
		documentsservice.WithOpsAuditor(opsAudit),
		documentsservice.WithBudget(cfg.Ingest.Budget),
		documentsservice.WithLeaseTTL(cfg.Ingest.LeaseTTL),
	)
	if err != nil {
		return app, err
	}

	kyc, err := kycservice.New(docStore, docTx, complianceAudit,
		kycservice.WithLogger(log),
		kycservice.WithMetrics(kycmetrics.New()),
	)
	if err != nil {
		return app, err
	}

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
	jwtValidator := jwttoken.NewJWTServiceAdapter(jwtService)

	app.router = httpserver.NewRouter(metrics.New())
	limiter := ratelimit.New(buildRateLimitStore(app.redis), log)
	documentshandler.New(documents, jwtValidator, cfg.Validation.AbsoluteMaxBytes, log,
		documentshandler.WithUploadLimit(limiter.Enforce(ratelimit.Limit{
			Name:     "uploads",
			Requests: cfg.RateLimit.Uploads,
			Window:   cfg.RateLimit.Window,
		})),
	).Register(app.router)
	kychandler.New(kyc, jwtValidator, log).Register(app.router)

	return app, nil
}

// buildStore falls back to the in-memory store when no database is configured.
func buildStore(db *sql.DB) (store.Store, store.Tx) {
	if db == nil {
		s := store.NewInMemoryStore()
		return s, store.NewShardedTx(s)
	}
	return store.NewPostgres(db), store.NewPostgresTx(db)
}

func buildLocker(client *redis.Client) lease.Locker {
	if client == nil {
		return lease.NewMemoryLocker()
	}
	return lease.NewRedisLocker(client.Client)
}

func buildRateLimitStore(client *redis.Client) ratelimit.Store {
	if client == nil {
		return ratelimit.NewMemoryStore()
	}
	return ratelimit.NewRedisStore(client.Client)
}

// buildAuditStore writes compliance events to the Postgres outbox and, when
// Kafka is configured, starts the relay that ships them.
func buildAuditStore(ctx context.Context, app *application, cfg config.Config, log *slog.Logger) (audit.Store, error) {
	if app.db == nil {
		log.Warn("DATABASE_URL not set, audit events are kept in memory")
		return auditmemory.NewInMemoryStore(), nil
	}
	auditStore := auditpostgres.New(app.db)
	if app.kafka == nil {
		return auditStore, nil
	}
	if err := kafka.EnsureTopics(ctx, app.kafka, cfg.Kafka); err != nil {
		return nil, err
	}
	relay := outbox.NewRelay(app.db, auditStore, kafkasink.New(app.kafka, cfg.Kafka.ComplianceTopic),
		outbox.WithLogger(log),
		outbox.WithInterval(cfg.Audit.RelayInterval),
		outbox.WithBatchSize(cfg.Audit.RelayBatch),
	)
	relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.relay = cancel
	go func() {
		if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			log.Error("audit outbox relay stopped", "error", err)
		}
	}()
	return auditStore, nil
}

func buildKeyManager(cfg config.KeysConfig) (encryption.KeyManager, error) {
	switch cfg.Manager {
	case "derived":
		return encryption.NewDerivedKeyManager(cfg.MasterKey, cfg.PBKDF2Iterations)
	case "vault":
		return encryption.NewVaultKeyManager(encryption.VaultConfig{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Mount:   cfg.VaultMount,
			KeyName: cfg.VaultTransitKey,
		})
	default:
		return nil, fmt.Errorf("unknown key manager %q", cfg.Manager)
	}
}

func buildScanEngine(cfg config.ScanConfig, auditor scan.SecurityAuditor, log *slog.Logger) (*scan.Engine, error) {
	policy, ok := scan.ParsePolicy(cfg.Policy)
	if !ok {
		return nil, fmt.Errorf("unknown scan policy %q", cfg.Policy)
	}

	registry := scan.NewRegistry()
	var backends []scan.Scanner
	if cfg.SignatureEnabled {
		backends = append(backends, signature.New(signature.WithBlocklist(cfg.BlocklistSHA256...)))
	}
	if cfg.ClamAVAddr != "" {
		backends = append(backends, clamav.New(cfg.ClamAVAddr, cfg.ClamAVTimeout))
	}
	if cfg.HTTPScanURL != "" {
		backends = append(backends, httpscan.New(cfg.HTTPScanURL, cfg.HTTPScanAPIKey, cfg.HTTPScanTimeout))
	}
	ids := make([]string, 0, len(backends))
	for _, b := range backends {
		if err := registry.Register(b); err != nil {
			return nil, err
		}
		ids = append(ids, b.ID())
	}
	log.Info("scanners registered", "scanners", strings.Join(ids, ","), "policy", cfg.Policy)

	return scan.New(registry,
		scan.WithPolicy(policy),
		scan.WithLogger(log),
		scan.WithMetrics(scanmetrics.New()),
		scan.WithSecurityAuditor(auditor),
		scan.WithBreakerThresholds(cfg.BreakerFailures, cfg.BreakerSuccesses),
	), nil
}

func buildStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemory(), nil
	case "local":
		return storage.NewLocal(cfg.LocalRoot)
	case "s3":
		return storage.NewS3(ctx, storage.S3Options{
			Region:               cfg.S3Region,
			Bucket:               cfg.S3Bucket,
			Prefix:               cfg.S3Prefix,
			Endpoint:             cfg.S3Endpoint,
			ServerSideEncryption: cfg.S3SSE,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

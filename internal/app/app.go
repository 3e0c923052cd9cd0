// Package app assembles the issuance pipeline from configuration for both
// binaries. Every backing service is optional: without its URL the
// in-process implementation is used.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"credmint/internal/issuance/events"
	"credmint/internal/issuance/handler"
	"credmint/internal/issuance/ledger"
	"credmint/internal/issuance/metrics"
	"credmint/internal/issuance/persistence"
	"credmint/internal/issuance/queue"
	"credmint/internal/issuance/scheduler"
	"credmint/internal/issuance/service"
	"credmint/internal/issuance/stamper"
	"credmint/internal/issuance/storage"
	issuancestore "credmint/internal/issuance/store/issuance"
	issuerstore "credmint/internal/issuance/store/issuer"
	"credmint/internal/issuance/tracker"
	"credmint/internal/issuance/verify"
	"credmint/internal/issuance/worker"
	jwttoken "credmint/internal/jwt_token"
	"credmint/internal/platform/config"
	"credmint/internal/platform/kafka"
	platformmetrics "credmint/internal/platform/metrics"
	"credmint/internal/platform/postgres"
	platformredis "credmint/internal/platform/redis"
	"credmint/pkg/platform/middleware/admin"
	"credmint/pkg/platform/middleware/auth"
	"credmint/pkg/platform/middleware/metadata"
	request "credmint/pkg/platform/middleware/request"
	"credmint/pkg/platform/middleware/requesttime"
	txcontext "credmint/pkg/platform/tx"
)

// App holds the assembled components and the handles that must be closed.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	broker   queue.Broker
	objects  storage.ObjectStore
	stamper  *stamper.Stamper
	service  *service.Service
	verifier *verify.Verifier

	checks  map[string]handler.Check
	closers []func()
}

// NewWorker builds the stamping side only: queue, object store and renderer.
func NewWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: platformmetrics.NewRegistry(),
		checks:   map[string]handler.Check{},
	}
	a.metrics = metrics.New(a.registry)
	if err := a.buildStamping(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// NewServer builds the full pipeline including the stores, the ledger and
// the event stream.
func NewServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a, err := NewWorker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.buildIssuance(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases every opened handle in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Pool returns a worker pool consuming the configured broker.
func (a *App) Pool() (*worker.Pool, error) {
	return worker.NewPool(a.broker, a.stamper, a.cfg.Issuance.WorkerConcurrency,
		worker.WithLogger(a.logger),
		worker.WithMetrics(a.metrics),
		worker.WithReclaimInterval(a.cfg.Redis.ReclaimInterval),
	)
}

// UsesSharedQueue reports whether jobs travel through Redis and can be
// consumed by a separate worker process.
func (a *App) UsesSharedQueue() bool {
	_, ok := a.broker.(*queue.RedisBroker)
	return ok
}

func (a *App) buildStamping(ctx context.Context) error {
	cfg := a.cfg

	rc, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		a.onClose(func() { _ = rc.Close() })
		a.checks["redis"] = rc.Health
		a.broker, err = queue.NewRedisBroker(rc.Client,
			queue.WithKeyPrefix(cfg.Redis.KeyPrefix),
			queue.WithJobTTL(cfg.Redis.JobTTL),
			queue.WithVisibilityTimeout(cfg.Redis.VisibilityTimeout),
			queue.WithRedisLogger(a.logger),
		)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "using redis job queue")
	} else {
		a.broker = queue.NewMemoryBroker(a.logger)
		a.logger.WarnContext(ctx, "REDIS_URL not set; using in-process job queue")
	}

	a.objects, err = newObjectStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	var renderer stamper.Renderer
	switch cfg.Renderer.Kind {
	case "chrome":
		renderer = stamper.NewChromeRenderer(cfg.Renderer.ChromePath, cfg.Renderer.Timeout)
	default:
		renderer = stamper.NewRasterRenderer()
	}

	a.stamper, err = stamper.New(a.objects, renderer, cfg.Issuance.VerifyBaseURL,
		stamper.WithLogger(a.logger),
		stamper.WithMetrics(a.metrics),
		stamper.WithRetry(cfg.Issuance.StampAttempts, cfg.Issuance.StampRetryDelay),
		stamper.WithConcurrency(cfg.Issuance.RenderConcurrency),
	)
	return err
}

func newObjectStore(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch cfg.Driver {
	case "fs":
		return storage.NewFileStore(cfg.Root, cfg.PublicBaseURL)
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:      cfg.Endpoint,
			Bucket:        cfg.Bucket,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			UseSSL:        cfg.UseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	default:
		return storage.NewMemoryStore(cfg.PublicBaseURL), nil
	}
}

// stores bundles the three persistence seams so memory and postgres modes
// are assembled the same way.
type stores struct {
	issuers interface {
		service.IssuerStore
		ledger.SequenceStore
		persistence.IssuerCounters
		issuerstore.Creator
	}
	issuances interface {
		persistence.IssuanceStore
		verify.Lookup
	}
	tx persistence.TxRunner
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	cfg := a.cfg.Postgres
	handles, err := postgres.Connect(ctx, cfg, a.logger)
	if err != nil {
		return stores{}, err
	}
	if handles == nil {
		a.logger.WarnContext(ctx, "DATABASE_URL not set; using in-memory stores")
		return stores{
			issuers:   issuerstore.NewInMemory(),
			issuances: issuancestore.NewInMemory(),
			tx:        txcontext.NopRunner{},
		}, nil
	}
	a.onClose(handles.Close)
	a.checks["postgres"] = handles.Health
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.DSN, a.logger); err != nil {
			return stores{}, err
		}
	}
	return stores{
		issuers:   issuerstore.NewPostgres(handles.DB),
		issuances: issuancestore.NewPostgres(handles.DB, handles.Pool),
		tx:        txcontext.NewRunner(handles.DB),
	}, nil
}

func (a *App) newLedgerClient(ctx context.Context) (ledger.Client, error) {
	cfg := a.cfg.Ledger
	if cfg.RPCURL == "" {
		a.logger.WarnContext(ctx, "LEDGER_RPC_URL not set; anchoring to the in-process ledger")
		return ledger.NewMemoryClient(), nil
	}
	client, err := ledger.DialEVM(ctx, cfg.RPCURL, ledger.EVMConfig{
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
		ChainID:         cfg.ChainID,
		ReceiptPoll:     cfg.ReceiptPoll,
		ReceiptTimeout:  cfg.ReceiptTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return client, nil
}

func (a *App) newPublisher(ctx context.Context) (events.Publisher, error) {
	cfg := a.cfg.Kafka
	if !cfg.Enabled {
		return events.NopPublisher{}, nil
	}
	producer, err := kafka.NewProducer(cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(producer.Close)
	a.checks["kafka"] = producer.Health
	if err := producer.EnsureTopic(ctx, cfg.Topic, 3, 1); err != nil {
		a.logger.WarnContext(ctx, "kafka topic not ensured", "topic", cfg.Topic, "error", err)
	}
	return events.NewKafkaPublisher(producer, cfg.Topic)
}

func (a *App) buildIssuance(ctx context.Context) error {
	cfg := a.cfg
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	if cfg.Issuance.BootstrapIssuer != "" {
		if err := issuerstore.SeedBootstrapIssuer(ctx, st.issuers, cfg.Issuance.BootstrapIssuer, cfg.Issuance.BootstrapCredits); err != nil {
			return err
		}
	}

	client, err := a.newLedgerClient(ctx)
	if err != nil {
		return err
	}
	committer, err := ledger.NewCommitter(client, st.issuers,
		ledger.WithLogger(a.logger),
		ledger.WithMetrics(a.metrics),
		ledger.WithMaxAttempts(cfg.Ledger.MaxAttempts),
		ledger.WithRetryDelay(cfg.Ledger.RetryDelay),
		ledger.WithFeeBump(cfg.Ledger.FeeBumpPercent),
		ledger.WithExpirationYears(cfg.Ledger.ExpirationYears),
	)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(a.broker, cfg.Issuance.ChunkSize, scheduler.WithLogger(a.logger))
	if err != nil {
		return err
	}
	tr, err := tracker.New(a.broker, tracker.WithLogger(a.logger))
	if err != nil {
		return err
	}
	writer, err := persistence.NewWriter(st.issuances, st.issuers, st.tx, persistence.WithLogger(a.logger))
	if err != nil {
		return err
	}
	publisher, err := a.newPublisher(ctx)
	if err != nil {
		return err
	}

	workRoot := cfg.Issuance.WorkRoot
	if err := os.MkdirAll(workRoot, 0o750); err != nil {
		return fmt.Errorf("create work root: %w", err)
	}
	a.service, err = service.New(service.Dependencies{
		Issuers:    st.issuers,
		Committer:  committer,
		Dispatcher: sched,
		Tracker:    tr,
		Queue:      a.broker,
		Writer:     writer,
	}, service.Config{
		WorkRoot:     workRoot,
		BatchTimeout: cfg.Issuance.BatchTimeout,
		ExplorerURL:  cfg.Ledger.ExplorerURL,
		QRSize:       cfg.Issuance.QRSize,
		QRForeground: cfg.Issuance.QRForeground,
		QRBackground: cfg.Issuance.QRBackground,
	},
		service.WithLogger(a.logger),
		service.WithMetrics(a.metrics),
		service.WithPublisher(publisher),
	)
	if err != nil {
		return err
	}

	a.verifier, err = verify.New(st.issuances,
		verify.WithLogger(a.logger),
		verify.WithMetrics(a.metrics),
		verify.WithCache(cfg.Cache.VerifySize, cfg.Cache.VerifyTTL),
		verify.WithExplorerURL(cfg.Ledger.ExplorerURL),
	)
	return err
}

// Router returns the public API. Without the issuance side (worker mode)
// only /metrics and /healthz are served.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(request.Recovery(a.logger))
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(a.logger))

	r.Handle("/metrics", platformmetrics.Handler(a.registry))
	r.Get("/healthz", handler.Health(a.checks))

	if fs, ok := a.objects.(*storage.FileStore); ok {
		r.Handle("/artifacts/*", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(fs.Dir()))))
	}

	if a.service != nil {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout(a.cfg.Issuance.BatchTimeout)))
			jwt := jwttoken.NewJWTService(a.cfg.Server.JWTSigningKey, a.cfg.Server.JWTIssuer, a.cfg.Server.JWTAudience)
			h := handler.New(a.service, a.verifier, a.broker, a.logger)
			h.Register(r,
				auth.RequireAuth(jwttoken.NewAdapter(jwt), a.logger),
				admin.RequireAdminToken(a.cfg.Server.AdminToken, a.logger),
			)
		})
	}
	return r
}

// requestTimeout bounds API requests. A batch may legitimately run for the
// whole batch timeout, so the request deadline sits just past it.
func requestTimeout(batch time.Duration) time.Duration {
	if batch <= 0 {
		return 24 * time.Hour
	}
	return batch + 30*time.Second
}

// RunWorkers runs a worker pool until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	pool, err := a.Pool()
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "worker pool started", "workers", a.cfg.Issuance.WorkerConcurrency)
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

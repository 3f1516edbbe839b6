package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/hiesync/internal/config"
	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
	"github.com/kirillkom/hiesync/internal/core/usecase"
	"github.com/kirillkom/hiesync/internal/infrastructure/fhir"
	"github.com/kirillkom/hiesync/internal/infrastructure/hie/commonwell"
	"github.com/kirillkom/hiesync/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hiesync/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/hiesync/internal/infrastructure/resilience"
	"github.com/kirillkom/hiesync/internal/infrastructure/sandbox"
	"github.com/kirillkom/hiesync/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/hiesync/internal/infrastructure/storage/minio"
	"github.com/kirillkom/hiesync/internal/observability/capture"
	"github.com/kirillkom/hiesync/internal/observability/logging"
	"github.com/kirillkom/hiesync/internal/observability/metrics"
)

const serviceName = "hiesync-worker"

type App struct {
	Config  config.Config
	Metrics *metrics.WorkerMetrics

	Queue      *nats.Queue
	Patients   ports.PatientRepository
	IdentityUC *usecase.IdentitySyncUseCase
	DocumentUC *usecase.DocumentSyncUseCase
	StatusUC   *usecase.QueryStatusTracker

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	capturer := capture.New(logger, workerMetrics)

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
		RetryInitialBackoff: cfg.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		RetryAfterMax:       cfg.RetryAfterMax,
		BreakerEnabled:      cfg.BreakerEnabled,
		Observer:            workerMetrics,
	})

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	patients := postgres.NewPatientRepository(db)
	facilities := postgres.NewFacilityRepository(db, cfg.SystemRootOID)
	tracker := usecase.NewQueryStatusTracker(postgres.NewQueryStatusRepository(db))

	content, err := newContentStore(ctx, cfg, executor)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init content store: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubjectPrefix, nats.Options{
		Name:               serviceName,
		ResilienceExecutor: executor,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	clients := commonwell.NewFactory(commonwell.Options{
		BaseURL:           cfg.HIEBaseURL,
		APIKey:            cfg.HIEAPIKey,
		Timeout:           cfg.HIETimeout,
		RequestsPerSecond: cfg.HIERPS,
		Burst:             cfg.HIEBurst,
		Executor:          executor,
	})

	var sandboxDocs ports.SandboxDocuments
	if cfg.Sandbox {
		docs, err := sandbox.New()
		if err != nil {
			queue.Close()
			_ = db.Close()
			return nil, fmt.Errorf("load sandbox documents: %w", err)
		}
		sandboxDocs = docs
	}

	identityUC := usecase.NewIdentitySyncUseCase(patients, facilities, clients, capturer)
	documentUC := usecase.NewDocumentSyncUseCase(usecase.DocumentSyncDeps{
		Facilities: facilities,
		Clients:    clients,
		Content:    content,
		Converter:  fhir.NewConverter(cfg.FHIRConverterURL, cfg.FHIRTimeout, executor),
		Canonical:  fhir.NewStore(cfg.FHIRServerURL, cfg.FHIRTimeout, executor),
		Sink:       queue,
		Usage:      queue,
		Capture:    capturer,
		Sandbox:    sandboxDocs,
		Observer:   workerMetrics,
	}, tracker, domain.DocumentSyncLimits{
		ChunkSize:         cfg.DocChunkSize,
		DownloadJitterMax: cfg.DocDownloadJitterMax,
		ChunkDelayMax:     cfg.DocChunkDelayMax,
		NotifyTimeout:     cfg.NotifyTimeout,
		Sandbox:           cfg.Sandbox,
	})

	return &App{
		Config:  cfg,
		Metrics: workerMetrics,

		Queue:      queue,
		Patients:   patients,
		IdentityUC: identityUC,
		DocumentUC: documentUC,
		StatusUC:   tracker,

		closeFn: func() {
			documentUC.WaitDetached()
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func newContentStore(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.ContentStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ContentStore)) {
	case "localfs":
		return localfs.New(cfg.StoragePath)
	case "minio", "":
		return minio.New(ctx, minio.Options{
			Endpoint:  cfg.MinioEndpoint,
			Region:    cfg.MinioRegion,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Executor:  executor,
		})
	default:
		return nil, fmt.Errorf("unknown content store %q", cfg.ContentStore)
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

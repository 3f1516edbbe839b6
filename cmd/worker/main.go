package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hiesync/internal/bootstrap"
	"github.com/kirillkom/hiesync/internal/config"
	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

const (
	identityTimeout = 5 * time.Minute
	statusTimeout   = 5 * time.Second
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsMux(app),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Queue.SubscribeIdentitySync(gctx, func(handlerCtx context.Context, cmd ports.IdentitySyncCommand) error {
			syncCtx, cancel := context.WithTimeout(handlerCtx, identityTimeout)
			defer cancel()
			return track(app, "identity_sync", func() error { return handleIdentitySync(syncCtx, app, cmd) })
		})
	})
	g.Go(func() error {
		return app.Queue.SubscribeDocumentQuery(gctx, func(handlerCtx context.Context, cmd ports.DocumentQueryCommand) error {
			queryCtx, cancel := runContext(handlerCtx, cfg.DocumentQueryTimeout)
			defer cancel()
			return track(app, "document_query", func() error { return handleDocumentQuery(queryCtx, app, cmd) })
		})
	})
	g.Go(func() error {
		return app.Queue.ServeQueryStatus(gctx, func(handlerCtx context.Context, req ports.QueryStatusRequest) (domain.QueryStatus, error) {
			statusCtx, cancel := context.WithTimeout(handlerCtx, statusTimeout)
			defer cancel()
			return app.StatusUC.Get(statusCtx, req.TenantID, req.PatientID)
		})
	})

	slog.Info("worker_started", "subject_prefix", cfg.NATSSubjectPrefix, "sandbox", cfg.Sandbox)
	if err := g.Wait(); err != nil {
		slog.Error("worker_subscription_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("worker_metrics_shutdown_failed", "error", err)
	}
	slog.Info("worker_stopped")
}

func handleIdentitySync(ctx context.Context, app *bootstrap.App, cmd ports.IdentitySyncCommand) error {
	if cmd.Patient != nil {
		if cmd.Patient.TenantID != cmd.TenantID || cmd.Patient.ID != cmd.PatientID {
			return domain.WrapError(domain.ErrInvalidInput, "identity sync", errors.New("patient does not match command"))
		}
		if err := app.Patients.Upsert(ctx, cmd.Patient); err != nil {
			return err
		}
	}
	patient, err := app.Patients.GetByID(ctx, cmd.TenantID, cmd.PatientID)
	if err != nil {
		return err
	}
	return app.IdentityUC.Sync(ctx, patient, cmd.FacilityID, cmd.Operation)
}

func handleDocumentQuery(ctx context.Context, app *bootstrap.App, cmd ports.DocumentQueryCommand) error {
	patient, err := app.Patients.GetByID(ctx, cmd.TenantID, cmd.PatientID)
	if err != nil {
		return err
	}
	_, err = app.DocumentUC.Synchronize(ctx, patient, cmd.FacilityID, cmd.Override)
	return err
}

// runContext bounds a run only when an operator configured a cap; document
// queries are otherwise throttled by chunking alone.
func runContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

func track(app *bootstrap.App, command string, fn func() error) error {
	app.Metrics.StartCommand()
	started := time.Now()
	err := fn()
	app.Metrics.FinishCommand(command, time.Since(started), err)
	return err
}

func metricsMux(app *bootstrap.App) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

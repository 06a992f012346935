// Package server wires the gophdrop components together and runs them:
// the database, blob and key stores, the erase worker pool, the Prometheus
// endpoint and the admin gRPC server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/gophdrop/internal/lockx"
	"github.com/dmitrijs2005/gophdrop/internal/logging"
	"github.com/dmitrijs2005/gophdrop/internal/server/blobstore"
	"github.com/dmitrijs2005/gophdrop/internal/server/config"
	"github.com/dmitrijs2005/gophdrop/internal/server/erasure"
	"github.com/dmitrijs2005/gophdrop/internal/server/keystore"
	"github.com/dmitrijs2005/gophdrop/internal/server/metrics"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophdrop/internal/server/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gs "github.com/dmitrijs2005/gophdrop/internal/server/grpc"
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	queue       *erasure.Queue
	metrics     *metrics.Collector
	collections *services.CollectionService
	exports     *services.ExportService
	intake      *services.IntakeService
}

// NewApp validates c and builds every component. The database is opened and
// migrated here; nothing runs until Run.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := logging.NewJSONLogger(os.Stdout, level)

	db, rm, err := repomanager.Open(ctx, c.DatabaseDriver, c.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	app, err := build(ctx, c, logger, db, rm)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return app, nil
}

func build(ctx context.Context, c *config.Config, logger logging.Logger, db *sql.DB, rm repomanager.RepositoryManager) (*App, error) {
	shredder := erasure.NewShredder(c.ErasePasses)

	blobs, eraser, err := newBlobBackend(ctx, c, shredder)
	if err != nil {
		return nil, fmt.Errorf("blob store init error: %w", err)
	}

	keys, err := keystore.NewFileKeyStore(c.KeysDir, shredder)
	if err != nil {
		return nil, fmt.Errorf("keystore init error: %w", err)
	}

	collector := metrics.NewCollector()
	queue := erasure.NewQueue(rm.Jobs(db), eraser, logger, erasure.Options{
		Workers:   c.EraseWorkers,
		QueueSize: c.EraseQueueSize,
		Observer:  collector,
	})

	policy, err := services.ParseKeyFailurePolicy(c.KeyFailurePolicy)
	if err != nil {
		return nil, err
	}

	locks := &lockx.Keyed{}
	cs := services.NewCollectionService(db, rm, keys, blobs, queue, locks, logger, services.CollectionOptions{
		Policy:           policy,
		KeyDeleteRetries: uint64(c.KeyDeleteRetries),
		KeyRetryBase:     c.KeyRetryBase,
		Metrics:          collector,
	})
	es := services.NewExportService(db, rm, blobs, locks, logger, collector)
	is, err := services.NewIntakeService(db, rm, keys, blobs, locks, logger, c.JournalistPublicKey)
	if err != nil {
		return nil, err
	}

	return &App{
		config:      c,
		logger:      logger,
		db:          db,
		queue:       queue,
		metrics:     collector,
		collections: cs,
		exports:     es,
		intake:      is,
	}, nil
}

// newBlobBackend returns the blob store and the eraser that wipes a
// source's blobs from it.
func newBlobBackend(ctx context.Context, c *config.Config, shredder *erasure.Shredder) (blobstore.Store, erasure.Eraser, error) {
	switch c.BlobBackend {
	case "s3":
		st, err := blobstore.NewS3Store(ctx, blobstore.S3Settings{
			User:         c.S3RootUser,
			Password:     c.S3RootPassword,
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		st, err := blobstore.NewDiskStore(c.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		return st, shredder, nil
	}
}

// Intake exposes the source-facing operations to an in-process front end.
func (app *App) Intake() *services.IntakeService {
	return app.intake
}

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {

	s, err := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.collections, app.exports, app.config.SecretKey)

	if err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
		return
	}

	s.SetShutdownTimeout(app.config.ShutdownTimeout)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if app.config.MetricsAddr == "" {
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(app.metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting metrics server", "address", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until ctx is canceled or a signal arrives. Erase jobs left
// over from a previous run are redelivered first.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(ctx, cancelFunc)

	app.queue.Start(ctx)
	n, err := app.queue.Recover(ctx)
	if err != nil {
		app.logger.Error(ctx, "erase job recovery failed", "error", err)
	} else if n > 0 {
		app.logger.Info(ctx, "erase jobs redelivered", "count", n)
	}

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startMetricsServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.logger.Info(ctx, "Stopping erase workers...")
	qErr := app.queue.Stop()
	dbErr := app.db.Close()

	return errors.Join(qErr, dbErr)
}

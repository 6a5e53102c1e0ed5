package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"genpay/internal/catalog"
	"genpay/internal/config"
	"genpay/internal/generator"
	"genpay/internal/handler"
	"genpay/internal/infrastructure/cache"
	"genpay/internal/infrastructure/database"
	"genpay/internal/infrastructure/lock"
	"genpay/internal/infrastructure/mq"
	"genpay/internal/job"
	"genpay/internal/service"
	"genpay/pkg/idgen"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newServeCmd(configPath *string) *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and compete for the job driver lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, dev)
		},
	}
	cmd.Flags().BoolVar(&dev, "dev", false, "use a private in-memory sqlite database")
	return cmd
}

func openDatabase(cfg *config.Config, dev bool) (*gorm.DB, error) {
	if dev {
		return database.OpenSQLiteMemory()
	}
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		closeDB(db)
		return nil, err
	}
	return db, nil
}

func serve(parent context.Context, cfg *config.Config, dev bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := idgen.Init(cfg.Server.NodeID); err != nil {
		return err
	}

	db, err := openDatabase(cfg, dev)
	if err != nil {
		return err
	}
	defer closeDB(db)

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	slog.Info("model catalog loaded", "component", "main",
		"pricing_version", cat.PricingVersion(),
		"models", len(cat.Models()))

	ledger := service.NewLedgerService(db, cfg, nil)
	generation := service.NewGenerationService(db, cfg, cat, generator.NewHTTPClient(&cfg.Generator), ledger, nil)

	if cfg.Redis.Enabled {
		rdb, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		generation.SetSubmitLocker(lock.NewSubmitLocker(rdb, cfg.Business.SubmitLockTTL))
	}

	var producer *mq.Producer
	if cfg.Kafka.Enabled {
		producer, err = mq.InitKafka(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
	}

	ownerID := cfg.Server.InstanceID
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	coordinator := service.NewCoordinator(db, cfg.Coordinator, ownerID, nil)

	poller := job.NewPoller(generation, cfg)
	generation.SetNotifier(poller.Notify)

	lead := func(leaderCtx context.Context) {
		var wg sync.WaitGroup
		start := func(run func(context.Context)) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run(leaderCtx)
			}()
		}

		start(poller.Start)
		start(job.NewMaintenanceJob(ledger, cfg).Start)
		if producer != nil {
			start(job.NewOutboxSender(db, producer, cfg).Start)
		}
		wg.Wait()
	}

	coordinatorDone := make(chan struct{})
	go func() {
		defer close(coordinatorDone)
		coordinator.Run(ctx, lead)
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(handler.NewHandler(ledger, generation, coordinator)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "component", "main", "port", cfg.Server.Port, "owner_id", ownerID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "component", "main")
	case err := <-serverErr:
		if err != nil {
			slog.Error("http server failed", "component", "main", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "component", "main", "err", err)
	}

	// Job tasks stop at their next checkpoint and the lease is released.
	select {
	case <-coordinatorDone:
	case <-shutdownCtx.Done():
		slog.Warn("coordinator did not stop in time", "component", "main")
	}

	slog.Info("server stopped", "component", "main")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/c.mueller/logbook-sync/internal/api"
	"github.com/c.mueller/logbook-sync/internal/cluster"
	"github.com/c.mueller/logbook-sync/internal/config"
	"github.com/c.mueller/logbook-sync/internal/database"
	"github.com/c.mueller/logbook-sync/internal/models"
	"github.com/c.mueller/logbook-sync/internal/syncer"
	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/c.mueller/logbook-sync/internal/worker"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	configPath string
	port       int
	dbPath     string
	nodeName   string
	serfAddr   string
	seeds      []string
	logLevel   string
	logFile    string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a logbook node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.IntVar(&opts.port, "port", 0, "HTTP server port (overrides config)")
	flags.StringVar(&opts.dbPath, "db", "", "Database file path (overrides config)")
	flags.StringVar(&opts.nodeName, "node-name", "", "Node name (overrides config)")
	flags.StringVar(&opts.serfAddr, "serf-addr", "", "Serf bind address (overrides config)")
	flags.StringSliceVar(&opts.seeds, "seeds", nil, "Seed nodes to join, host:port (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&opts.logFile, "log-file", "", "Rotating log file (overrides config)")

	return cmd
}

// load reads the config file if given and applies flag overrides
func (o *serveOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Node.HTTP.Port = o.port
	}
	if flags.Changed("db") {
		cfg.Node.Database.Path = o.dbPath
	}
	if flags.Changed("node-name") {
		cfg.Node.Name = o.nodeName
	}
	if flags.Changed("serf-addr") {
		cfg.Node.Serf.BindAddr = o.serfAddr
	}
	if flags.Changed("seeds") {
		cfg.Cluster.Seeds = o.seeds
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = o.logFile
	}

	if cfg.Node.Name == "" {
		cfg.Node.Name = "node-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closeLog := setupLogger(cfg.Log)
	defer closeLog()

	logger.Info("starting logbook-sync", "version", version, "log_level", cfg.Log.Level, "node", cfg.Node.Name)

	logger.Info("initializing database", "path", cfg.Node.Database.Path)
	db, err := database.New(cfg.Node.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	logger.Info("initializing cluster", "node", cfg.Node.Name, "serf", cfg.Node.Serf.BindAddr)
	clusterInstance, err := cluster.New(cfg.Node.Name, cfg.Node.Serf.BindAddr, db, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cluster: %w", err)
	}
	defer clusterInstance.Stop()

	syncService := syncer.New(db, clusterInstance, logger)
	syncService.OnRun(func(run models.SyncRun) {
		if run.Full && run.Succeeded() {
			clusterInstance.MarkReady()
		}
	})

	queue, err := newSyncQueue(cfg, syncService.Process, logger)
	if err != nil {
		return err
	}
	clusterInstance.OnTrigger(queue.QueueEvent)

	bgWorker, err := worker.New(cfg.WorkerSchedules(), queue.QueueEvent, db, logger)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	joinTimeout := time.Duration(cfg.Cluster.JoinTimeout) * time.Second
	if err := clusterInstance.Start(cfg.Cluster.Seeds, joinTimeout); err != nil {
		return fmt.Errorf("failed to start cluster: %w", err)
	}

	bgWorker.Start()

	router := chi.NewMux()
	humaAPI := humachi.New(router, huma.DefaultConfig("Logbook API", version))

	apiServer := api.NewServer(db, clusterInstance, queue, logger)
	apiServer.RegisterRoutes(humaAPI)
	apiServer.RegisterSocket(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Node.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", "port", cfg.Node.HTTP.Port)
		logger.Info("API documentation available", "url", fmt.Sprintf("http://localhost:%d/docs", cfg.Node.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(logger, srv, bgWorker, queue, clusterInstance)
	})

	return g.Wait()
}

// newSyncQueue builds the queue from config. The queue tags its own log
// lines, so the process logger is passed through untouched.
func newSyncQueue(cfg *config.Config, process syncqueue.Processor, logger *slog.Logger) (*syncqueue.Queue, error) {
	queueCfg := cfg.QueueConfig()
	queueCfg.Logger = logger
	queue, err := syncqueue.New(process, queueCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync queue: %w", err)
	}
	return queue, nil
}

// shutdown stops accepting requests, gives queued triggers one last flush
// while peers are still reachable and then leaves the cluster
func shutdown(logger *slog.Logger, srv *http.Server, bgWorker *worker.Worker, queue *syncqueue.Queue, clusterInstance *cluster.Cluster) error {
	logger.Info("shutting down")

	bgWorker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	if n := queue.QueueSize(); n > 0 {
		logger.Info("flushing sync queue", "queued", n)
	}
	queue.ForceProcess()
	queue.Clear()

	if err := clusterInstance.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("error stopping cluster: %w", err))
	}

	logger.Info("server exited")
	return errors.Join(errs...)
}

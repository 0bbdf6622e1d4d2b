package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/internal/config"
	"github.com/ignatij/commissioner/internal/events"
	internal_http "github.com/ignatij/commissioner/internal/http"
	"github.com/ignatij/commissioner/internal/log"
	"github.com/ignatij/commissioner/internal/metrics"
	"github.com/ignatij/commissioner/internal/observability"
	internal_storage "github.com/ignatij/commissioner/internal/storage"
	"github.com/ignatij/commissioner/internal/tasks"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overrides COMMISSIONER_CONFIG)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.HTTPPort = port
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	serveCmd.Flags().String("port", "", "HTTP port (overrides HTTP_PORT)")

	statusCmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show the progress of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			// read-only: a dispatcher here would abort the records of a running server
			progress, err := service.NewProgressService(store, log.GetLogger()).Progress(id)
			if err != nil {
				return fmt.Errorf("failed to load task %s: %w", id, err)
			}
			printProgress(cmd.OutOrStdout(), progress)
			return nil
		},
	}

	universeCmd := &cobra.Command{
		Use:   "universe",
		Short: "Manage universes",
	}
	universeCreateCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Register a universe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			u, err := service.NewUniverseService(store, log.GetLogger()).Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create universe: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created universe '%s' with ID %s\n", u.Name, u.ID)
			return nil
		},
	}
	universeShowCmd := &cobra.Command{
		Use:   "show [universe-id]",
		Short: "Show a universe and its lock state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid universe id %q: %w", args[0], err)
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			u, err := service.NewUniverseService(store, log.GetLogger()).Get(id)
			if err != nil {
				return fmt.Errorf("failed to load universe %s: %w", id, err)
			}
			printUniverse(cmd.OutOrStdout(), u)
			return nil
		},
	}
	universeCmd.AddCommand(universeCreateCmd, universeShowCmd)

	rootCmd.AddCommand(serveCmd, statusCmd, universeCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DatabaseURL = db
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Configure(cfg.LogLevel, cfg.LogFile)
	return cfg, nil
}

func openStore(cmd *cobra.Command) (*internal_storage.PostgresStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log.GetLogger().Debugf("Opening store with %d connection(s)", cfg.DBMaxConns)
	store, err := internal_storage.InitStore(cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return store, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.GetLogger()

	shutdownTracing, err := observability.InitTracing(ctx, observability.OTelConfig{
		ServiceName: cfg.OTELServiceName,
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warnf("Failed to flush traces: %v", err)
		}
	}()

	store, err := internal_storage.InitStore(cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	registry := service.NewRegistry()
	if err := tasks.Register(registry, tasks.LocalRunner{}); err != nil {
		return err
	}

	dcfg := service.Config{
		MaxTasks:        cfg.DispatcherMaxTasks,
		SubTaskPoolSize: cfg.SubTaskPoolSize,
		PollInterval:    cfg.WaitPollInterval,
		TimeLimits:      make(map[models.TaskType]time.Duration, len(cfg.TimeLimits)),
		Metrics:         metrics.New(prometheus.DefaultRegisterer),
	}
	for taskType, limit := range cfg.TimeLimits {
		dcfg.TimeLimits[models.TaskType(taskType)] = limit
	}
	if cfg.NATSURL != "" {
		notifier, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer notifier.Close()
		dcfg.Notifier = notifier
	}

	dispatcher, err := service.NewDispatcher(store, registry, logger, dcfg)
	if err != nil {
		return err
	}
	server := internal_http.NewServer(internal_http.Config{Port: cfg.HTTPPort}, logger, dispatcher,
		service.NewUniverseService(store, logger))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Infof("Shutting down")
	case err = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(sctx); serr != nil {
		logger.Errorf("HTTP shutdown: %v", serr)
	}
	if derr := dispatcher.Shutdown(sctx); derr != nil {
		logger.Errorf("Dispatcher shutdown: %v", derr)
	}
	return err
}

func printProgress(w io.Writer, p models.TaskProgress) {
	fmt.Fprintf(w, "Task %s (%s): %s, %d/%d sub task(s) done (%d%%)\n",
		p.TaskID, p.TaskType, p.State, p.CompletedTasks, p.TotalTasks, p.PercentComplete)
	if p.ErrorString != "" {
		fmt.Fprintf(w, "Error: %s\n", p.ErrorString)
	}
	for _, step := range p.Steps {
		label := string(step.Category)
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "  [%d] %s: %s\n", step.Position, label, step.State)
		for _, rec := range step.Tasks {
			fmt.Fprintf(w, "      %s %s %s\n", rec.ID, rec.TaskType, rec.State)
			if msg := rec.ErrorString(); msg != "" {
				fmt.Fprintf(w, "        %s\n", msg)
			}
		}
	}
}

func printUniverse(w io.Writer, u models.Universe) {
	fmt.Fprintf(w, "- ID: %s, Name: %s, Version: %d, Update in progress: %t, Updated: %s\n",
		u.ID, u.Name, u.Version, u.UpdateInProgress, u.UpdatedAt.Format(time.RFC3339))
}

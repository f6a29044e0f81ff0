package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ziadkadry99/audit-trail/internal/audit"
	"github.com/ziadkadry99/audit-trail/internal/config"
	"github.com/ziadkadry99/audit-trail/internal/db"
	"github.com/ziadkadry99/audit-trail/internal/directory"
	"github.com/ziadkadry99/audit-trail/internal/server"
)

var serverPort int

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the audit trail HTTP server",
	Long:  `Starts the audit trail REST API, the integrity checker and the user directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer logger.Sync()

		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		ctx := cmd.Context()

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		srv := server.New(server.Config{
			Port:           cfg.Server.Port,
			AllowAll:       cfg.Server.AllowAllOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
		}, database, logger, registry)

		checker := registerAllRoutes(ctx, srv, cfg, logger, audit.NewMetrics(registry))
		defer checker.Close()

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		logger.Info("audittrail server starting",
			zap.String("version", Version),
			zap.Int("port", cfg.Server.Port),
			zap.String("database", database.Path()))

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// registerAllRoutes wires the audit trail and the user directory onto the
// server and returns the integrity checker so the caller can stop it.
func registerAllRoutes(ctx context.Context, srv *server.Server, cfg *config.Config, logger *zap.Logger, metrics *audit.Metrics) *audit.Checker {
	database := srv.Database()
	r := srv.Router()

	store := audit.NewStore(database,
		audit.WithLogger(logger.Named("audit")),
		audit.WithMetrics(metrics),
		audit.WithPageLimits(cfg.Query.DefaultLimit, cfg.Query.MaxLimit),
		audit.WithAnomalyIgnore(cfg.Anomaly.IgnoreActions),
	)
	writer := audit.NewWriter(
		audit.WithWriterLogger(logger.Named("audit.writer")),
		audit.WithWriterMetrics(metrics),
	)
	verifier := audit.NewVerifier(database,
		audit.WithBatchSize(cfg.Integrity.BatchSize),
		audit.WithVerifierLogger(logger.Named("audit.verify")),
		audit.WithVerifierMetrics(metrics),
	)
	checker := audit.NewChecker(ctx, verifier,
		audit.WithCheckpoints(cfg.Integrity.SaveCheckpoints),
		audit.WithCheckerLogger(logger.Named("audit.checker")),
	)
	audit.RegisterRoutes(r, store, checker, logger.Named("audit"))

	users := directory.NewStore(database, writer, logger.Named("directory"))
	directory.RegisterRoutes(r, users)

	return checker
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", config.DefaultPort, "port to listen on (overrides config)")
	rootCmd.AddCommand(serverCmd)
}

package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loom/internal/server"
	"loom/internal/store"
	"loom/pkg/config"
	"loom/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Init(os.Getenv("ENV")); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		defer logger.Sync()
		log := logger.Get()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		var st store.Store
		switch cfg.StoreBackend {
		case "neo4j":
			st, err = store.OpenNeo4j(context.Background(), cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		default:
			st, err = store.OpenSQLite(cfg.SQLitePath)
		}
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		srv := &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: server.New(st).Router(cfg.IsProduction()),
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal("Failed to start server", zap.Error(err))
			}
		}()
		log.Info("Server started",
			zap.String("port", cfg.Port),
			zap.String("backend", cfg.StoreBackend),
		)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

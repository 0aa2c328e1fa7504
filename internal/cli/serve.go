package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/membank/internal/blob"
	"github.com/KafClaw/membank/internal/bus"
	"github.com/KafClaw/membank/internal/cache"
	"github.com/KafClaw/membank/internal/embedding"
	"github.com/KafClaw/membank/internal/gateway"
	"github.com/KafClaw/membank/internal/server"
	"github.com/KafClaw/membank/internal/service"
	"github.com/KafClaw/membank/internal/store"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run migrations and start the memory HTTP server",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	printHeader("🧠 membank Server")

	settings, err := loadSettings()
	if err != nil {
		fatal("Config error: %v", err)
	}
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pending migrations run before anything connects.
	if err := store.Migrate(settings.PgDSN, settings.MigrationsDir); err != nil {
		fatal("Migration error: %v", err)
	}

	pg, err := store.New(ctx, settings.PgDSN, settings.PgMinPool, settings.PgMaxPool)
	if err != nil {
		fatal("Postgres error: %v", err)
	}
	defer pg.Close()

	redisCache, err := cache.New(ctx, settings)
	if err != nil {
		fatal("Redis error: %v", err)
	}
	defer redisCache.Close()

	blobs, err := blob.New(ctx, settings)
	if err != nil {
		fatal("Blob store error: %v", err)
	}

	embedder, err := embedding.New(settings)
	if err != nil {
		fatal("Embedding error: %v", err)
	}

	svc := service.New(pg, redisCache, blobs, embedder, log)
	srv := &http.Server{
		Addr:    settings.Addr(),
		Handler: server.New(svc, log).Router(),
	}

	// Optional Kafka consumer feeding the capture hooks.
	var consumer *bus.Consumer
	if settings.KafkaBrokers != "" {
		hooks := gateway.NewHooks(svc, log)
		consumer = bus.NewConsumer(settings.KafkaBrokers, settings.KafkaTopic, settings.KafkaGroup, hooks, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("event consumer stopped", "error", err)
			}
		}()
		log.Info("event consumer started",
			"brokers", settings.KafkaBrokers, "topic", settings.KafkaTopic, "group", settings.KafkaGroup)
	}

	go func() {
		log.Info("memory server listening", "addr", settings.Addr(), "embed_provider", settings.EmbedProvider)
		fmt.Printf("Listening on %s\n", settings.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if consumer != nil {
		consumer.Close()
	}
	os.Exit(0)
}

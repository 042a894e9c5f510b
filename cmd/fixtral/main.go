package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/digkill/fixtral/internal/api"
	"github.com/digkill/fixtral/internal/config"
	"github.com/digkill/fixtral/internal/database"
	"github.com/digkill/fixtral/internal/gemini"
	"github.com/digkill/fixtral/internal/kv"
	"github.com/digkill/fixtral/internal/localdb"
	"github.com/digkill/fixtral/internal/metrics"
	"github.com/digkill/fixtral/internal/reddit"
	"github.com/digkill/fixtral/internal/repository"
	"github.com/digkill/fixtral/internal/service"
	"github.com/digkill/fixtral/internal/storage"
	"github.com/digkill/fixtral/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		creditStores  []service.CreditStore
		adminStores   []service.AdminStore
		remoteHistory service.HistoryBackend
		localHistory  []service.HistoryBackend
	)

	// Every backend is optional. A missing or unreachable one is logged and
	// the cascade starts at the next tier.
	if db := connectMySQL(ctx, cfg, logr); db != nil {
		defer db.Close()
		creditStores = append(creditStores, service.NewRemoteCreditStore(repository.NewCreditRepository(db)))
		adminStores = append(adminStores, service.NewRemoteAdminStore(repository.NewAdminRepository(db)))
		remoteHistory = service.NewRemoteHistory(repository.NewHistoryRepository(db))
	}

	local, err := localdb.Open(cfg.SQLitePath, logr)
	if err != nil {
		logr.Warn("embedded history store unavailable", "path", cfg.SQLitePath, "err", err)
	} else {
		defer local.Close()
		localHistory = append(localHistory, service.NewEmbeddedHistory(local))
	}

	if cfg.RedisAddr != "" {
		client, err := kv.Connect(kv.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			logr.Warn("redis unavailable", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer client.Close()
			store := kv.New(client)
			creditStores = append(creditStores, service.NewKVCreditStore(store))
			adminStores = append(adminStores, service.NewKVAdminStore(store))
			localHistory = append(localHistory, service.NewKVHistory(store))
		}
	}

	var uploader *storage.Uploader
	if cfg.S3Enabled() {
		uploader, err = storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
	}

	geminiClient := gemini.NewClient(cfg, logr)

	creditService := service.NewCreditService(logr, service.CreditOptions{
		Quota:    cfg.DailyQuota,
		Location: cfg.QuotaLocation,
	}, creditStores, adminStores)
	historyService := service.NewHistoryService(logr, remoteHistory, localHistory, storage.NewExporter(uploader))
	editService := service.NewEditService(logr, creditService, historyService, geminiClient)

	logr.Info("storage tiers configured",
		"credit_tiers", len(creditStores)+1,
		"remote_history", remoteHistory != nil,
		"local_history_tiers", len(localHistory),
		"s3_exports", uploader != nil,
	)

	deps := api.Deps{
		Credits:  creditService,
		History:  historyService,
		Editor:   editService,
		Analyzer: geminiClient,
	}
	if cfg.RedditEnabled() {
		deps.Posts = reddit.NewClient(cfg, logr)
	} else {
		logr.Info("reddit credentials not set, post routes disabled")
	}

	server := api.NewServer(api.Options{
		Addr:               cfg.ListenAddr,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.RequestTimeout,
		JWTSecret:          cfg.JWTSecret,
	}, logr, deps)

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("api server stopped", "err", err)
	}
}

func connectMySQL(ctx context.Context, cfg config.Config, logr *slog.Logger) *sql.DB {
	if cfg.MySQLDSN == "" {
		logr.Info("MYSQL_DSN not set, remote tier disabled")
		return nil
	}
	db, err := database.Connect(cfg)
	if err != nil {
		logr.Warn("mysql unavailable, remote tier disabled", "err", err)
		return nil
	}
	if err := database.Migrate(ctx, db); err != nil {
		logr.Warn("mysql migrate failed, remote tier disabled", "err", err)
		db.Close()
		return nil
	}
	return db
}

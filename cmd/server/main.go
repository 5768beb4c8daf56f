package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parishai/internal/app"
	"parishai/internal/config"
	"parishai/internal/server"
	"parishai/internal/usertoken"
	"parishai/internal/util"
	"parishai/internal/wpauth"
	"parishai/pkg/assistant"
	"parishai/pkg/prompt"
	"parishai/pkg/queue"
	"parishai/pkg/storage"
	"parishai/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var archive storage.ArchiveStore = storage.NopArchive{}
	if cfg.MinioEndpoint != "" {
		minioArchive, err := storage.NewMinioArchive(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init archive store: %v", err)
		}
		archive = minioArchive
	}

	assistantClient, err := assistant.New(assistant.Config{
		BaseURL: cfg.AssistantBaseURL,
		APIKey:  cfg.AssistantAPIKey,
		Poll: assistant.PollPolicy{
			InitialInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
			MaxAttempts:     cfg.PollMaxAttempts,
		},
	})
	if err != nil {
		log.Fatalf("failed to init assistant client: %v", err)
	}

	jobQueue, err := queue.NewRedisJobQueue(queue.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}

	application, err := app.New(app.Config{
		Store:           st,
		Assistant:       assistantClient,
		Queue:           jobQueue,
		Archive:         archive,
		Prompts:         prompt.NewResolver(st, logger, time.Duration(cfg.PromptCacheTTLS)*time.Second),
		Logger:          logger,
		PartialPolicy:   cfg.PartialPolicy,
		MaxUploadBytes:  int64(cfg.MaxUploadMB) << 20,
		ChatAssistantID: cfg.ChatAssistantID,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	jobQueue.Start(ctx, cfg.QueueConcurrency, application.Process)

	sessions, err := wpauth.NewClient(cfg.WordPressSessionURL, nil)
	if err != nil {
		log.Fatalf("failed to init session client: %v", err)
	}

	var adminVerifier *usertoken.Verifier
	if cfg.AdminJWKSURL != "" {
		adminVerifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.AdminJWKSURL,
			Issuer:   cfg.AdminIssuer,
			Audience: cfg.AdminAudience,
		})
		if err != nil {
			log.Fatalf("failed to init admin token verifier: %v", err)
		}
	}

	var trustedProxies *util.TrustedProxies
	if cfg.TrustedProxyCIDR != "" {
		trustedProxies, err = util.NewTrustedProxies([]string{cfg.TrustedProxyCIDR})
		if err != nil {
			log.Fatalf("failed to parse trusted proxies: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:                    application,
		Sessions:               sessions,
		AdminVerifier:          adminVerifier,
		RedisAddr:              cfg.RedisAddr,
		RedisPassword:          cfg.RedisPassword,
		ChatRateLimitPerMinute: cfg.RateLimitPerMin,
		MaxUploadBytes:         int64(cfg.MaxUploadMB) << 20,
		TrustedProxies:         trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", addr, "store_backend", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func newStore(ctx context.Context, cfg config.FileConfig) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		return store.NewGormStore(cfg.DatabaseURL)
	case config.StoreBackendMemory:
		return store.NewMemoryStore(), nil
	default:
		return store.NewDynamoStore(ctx, store.DynamoConfig{
			Region:      cfg.AWSRegion,
			Endpoint:    cfg.DynamoEndpoint,
			AccessKey:   cfg.DynamoAccessKey,
			SecretKey:   cfg.DynamoSecretKey,
			TablePrefix: cfg.DynamoTablePrefix,
		})
	}
}

package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"nfseportal/internal/archive"
	"nfseportal/internal/chat"
	"nfseportal/internal/config"
	"nfseportal/internal/nfse"
	"nfseportal/internal/processing"
	"nfseportal/internal/server"
	"nfseportal/internal/util"
	"nfseportal/pkg/ai"
	"nfseportal/pkg/cnpj"
	"nfseportal/pkg/store"
)

func main() {
	// Missing .env is fine; the config layer reads the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseOptionalDuration(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	refreshTTL, err := config.ParseOptionalDuration(cfg.RefreshTokenTTL)
	if err != nil {
		log.Fatalf("failed to parse refresh token TTL: %v", err)
	}
	maxWait, err := config.ParseOptionalDuration(cfg.MaxWait)
	if err != nil {
		log.Fatalf("failed to parse max wait: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	sessions, err := store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, cfg.JWTSecret, sessionTTL)
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}
	refreshTokens := store.NewRedisRefreshTokenStore(cfg.RedisAddr, cfg.RedisPassword)

	var artifacts *archive.Cache
	if cfg.MinioEndpoint != "" {
		objects, err := archive.NewMinioStore(
			cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
		artifacts = archive.NewCache(objects, 15*time.Minute)
	} else {
		slog.Warn("object storage not configured, artifact downloads stream through")
	}

	var generator ai.StreamGenerator
	switch cfg.AIProvider {
	case "openai":
		generator = ai.NewOpenAICompatGenerator(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)
	case "ollama":
		generator = ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.AIBaseURL), cfg.AIModel)
	default:
		slog.Warn("chat generation not configured, text replies are static")
	}

	var cnpjClient *cnpj.Client
	if cfg.CNPJAPIBaseURL != "" || cfg.CNPJAPIKey != "" {
		cnpjClient = cnpj.NewClient(cfg.CNPJAPIBaseURL, cfg.CNPJAPIKey)
	}

	pollOpts := processing.Options{MaxWait: maxWait}
	if cfg.PollIntervalSeconds > 0 {
		pollOpts.PollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second
	}
	if cfg.RetryIntervalSeconds > 0 {
		pollOpts.RetryInterval = time.Duration(cfg.RetryIntervalSeconds) * time.Second
	}
	orchestrator := processing.NewOrchestrator(func(zipID string) string {
		return "/api/files/zip/" + zipID
	}, pollOpts)

	chatService := chat.NewService(db, orchestrator, generator)
	invoiceService := nfse.NewService(db)

	httpServer, err := server.New(server.Config{
		Store:                   db,
		Sessions:                sessions,
		RefreshTokens:           refreshTokens,
		Chat:                    chatService,
		Invoices:                invoiceService,
		Archive:                 artifacts,
		CNPJ:                    cnpjClient,
		UpstreamBaseURL:         cfg.UpstreamBaseURL,
		WebhookSecret:           cfg.WebhookSecret,
		RedisAddr:               cfg.RedisAddr,
		RedisPassword:           cfg.RedisPassword,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
		TrustedProxies:          cfg.TrustedProxies,
		RefreshTokenTTL:         refreshTTL,
		MaxUploadBytes:          cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

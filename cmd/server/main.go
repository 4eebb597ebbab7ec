package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"transcriptpro/internal/app"
	"transcriptpro/internal/config"
	"transcriptpro/internal/identity"
	"transcriptpro/internal/jobs"
	"transcriptpro/internal/server"
	"transcriptpro/internal/transcriber"
	"transcriptpro/internal/usertoken"
	"transcriptpro/internal/util"
	"transcriptpro/pkg/storage"
	"transcriptpro/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}
	providerTimeout, err := config.ParseTranscriptionTimeout(cfg.TranscriptionTimeout)
	if err != nil {
		log.Fatalf("failed to parse transcription timeout: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	var verifier *usertoken.Verifier
	if cfg.IdentityJWKSURL != "" {
		verifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.IdentityJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   leeway,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
	}

	provider := identity.NewClient(cfg.IdentityProviderURL, cfg.IdentityServiceKey, nil)
	gateway := identity.NewGateway(provider, dataStore, objects, verifier)

	var engine transcriber.Transcriber
	if cfg.TranscriptionAPIURL != "" {
		engine = transcriber.NewClient(cfg.TranscriptionAPIURL, cfg.TranscriptionAPIKey, providerTimeout)
	} else {
		slog.Warn("no transcription API configured, using placeholder engine")
		engine = transcriber.Placeholder{}
	}

	runner := jobs.NewRunner(jobs.Config{
		Store:      dataStore,
		Blobs:      gateway,
		Engine:     engine,
		Workers:    cfg.Workers,
		QueueDepth: cfg.QueueDepth,
		TempDir:    cfg.TempDir,
	})

	appCore, err := app.New(app.Config{
		Store:    dataStore,
		Objects:  objects,
		Identity: gateway,
		Runner:   runner,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		AllowedExtensions:          cfg.AllowedExtensions,
		TrustedProxies:             cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner.Start(ctx)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
	if err := runner.Close(); err != nil {
		logger.Error("runner shutdown error", "err", err)
	}
}

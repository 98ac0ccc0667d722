package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	appauth "gitea.jw6.us/james/taskmirror/internal/auth"
	"gitea.jw6.us/james/taskmirror/internal/config"
	"gitea.jw6.us/james/taskmirror/internal/connect"
	httpserver "gitea.jw6.us/james/taskmirror/internal/http"
	"gitea.jw6.us/james/taskmirror/internal/provider"
	"gitea.jw6.us/james/taskmirror/internal/secrets"
	"gitea.jw6.us/james/taskmirror/internal/store"
	syncer "gitea.jw6.us/james/taskmirror/internal/sync"
	"gitea.jw6.us/james/taskmirror/internal/vault"
)

func main() {
	log.Println("Starting TaskMirror server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("failed to initialize cipher: %v", err)
	}
	tokenVault := vault.New(cipher, stor.Credentials)

	providerHTTP := &http.Client{Timeout: cfg.Sync.RequestTimeout}
	registry := provider.NewRegistry(buildProviders(cfg, providerHTTP)...)
	log.Printf("providers enabled: %v", registry.Names())

	tracker := syncer.NewTracker(stor.LinkedAccounts, cfg.Sync.BackoffBase, cfg.Sync.BackoffCap)
	ingestor := syncer.NewIngestor(stor.ExternalItems)
	orchestrator := syncer.NewOrchestrator(stor, tokenVault, registry, tracker, ingestor, cfg.Sync.BatchLimit, cfg.Sync.RequestTimeout)

	sessionManager := appauth.NewSessionManager(cfg)
	authService, err := appauth.NewService(ctx, cfg, stor, sessionManager)
	if err != nil {
		log.Fatalf("failed to initialize auth service: %v", err)
	}
	tokenService := appauth.NewTokenService(stor)

	handshakes := connect.NewHandshakeStore(cfg)
	connectService := connect.NewService(cfg, registry, stor.LinkedAccounts, tokenVault, handshakes)

	r := httpserver.NewRouter(cfg, stor, authService, tokenService, connectService, orchestrator)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// buildProviders instantiates a client for each provider with configured
// OAuth credentials.
func buildProviders(cfg *config.Config, client *http.Client) []provider.Client {
	var clients []provider.Client
	if app, ok := cfg.Providers["slack"]; ok {
		clients = append(clients, provider.NewSlack(app, client))
	}
	if app, ok := cfg.Providers["notion"]; ok {
		clients = append(clients, provider.NewNotion(app, client))
	}
	if app, ok := cfg.Providers["asana"]; ok {
		clients = append(clients, provider.NewAsana(app, client))
	}
	return clients
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"whatsapp-inbox/internal/api"
	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/conversation"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/ingest"
	"whatsapp-inbox/internal/media"
	"whatsapp-inbox/internal/outbound"
	"whatsapp-inbox/internal/storage"
	"whatsapp-inbox/internal/templates"
	"whatsapp-inbox/internal/vault"
	"whatsapp-inbox/internal/webhook"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
)

func main() {
	cfg := config.LoadConfig()
	config.SetupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := vault.New(cfg.VaultKey, cfg.IsProduction())
	if err != nil {
		log.Fatalf("Vault: %v", err)
	}

	db, err := database.Open(cfg.DatabaseURL, cfg.DBDebug)
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Migration: %v", err)
	}
	store := database.NewStore(db)

	objects, err := storage.NewGateway(cfg)
	if err != nil {
		log.Fatalf("Object store: %v", err)
	}
	if err := objects.EnsureBucket(ctx, cfg.S3Region); err != nil {
		log.Fatalf("Object store: %v", err)
	}

	providers := whatsapp.NewFactory(cfg.GraphBaseURL, v)

	hub := ws.NewHub()
	if cfg.NATSURL != "" {
		relay, err := ws.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, hub)
		if err != nil {
			log.Fatalf("NATS relay: %v", err)
		}
		defer relay.Close()
	}

	fetcher := media.NewFetcher(store, providers, objects)
	fetcher.Workers = cfg.MediaWorkers
	fetcher.PerAccount = cfg.MediaPerAccount
	fetcher.RatePerSec = cfg.MediaRatePerSecond
	fetcher.MaxAttempts = cfg.MediaMaxAttempts

	proc := ingest.NewProcessor(store, hub, fetcher)
	worker := ingest.NewWorker(store, proc, cfg.IngestWorkers, cfg.EnvelopeVisibility, cfg.EnvelopeMaxAttempts)
	reconciler := templates.NewReconciler(store, providers, cfg.TemplateReconcileInterval, cfg.TemplateReconcileBatch)
	router := conversation.NewRouter(store, hub)
	sender := outbound.NewSender(store, providers, router, hub, objects, cfg.SendTimeout)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := api.NewRouter(api.Deps{
		Store:       store,
		Vault:       v,
		Providers:   providers,
		Objects:     objects,
		Hub:         hub,
		Router:      router,
		Sender:      sender,
		Media:       fetcher,
		Webhook:     webhook.NewHandler(store, v, worker, cfg.ImmediateProcessTimeout),
		APIKey:      cfg.OperatorAPIKey,
		CORSOrigins: cfg.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return fetcher.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		log.Infof("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Server stopped: %v", err)
	}
	log.Info("Server stopped")
}

package main

import (
	"context"
	"flag"

	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
)

// Moves failed webhook envelopes back to pending so the worker pool
// picks them up again.
func main() {
	all := flag.Bool("all", false, "requeue every failed envelope, ignoring ENVELOPE_MAX_ATTEMPTS")
	flag.Parse()

	cfg := config.LoadConfig()
	config.SetupLogging(cfg)

	db, err := database.Open(cfg.DatabaseURL, cfg.DBDebug)
	if err != nil {
		log.Fatalf("Database: %v", err)
	}
	store := database.NewStore(db)
	ctx := context.Background()

	failed, err := store.CountEnvelopes(ctx, models.EnvelopeFailed)
	if err != nil {
		log.Fatalf("Counting failed envelopes: %v", err)
	}
	log.Infof("Found %d failed envelopes", failed)

	limit := cfg.EnvelopeMaxAttempts
	if *all {
		limit = 0
	}
	n, err := store.RequeueFailedEnvelopes(ctx, limit)
	if err != nil {
		log.Fatalf("Requeue failed: %v", err)
	}
	log.Infof("Requeued %d envelopes (%d left failed)", n, failed-n)
}

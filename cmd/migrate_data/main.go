package main

import (
	"flag"
	"strings"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
)

const batchSize = 500

// Copies a sqlite development database into the PostgreSQL database
// named by DATABASE_URL. Rows already present are left alone, so the
// tool can be rerun after a partial copy.
func main() {
	source := flag.String("source", "./whatsapp.db", "path of the sqlite database to copy from")
	flag.Parse()

	cfg := config.LoadConfig()
	config.SetupLogging(cfg)
	if strings.HasPrefix(cfg.DatabaseURL, "sqlite:") {
		log.Fatal("DATABASE_URL must point at PostgreSQL")
	}

	sqliteDB, err := gorm.Open(sqlite.Open(*source), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to SQLite: %v", err)
	}
	log.Infof("Connected to SQLite at %s", *source)

	pgDB, err := database.Open(cfg.DatabaseURL, cfg.DBDebug)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	if err := database.Migrate(pgDB); err != nil {
		log.Fatalf("Migration: %v", err)
	}

	log.Info("Starting data migration...")

	// Parents first so foreign references resolve.
	failed := false
	for _, step := range []func() error{
		func() error { return copyTable[models.Account](sqliteDB, pgDB) },
		func() error { return copyTable[models.Contact](sqliteDB, pgDB) },
		func() error { return copyTable[models.Conversation](sqliteDB, pgDB) },
		func() error { return copyTable[models.Message](sqliteDB, pgDB) },
		func() error { return copyTable[models.Template](sqliteDB, pgDB) },
		func() error { return copyTable[models.WebhookEnvelope](sqliteDB, pgDB) },
	} {
		if err := step(); err != nil {
			log.Error(err)
			failed = true
		}
	}
	if failed {
		log.Fatal("Migration finished with errors")
	}
	log.Info("Migration completed!")
}

func copyTable[T any](src, dst *gorm.DB) error {
	var (
		rows  []T
		total int
		zero  T
	)
	stmt := &gorm.Statement{DB: dst}
	if err := stmt.Parse(&zero); err != nil {
		return err
	}
	name := stmt.Schema.Table
	log.Infof("Migrating table: %s", name)

	res := src.Model(&zero).FindInBatches(&rows, batchSize, func(tx *gorm.DB, batch int) error {
		if err := dst.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return err
		}
		total += len(rows)
		return nil
	})
	if res.Error != nil {
		return res.Error
	}
	log.Infof("Successfully migrated %d rows into %s", total, name)
	return nil
}

// Package dbtest opens throwaway in-memory stores for tests.
package dbtest

import (
	"context"
	"testing"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
)

// New returns a migrated in-memory sqlite store closed at test cleanup.
func New(t testing.TB) *database.Store {
	t.Helper()
	db, err := database.Open("sqlite::memory:", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return database.NewStore(db)
}

// SeedAccount inserts an active account with plaintext credentials. Its
// number is derived from phoneID so several accounts can coexist.
func SeedAccount(t testing.TB, s *database.Store, phoneID string) *models.Account {
	t.Helper()
	acc := &models.Account{
		DisplayName:     "Vendas",
		E164Number:      "+551190000" + phoneID,
		ProviderPhoneID: phoneID,
		VerifyToken:     "verify-me",
		AccessToken:     "token",
		Status:          models.AccountActive,
		Active:          true,
	}
	if err := s.CreateAccount(context.Background(), acc); err != nil {
		t.Fatal(err)
	}
	return acc
}

// SeedTemplate inserts an approved, active template.
func SeedTemplate(t testing.TB, s *database.Store, accountID, codeName, body string, vars int) *models.Template {
	t.Helper()
	tpl := &models.Template{
		AccountID:      accountID,
		CodeName:       codeName,
		Language:       "pt_BR",
		Category:       "MARKETING",
		BodyText:       body,
		VariablesCount: vars,
		Status:         models.TemplateApproved,
		Active:         true,
	}
	if err := s.CreateTemplate(context.Background(), tpl); err != nil {
		t.Fatal(err)
	}
	return tpl
}

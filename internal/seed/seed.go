package seed

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/ledger"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
)

const (
	seedPassword   = "password123"
	initialBalance = "1000.00"
)

var testUsers = []struct {
	Name  string
	Email string
	Alias string
}{
	{"Test User 1", "user1@test.com", "user1"},
	{"Test User 2", "user2@test.com", "user2"},
	{"Test User 3", "user3@test.com", "user3"},
}

// Run creates the local development users with funded wallets. Users that
// already exist are left alone, so running it twice changes nothing.
func Run(db *gorm.DB) error {
	emails := make([]string, 0, len(testUsers))
	for _, u := range testUsers {
		emails = append(emails, u.Email)
	}
	var count int64
	if err := db.Model(&models.User{}).Where("email IN ?", emails).Count(&count).Error; err != nil {
		return fmt.Errorf("seed check: %w", err)
	}
	if count >= int64(len(testUsers)) {
		logger.Log.Info("seed already applied, skipping")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(seedPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}
	opening := decimal.RequireFromString(initialBalance)

	created := 0
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, u := range testUsers {
			var existing int64
			if err := tx.Model(&models.User{}).Where("email = ?", u.Email).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				continue
			}
			user := models.User{Name: u.Name, Email: u.Email, Alias: u.Alias, Password: string(hash)}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			if _, err := ledger.Credit(tx, user.ID, opening, ledger.Ref{Reason: "seed opening balance"}); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.Log.Info("seeded test users", zap.Int("created", created), zap.String("password", seedPassword))
	return nil
}

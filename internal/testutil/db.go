// Package testutil opens throwaway SQLite databases for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
)

var dbSeq atomic.Int64

// NewDB returns a migrated in-memory database. It is capped at a single
// connection, so concurrent transactions queue behind each other the way
// row locks serialize them on Postgres.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_foreign_keys=1", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// CreateUser inserts a user with a wallet holding balance. Age backdates the account.
func CreateUser(t *testing.T, db *gorm.DB, alias string, balance string, age time.Duration) models.User {
	t.Helper()
	u := models.User{Name: alias, Email: alias + "@test.local", Alias: alias}
	u.CreatedAt = time.Now().UTC().Add(-age)
	require.NoError(t, db.Create(&u).Error)
	w := models.Wallet{UserID: u.ID, Balance: decimal.RequireFromString(balance)}
	require.NoError(t, db.Create(&w).Error)
	return u
}

// Balance reads a wallet balance, failing the test when the wallet is missing.
func Balance(t *testing.T, db *gorm.DB, userID uint) decimal.Decimal {
	t.Helper()
	var w models.Wallet
	require.NoError(t, db.Where("user_id = ?", userID).First(&w).Error)
	return w.Balance
}

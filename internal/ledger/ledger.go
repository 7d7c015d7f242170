// Package ledger holds the only code allowed to change wallet balances.
// Every function takes the caller's transaction and never commits on its own.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Ref describes why a balance moved.
type Ref struct {
	EscrowID uint
	Reason   string
}

// Normalize validates a money amount at the boundary and rounds it to cents.
func Normalize(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := amount.Round(2)
	if !rounded.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return rounded, nil
}

// Debit removes amount from the user's wallet. A missing wallet has a zero balance.
func Debit(tx *gorm.DB, userID uint, amount decimal.Decimal, ref Ref) (models.Wallet, error) {
	amount, err := Normalize(amount)
	if err != nil {
		return models.Wallet{}, err
	}
	var w models.Wallet
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Wallet{}, fmt.Errorf("%w: wallet of user %d is empty", ErrInsufficientFunds, userID)
	}
	if err != nil {
		return models.Wallet{}, err
	}
	if w.Balance.LessThan(amount) {
		return models.Wallet{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, amount.StringFixed(2), w.Balance.StringFixed(2))
	}
	return apply(tx, w, amount.Neg(), ref)
}

// Credit adds amount to the user's wallet, opening the wallet if needed.
func Credit(tx *gorm.DB, userID uint, amount decimal.Decimal, ref Ref) (models.Wallet, error) {
	amount, err := Normalize(amount)
	if err != nil {
		return models.Wallet{}, err
	}
	var w models.Wallet
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w = models.Wallet{UserID: userID, Balance: decimal.Zero}
		if err := tx.Create(&w).Error; err != nil {
			return models.Wallet{}, err
		}
	} else if err != nil {
		return models.Wallet{}, err
	}
	return apply(tx, w, amount, ref)
}

func apply(tx *gorm.DB, w models.Wallet, delta decimal.Decimal, ref Ref) (models.Wallet, error) {
	w.Balance = w.Balance.Add(delta)
	if err := tx.Model(&models.Wallet{}).Where("id = ?", w.ID).Update("balance", w.Balance).Error; err != nil {
		return models.Wallet{}, err
	}
	entry := models.LedgerEntry{
		WalletID:     w.ID,
		Amount:       delta,
		BalanceAfter: w.Balance,
		Reason:       ref.Reason,
	}
	if ref.EscrowID != 0 {
		id := ref.EscrowID
		entry.EscrowID = &id
	}
	if err := tx.Create(&entry).Error; err != nil {
		return models.Wallet{}, err
	}
	return w, nil
}

// Balance returns the stored balance; a user without a wallet has zero.
func Balance(db *gorm.DB, userID uint) (decimal.Decimal, error) {
	var w models.Wallet
	err := db.Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// Entries lists the journal of a user's wallet, newest first.
func Entries(db *gorm.DB, userID uint, limit int) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := db.Joins("JOIN wallets ON wallets.id = ledger_entries.wallet_id").
		Where("wallets.user_id = ?", userID).
		Order("ledger_entries.id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Derive recomputes a balance from the journal. It matches the stored balance
// as long as every movement went through this package.
func Derive(db *gorm.DB, userID uint) (decimal.Decimal, error) {
	var entries []models.LedgerEntry
	err := db.Joins("JOIN wallets ON wallets.id = ledger_entries.wallet_id").
		Where("wallets.user_id = ?", userID).
		Find(&entries).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum, nil
}

package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/ledger"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/proofs"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

const maxPageSize = 100

// GetEscrowByID loads an escrow with its milestones and proofs. Only the two
// parties may see it.
func (e *Engine) GetEscrowByID(ctx context.Context, id, userID uint) (*models.Escrow, error) {
	const op = "get_escrow"
	var esc models.Escrow
	err := e.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		Preload("Proofs", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&esc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(op, "escrow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s escrow %d: %w", op, id, err)
	}
	if !isParty(&esc, userID) {
		return nil, forbidden(op, "not a party to this escrow")
	}
	return &esc, nil
}

// GetEscrowsByUser pages through escrows where the user is either party,
// newest first. The total ignores paging.
func (e *Engine) GetEscrowsByUser(ctx context.Context, userID uint, status *models.EscrowStatus, limit, offset int) ([]models.Escrow, int64, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	scope := func(db *gorm.DB) *gorm.DB {
		db = db.Where("(payer_id = ? OR payee_id = ?)", userID, userID)
		if status != nil {
			db = db.Where("status = ?", *status)
		}
		return db
	}
	var total int64
	if err := e.db.WithContext(ctx).Model(&models.Escrow{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count escrows for user %d: %w", userID, err)
	}
	var out []models.Escrow
	err := e.db.WithContext(ctx).Scopes(scope).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list escrows for user %d: %w", userID, err)
	}
	return out, total, nil
}

func (e *Engine) GetEscrowProofs(ctx context.Context, escrowID, userID uint) ([]models.DeliveryProof, error) {
	if _, err := e.authorizeRead(ctx, "get_escrow_proofs", escrowID, userID); err != nil {
		return nil, err
	}
	return proofs.ListByEscrow(e.db.WithContext(ctx), escrowID)
}

// GetTransactionLogs returns the audit trail of an escrow, including entries
// recorded against its proofs and milestones, oldest first.
func (e *Engine) GetTransactionLogs(ctx context.Context, escrowID, userID uint) ([]models.TransactionLog, error) {
	if _, err := e.authorizeRead(ctx, "get_transaction_logs", escrowID, userID); err != nil {
		return nil, err
	}
	return txlog.ListForEscrow(e.db.WithContext(ctx), escrowID)
}

type WalletView struct {
	Balance decimal.Decimal
	Entries []models.LedgerEntry
}

// WalletBalance reports a user's balance with the most recent journal entries.
func (e *Engine) WalletBalance(ctx context.Context, userID uint, recent int) (*WalletView, error) {
	if recent <= 0 || recent > maxPageSize {
		recent = 20
	}
	db := e.db.WithContext(ctx)
	bal, err := ledger.Balance(db, userID)
	if err != nil {
		return nil, fmt.Errorf("wallet balance for user %d: %w", userID, err)
	}
	entries, err := ledger.Entries(db, userID, recent)
	if err != nil {
		return nil, fmt.Errorf("wallet entries for user %d: %w", userID, err)
	}
	return &WalletView{Balance: bal, Entries: entries}, nil
}

func (e *Engine) authorizeRead(ctx context.Context, op string, escrowID, userID uint) (*models.Escrow, error) {
	var esc models.Escrow
	err := e.db.WithContext(ctx).Select("id", "payer_id", "payee_id", "status").First(&esc, escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(op, "escrow", escrowID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s escrow %d: %w", op, escrowID, err)
	}
	if !isParty(&esc, userID) {
		return nil, forbidden(op, "not a party to this escrow")
	}
	return &esc, nil
}

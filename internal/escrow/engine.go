// Package escrow is the escrow state machine. Every command runs in one
// database transaction that locks the escrow row before reading its status,
// so concurrent commands on the same escrow serialize and the loser observes
// the winner's result.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kareempjackson/undr-api-sub001/internal/metrics"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

type Config struct {
	GracePeriod    time.Duration
	RiskCutoff     float64
	NewAccountAge  time.Duration
	SweepBatchSize int
	Clock          func() time.Time
}

type Engine struct {
	db  *gorm.DB
	log *zap.Logger
	cfg Config
}

func NewEngine(db *gorm.DB, log *zap.Logger, cfg Config) *Engine {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 72 * time.Hour
	}
	if cfg.RiskCutoff <= 0 {
		cfg.RiskCutoff = 0.7
	}
	if cfg.NewAccountAge <= 0 {
		cfg.NewAccountAge = 30 * 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{db: db, log: log, cfg: cfg}
}

// WithDB returns an engine bound to db, typically an outer transaction. Commands
// issued through it nest as savepoints and commit with the outer transaction.
func (e *Engine) WithDB(db *gorm.DB) *Engine {
	cp := *e
	cp.db = db
	return &cp
}

func (e *Engine) now() time.Time { return e.cfg.Clock().UTC() }

// run executes fn in a transaction, then records the outcome. Infrastructure
// errors are logged with context and returned wrapped; business errors pass through.
func (e *Engine) run(ctx context.Context, op string, escrowID uint, fn func(tx *gorm.DB) error) error {
	err := e.db.WithContext(ctx).Transaction(fn)
	e.observe(op, escrowID, err)
	if err != nil && KindOf(err) == "" {
		return fmt.Errorf("%s escrow %d: %w", op, escrowID, err)
	}
	return err
}

func (e *Engine) observe(op string, escrowID uint, err error) {
	if err == nil {
		metrics.EscrowOperations.WithLabelValues(op, "ok").Inc()
		return
	}
	kind := KindOf(err)
	if kind == "" {
		metrics.EscrowOperations.WithLabelValues(op, "error").Inc()
		e.log.Error("escrow operation failed",
			zap.String("op", op),
			zap.Uint("escrow_id", escrowID),
			zap.Error(err))
		return
	}
	metrics.EscrowOperations.WithLabelValues(op, string(kind)).Inc()
	e.log.Info("escrow operation rejected",
		zap.String("op", op),
		zap.Uint("escrow_id", escrowID),
		zap.String("kind", string(kind)),
		zap.String("reason", err.Error()))
}

func lockEscrow(tx *gorm.DB, op string, id uint) (*models.Escrow, error) {
	var esc models.Escrow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&esc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(op, "escrow", id)
	}
	if err != nil {
		return nil, err
	}
	return &esc, nil
}

func loadUser(tx *gorm.DB, op string, id uint) (models.User, error) {
	var u models.User
	err := tx.First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return u, notFound(op, "user", id)
	}
	return u, err
}

func isParty(esc *models.Escrow, userID uint) bool {
	return userID == esc.PayerID || userID == esc.PayeeID
}

// requirePayer rejects anyone but the payer, saying why without exposing escrow details.
func requirePayer(op string, esc *models.Escrow, userID uint, action string) error {
	if userID == esc.PayerID {
		return nil
	}
	if userID == esc.PayeeID {
		return forbidden(op, "only the payer may "+action)
	}
	return forbidden(op, "not a party to this escrow")
}

func requirePayee(op string, esc *models.Escrow, userID uint, action string) error {
	if userID == esc.PayeeID {
		return nil
	}
	if userID == esc.PayerID {
		return forbidden(op, "only the payee may "+action)
	}
	return forbidden(op, "not a party to this escrow")
}

func statusIn(s models.EscrowStatus, allowed ...models.EscrowStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

type statusChange struct {
	From   models.EscrowStatus `json:"from"`
	To     models.EscrowStatus `json:"to"`
	Reason string              `json:"reason,omitempty"`
}

// transition moves esc to the target status and logs STATUS_CHANGED. The
// WHERE on the current status is a second guard behind the row lock.
func (e *Engine) transition(tx *gorm.DB, op string, esc *models.Escrow, to models.EscrowStatus, actor *uint, meta txlog.RequestMeta, reason string, cols map[string]any) error {
	from := esc.Status
	if cols == nil {
		cols = map[string]any{}
	}
	cols["status"] = to
	res := tx.Model(&models.Escrow{}).Where("id = ? AND status = ?", esc.ID, from).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return invalidState(op, from, "escrow changed concurrently")
	}
	esc.Status = to
	_, err := txlog.Append(tx, txlog.Entry{
		Type:       models.LogStatusChanged,
		ActorID:    actor,
		EntityID:   esc.ID,
		EntityType: txlog.EntityEscrow,
		Data:       statusChange{From: from, To: to, Reason: reason},
		Meta:       meta,
		At:         e.now(),
	})
	return err
}

func setPaymentStatus(tx *gorm.DB, paymentID uint, status models.PaymentStatus, cols map[string]any) error {
	if cols == nil {
		cols = map[string]any{}
	}
	cols["status"] = status
	return tx.Model(&models.Payment{}).Where("id = ?", paymentID).Updates(cols).Error
}

func (e *Engine) appendLog(tx *gorm.DB, typ models.LogType, actor *uint, esc *models.Escrow, data any, meta txlog.RequestMeta) error {
	_, err := txlog.Append(tx, txlog.Entry{
		Type:       typ,
		ActorID:    actor,
		EntityID:   esc.ID,
		EntityType: txlog.EntityEscrow,
		Data:       data,
		Meta:       meta,
		At:         e.now(),
	})
	return err
}

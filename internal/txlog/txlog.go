// Package txlog appends to the escrow audit trail. Rows are never updated or deleted.
package txlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
)

const (
	EntityEscrow    = "escrow"
	EntityProof     = "delivery_proof"
	EntityMilestone = "escrow_milestone"
	EntityPayment   = "payment"
)

// RequestMeta is captured from the inbound request. Raw IPs are hashed before they get here.
type RequestMeta struct {
	IPHash            string `json:"ip_hash,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type Entry struct {
	Type       models.LogType
	ActorID    *uint
	EntityID   uint
	EntityType string
	Data       any
	Meta       RequestMeta
	// At stamps the row; zero means the wall clock.
	At time.Time
}

// Event is the payload relayed to the outbox consumers.
type Event struct {
	LogID      uint            `json:"log_id"`
	Type       models.LogType  `json:"type"`
	ActorID    *uint           `json:"actor_id,omitempty"`
	EntityID   uint            `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Append inserts the log row and its outbox record inside tx. Any error must
// abort the caller's transaction.
func Append(tx *gorm.DB, e Entry) (models.TransactionLog, error) {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	data := "{}"
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return models.TransactionLog{}, fmt.Errorf("encode %s log data: %w", e.Type, err)
		}
		data = string(b)
	}
	row := models.TransactionLog{
		Type:              e.Type,
		ActorID:           e.ActorID,
		EntityID:          e.EntityID,
		EntityType:        e.EntityType,
		Data:              data,
		IPHash:            e.Meta.IPHash,
		UserAgent:         e.Meta.UserAgent,
		DeviceFingerprint: e.Meta.DeviceFingerprint,
		CreatedAt:         at.UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return models.TransactionLog{}, fmt.Errorf("append %s log: %w", e.Type, err)
	}

	payload, err := json.Marshal(Event{
		LogID:      row.ID,
		Type:       row.Type,
		ActorID:    row.ActorID,
		EntityID:   row.EntityID,
		EntityType: row.EntityType,
		Data:       json.RawMessage(row.Data),
		OccurredAt: row.CreatedAt,
	})
	if err != nil {
		return models.TransactionLog{}, err
	}
	out := models.OutboxEvent{
		ID:           uuid.NewString(),
		LogID:        row.ID,
		EventType:    string(row.Type),
		PartitionKey: row.EntityType + ":" + strconv.FormatUint(uint64(row.EntityID), 10),
		Payload:      string(payload),
		CreatedAt:    row.CreatedAt,
	}
	if err := tx.Create(&out).Error; err != nil {
		return models.TransactionLog{}, fmt.Errorf("enqueue %s log: %w", e.Type, err)
	}
	return row, nil
}

// AppendBestEffort is for decorative entries whose loss must not fail anything.
func AppendBestEffort(db *gorm.DB, log *zap.Logger, e Entry) {
	if _, err := Append(db, e); err != nil {
		log.Warn("transaction log append dropped",
			zap.String("type", string(e.Type)),
			zap.Uint("entity_id", e.EntityID),
			zap.Error(err))
	}
}

// ListForEntity returns the trail of one entity in insertion order.
func ListForEntity(db *gorm.DB, entityType string, entityID uint) ([]models.TransactionLog, error) {
	var rows []models.TransactionLog
	err := db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// ListForEscrow returns the escrow's own entries plus those of its proofs and milestones.
func ListForEscrow(db *gorm.DB, escrowID uint) ([]models.TransactionLog, error) {
	var rows []models.TransactionLog
	err := db.Where("(entity_type = ? AND entity_id = ?)", EntityEscrow, escrowID).
		Or("entity_type = ? AND entity_id IN (?)", EntityProof,
			db.Model(&models.DeliveryProof{}).Select("id").Where("escrow_id = ?", escrowID)).
		Or("entity_type = ? AND entity_id IN (?)", EntityMilestone,
			db.Model(&models.EscrowMilestone{}).Select("id").Where("escrow_id = ?", escrowID)).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// HashIP returns a stable digest so raw addresses never reach storage.
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

func Actor(id uint) *uint { return &id }

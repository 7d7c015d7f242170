package escrow

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

// UpdateMilestone marks a milestone COMPLETED (payer only) or DISPUTED (either
// party). Completing the last open milestone completes the escrow.
func (e *Engine) UpdateMilestone(ctx context.Context, escrowID, milestoneID uint, status models.MilestoneStatus, userID uint, meta txlog.RequestMeta) (*models.EscrowMilestone, error) {
	const op = "update_milestone"
	if status != models.MilestoneCompleted && status != models.MilestoneDisputed {
		return nil, validation(op, "milestone status must be COMPLETED or DISPUTED")
	}
	var milestone *models.EscrowMilestone
	err := e.run(ctx, op, escrowID, func(tx *gorm.DB) error {
		esc, err := lockEscrow(tx, op, escrowID)
		if err != nil {
			return err
		}
		if !isParty(esc, userID) {
			return forbidden(op, "not a party to this escrow")
		}
		if status == models.MilestoneCompleted {
			if err := requirePayer(op, esc, userID, "complete milestones"); err != nil {
				return err
			}
		}
		if esc.Status.Terminal() {
			return invalidState(op, esc.Status, "escrow is closed")
		}

		var m models.EscrowMilestone
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND escrow_id = ?", milestoneID, esc.ID).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(op, "milestone", milestoneID)
		}
		if err != nil {
			return err
		}
		if m.Status != models.MilestonePending {
			return invalidState(op, esc.Status, "milestone is already "+string(m.Status))
		}

		now := e.now()
		cols := map[string]any{"status": status}
		if status == models.MilestoneCompleted {
			cols["completed_at"] = now
			m.CompletedAt = &now
		}
		if err := tx.Model(&models.EscrowMilestone{}).Where("id = ?", m.ID).Updates(cols).Error; err != nil {
			return err
		}
		from := m.Status
		m.Status = status

		actor := txlog.Actor(userID)
		if _, err := txlog.Append(tx, txlog.Entry{
			Type:       models.LogMilestoneUpdated,
			ActorID:    actor,
			EntityID:   m.ID,
			EntityType: txlog.EntityMilestone,
			Data:       map[string]any{"escrow_id": esc.ID, "sequence": m.Sequence, "from": from, "to": status},
			Meta:       meta,
			At:         e.now(),
		}); err != nil {
			return err
		}

		switch status {
		case models.MilestoneDisputed:
			if err := e.appendLog(tx, models.LogEscrowDisputed, actor, esc, map[string]any{
				"milestone_id": m.ID,
				"sequence":     m.Sequence,
			}, meta); err != nil {
				return err
			}
		case models.MilestoneCompleted:
			var open int64
			if err := tx.Model(&models.EscrowMilestone{}).
				Where("escrow_id = ? AND status <> ?", esc.ID, models.MilestoneCompleted).
				Count(&open).Error; err != nil {
				return err
			}
			if open == 0 {
				if err := e.deliver(tx, op, esc, actor, "all milestones completed", meta); err != nil {
					return err
				}
			}
		}
		milestone = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return milestone, nil
}

package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domainerrors "paytruth.engine/internal/domain/errors"
	"paytruth.engine/internal/domain/entities"
	"paytruth.engine/internal/domain/ports"
)

// Transition locks the transaction row, hands the caller the current state
// to decide against, and applies exactly one of the accepted/rejected
// writes the decision names, all inside one database transaction (spec
// §4.4 Stage 6 point 3).
func (s *Storage) Transition(ctx context.Context, id uuid.UUID, decide func(current *entities.Transaction) (ports.TransitionDecision, error)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockedCtx := context.WithValue(ctx, lockKey, true)
		txCtx := context.WithValue(lockedCtx, txKey, tx)

		var current entities.Transaction
		if err := dbFromContext(txCtx, tx).Where("id = ?", id).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrNotFound
			}
			return err
		}

		decision, err := decide(&current)
		if err != nil {
			return err
		}

		if !decision.Allow {
			if decision.RejectAudit != nil {
				if _, err := insertAuditLog(tx, id, *decision.RejectAudit); err != nil {
					return err
				}
			}
			return nil
		}

		updates := map[string]interface{}{
			"status":     decision.NewStatus,
			"updated_at": now(),
		}
		if decision.Verification != "" && decision.Verification.Outranks(current.VerificationMethod) {
			updates["verification_method"] = decision.Verification
		}
		if err := tx.Model(&entities.Transaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		if _, err := insertAuditLog(tx, id, decision.Audit); err != nil {
			return err
		}

		if decision.Outbox != nil {
			row := &entities.OutboxEvent{
				ID:            newUUID(),
				TransactionID: decision.Outbox.TransactionID,
				EventType:     decision.Outbox.EventType,
				Payload:       decision.Outbox.Payload,
				Status:        entities.OutboxPending,
				CreatedAt:     now(),
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

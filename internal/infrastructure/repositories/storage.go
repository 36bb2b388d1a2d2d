// Package repositories provides the GORM-backed ports.StorageAdapter and
// ports.UnitOfWork implementations (spec §4.2), adapted from the teacher's
// internal/infrastructure/repositories package.
package repositories

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
	"gorm.io/gorm"

	domainerrors "paytruth.engine/internal/domain/errors"
	"paytruth.engine/internal/domain/entities"
	"paytruth.engine/internal/domain/ports"
)

// now is a hook variable so tests can pin Transaction/WebhookLog timestamps,
// matching the teacher's "swap the real dependency for a hook variable" idiom.
var now = time.Now

// newUUID is a hook variable so tests can pin generated identifiers.
var newUUID = uuid.New

// Storage implements ports.StorageAdapter on top of GORM.
type Storage struct {
	db *gorm.DB
}

// NewStorage creates a new GORM-backed storage adapter.
func NewStorage(db *gorm.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) CreateTransaction(ctx context.Context, in ports.CreateTransactionInput) (*entities.Transaction, error) {
	tx := &entities.Transaction{
		ID:             newUUID(),
		ApplicationRef: in.ApplicationRef,
		Provider:       in.Provider,
		Status:         entities.StatusPending,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Metadata:       in.Metadata,
		CreatedAt:      now(),
		UpdatedAt:      now(),
	}

	if err := dbFromContext(ctx, s.db).Create(tx).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, domainerrors.ErrDuplicateApplicationRef
		}
		return nil, err
	}
	return tx, nil
}

func (s *Storage) FindTransaction(ctx context.Context, lookup ports.TransactionLookup) (*entities.Transaction, error) {
	q := dbFromContext(ctx, s.db)
	switch {
	case lookup.ID != uuid.Nil:
		q = q.Where("id = ?", lookup.ID)
	case lookup.ApplicationRef != "":
		q = q.Where("application_ref = ?", lookup.ApplicationRef)
	case lookup.Provider != "" && lookup.ProviderRef != "":
		q = q.Where("provider = ? AND provider_ref = ?", lookup.Provider, lookup.ProviderRef)
	default:
		return nil, domainerrors.ErrInvalidInput
	}

	var tx entities.Transaction
	if err := q.First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainerrors.ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (s *Storage) ListTransactions(ctx context.Context, filter ports.TransactionFilter, page ports.Page) (ports.ListResult[entities.Transaction], error) {
	q := dbFromContext(ctx, s.db).Model(&entities.Transaction{})
	q = applyTransactionFilter(q, filter)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return ports.ListResult[entities.Transaction]{}, err
	}

	var items []entities.Transaction
	listQ := dbFromContext(ctx, s.db).Model(&entities.Transaction{})
	listQ = applyTransactionFilter(listQ, filter)
	if err := listQ.Order("created_at desc").Limit(limitOrDefault(page.Limit)).Offset(page.Offset).Find(&items).Error; err != nil {
		return ports.ListResult[entities.Transaction]{}, err
	}

	return ports.ListResult[entities.Transaction]{Items: items, Total: total}, nil
}

func (s *Storage) CountTransactions(ctx context.Context, filter ports.TransactionFilter) (int64, error) {
	q := dbFromContext(ctx, s.db).Model(&entities.Transaction{})
	q = applyTransactionFilter(q, filter)
	var total int64
	err := q.Count(&total).Error
	return total, err
}

func applyTransactionFilter(q *gorm.DB, filter ports.TransactionFilter) *gorm.DB {
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	return q
}

func (s *Storage) FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]entities.Transaction, error) {
	cutoff := now().Add(-olderThan)
	var items []entities.Transaction
	err := dbFromContext(ctx, s.db).
		Where("status = ? AND updated_at < ?", entities.StatusProcessing, cutoff).
		Order("updated_at asc").
		Limit(limitOrDefault(limit)).
		Find(&items).Error
	return items, err
}

// UpdateTransactionStatus performs SELECT ... FOR UPDATE, the status write,
// the AuditLog insert, and (when outbox is non-nil) the OutboxEvent insert,
// all in one database transaction (spec §4.2).
func (s *Storage) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, newStatus entities.TransactionStatus, verification entities.VerificationMethod, audit ports.AuditEntry, outbox *ports.CreateOutboxInput) error {
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

		updates := map[string]interface{}{
			"status":     newStatus,
			"updated_at": now(),
		}
		if verification != "" && verification.Outranks(current.VerificationMethod) {
			updates["verification_method"] = verification
		}
		if err := tx.Model(&entities.Transaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		if _, err := insertAuditLog(tx, id, audit); err != nil {
			return err
		}

		if outbox != nil {
			row := &entities.OutboxEvent{
				ID:            newUUID(),
				TransactionID: outbox.TransactionID,
				EventType:     outbox.EventType,
				Payload:       outbox.Payload,
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

// MarkAsProcessing performs the same row-lock-plus-audit write as
// UpdateTransactionStatus, additionally setting provider_ref exactly once.
func (s *Storage) MarkAsProcessing(ctx context.Context, id uuid.UUID, in ports.MarkProcessingInput, audit ports.AuditEntry) error {
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
		if current.Status != entities.StatusPending {
			return domainerrors.ErrNotPending
		}

		updates := map[string]interface{}{
			"status":       entities.StatusProcessing,
			"provider_ref": in.ProviderRef,
			"updated_at":   now(),
		}
		if err := tx.Model(&entities.Transaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			if isUniqueViolation(err) {
				return domainerrors.ErrDuplicateProviderRef
			}
			return err
		}

		if _, err := insertAuditLog(tx, id, audit); err != nil {
			return err
		}
		return nil
	})
}

func (s *Storage) CreateAuditLog(ctx context.Context, transactionID uuid.UUID, entry ports.AuditEntry) (*entities.AuditLog, error) {
	db := dbFromContext(ctx, s.db)
	return insertAuditLog(db, transactionID, entry)
}

func insertAuditLog(db *gorm.DB, transactionID uuid.UUID, entry ports.AuditEntry) (*entities.AuditLog, error) {
	row := &entities.AuditLog{
		ID:            newUUID(),
		TransactionID: transactionID,
		FromStatus:    entry.FromStatus,
		ToStatus:      entry.ToStatus,
		TriggerType:   entry.TriggerType,
		WebhookLogID:  entry.WebhookLogID,
		Metadata:      entry.Metadata,
		CreatedAt:     now(),
	}
	if entry.ReconciliationResult != "" {
		row.ReconciliationResult = null.StringFrom(entry.ReconciliationResult)
	}
	if err := db.Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Storage) CreateWebhookLog(ctx context.Context, in ports.CreateWebhookLogInput) (*entities.WebhookLog, error) {
	row := &entities.WebhookLog{
		ID:                   newUUID(),
		Provider:             in.Provider,
		ProviderEventID:      in.ProviderEventID,
		EventType:            in.EventType,
		RawPayload:           in.RawPayload,
		Headers:              in.Headers,
		SignatureValid:       in.SignatureValid,
		ProcessingStatus:     in.ProcessingStatus,
		ReceivedAt:           in.ReceivedAt,
		ProcessingDurationMs: in.ProcessingDurationMs,
	}
	if in.NormalizedEvent != "" {
		row.NormalizedEvent = null.StringFrom(in.NormalizedEvent)
	}
	if in.ErrorMessage != "" {
		row.ErrorMessage = null.StringFrom(in.ErrorMessage)
	}

	if err := dbFromContext(ctx, s.db).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, domainerrors.ErrDuplicateWebhookEvent
		}
		return nil, err
	}
	return row, nil
}

func (s *Storage) UpdateWebhookLogStatus(ctx context.Context, id uuid.UUID, status entities.ClaimFate, errMsg string) error {
	updates := map[string]interface{}{"processing_status": status}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	return dbFromContext(ctx, s.db).Model(&entities.WebhookLog{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Storage) LinkWebhookToTransaction(ctx context.Context, webhookID, transactionID uuid.UUID) error {
	return dbFromContext(ctx, s.db).Model(&entities.WebhookLog{}).
		Where("id = ?", webhookID).
		Update("transaction_id", transactionID).Error
}

func (s *Storage) ListWebhookLogs(ctx context.Context, filter ports.WebhookLogFilter, page ports.Page) (ports.ListResult[entities.WebhookLog], error) {
	apply := func(q *gorm.DB) *gorm.DB {
		if filter.Provider != "" {
			q = q.Where("provider = ?", filter.Provider)
		}
		if filter.Status != "" {
			q = q.Where("processing_status = ?", filter.Status)
		}
		return q
	}

	var total int64
	if err := apply(dbFromContext(ctx, s.db).Model(&entities.WebhookLog{})).Count(&total).Error; err != nil {
		return ports.ListResult[entities.WebhookLog]{}, err
	}

	var items []entities.WebhookLog
	q := apply(dbFromContext(ctx, s.db).Model(&entities.WebhookLog{}))
	if err := q.Order("received_at desc").Limit(limitOrDefault(page.Limit)).Offset(page.Offset).Find(&items).Error; err != nil {
		return ports.ListResult[entities.WebhookLog]{}, err
	}
	return ports.ListResult[entities.WebhookLog]{Items: items, Total: total}, nil
}

func (s *Storage) ListUnmatched(ctx context.Context, provider string, page ports.Page) (ports.ListResult[entities.WebhookLog], error) {
	filter := ports.WebhookLogFilter{Provider: provider, Status: entities.FateUnmatched}
	return s.ListWebhookLogs(ctx, filter, page)
}

func (s *Storage) FindWebhookLog(ctx context.Context, id uuid.UUID) (*entities.WebhookLog, error) {
	var row entities.WebhookLog
	if err := dbFromContext(ctx, s.db).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainerrors.ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Storage) GetAuditTrail(ctx context.Context, transactionID uuid.UUID) ([]entities.AuditLog, error) {
	var items []entities.AuditLog
	err := dbFromContext(ctx, s.db).
		Where("transaction_id = ?", transactionID).
		Order("created_at asc").
		Find(&items).Error
	return items, err
}

func (s *Storage) CreateDispatchLog(ctx context.Context, in ports.CreateDispatchLogInput) (*entities.DispatchLog, error) {
	row := &entities.DispatchLog{
		ID:            newUUID(),
		TransactionID: in.TransactionID,
		EventType:     in.EventType,
		HandlerName:   in.HandlerName,
		Status:        in.Status,
		IsReplay:      in.IsReplay,
		DispatchedAt:  now(),
	}
	if in.ErrorMessage != "" {
		row.ErrorMessage = null.StringFrom(in.ErrorMessage)
	}
	if err := dbFromContext(ctx, s.db).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Storage) ListPendingOutbox(ctx context.Context, page ports.Page) (ports.ListResult[entities.OutboxEvent], error) {
	q := dbFromContext(ctx, s.db).Model(&entities.OutboxEvent{}).Where("status = ?", entities.OutboxPending)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return ports.ListResult[entities.OutboxEvent]{}, err
	}

	var items []entities.OutboxEvent
	listQ := dbFromContext(ctx, s.db).Model(&entities.OutboxEvent{}).Where("status = ?", entities.OutboxPending)
	if err := listQ.Order("created_at asc").Limit(limitOrDefault(page.Limit)).Offset(page.Offset).Find(&items).Error; err != nil {
		return ports.ListResult[entities.OutboxEvent]{}, err
	}
	return ports.ListResult[entities.OutboxEvent]{Items: items, Total: total}, nil
}

func (s *Storage) MarkOutboxProcessed(ctx context.Context, id uuid.UUID) error {
	return dbFromContext(ctx, s.db).Model(&entities.OutboxEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       entities.OutboxProcessed,
		"processed_at": now(),
	}).Error
}

// MarkOutboxFailed marks the outbox row failed. OutboxEvent carries no
// error column (spec §3), so errMsg is for caller-side logging only.
func (s *Storage) MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return dbFromContext(ctx, s.db).Model(&entities.OutboxEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       entities.OutboxFailed,
		"processed_at": now(),
	}).Error
}

func (s *Storage) PurgeWebhookLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := dbFromContext(ctx, s.db).Where("received_at < ?", cutoff).Delete(&entities.WebhookLog{})
	return res.RowsAffected, res.Error
}

func (s *Storage) PurgeDispatchLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := dbFromContext(ctx, s.db).Where("dispatched_at < ?", cutoff).Delete(&entities.DispatchLog{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation recognizes a unique-constraint failure across both
// GORM's driver-translated gorm.ErrDuplicatedKey (enabled via
// gorm.Config{TranslateError: true} on the Postgres connection) and
// sqlite's untranslated driver error text used by the in-memory test
// harness.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value violates unique constraint")
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

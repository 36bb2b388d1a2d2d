package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"

	"paytruth.engine/internal/domain/entities"
	domainerrors "paytruth.engine/internal/domain/errors"
	"paytruth.engine/internal/domain/ports"
)

// fakeStorage is an in-memory ports.StorageAdapter standing in for the
// GORM-backed repositories.Storage so this package's tests can exercise
// TransactionService without a database.
type fakeStorage struct {
	mu            sync.Mutex
	transactions  map[uuid.UUID]*entities.Transaction
	byAppRef      map[string]uuid.UUID
	byProviderRef map[string]uuid.UUID
	webhookLogs   map[uuid.UUID]*entities.WebhookLog
	seenEvents    map[string]bool
	audit         map[uuid.UUID][]entities.AuditLog
	dispatchLogs  []entities.DispatchLog
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		transactions:  make(map[uuid.UUID]*entities.Transaction),
		byAppRef:      make(map[string]uuid.UUID),
		byProviderRef: make(map[string]uuid.UUID),
		webhookLogs:   make(map[uuid.UUID]*entities.WebhookLog),
		seenEvents:    make(map[string]bool),
		audit:         make(map[uuid.UUID][]entities.AuditLog),
	}
}

func auditRow(transactionID uuid.UUID, entry ports.AuditEntry) entities.AuditLog {
	row := entities.AuditLog{
		ID:            uuid.New(),
		TransactionID: transactionID,
		FromStatus:    entry.FromStatus,
		ToStatus:      entry.ToStatus,
		TriggerType:   entry.TriggerType,
		WebhookLogID:  entry.WebhookLogID,
		Metadata:      entry.Metadata,
		CreatedAt:     time.Now(),
	}
	if entry.ReconciliationResult != "" {
		row.ReconciliationResult = null.StringFrom(entry.ReconciliationResult)
	}
	return row
}

func cloneTx(tx *entities.Transaction) *entities.Transaction {
	clone := *tx
	return &clone
}

func (f *fakeStorage) CreateTransaction(ctx context.Context, in ports.CreateTransactionInput) (*entities.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &entities.Transaction{
		ID:             uuid.New(),
		ApplicationRef: in.ApplicationRef,
		Provider:       in.Provider,
		Status:         entities.StatusPending,
		Amount:         in.Amount,
		Currency:       in.Currency,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.transactions[tx.ID] = tx
	f.byAppRef[tx.ApplicationRef] = tx.ID
	return tx, nil
}

func (f *fakeStorage) FindTransaction(ctx context.Context, lookup ports.TransactionLookup) (*entities.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case lookup.ID != uuid.Nil:
		if tx, ok := f.transactions[lookup.ID]; ok {
			return cloneTx(tx), nil
		}
	case lookup.Provider != "" && lookup.ProviderRef != "":
		if id, ok := f.byProviderRef[lookup.Provider+"|"+lookup.ProviderRef]; ok {
			return cloneTx(f.transactions[id]), nil
		}
	case lookup.ApplicationRef != "":
		if id, ok := f.byAppRef[lookup.ApplicationRef]; ok {
			return cloneTx(f.transactions[id]), nil
		}
	}
	return nil, domainerrors.ErrNotFound
}

func (f *fakeStorage) ListTransactions(ctx context.Context, filter ports.TransactionFilter, page ports.Page) (ports.ListResult[entities.Transaction], error) {
	return ports.ListResult[entities.Transaction]{}, nil
}

func (f *fakeStorage) CountTransactions(ctx context.Context, filter ports.TransactionFilter) (int64, error) {
	return 0, nil
}

func (f *fakeStorage) FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]entities.Transaction, error) {
	return nil, nil
}

func (f *fakeStorage) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, newStatus entities.TransactionStatus, verification entities.VerificationMethod, audit ports.AuditEntry, outbox *ports.CreateOutboxInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.transactions[id]
	if !ok {
		return domainerrors.ErrNotFound
	}
	tx.Status = newStatus
	if verification != "" && verification.Outranks(tx.VerificationMethod) {
		tx.VerificationMethod = verification
	}
	f.audit[id] = append(f.audit[id], auditRow(id, audit))
	return nil
}

func (f *fakeStorage) MarkAsProcessing(ctx context.Context, id uuid.UUID, in ports.MarkProcessingInput, audit ports.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.transactions[id]
	if !ok {
		return domainerrors.ErrNotFound
	}
	if _, taken := f.byProviderRef[tx.Provider+"|"+in.ProviderRef]; taken {
		return domainerrors.ErrDuplicateProviderRef
	}
	tx.Status = entities.StatusProcessing
	tx.ProviderRef = null.StringFrom(in.ProviderRef)
	f.byProviderRef[tx.Provider+"|"+in.ProviderRef] = id
	f.audit[id] = append(f.audit[id], auditRow(id, audit))
	return nil
}

func (f *fakeStorage) Transition(ctx context.Context, id uuid.UUID, decide func(current *entities.Transaction) (ports.TransitionDecision, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.transactions[id]
	if !ok {
		return domainerrors.ErrNotFound
	}

	decision, err := decide(cloneTx(tx))
	if err != nil {
		return err
	}

	if !decision.Allow {
		if decision.RejectAudit != nil {
			f.audit[id] = append(f.audit[id], auditRow(id, *decision.RejectAudit))
		}
		return nil
	}

	tx.Status = decision.NewStatus
	if decision.Verification != "" && decision.Verification.Outranks(tx.VerificationMethod) {
		tx.VerificationMethod = decision.Verification
	}
	f.audit[id] = append(f.audit[id], auditRow(id, decision.Audit))
	return nil
}

func (f *fakeStorage) CreateAuditLog(ctx context.Context, transactionID uuid.UUID, entry ports.AuditEntry) (*entities.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := auditRow(transactionID, entry)
	f.audit[transactionID] = append(f.audit[transactionID], row)
	return &row, nil
}

func (f *fakeStorage) CreateWebhookLog(ctx context.Context, in ports.CreateWebhookLogInput) (*entities.WebhookLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Provider + "|" + in.ProviderEventID
	if f.seenEvents[key] {
		return nil, domainerrors.ErrDuplicateWebhookEvent
	}
	f.seenEvents[key] = true
	row := &entities.WebhookLog{
		ID:                   uuid.New(),
		Provider:             in.Provider,
		ProviderEventID:      in.ProviderEventID,
		EventType:            in.EventType,
		NormalizedEvent:      null.StringFrom(in.NormalizedEvent),
		RawPayload:           in.RawPayload,
		SignatureValid:       in.SignatureValid,
		ProcessingStatus:     in.ProcessingStatus,
		ReceivedAt:           in.ReceivedAt,
		ProcessingDurationMs: in.ProcessingDurationMs,
	}
	f.webhookLogs[row.ID] = row
	return row, nil
}

func (f *fakeStorage) UpdateWebhookLogStatus(ctx context.Context, id uuid.UUID, status entities.ClaimFate, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.webhookLogs[id]; ok {
		row.ProcessingStatus = status
	}
	return nil
}

func (f *fakeStorage) LinkWebhookToTransaction(ctx context.Context, webhookID, transactionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.webhookLogs[webhookID]; ok {
		row.TransactionID = uuid.NullUUID{UUID: transactionID, Valid: true}
	}
	return nil
}

func (f *fakeStorage) ListWebhookLogs(ctx context.Context, filter ports.WebhookLogFilter, page ports.Page) (ports.ListResult[entities.WebhookLog], error) {
	return ports.ListResult[entities.WebhookLog]{}, nil
}

func (f *fakeStorage) ListUnmatched(ctx context.Context, provider string, page ports.Page) (ports.ListResult[entities.WebhookLog], error) {
	return ports.ListResult[entities.WebhookLog]{}, nil
}

func (f *fakeStorage) FindWebhookLog(ctx context.Context, id uuid.UUID) (*entities.WebhookLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.webhookLogs[id]; ok {
		return row, nil
	}
	return nil, domainerrors.ErrNotFound
}

func (f *fakeStorage) GetAuditTrail(ctx context.Context, transactionID uuid.UUID) ([]entities.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entities.AuditLog(nil), f.audit[transactionID]...), nil
}

func (f *fakeStorage) CreateDispatchLog(ctx context.Context, in ports.CreateDispatchLogInput) (*entities.DispatchLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := entities.DispatchLog{ID: uuid.New(), TransactionID: in.TransactionID, EventType: in.EventType, HandlerName: in.HandlerName, Status: in.Status, IsReplay: in.IsReplay, DispatchedAt: time.Now()}
	if in.ErrorMessage != "" {
		row.ErrorMessage = null.StringFrom(in.ErrorMessage)
	}
	f.dispatchLogs = append(f.dispatchLogs, row)
	return &row, nil
}

func (f *fakeStorage) ListPendingOutbox(ctx context.Context, page ports.Page) (ports.ListResult[entities.OutboxEvent], error) {
	return ports.ListResult[entities.OutboxEvent]{}, nil
}

func (f *fakeStorage) MarkOutboxProcessed(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeStorage) MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return nil
}

func (f *fakeStorage) PurgeWebhookLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStorage) PurgeDispatchLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"paytruth.engine/internal/domain/entities"
)

// Page is an offset-limit pagination request, matching the teacher's
// repository list-method signatures.
type Page struct {
	Limit  int
	Offset int
}

// ListResult is a paginated response carrying the total row count alongside
// the page of items, so callers can render "page N of M" without a second
// round trip.
type ListResult[T any] struct {
	Items []T
	Total int64
}

// TransactionFilter narrows Transaction listings. Zero values are ignored.
type TransactionFilter struct {
	Provider string
	Status   entities.TransactionStatus
}

// TransactionLookup selects exactly one of its fields to resolve a
// Transaction (spec §4.2 find_transaction({id|applicationRef|providerRef+provider})).
type TransactionLookup struct {
	ID             uuid.UUID
	ApplicationRef string
	Provider       string
	ProviderRef    string
}

// CreateTransactionInput is the DTO for create_transaction.
type CreateTransactionInput struct {
	ApplicationRef string
	Provider       string
	Amount         int64
	Currency       string
	Metadata       []byte
}

// MarkProcessingInput is the DTO for mark_as_processing.
type MarkProcessingInput struct {
	ProviderRef string
}

// AuditEntry is the DTO backing every AuditLog row: the atomic transition
// writes (UpdateTransactionStatus, MarkAsProcessing), the creation entry
// written by the service on Transaction creation, and the standalone
// reconciliation entry (same from/to status, no state change).
type AuditEntry struct {
	FromStatus           entities.TransactionStatus
	ToStatus              entities.TransactionStatus
	TriggerType          entities.TriggerType
	WebhookLogID         uuid.NullUUID
	ReconciliationResult string
	Metadata             []byte
}

// WebhookLogFilter narrows WebhookLog listings.
type WebhookLogFilter struct {
	Provider string
	Status   entities.ClaimFate
}

// CreateWebhookLogInput is the DTO for create_webhook_log.
type CreateWebhookLogInput struct {
	Provider             string
	ProviderEventID      string
	EventType            string
	NormalizedEvent      string
	RawPayload           []byte
	Headers              []byte
	SignatureValid       bool
	ProcessingStatus     entities.ClaimFate
	ReceivedAt           time.Time
	ProcessingDurationMs int64
	ErrorMessage         string
}

// CreateDispatchLogInput is the DTO for create_dispatch_log.
type CreateDispatchLogInput struct {
	TransactionID uuid.UUID
	EventType     entities.NormalizedEventType
	HandlerName   string
	Status        entities.DispatchStatus
	IsReplay      bool
	ErrorMessage  string
}

// TransitionDecision is what a Transition caller's decide callback returns.
// When Allow is true, NewStatus/Verification/Audit/Outbox are applied as one
// atomic write identical in shape to UpdateTransactionStatus. When Allow is
// false, RejectAudit (if non-nil) is inserted as a standalone AuditLog row
// and no other write happens.
type TransitionDecision struct {
	Allow        bool
	NewStatus    entities.TransactionStatus
	Verification entities.VerificationMethod
	Audit        AuditEntry
	Outbox       *CreateOutboxInput
	RejectAudit  *AuditEntry
}

// CreateOutboxInput is the DTO for the OutboxEvent optionally written inside
// the same transaction as a state change (spec §3 OutboxEvent, §4.4 Stage 6).
type CreateOutboxInput struct {
	TransactionID uuid.UUID
	EventType     entities.NormalizedEventType
	Payload       []byte
}

// StorageAdapter is the persistence contract the core depends on (spec §4.2).
// Implementations commit every method documented below as "atomic" in a
// single database transaction; partial success is a defect.
type StorageAdapter interface {
	CreateTransaction(ctx context.Context, in CreateTransactionInput) (*entities.Transaction, error)
	FindTransaction(ctx context.Context, lookup TransactionLookup) (*entities.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter, page Page) (ListResult[entities.Transaction], error)
	CountTransactions(ctx context.Context, filter TransactionFilter) (int64, error)
	FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]entities.Transaction, error)

	// UpdateTransactionStatus performs SELECT ... FOR UPDATE on the row,
	// writes the status change, and inserts the AuditLog row (plus an
	// OutboxEvent when outbox is non-nil) in one database transaction.
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, newStatus entities.TransactionStatus, verification entities.VerificationMethod, audit AuditEntry, outbox *CreateOutboxInput) error

	// MarkAsProcessing performs the same atomic row-lock-plus-audit write as
	// UpdateTransactionStatus, additionally setting provider_ref. Must
	// surface a provider_ref uniqueness violation as a distinct error.
	MarkAsProcessing(ctx context.Context, id uuid.UUID, in MarkProcessingInput, audit AuditEntry) error

	// Transition performs SELECT ... FOR UPDATE on the transaction row and
	// calls decide with the locked, freshly re-read row so a caller can run
	// state-machine validation against a value no concurrent writer can
	// change out from under it (spec §4.4 Stage 6 point 3, §5 "Ordering
	// guarantees"). Exactly one of decide's returned TransitionDecision
	// branches is applied, in the same database transaction as the read
	// lock: the accepted-transition write (status + verification + Audit +
	// optional Outbox) or the rejected-transition write (RejectAudit only,
	// no status change). decide returning an error aborts the whole
	// transaction with no writes at all.
	Transition(ctx context.Context, id uuid.UUID, decide func(current *entities.Transaction) (TransitionDecision, error)) error

	// CreateAuditLog inserts a standalone AuditLog row with no accompanying
	// state change: the Transaction-creation entry and every reconciliation
	// attempt (spec §3 AuditLog invariants, §4.5 reconcile).
	CreateAuditLog(ctx context.Context, transactionID uuid.UUID, entry AuditEntry) (*entities.AuditLog, error)

	// CreateWebhookLog must surface a (provider, provider_event_id) unique
	// violation as errors.ErrDuplicateWebhookEvent so the pipeline can
	// classify the fate as duplicate.
	CreateWebhookLog(ctx context.Context, in CreateWebhookLogInput) (*entities.WebhookLog, error)
	UpdateWebhookLogStatus(ctx context.Context, id uuid.UUID, status entities.ClaimFate, errMsg string) error
	LinkWebhookToTransaction(ctx context.Context, webhookID, transactionID uuid.UUID) error
	ListWebhookLogs(ctx context.Context, filter WebhookLogFilter, page Page) (ListResult[entities.WebhookLog], error)
	ListUnmatched(ctx context.Context, provider string, page Page) (ListResult[entities.WebhookLog], error)
	FindWebhookLog(ctx context.Context, id uuid.UUID) (*entities.WebhookLog, error)

	GetAuditTrail(ctx context.Context, transactionID uuid.UUID) ([]entities.AuditLog, error)

	CreateDispatchLog(ctx context.Context, in CreateDispatchLogInput) (*entities.DispatchLog, error)

	ListPendingOutbox(ctx context.Context, page Page) (ListResult[entities.OutboxEvent], error)
	MarkOutboxProcessed(ctx context.Context, id uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	PurgeWebhookLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeDispatchLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

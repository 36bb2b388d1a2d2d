package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "paytruth.engine/internal/domain/errors"
	"paytruth.engine/internal/domain/entities"
	"paytruth.engine/internal/domain/ports"
)

func newStorageForTest(t *testing.T) *Storage {
	return NewStorage(newTestDB(t))
}

func TestStorage_CreateTransaction_DuplicateApplicationRef(t *testing.T) {
	s := newStorageForTest(t)
	ctx := context.Background()

	_, err := s.CreateTransaction(ctx, ports.CreateTransactionInput{ApplicationRef: "ord-1", Provider: "mock", Amount: 100, Currency: "NGN"})
	require.NoError(t, err)

	_, err = s.CreateTransaction(ctx, ports.CreateTransactionInput{ApplicationRef: "ord-1", Provider: "mock", Amount: 200, Currency: "NGN"})
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateApplicationRef)
}

func TestStorage_MarkAsProcessing_RejectsNonPending(t *testing.T) {
	s := newStorageForTest(t)
	ctx := context.Background()

	tx, err := s.CreateTransaction(ctx, ports.CreateTransactionInput{ApplicationRef: "ord-2", Provider: "mock", Amount: 100, Currency: "NGN"})
	require.NoError(t, err)

	audit := ports.AuditEntry{FromStatus: entities.StatusPending, ToStatus: entities.StatusProcessing, TriggerType: entities.TriggerManual}
	require.NoError(t, s.MarkAsProcessing(ctx, tx.ID, ports.MarkProcessingInput{ProviderRef: "pr-1"}, audit))

	err = s.MarkAsProcessing(ctx, tx.ID, ports.MarkProcessingInput{ProviderRef: "pr-2"}, audit)
	assert.ErrorIs(t, err, domainerrors.ErrNotPending)
}

func TestStorage_MarkAsProcessing_DuplicateProviderRef(t *testing.T) {
	s := newStorageForTest(t)
	ctx := context.Background()

	tx1, err := s.CreateTransaction(ctx, ports.CreateTransactionInput{ApplicationRef: "ord-3", Provider: "mock", Amount: 100, Currency: "NGN"})
	require.NoError(t, err)
	tx2, err := s.CreateTransaction(ctx, ports.CreateTransactionInput{ApplicationRef: "ord-4", Provider: "mock", Amount: 100, Currency: "NGN"})
	require.NoError(t, err)

	audit := ports.AuditEntry{FromStatus: entities.StatusPending, ToStatus: entities.StatusProcessing, TriggerType: entities.TriggerManual}
	require.NoError(t, s.MarkAsProcessing(ctx, tx1.ID, ports.MarkProcessingInput{ProviderRef: "pr-dup"}, audit))

	err = s.MarkAsProcessing(ctx, tx2.ID, ports.MarkProcessingInput{ProviderRef: "pr-dup"}, audit)
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateProviderRef)
}

func TestStorage_UpdateTransactionStatus_WritesAuditAndOutbox(t *testing.T) {
	s := newStorageForTest(t)
	ctx := context.Background()

	tx, err := s.CreateTransaction(ctx, ports.CreateTransactionInput{ApplicationRef: "ord-5", Provider: "mock", Amount: 100, Currency: "NGN"})
	require.NoError(t, err)

	audit := ports.AuditEntry{FromStatus: entities.StatusProcessing, ToStatus: entities.StatusSuccessful, TriggerType: entities.TriggerWebhook}
	outbox := &ports.CreateOutboxInput{TransactionID: tx.ID, EventType: entities.EventPaymentSuccessful, Payload: []byte(`{}`)}

	err = s.UpdateTransactionStatus(ctx, tx.ID, entities.StatusSuccessful, entities.VerificationWebhookOnly, audit, outbox)
	require.NoError(t, err)

	got, err := s.FindTransaction(ctx, ports.TransactionLookup{ID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, entities.StatusSuccessful, got.Status)
	assert.Equal(t, entities.VerificationWebhookOnly, got.VerificationMethod)

	trail, err := s.GetAuditTrail(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, entities.StatusSuccessful, trail[0].ToStatus)

	pending, err := s.ListPendingOutbox(ctx, ports.Page{})
	require.NoError(t, err)
	require.Len(t, pending.Items, 1)
	assert.Equal(t, tx.ID, pending.Items[0].TransactionID)
}

func TestStorage_VerificationMethod_NeverDowngraded(t *testing.T) {
	s := newStorageForTest(t)
	ctx := context.Background()

	tx, err := s.CreateTransaction(ctx, ports.CreateTransactionInput{ApplicationRef: "ord-6", Provider: "mock", Amount: 100, Currency: "NGN"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateTransactionStatus(ctx, tx.ID, entities.StatusSuccessful, entities.VerificationReconciled,
		ports.AuditEntry{FromStatus: entities.StatusProcessing, ToStatus: entities.StatusSuccessful, TriggerType: entities.TriggerReconciliation}, nil))

	require.NoError(t, s.UpdateTransactionStatus(ctx, tx.ID, entities.StatusPartiallyRefunded, entities.VerificationWebhookOnly,
		ports.AuditEntry{FromStatus: entities.StatusSuccessful, ToStatus: entities.StatusPartiallyRefunded, TriggerType: entities.TriggerWebhook}, nil))

	got, err := s.FindTransaction(ctx, ports.TransactionLookup{ID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, entities.VerificationReconciled, got.VerificationMethod)
}

func TestStorage_CreateWebhookLog_DuplicateProviderEvent(t *testing.T) {
	s := newStorageForTest(t)
	ctx := context.Background()

	in := ports.CreateWebhookLogInput{
		Provider:         "mock",
		ProviderEventID:  "evt-1",
		EventType:        "payment.successful",
		SignatureValid:   true,
		ProcessingStatus: entities.FateProcessed,
		ReceivedAt:       time.Now(),
	}
	_, err := s.CreateWebhookLog(ctx, in)
	require.NoError(t, err)

	_, err = s.CreateWebhookLog(ctx, in)
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateWebhookEvent)
}

func TestStorage_FindStale(t *testing.T) {
	s := newStorageForTest(t)
	ctx := context.Background()

	tx, err := s.CreateTransaction(ctx, ports.CreateTransactionInput{ApplicationRef: "ord-7", Provider: "mock", Amount: 100, Currency: "NGN"})
	require.NoError(t, err)
	require.NoError(t, s.MarkAsProcessing(ctx, tx.ID, ports.MarkProcessingInput{ProviderRef: "pr-stale"},
		ports.AuditEntry{FromStatus: entities.StatusPending, ToStatus: entities.StatusProcessing, TriggerType: entities.TriggerManual}))

	origNow := now
	now = func() time.Time { return origNow().Add(2 * time.Hour) }
	defer func() { now = origNow }()

	stale, err := s.FindStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, tx.ID, stale[0].ID)
}

func TestStorage_PurgeWebhookAndDispatchLogs(t *testing.T) {
	s := newStorageForTest(t)
	ctx := context.Background()

	_, err := s.CreateWebhookLog(ctx, ports.CreateWebhookLogInput{
		Provider: "mock", ProviderEventID: "evt-old", ProcessingStatus: entities.FateProcessed, ReceivedAt: time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)

	count, err := s.PurgeWebhookLogsOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	dispatch, err := s.CreateDispatchLog(ctx, ports.CreateDispatchLogInput{
		TransactionID: uuid.New(), EventType: entities.EventPaymentSuccessful, HandlerName: "h", Status: entities.DispatchSuccess,
	})
	require.NoError(t, err)
	require.NoError(t, s.db.Model(dispatch).Update("dispatched_at", time.Now().Add(-48*time.Hour)).Error)

	dcount, err := s.PurgeDispatchLogsOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), dcount)
}

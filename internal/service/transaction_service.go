// Package service implements the query-first façade over the storage
// adapter described in spec §4.5: creation, lookups, reconciliation,
// replay, late-match linking, and retention purges. Adapted from the
// teacher's internal/usecases struct-plus-constructor shape.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"paytruth.engine/internal/dispatcher"
	"paytruth.engine/internal/domain/entities"
	domainerrors "paytruth.engine/internal/domain/errors"
	"paytruth.engine/internal/domain/ports"
	"paytruth.engine/internal/infrastructure/providers"
	"paytruth.engine/internal/pipeline"
	"paytruth.engine/internal/statemachine"
)

// now is a hook variable, matching the repositories package's idiom, so
// tests can pin stale-scan and purge-cutoff calculations.
var now = time.Now

// TransactionService is the query-first façade over ports.StorageAdapter
// (spec §4.5). It shares its Pipeline's registry, state machine, and
// dispatcher so reconcile/link_unmatched_webhook run the identical Stage-6
// transition logic the ingest path uses.
type TransactionService struct {
	storage    ports.StorageAdapter
	registry   *providers.Registry
	machine    *statemachine.StateMachine
	dispatcher *dispatcher.Dispatcher
	pipe       *pipeline.Pipeline
	hooks      pipeline.Hooks
}

// New builds a TransactionService. pipe is the same *pipeline.Pipeline used
// for ingest, reused here for its Stage-6/7 transition-plus-dispatch logic.
func New(storage ports.StorageAdapter, registry *providers.Registry, machine *statemachine.StateMachine, disp *dispatcher.Dispatcher, pipe *pipeline.Pipeline, hooks pipeline.Hooks) *TransactionService {
	return &TransactionService{storage: storage, registry: registry, machine: machine, dispatcher: disp, pipe: pipe, hooks: hooks}
}

// CreateTransaction creates a pending Transaction and writes its creation
// AuditLog entry in the same call (spec §4.5 create_transaction).
func (s *TransactionService) CreateTransaction(ctx context.Context, in ports.CreateTransactionInput) (*entities.Transaction, error) {
	tx, err := s.storage.CreateTransaction(ctx, in)
	if err != nil {
		return nil, err
	}
	if _, err := s.storage.CreateAuditLog(ctx, tx.ID, ports.AuditEntry{
		FromStatus:  entities.StatusPending,
		ToStatus:    entities.StatusPending,
		TriggerType: entities.TriggerManual,
	}); err != nil {
		return nil, err
	}
	return tx, nil
}

// MarkAsProcessing transitions a pending Transaction into processing,
// recording its provider_ref (spec §4.5 mark_as_processing).
func (s *TransactionService) MarkAsProcessing(ctx context.Context, id uuid.UUID, providerRef string) error {
	tx, err := s.storage.FindTransaction(ctx, ports.TransactionLookup{ID: id})
	if err != nil {
		return err
	}
	if tx.Status != entities.StatusPending {
		return domainerrors.ErrNotPending
	}
	return s.storage.MarkAsProcessing(ctx, id, ports.MarkProcessingInput{ProviderRef: providerRef},
		ports.AuditEntry{FromStatus: entities.StatusPending, ToStatus: entities.StatusProcessing, TriggerType: entities.TriggerManual})
}

// GetOptions controls get_transaction's optional upgrades (spec §4.5).
type GetOptions struct {
	Verify bool
}

// GetTransaction resolves a Transaction by id, optionally upgrading its
// verification_method via the provider's verify_with_provider call. Verify
// never changes status, only verification_method (and only upward).
func (s *TransactionService) GetTransaction(ctx context.Context, lookup ports.TransactionLookup, opts GetOptions) (*entities.Transaction, error) {
	tx, err := s.storage.FindTransaction(ctx, lookup)
	if err != nil {
		return nil, err
	}
	if !opts.Verify || !tx.ProviderRef.Valid {
		return tx, nil
	}

	adapter, err := s.registry.Lookup(tx.Provider)
	if err != nil {
		return tx, nil
	}
	verifier, ok := adapter.(ports.ProviderVerifier)
	if !ok {
		return tx, nil
	}

	status, err := verifier.VerifyWithProvider(ctx, tx.ProviderRef.String, 10*time.Second)
	if err != nil || status == nil {
		return tx, nil
	}
	if entities.VerificationAPIVerified.Outranks(tx.VerificationMethod) {
		if err := s.storage.UpdateTransactionStatus(ctx, tx.ID, tx.Status, entities.VerificationAPIVerified,
			ports.AuditEntry{FromStatus: tx.Status, ToStatus: tx.Status, TriggerType: entities.TriggerAPIVerification}, nil); err == nil {
			tx.VerificationMethod = entities.VerificationAPIVerified
		}
	}
	return tx, nil
}

// GetAuditTrail returns the chronological AuditLog rows for a Transaction.
func (s *TransactionService) GetAuditTrail(ctx context.Context, transactionID uuid.UUID) ([]entities.AuditLog, error) {
	return s.storage.GetAuditTrail(ctx, transactionID)
}

// ListTransactionsByStatus paginates Transactions filtered by status.
func (s *TransactionService) ListTransactionsByStatus(ctx context.Context, status entities.TransactionStatus, page ports.Page) (ports.ListResult[entities.Transaction], error) {
	return s.storage.ListTransactions(ctx, ports.TransactionFilter{Status: status}, page)
}

// IsSettled reports whether id_or_ref's current status is in the closed
// settled set (spec §4.5 is_settled).
func (s *TransactionService) IsSettled(ctx context.Context, lookup ports.TransactionLookup) (bool, error) {
	tx, err := s.storage.FindTransaction(ctx, lookup)
	if err != nil {
		return false, err
	}
	return tx.Status.IsSettled(), nil
}

// ScanStaleTransactions returns application_ref values stuck in processing
// past olderThan (spec §4.5 scan_stale_transactions). Read-only.
func (s *TransactionService) ScanStaleTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	stale, err := s.storage.FindStale(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(stale))
	for _, tx := range stale {
		refs = append(refs, tx.ApplicationRef)
	}
	return refs, nil
}

// Reconcile compares stored status to the provider's verify_with_provider
// result and branches into confirmed / advanced / divergence / error, always
// writing exactly one AuditLog row and never rolling back (spec §4.5).
func (s *TransactionService) Reconcile(ctx context.Context, lookup ports.TransactionLookup) (entities.ReconciliationResult, error) {
	start := now()
	tx, err := s.storage.FindTransaction(ctx, lookup)
	if err != nil {
		return "", err
	}

	adapter, lookupErr := s.registry.Lookup(tx.Provider)
	var result entities.ReconciliationResult
	var auditMeta []byte

	verifier, ok := adapter.(ports.ProviderVerifier)
	if lookupErr != nil || !ok || !tx.ProviderRef.Valid {
		result = entities.ReconciliationError
		auditMeta, _ = json.Marshal(map[string]string{"reason": "provider verification unsupported"})
	} else {
		providerStatus, verifyErr := verifier.VerifyWithProvider(ctx, tx.ProviderRef.String, 10*time.Second)
		switch {
		case verifyErr != nil || providerStatus == nil:
			result = entities.ReconciliationError
			if verifyErr != nil {
				auditMeta, _ = json.Marshal(map[string]string{"reason": verifyErr.Error()})
			}
		case providerStatus.Status == tx.Status:
			result = entities.ReconciliationConfirmed
		default:
			result = s.reconcileDivergent(ctx, tx, providerStatus)
		}
	}

	// The advanced branch's storage.Transition call above already wrote the
	// transition's own AuditLog row (from != to, result=advanced); writing a
	// second one here would leave two rows for one reconcile call.
	if result != entities.ReconciliationAdvanced {
		if _, err := s.storage.CreateAuditLog(ctx, tx.ID, ports.AuditEntry{
			FromStatus:           tx.Status,
			ToStatus:             tx.Status,
			TriggerType:          entities.TriggerReconciliation,
			ReconciliationResult: string(result),
			Metadata:             auditMeta,
		}); err != nil {
			return "", err
		}
	}

	s.hooks.FireReconciliation(tx.Provider, tx.ApplicationRef, string(result), now().Sub(start).Milliseconds())
	return result, nil
}

// reconcileDivergent implements the "provider is ahead" / "provider is
// behind" split of Reconcile's default branch: attempt the state-machine
// transition the provider's status implies; fall through to divergence on
// any validation failure, and never attempt a transition that would move
// backward relative to the stored status.
func (s *TransactionService) reconcileDivergent(ctx context.Context, tx *entities.Transaction, providerStatus *ports.ProviderStatus) entities.ReconciliationResult {
	validateResult := s.machine.Validate(tx.Status, providerStatus.Status, entities.TriggerReconciliation, map[string]interface{}{
		"signatureValid": true,
		"disputeOutcome": providerStatus.DisputeOutcome,
	})
	if !validateResult.Allowed {
		return entities.ReconciliationDivergence
	}

	rejected := false
	transitionErr := s.storage.Transition(ctx, tx.ID, func(current *entities.Transaction) (ports.TransitionDecision, error) {
		result := s.machine.Validate(current.Status, providerStatus.Status, entities.TriggerReconciliation, map[string]interface{}{
			"signatureValid": true,
			"disputeOutcome": providerStatus.DisputeOutcome,
		})
		if !result.Allowed {
			rejected = true
			return ports.TransitionDecision{Allow: false}, nil
		}
		return ports.TransitionDecision{
			Allow:        true,
			NewStatus:    providerStatus.Status,
			Verification: entities.VerificationReconciled,
			Audit: ports.AuditEntry{
				FromStatus:           current.Status,
				ToStatus:             providerStatus.Status,
				TriggerType:          entities.TriggerReconciliation,
				ReconciliationResult: string(entities.ReconciliationAdvanced),
			},
		}, nil
	})
	if transitionErr != nil || rejected {
		return entities.ReconciliationDivergence
	}
	return entities.ReconciliationAdvanced
}

// ReplayEvents re-dispatches the audit trail in chronological order,
// writing only DispatchLog rows (is_replay=true); it never writes AuditLog
// rows and never changes Transaction state (spec §4.5 replay_events).
func (s *TransactionService) ReplayEvents(ctx context.Context, transactionID uuid.UUID) (dispatcher.Summary, error) {
	tx, err := s.storage.FindTransaction(ctx, ports.TransactionLookup{ID: transactionID})
	if err != nil {
		return dispatcher.Summary{}, err
	}
	trail, err := s.storage.GetAuditTrail(ctx, transactionID)
	if err != nil {
		return dispatcher.Summary{}, err
	}

	var total dispatcher.Summary
	for _, entry := range trail {
		if entry.FromStatus == entry.ToStatus {
			continue // creation / reconciliation entries carry no dispatchable event
		}
		eventType := eventTypeForTransition(entry.ToStatus)
		if eventType == "" {
			continue
		}
		summary, outcomes := s.dispatcher.DispatchSummary(ctx, dispatcher.Payload{
			TransactionID: transactionID,
			EventType:     eventType,
			Event:         &entities.NormalizedEvent{EventType: eventType, ProviderRef: tx.ProviderRef.String, Amount: tx.Amount, Currency: tx.Currency},
			IsReplay:      true,
		})
		total.Success += summary.Success
		total.Failed += summary.Failed
		total.Skipped += summary.Skipped

		for _, outcome := range outcomes {
			status := entities.DispatchSuccess
			errMsg := ""
			if outcome.Err != nil {
				status = entities.DispatchFailed
				errMsg = outcome.Err.Error()
			}
			_, _ = s.storage.CreateDispatchLog(ctx, ports.CreateDispatchLogInput{
				TransactionID: transactionID,
				EventType:     eventType,
				HandlerName:   outcome.HandlerName,
				Status:        status,
				IsReplay:      true,
				ErrorMessage:  errMsg,
			})
		}
	}
	return total, nil
}

// eventTypeForTransition recovers the normalized event type a transition's
// destination status most plausibly corresponds to, for replay's benefit.
// Replay is best-effort reconstruction of "what would have dispatched";
// refund.pending/refund.failed (no status change) cannot be recovered this
// way and are not replayed.
func eventTypeForTransition(to entities.TransactionStatus) entities.NormalizedEventType {
	switch to {
	case entities.StatusSuccessful:
		return entities.EventPaymentSuccessful
	case entities.StatusFailed:
		return entities.EventPaymentFailed
	case entities.StatusAbandoned:
		return entities.EventPaymentAbandoned
	case entities.StatusPartiallyRefunded, entities.StatusRefunded:
		return entities.EventRefundSuccessful
	case entities.StatusDisputed:
		return entities.EventChargeDisputed
	case entities.StatusResolvedWon, entities.StatusResolvedLost:
		return entities.EventDisputeResolved
	default:
		return ""
	}
}

// LinkUnmatchedWebhook replays Stage 6 with trigger=late_match for a
// WebhookLog previously classified unmatched, backfilling transaction_id
// when the replay reaches the transaction (fate processed or
// transition_rejected) (spec §4.5 link_unmatched_webhook).
func (s *TransactionService) LinkUnmatchedWebhook(ctx context.Context, webhookLogID, transactionID uuid.UUID) (*pipeline.ProcessingResult, error) {
	log, err := s.storage.FindWebhookLog(ctx, webhookLogID)
	if err != nil {
		return nil, err
	}
	if log.ProcessingStatus != entities.FateUnmatched {
		return nil, domainerrors.ErrWebhookNotUnmatched
	}

	event := &entities.NormalizedEvent{
		EventType:       entities.NormalizedEventType(log.NormalizedEvent.String),
		ProviderEventID: log.ProviderEventID,
	}

	tx, err := s.storage.FindTransaction(ctx, ports.TransactionLookup{ID: transactionID})
	if err != nil {
		return nil, err
	}
	event.ProviderRef = tx.ProviderRef.String
	event.Amount = tx.Amount
	event.Currency = tx.Currency

	result := s.pipe.LinkLateMatch(ctx, log.Provider, webhookLogID, transactionID, tx.Amount, event)
	if result.Fate == entities.FateProcessed || result.Fate == entities.FateTransitionRejected {
		_ = s.storage.LinkWebhookToTransaction(ctx, webhookLogID, transactionID)
	}
	return result, nil
}

// ListUnmatchedWebhooks paginates WebhookLog rows still in fate unmatched.
func (s *TransactionService) ListUnmatchedWebhooks(ctx context.Context, provider string, page ports.Page) (ports.ListResult[entities.WebhookLog], error) {
	return s.storage.ListUnmatched(ctx, provider, page)
}

// PurgeResult is the return value of PurgeExpiredLogs.
type PurgeResult struct {
	WebhookLogsDeleted  int64
	DispatchLogsDeleted int64
}

// PurgeExpiredLogs deletes WebhookLog and DispatchLog rows past their
// retention cutoffs; never touches AuditLog or Transaction rows (spec §4.5
// purge_expired_logs).
func (s *TransactionService) PurgeExpiredLogs(ctx context.Context, webhookLogDays, dispatchLogDays int) (PurgeResult, error) {
	webhookDeleted, err := s.storage.PurgeWebhookLogsOlderThan(ctx, now().AddDate(0, 0, -webhookLogDays))
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge webhook logs: %w", err)
	}
	dispatchDeleted, err := s.storage.PurgeDispatchLogsOlderThan(ctx, now().AddDate(0, 0, -dispatchLogDays))
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge dispatch logs: %w", err)
	}
	return PurgeResult{WebhookLogsDeleted: webhookDeleted, DispatchLogsDeleted: dispatchDeleted}, nil
}

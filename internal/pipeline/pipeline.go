// Package pipeline implements the seven-stage ingest pipeline: verify,
// normalize, persist, dedupe, transition, and dispatch one inbound webhook
// delivery into exactly one claim fate.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	domainerrors "paytruth.engine/internal/domain/errors"
	"paytruth.engine/internal/dispatcher"
	"paytruth.engine/internal/domain/entities"
	"paytruth.engine/internal/domain/ports"
	"paytruth.engine/internal/infrastructure/idempotency"
	"paytruth.engine/internal/infrastructure/providers"
	"paytruth.engine/internal/statemachine"
)

// now is overridden in tests so fixed-clock assertions are possible.
var now = time.Now

// Config is the ingest pipeline's own configuration surface, read once per
// call (spec §6 "Configuration").
type Config struct {
	StoreRawPayload bool
	RedactKeys      []string
	OutboxEnabled   bool
}

// Pipeline wires the provider registry, storage adapter, state machine,
// idempotency pre-check, and dispatcher into the single process(...) entry
// point. A Pipeline carries no other mutable state and is safe to share
// across goroutines.
type Pipeline struct {
	registry   *providers.Registry
	storage    ports.StorageAdapter
	machine    *statemachine.StateMachine
	dispatcher *dispatcher.Dispatcher
	precheck   *idempotency.PreCheck
	config     Config
	hooks      Hooks
}

// New builds a Pipeline. precheck may be nil, in which case Stage 5 is a
// no-op and the unique-constraint insert in Stage 4 is the sole dedup path.
func New(registry *providers.Registry, storage ports.StorageAdapter, machine *statemachine.StateMachine, disp *dispatcher.Dispatcher, precheck *idempotency.PreCheck, config Config, hooks Hooks) *Pipeline {
	return &Pipeline{
		registry:   registry,
		storage:    storage,
		machine:    machine,
		dispatcher: disp,
		precheck:   precheck,
		config:     config,
		hooks:      hooks,
	}
}

// Process runs the seven stages for one inbound delivery. deadline is
// optional; the zero time.Time means no deadline. The only error return is
// the Stage 1 unknown-provider error and a genuine storage-level failure
// during the WebhookLog insert (spec §7 propagation policy) — every other
// outcome, including every protocol-kind failure, is folded into the
// returned ProcessingResult's fate.
func (p *Pipeline) Process(ctx context.Context, provider string, rawBody []byte, headers map[string]string, deadline time.Time) (*ProcessingResult, error) {
	start := now()

	// Stage 1 — Inbound.
	adapter, err := p.registry.Lookup(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domainerrors.ErrUnknownProvider, provider)
	}

	if r := p.timeoutResult(ctx, deadline, provider, start, nil); r != nil {
		return r, nil
	}

	// Stage 2 — Verification. Never disabled; an adapter that panics is
	// treated as a verification failure, not a process crash.
	secrets := secretsFor(ctx, provider)
	signatureValid := safeVerifySignature(adapter, rawBody, headers, secrets)

	// Stage 3 — Normalization. Skipped entirely when the signature is
	// invalid; a parse or normalize failure degrades the fate but never
	// aborts persistence.
	var (
		event      *entities.NormalizedEvent
		parsed     interface{}
		fate       = entities.FateProcessed
		errMessage string
	)
	if !signatureValid {
		fate = entities.FateSignatureFailed
	} else {
		var parseErr error
		parsed, parseErr = safeParsePayload(adapter, rawBody)
		if parseErr != nil {
			fate = entities.FateParseError
			errMessage = parseErr.Error()
		} else {
			normalized, normErr := safeNormalize(adapter, parsed)
			if normErr != nil {
				fate = entities.FateNormalizationFailed
				errMessage = normErr.Error()
			} else {
				event = normalized
			}
		}
	}

	// Stage 4 — Persist claim.
	idempotencyKey := idempotencyKeyFor(adapter, rawBody, parsed)
	eventTypeRaw := rawEventType(event)

	var normalizedEventCol string
	if event != nil {
		normalizedEventCol = string(event.EventType)
	}

	var rawPayloadToStore []byte
	if p.config.StoreRawPayload {
		rawPayloadToStore = redact(rawBody, p.config.RedactKeys)
	}

	headersJSON, _ := json.Marshal(headers)

	// Stage 5 — Deduplication pre-check. A repeat claim marks the fate
	// duplicate, so Stages 6/7 are skipped; the insert is still attempted,
	// and the unique constraint in Stage 4 remains the authoritative guard
	// against concurrent inserts.
	if fate != entities.FateDuplicate && p.precheck != nil {
		claimed, claimErr := p.precheck.Claim(ctx, provider, idempotencyKey)
		if claimErr == nil && !claimed {
			fate = entities.FateDuplicate
		}
	}

	webhookLog, persistErr := p.storage.CreateWebhookLog(ctx, ports.CreateWebhookLogInput{
		Provider:             provider,
		ProviderEventID:      idempotencyKey,
		EventType:            eventTypeRaw,
		NormalizedEvent:      normalizedEventCol,
		RawPayload:           rawPayloadToStore,
		Headers:              headersJSON,
		SignatureValid:       signatureValid,
		ProcessingStatus:     fate,
		ReceivedAt:           start,
		ProcessingDurationMs: now().Sub(start).Milliseconds(),
		ErrorMessage:         errMessage,
	})
	if persistErr != nil {
		if errors.Is(persistErr, domainerrors.ErrDuplicateWebhookEvent) {
			p.hooks.fireWebhookFate(provider, entities.FateDuplicate, rawEventTypeNormalized(event), now().Sub(start).Milliseconds(), nil)
			return &ProcessingResult{Fate: entities.FateDuplicate, EventType: rawEventTypeNormalized(event)}, nil
		}
		// A true storage outage during the WebhookLog insert is the one
		// protocol-adjacent case the pipeline surfaces as a real error
		// (spec §7 "storage outage during WebhookLog insert" exception).
		return nil, persistErr
	}

	// Stages 6/7 only run when normalization produced an event and the claim
	// was not already classified duplicate by the Stage-5 pre-check.
	if event == nil || fate == entities.FateDuplicate {
		p.hooks.fireWebhookFate(provider, fate, rawEventTypeNormalized(event), now().Sub(start).Milliseconds(), nil)
		return &ProcessingResult{Fate: fate, WebhookLogID: webhookLog.ID, EventType: rawEventTypeNormalized(event), ErrorMessage: errMessage}, nil
	}

	if r := p.timeoutResult(ctx, deadline, provider, start, &webhookLog.ID); r != nil {
		_ = p.storage.UpdateWebhookLogStatus(ctx, webhookLog.ID, entities.FateParseError, "processing_timeout")
		return r, nil
	}

	result, txID := p.runStage6And7(ctx, provider, webhookLog.ID, event, entities.TriggerWebhook, false)
	result.WebhookLogID = webhookLog.ID
	p.hooks.fireWebhookFate(provider, result.Fate, event.EventType, now().Sub(start).Milliseconds(), txIDPtr(txID))
	return result, nil
}

// runStage6And7 resolves the transaction, attempts the state transition
// under its row lock, and — on success — dispatches. Shared between Process
// (trigger=webhook) and the transaction service's link_unmatched_webhook
// (trigger=late_match).
func (p *Pipeline) runStage6And7(ctx context.Context, provider string, webhookLogID uuid.UUID, event *entities.NormalizedEvent, trigger entities.TriggerType, isReplay bool) (*ProcessingResult, uuid.UUID) {
	tx, err := p.resolveTransaction(ctx, provider, event)
	if err != nil {
		return &ProcessingResult{Fate: entities.FateUnmatched, EventType: event.EventType}, uuid.Nil
	}
	return p.attemptTransition(ctx, provider, webhookLogID, tx.ID, tx.Amount, event, trigger, isReplay)
}

// LinkLateMatch attempts Stage 6/7 with trigger=late_match against an
// already-identified transaction, for the transaction service's
// link_unmatched_webhook (spec §4.5). Unlike runStage6And7, the target
// transaction is given directly rather than resolved from the event.
func (p *Pipeline) LinkLateMatch(ctx context.Context, provider string, webhookLogID uuid.UUID, transactionID uuid.UUID, txAmount int64, event *entities.NormalizedEvent) *ProcessingResult {
	result, _ := p.attemptTransition(ctx, provider, webhookLogID, transactionID, txAmount, event, entities.TriggerLateMatch, false)
	return result
}

func (p *Pipeline) attemptTransition(ctx context.Context, provider string, webhookLogID uuid.UUID, transactionID uuid.UUID, txAmount int64, event *entities.NormalizedEvent, trigger entities.TriggerType, isReplay bool) (*ProcessingResult, uuid.UUID) {
	tx := &entities.Transaction{ID: transactionID, Amount: txAmount}

	target, hasTarget := targetStatus(event.EventType, event, tx.Amount)
	if !hasTarget {
		// refund.pending / refund.failed: dispatch only, no transition.
		p.dispatchEvent(ctx, tx.ID, event, isReplay)
		return &ProcessingResult{Fate: entities.FateProcessed, TransactionID: uuid.NullUUID{UUID: tx.ID, Valid: true}, EventType: event.EventType}, tx.ID
	}

	var rejected bool
	var rejectDetail string
	var fromStatus entities.TransactionStatus

	transitionErr := p.storage.Transition(ctx, tx.ID, func(current *entities.Transaction) (ports.TransitionDecision, error) {
		fromStatus = current.Status
		metadata := map[string]interface{}{
			"signatureValid": true,
			"providerRef":    event.ProviderRef,
			"disputeOutcome": event.DisputeOutcome,
		}
		result := p.machine.Validate(current.Status, target, trigger, metadata)
		if !result.Allowed {
			rejected = true
			rejectDetail = string(result.Reason) + ": " + result.Detail
			rejectMeta, _ := json.Marshal(map[string]string{
				"attemptedTransition": fmt.Sprintf("%s→%s", current.Status, target),
				"reason":              rejectDetail,
			})
			return ports.TransitionDecision{
				Allow: false,
				RejectAudit: &ports.AuditEntry{
					FromStatus:   current.Status,
					ToStatus:     target,
					TriggerType:  trigger,
					WebhookLogID: uuid.NullUUID{UUID: webhookLogID, Valid: true},
					Metadata:     rejectMeta,
				},
			}, nil
		}

		var outbox *ports.CreateOutboxInput
		if p.config.OutboxEnabled {
			payload, _ := json.Marshal(event)
			outbox = &ports.CreateOutboxInput{TransactionID: current.ID, EventType: event.EventType, Payload: payload}
		}

		return ports.TransitionDecision{
			Allow:        true,
			NewStatus:    target,
			Verification: entities.VerificationWebhookOnly,
			Audit: ports.AuditEntry{
				FromStatus:   current.Status,
				ToStatus:     target,
				TriggerType:  trigger,
				WebhookLogID: uuid.NullUUID{UUID: webhookLogID, Valid: true},
			},
			Outbox: outbox,
		}, nil
	})

	if transitionErr != nil {
		return &ProcessingResult{Fate: entities.FateTransitionRejected, TransactionID: uuid.NullUUID{UUID: tx.ID, Valid: true}, EventType: event.EventType, ErrorMessage: transitionErr.Error()}, tx.ID
	}

	if rejected {
		_ = p.storage.UpdateWebhookLogStatus(ctx, webhookLogID, entities.FateTransitionRejected, rejectDetail)
		return &ProcessingResult{Fate: entities.FateTransitionRejected, TransactionID: uuid.NullUUID{UUID: tx.ID, Valid: true}, EventType: event.EventType, ErrorMessage: rejectDetail}, tx.ID
	}

	p.hooks.fireTransition(provider, tx.ID, fromStatus, target, trigger)
	p.dispatchEvent(ctx, tx.ID, event, isReplay)
	return &ProcessingResult{Fate: entities.FateProcessed, TransactionID: uuid.NullUUID{UUID: tx.ID, Valid: true}, EventType: event.EventType}, tx.ID
}

func (p *Pipeline) resolveTransaction(ctx context.Context, provider string, event *entities.NormalizedEvent) (*entities.Transaction, error) {
	if event.ProviderRef != "" {
		tx, err := p.storage.FindTransaction(ctx, ports.TransactionLookup{Provider: provider, ProviderRef: event.ProviderRef})
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, domainerrors.ErrNotFound) {
			return nil, err
		}
	}
	if event.ApplicationRef != "" {
		return p.storage.FindTransaction(ctx, ports.TransactionLookup{ApplicationRef: event.ApplicationRef})
	}
	return nil, domainerrors.ErrNotFound
}

// dispatchEvent runs Stage 7: dispatch strictly after the Stage 6 commit,
// one DispatchLog row per handler outcome, never rolling anything back.
func (p *Pipeline) dispatchEvent(ctx context.Context, transactionID uuid.UUID, event *entities.NormalizedEvent, isReplay bool) {
	if p.dispatcher == nil {
		return
	}
	outcomes := p.dispatcher.Dispatch(ctx, dispatcher.Payload{
		TransactionID: transactionID,
		EventType:     event.EventType,
		Event:         event,
		IsReplay:      isReplay,
	})

	for _, outcome := range outcomes {
		status := entities.DispatchSuccess
		errMsg := ""
		if outcome.Err != nil {
			status = entities.DispatchFailed
			errMsg = outcome.Err.Error()
		}
		_, _ = p.storage.CreateDispatchLog(ctx, ports.CreateDispatchLogInput{
			TransactionID: transactionID,
			EventType:     event.EventType,
			HandlerName:   outcome.HandlerName,
			Status:        status,
			IsReplay:      isReplay,
			ErrorMessage:  errMsg,
		})
		p.hooks.fireDispatchResult(event.EventType, outcome.HandlerName, status, isReplay, errMsg)
	}
}

// timeoutResult checks the caller's deadline at a pipeline yield point. A
// non-nil return means the caller must stop and return it immediately (spec
// §5 "Cancellation and timeouts").
func (p *Pipeline) timeoutResult(ctx context.Context, deadline time.Time, provider string, start time.Time, webhookLogID *uuid.UUID) *ProcessingResult {
	if ctx.Err() == nil && (deadline.IsZero() || now().Before(deadline)) {
		return nil
	}
	result := &ProcessingResult{Fate: entities.FateParseError, ErrorMessage: "processing_timeout"}
	if webhookLogID != nil {
		result.WebhookLogID = *webhookLogID
	}
	p.hooks.fireWebhookFate(provider, entities.FateParseError, "", now().Sub(start).Milliseconds(), nil)
	return result
}

func secretsFor(ctx context.Context, provider string) []string {
	secrets, _ := ctx.Value(secretsContextKey{provider}).([]string)
	return secrets
}

// secretsContextKey is set by the host before calling Process; see
// WithSecrets.
type secretsContextKey struct{ provider string }

// WithSecrets attaches the per-provider secret rotation list (spec §6
// "secrets") to ctx for Process to read during Stage 2.
func WithSecrets(ctx context.Context, provider string, secrets []string) context.Context {
	return context.WithValue(ctx, secretsContextKey{provider}, secrets)
}

func safeVerifySignature(adapter ports.ProviderAdapter, rawBody []byte, headers map[string]string, secrets []string) (valid bool) {
	defer func() {
		if recover() != nil {
			valid = false
		}
	}()
	return adapter.VerifySignature(rawBody, headers, secrets)
}

func safeParsePayload(adapter ports.ProviderAdapter, rawBody []byte) (parsed interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			parsed, err = nil, fmt.Errorf("parse_payload panicked: %v", r)
		}
	}()
	return adapter.ParsePayload(rawBody)
}

func safeNormalize(adapter ports.ProviderAdapter, parsed interface{}) (event *entities.NormalizedEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			event, err = nil, fmt.Errorf("normalize panicked: %v", r)
		}
	}()
	return adapter.Normalize(parsed)
}

// idempotencyKeyFor calls the adapter's own ExtractIdempotencyKey when the
// payload parsed successfully (spec §4.1 extract_idempotency_key). A
// signature or parse failure never reaches the adapter, so those fall back
// to a content hash: retried deliveries of the same malformed body still
// dedupe instead of producing unbounded WebhookLog rows.
func idempotencyKeyFor(adapter ports.ProviderAdapter, rawBody []byte, parsed interface{}) (key string) {
	if parsed != nil {
		defer func() {
			if recover() != nil {
				key = fallbackIdempotencyKey(rawBody)
			}
		}()
		return adapter.ExtractIdempotencyKey(parsed)
	}
	return fallbackIdempotencyKey(rawBody)
}

func fallbackIdempotencyKey(rawBody []byte) string {
	sum := sha256.Sum256(rawBody)
	return "unparsed:" + hex.EncodeToString(sum[:])
}

func rawEventType(event *entities.NormalizedEvent) string {
	if event == nil {
		return ""
	}
	return string(event.EventType)
}

func rawEventTypeNormalized(event *entities.NormalizedEvent) entities.NormalizedEventType {
	if event == nil {
		return ""
	}
	return event.EventType
}

func txIDPtr(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

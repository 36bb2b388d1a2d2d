package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paytruth.engine/internal/domain/entities"
	"paytruth.engine/pkg/logger"
)

// Hooks are the caller-registered, optional, non-failing lifecycle
// callbacks from spec §4.4 "Hooks" and §4.5's on_reconciliation. Every field
// may be nil; fire* helpers below treat a nil hook as a no-op and recover
// from a panicking one so a bad hook can never alter a fate or truth.
type Hooks struct {
	OnWebhookFate func(provider string, status entities.ClaimFate, eventType entities.NormalizedEventType, latencyMs int64, transactionID *uuid.UUID)

	OnTransition func(provider string, transactionID uuid.UUID, from, to entities.TransactionStatus, trigger entities.TriggerType)

	OnDispatchResult func(eventType entities.NormalizedEventType, handlerName string, status entities.DispatchStatus, isReplay bool, errMsg string)

	OnReconciliation func(provider, applicationRef, result string, latencyMs int64)
}

func (h Hooks) fireWebhookFate(provider string, status entities.ClaimFate, eventType entities.NormalizedEventType, latencyMs int64, transactionID *uuid.UUID) {
	if h.OnWebhookFate == nil {
		return
	}
	defer recoverHook("on_webhook_fate")
	h.OnWebhookFate(provider, status, eventType, latencyMs, transactionID)
}

func (h Hooks) fireTransition(provider string, transactionID uuid.UUID, from, to entities.TransactionStatus, trigger entities.TriggerType) {
	if h.OnTransition == nil {
		return
	}
	defer recoverHook("on_transition")
	h.OnTransition(provider, transactionID, from, to, trigger)
}

func (h Hooks) fireDispatchResult(eventType entities.NormalizedEventType, handlerName string, status entities.DispatchStatus, isReplay bool, errMsg string) {
	if h.OnDispatchResult == nil {
		return
	}
	defer recoverHook("on_dispatch_result")
	h.OnDispatchResult(eventType, handlerName, status, isReplay, errMsg)
}

// FireReconciliation invokes OnReconciliation, if set, recovering from any
// panic. Exported for the transaction service's Reconcile to call.
func (h Hooks) FireReconciliation(provider, applicationRef, result string, latencyMs int64) {
	if h.OnReconciliation == nil {
		return
	}
	defer recoverHook("on_reconciliation")
	h.OnReconciliation(provider, applicationRef, result, latencyMs)
}

func recoverHook(name string) {
	if r := recover(); r != nil {
		logger.Error(context.Background(), "hook panicked", zap.String("hook", name), zap.String("panic", fmt.Sprint(r)))
	}
}

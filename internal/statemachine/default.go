package statemachine

import "paytruth.engine/internal/domain/entities"

// webhookRequiresValidSignature rejects any webhook-triggered transition
// whose delivery failed signature verification (spec §4.3 sample guard).
func webhookRequiresValidSignature(ctx Context) (bool, string) {
	if ctx.Trigger != entities.TriggerWebhook {
		return true, ""
	}
	valid, _ := ctx.Metadata["signatureValid"].(bool)
	if !valid {
		return false, "webhook-triggered transition requires signatureValid=true"
	}
	return true, ""
}

// processingRequiresProviderRef rejects entry into processing without a
// provider reference already resolved (spec §4.3 sample guard).
func processingRequiresProviderRef(ctx Context) (bool, string) {
	ref, _ := ctx.Metadata["providerRef"].(string)
	if ref == "" {
		return false, "transition to processing requires metadata.providerRef"
	}
	return true, ""
}

// disputeOutcomeMustMatchTarget rejects a dispute.resolved transition that
// lacks (or disagrees with) the resolved outcome (spec §8 boundary case).
func disputeOutcomeMustMatchTarget(want string) Guard {
	return func(ctx Context) (bool, string) {
		outcome, _ := ctx.Metadata["disputeOutcome"].(string)
		if outcome == "" {
			return false, "dispute.resolved requires metadata.disputeOutcome"
		}
		if outcome != want {
			return false, "metadata.disputeOutcome does not match the attempted transition"
		}
		return true, ""
	}
}

// New builds the state machine described by the spec §4.3 transition table.
// Every call returns a fresh, identical, immutable instance.
func New() *StateMachine {
	const (
		pending           = entities.StatusPending
		processing        = entities.StatusProcessing
		successful        = entities.StatusSuccessful
		failed            = entities.StatusFailed
		abandoned         = entities.StatusAbandoned
		partiallyRefunded = entities.StatusPartiallyRefunded
		refunded          = entities.StatusRefunded
		disputed          = entities.StatusDisputed
		resolvedWon       = entities.StatusResolvedWon
		resolvedLost      = entities.StatusResolvedLost
	)

	allProviderTriggers := []entities.TriggerType{
		entities.TriggerWebhook,
		entities.TriggerAPIVerification,
		entities.TriggerReconciliation,
		entities.TriggerLateMatch,
	}

	return NewBuilder().
		Allow(pending, processing, []entities.TriggerType{entities.TriggerManual}, processingRequiresProviderRef).
		Allow(processing, successful, allProviderTriggers, webhookRequiresValidSignature).
		Allow(processing, failed, allProviderTriggers, webhookRequiresValidSignature).
		Allow(processing, abandoned, []entities.TriggerType{entities.TriggerManual, entities.TriggerReconciliation}).
		Allow(successful, partiallyRefunded, allProviderTriggers[:3], webhookRequiresValidSignature).
		Allow(successful, refunded, allProviderTriggers[:3], webhookRequiresValidSignature).
		Allow(successful, disputed, allProviderTriggers[:3], webhookRequiresValidSignature).
		Allow(partiallyRefunded, refunded, allProviderTriggers[:3], webhookRequiresValidSignature).
		Allow(partiallyRefunded, disputed, allProviderTriggers[:3], webhookRequiresValidSignature).
		Allow(disputed, resolvedWon, allProviderTriggers[:3], webhookRequiresValidSignature, disputeOutcomeMustMatchTarget("won")).
		Allow(disputed, resolvedLost, allProviderTriggers[:3], webhookRequiresValidSignature, disputeOutcomeMustMatchTarget("lost")).
		Build()
}

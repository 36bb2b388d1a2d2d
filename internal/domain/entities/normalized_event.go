package entities

import (
	"encoding/json"
	"time"
)

// NormalizedEvent is the provider-agnostic shape produced by a
// ProviderAdapter's Normalize call (spec §6). It is never persisted
// directly; WebhookLog and the state engine are both derived from it.
type NormalizedEvent struct {
	EventType         NormalizedEventType `json:"eventType"`
	ProviderRef       string              `json:"providerRef"`
	Amount            int64               `json:"amount"`
	Currency          string              `json:"currency"`
	ProviderEventID   string              `json:"providerEventId"`
	ApplicationRef    string              `json:"applicationRef,omitempty"`
	ProviderTimestamp *time.Time          `json:"providerTimestamp,omitempty"`
	CustomerEmail     string              `json:"customerEmail,omitempty"`
	ProviderMetadata  json.RawMessage     `json:"providerMetadata,omitempty"`

	// DisputeOutcome carries the resolved side for dispute.resolved events
	// ("won" or "lost"); Stage 6 reads it to pick resolved_won/resolved_lost.
	DisputeOutcome string `json:"disputeOutcome,omitempty"`
}

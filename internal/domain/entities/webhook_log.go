package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
)

// WebhookLog is the append-only record of one inbound delivery. Every call
// into the ingest pipeline produces exactly one of these rows (spec §3, §4.4).
type WebhookLog struct {
	ID                   uuid.UUID       `json:"id" gorm:"type:uuid;primary_key"`
	Provider             string          `json:"provider" gorm:"not null;uniqueIndex:idx_webhook_provider_event"`
	ProviderEventID      string          `json:"providerEventId" gorm:"not null;uniqueIndex:idx_webhook_provider_event"`
	TransactionID        uuid.NullUUID   `json:"transactionId,omitempty" gorm:"index"`
	EventType            string          `json:"eventType"`
	NormalizedEvent      null.String     `json:"normalizedEvent,omitempty"`
	RawPayload           []byte          `json:"rawPayload,omitempty" gorm:"type:jsonb"`
	Headers              json.RawMessage `json:"headers,omitempty" gorm:"type:jsonb"`
	SignatureValid       bool            `json:"signatureValid"`
	ProcessingStatus     ClaimFate       `json:"processingStatus"`
	ReceivedAt           time.Time       `json:"receivedAt"`
	ProcessingDurationMs int64           `json:"processingDurationMs"`
	ErrorMessage         null.String     `json:"errorMessage,omitempty"`
}

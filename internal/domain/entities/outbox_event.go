package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is written in the same database transaction as a state
// change when outbox mode is enabled (spec §3, §6). The core only ever
// reads it back or marks it processed/failed; draining is the host's job.
type OutboxEvent struct {
	ID            uuid.UUID           `json:"id" gorm:"type:uuid;primary_key"`
	TransactionID uuid.UUID           `json:"transactionId" gorm:"not null;index"`
	EventType     NormalizedEventType `json:"eventType"`
	Payload       json.RawMessage     `json:"payload" gorm:"type:jsonb"`
	Status        OutboxStatus        `json:"status" gorm:"index:idx_outbox_status_created"`
	CreatedAt     time.Time           `json:"createdAt" gorm:"index:idx_outbox_status_created"`
	ProcessedAt   *time.Time          `json:"processedAt,omitempty"`
}

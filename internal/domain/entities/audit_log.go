package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
)

// AuditLog is the append-only record of one state transition or
// reconciliation attempt. Never updated, never deleted (spec §3).
type AuditLog struct {
	ID                    uuid.UUID       `json:"id" gorm:"type:uuid;primary_key"`
	TransactionID         uuid.UUID       `json:"transactionId" gorm:"not null;index"`
	FromStatus            TransactionStatus `json:"fromStatus"`
	ToStatus              TransactionStatus `json:"toStatus"`
	TriggerType           TriggerType     `json:"triggerType"`
	WebhookLogID          uuid.NullUUID   `json:"webhookLogId,omitempty"`
	ReconciliationResult  null.String     `json:"reconciliationResult,omitempty"`
	Metadata              json.RawMessage `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt             time.Time       `json:"createdAt"`
}

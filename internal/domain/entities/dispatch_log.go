package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
)

// DispatchLog is the append-only record of one handler invocation. A
// handler failure here never rolls back the Transaction/AuditLog writes
// that preceded it (spec §3, §4.4 Stage 7).
type DispatchLog struct {
	ID            uuid.UUID           `json:"id" gorm:"type:uuid;primary_key"`
	TransactionID uuid.UUID           `json:"transactionId" gorm:"not null;index"`
	EventType     NormalizedEventType `json:"eventType"`
	HandlerName   string              `json:"handlerName"`
	Status        DispatchStatus      `json:"status"`
	IsReplay      bool                `json:"isReplay"`
	ErrorMessage  null.String         `json:"errorMessage,omitempty"`
	DispatchedAt  time.Time           `json:"dispatchedAt"`
}

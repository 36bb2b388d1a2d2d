package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
)

// Transaction is the mutable head record of one payment attempt (spec §3).
// Status may only change through the state engine; ProviderRef is set at
// most once, in the pending -> processing transition.
type Transaction struct {
	ID                 uuid.UUID           `json:"id" gorm:"type:uuid;primary_key"`
	ApplicationRef     string              `json:"applicationRef" gorm:"uniqueIndex;not null"`
	ProviderRef        null.String         `json:"providerRef,omitempty"`
	Provider           string              `json:"provider" gorm:"not null"`
	Status             TransactionStatus   `json:"status" gorm:"not null"`
	Amount             int64               `json:"amount"`
	Currency           string              `json:"currency"`
	VerificationMethod VerificationMethod  `json:"verificationMethod"`
	Metadata           json.RawMessage     `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	ProviderCreatedAt  *time.Time          `json:"providerCreatedAt,omitempty"`
}

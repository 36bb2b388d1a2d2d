package pipeline

import (
	"github.com/google/uuid"

	"paytruth.engine/internal/domain/entities"
)

// ProcessingResult is the single return value of Process: one of the seven
// closed-set claim fates plus whichever identifiers that fate produced.
type ProcessingResult struct {
	Fate          entities.ClaimFate
	WebhookLogID  uuid.UUID
	TransactionID uuid.NullUUID
	EventType     entities.NormalizedEventType
	ErrorMessage  string
}

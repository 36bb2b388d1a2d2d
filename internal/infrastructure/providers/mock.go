package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"paytruth.engine/internal/domain/entities"
)

// mockPayload is the test provider's wire shape: a flat JSON object naming
// every field the engine needs, so pipeline and service tests can build
// fixtures without a real provider's envelope.
type mockPayload struct {
	EventType       string          `json:"event_type"`
	ProviderEventID string          `json:"provider_event_id"`
	ProviderRef     string          `json:"provider_ref"`
	ApplicationRef  string          `json:"application_ref,omitempty"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	DisputeOutcome  string          `json:"dispute_outcome,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// SignatureHeader is the header the Mock adapter reads its HMAC tag from.
const SignatureHeader = "X-Mock-Signature"

// Mock is a ProviderAdapter used by tests and local development. It signs
// with plain HMAC-SHA256 over the raw body, hex encoded, same shape as the
// teacher's hmacSha256Hex helper in api_key_usecase.go.
type Mock struct{}

// NewMock returns the mock provider adapter. It carries no state.
func NewMock() Mock { return Mock{} }

func (Mock) Name() string { return "mock" }

func (Mock) VerifySignature(rawBody []byte, headers map[string]string, secrets []string) bool {
	return verifyHMACHeader(rawBody, headers[SignatureHeader], secrets)
}

func (Mock) ParsePayload(rawBody []byte) (interface{}, error) {
	var p mockPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, fmt.Errorf("mock: malformed payload: %w", err)
	}
	if p.EventType == "" || p.ProviderEventID == "" {
		return nil, fmt.Errorf("mock: missing required fields")
	}
	return &p, nil
}

func (Mock) Normalize(parsed interface{}) (*entities.NormalizedEvent, error) {
	p, ok := parsed.(*mockPayload)
	if !ok {
		return nil, fmt.Errorf("mock: normalize called with non-mock payload %T", parsed)
	}

	eventType, ok := mockEventTypes[p.EventType]
	if !ok {
		return nil, fmt.Errorf("mock: unrecognized event_type %q", p.EventType)
	}

	return &entities.NormalizedEvent{
		EventType:        eventType,
		ProviderRef:      p.ProviderRef,
		Amount:           p.Amount,
		Currency:         p.Currency,
		ProviderEventID:  p.ProviderEventID,
		ApplicationRef:   p.ApplicationRef,
		CustomerEmail:    p.CustomerEmail,
		DisputeOutcome:   p.DisputeOutcome,
		ProviderMetadata: p.Metadata,
	}, nil
}

var mockEventTypes = map[string]entities.NormalizedEventType{
	"payment.successful": entities.EventPaymentSuccessful,
	"payment.failed":      entities.EventPaymentFailed,
	"payment.abandoned":   entities.EventPaymentAbandoned,
	"refund.successful":   entities.EventRefundSuccessful,
	"refund.failed":       entities.EventRefundFailed,
	"refund.pending":       entities.EventRefundPending,
	"charge.disputed":      entities.EventChargeDisputed,
	"dispute.resolved":     entities.EventDisputeResolved,
}

func (Mock) ExtractIdempotencyKey(parsed interface{}) string {
	p, ok := parsed.(*mockPayload)
	if !ok {
		return ""
	}
	return p.EventType + ":" + p.ProviderEventID
}

func (Mock) ExtractReferences(parsed interface{}) (providerRef string, applicationRef string) {
	p, ok := parsed.(*mockPayload)
	if !ok {
		return "", ""
	}
	return p.ProviderRef, p.ApplicationRef
}

// verifyHMACHeader computes hex(hmac_sha256(secret, rawBody)) for every
// candidate secret and constant-time-compares against signature. Any single
// match succeeds, supporting secret rotation (spec §6 "secrets" config,
// §4.1 "tries secrets in order").
func verifyHMACHeader(rawBody []byte, signature string, secrets []string) bool {
	if signature == "" {
		return false
	}
	sig := []byte(signature)
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(rawBody)
		expected := []byte(hex.EncodeToString(mac.Sum(nil)))
		if hmac.Equal(expected, sig) {
			return true
		}
	}
	return false
}

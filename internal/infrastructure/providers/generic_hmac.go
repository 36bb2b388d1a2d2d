package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"paytruth.engine/internal/domain/entities"
)

// genericPayload is the flat wire shape GenericHMAC expects. Real provider
// adapters (Stripe-, Paystack-, Flutterwave-shaped) map their own envelope
// into this before normalization; for a provider whose webhook body is
// already this flat shape, GenericHMAC needs no translation layer at all.
type genericPayload struct {
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

// SignatureScheme selects how GenericHMAC reads a signature off the
// request headers.
type SignatureScheme int

const (
	// SchemePlainHeader reads hex(hmac_sha256(secret, rawBody)) straight out
	// of the configured header, matching the teacher's
	// X-Signature/hmacSha256Hex convention in dual_auth.go.
	SchemePlainHeader SignatureScheme = iota

	// SchemeTimestampedHeader reads a "t=<unix>,v1=<hex>" header (the
	// Stripe-style convention) and signs "<t>.<rawBody>" instead of the raw
	// body alone, so a captured signature cannot be replayed indefinitely.
	SchemeTimestampedHeader
)

// GenericHMAC is a reusable ProviderAdapter for any provider whose webhook
// body matches genericPayload and whose signature is either a plain HMAC
// header or a timestamped one. It tries every configured secret in order
// with hmac.Equal, grounded on the teacher's dual_auth.go /
// api_key_usecase.go ValidateSignatureForJWT secret-rotation loop.
type GenericHMAC struct {
	name          string
	headerName    string
	scheme        SignatureScheme
	eventTypeMap  map[string]entities.NormalizedEventType
}

// NewGenericHMAC builds a GenericHMAC adapter named name, reading its
// signature from headerName using scheme. eventTypeMap maps the provider's
// own event_type strings onto the closed NormalizedEventType set; a nil map
// falls back to the same vocabulary the Mock adapter uses.
func NewGenericHMAC(name, headerName string, scheme SignatureScheme, eventTypeMap map[string]entities.NormalizedEventType) GenericHMAC {
	if eventTypeMap == nil {
		eventTypeMap = mockEventTypes
	}
	return GenericHMAC{name: name, headerName: headerName, scheme: scheme, eventTypeMap: eventTypeMap}
}

func (g GenericHMAC) Name() string { return g.name }

func (g GenericHMAC) VerifySignature(rawBody []byte, headers map[string]string, secrets []string) bool {
	header := headers[g.headerName]
	if header == "" {
		return false
	}

	switch g.scheme {
	case SchemeTimestampedHeader:
		return g.verifyTimestamped(rawBody, header, secrets)
	default:
		return verifyHMACHeader(rawBody, header, secrets)
	}
}

// verifyTimestamped parses "t=<unix>,v1=<hex>[,v1=<hex>...]" and checks each
// v1 tag against hmac_sha256(secret, "<t>.<rawBody>") for every secret.
func (g GenericHMAC) verifyTimestamped(rawBody []byte, header string, secrets []string) bool {
	var timestamp string
	var tags []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			tags = append(tags, kv[1])
		}
	}
	if timestamp == "" || len(tags) == 0 {
		return false
	}
	if _, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
		return false
	}

	signed := []byte(timestamp + "." + string(rawBody))
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(signed)
		expected := hex.EncodeToString(mac.Sum(nil))
		for _, tag := range tags {
			if hmac.Equal([]byte(expected), []byte(tag)) {
				return true
			}
		}
	}
	return false
}

func (g GenericHMAC) ParsePayload(rawBody []byte) (interface{}, error) {
	var p genericPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, fmt.Errorf("%s: malformed payload: %w", g.name, err)
	}
	if p.EventType == "" || p.ProviderEventID == "" {
		return nil, fmt.Errorf("%s: missing required fields", g.name)
	}
	return &p, nil
}

func (g GenericHMAC) Normalize(parsed interface{}) (*entities.NormalizedEvent, error) {
	p, ok := parsed.(*genericPayload)
	if !ok {
		return nil, fmt.Errorf("%s: normalize called with foreign payload %T", g.name, parsed)
	}

	eventType, ok := g.eventTypeMap[p.EventType]
	if !ok {
		return nil, fmt.Errorf("%s: unrecognized event_type %q", g.name, p.EventType)
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

func (g GenericHMAC) ExtractIdempotencyKey(parsed interface{}) string {
	p, ok := parsed.(*genericPayload)
	if !ok {
		return ""
	}
	return p.EventType + ":" + p.ProviderEventID
}

func (g GenericHMAC) ExtractReferences(parsed interface{}) (providerRef string, applicationRef string) {
	p, ok := parsed.(*genericPayload)
	if !ok {
		return "", ""
	}
	return p.ProviderRef, p.ApplicationRef
}

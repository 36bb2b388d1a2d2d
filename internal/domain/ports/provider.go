package ports

import (
	"context"
	"time"

	"paytruth.engine/internal/domain/entities"
)

// ProviderAdapter is the per-provider capability set required by the ingest
// pipeline (spec §4.1). Adapters carry no process-wide mutable state; they
// are values, safe to share across goroutines.
type ProviderAdapter interface {
	// Name identifies the adapter for Stage-1 lookup and for the provider
	// column on every persisted row.
	Name() string

	// VerifySignature tries each secret in order; any single match
	// succeeds. Must use a constant-time comparison and must never panic —
	// an adapter that would otherwise panic is considered to have returned
	// false.
	VerifySignature(rawBody []byte, headers map[string]string, secrets []string) bool

	// ParsePayload fails, rather than guesses, on malformed input.
	ParsePayload(rawBody []byte) (interface{}, error)

	// Normalize maps parsed provider vocabulary onto the closed
	// NormalizedEvent schema (spec §6), dropping nothing: provider-specific
	// fields belong in NormalizedEvent.ProviderMetadata.
	Normalize(parsed interface{}) (*entities.NormalizedEvent, error)

	// ExtractIdempotencyKey must be deterministic and unique per logical
	// provider event.
	ExtractIdempotencyKey(parsed interface{}) string

	// ExtractReferences returns the provider-chosen reference and, on a
	// best-effort basis, the host-chosen application reference.
	ExtractReferences(parsed interface{}) (providerRef string, applicationRef string)
}

// ProviderStatus is the provider-side status snapshot returned by the
// optional VerifyWithProvider call.
type ProviderStatus struct {
	Status         entities.TransactionStatus
	RefundAmount   int64
	DisputeOutcome string
}

// ProviderVerifier is implemented by adapters that support a provider-side
// verification API call (spec §4.1 optional verify_with_provider). Checked
// with a type assertion since it is optional.
type ProviderVerifier interface {
	// VerifyWithProvider must not panic on network errors: it returns a nil
	// snapshot and a non-nil error instead, and must respect ctx's deadline.
	VerifyWithProvider(ctx context.Context, providerRef string, timeout time.Duration) (*ProviderStatus, error)
}

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"paytruth.engine/internal/domain/entities"
	"paytruth.engine/internal/domain/ports"
	"paytruth.engine/internal/infrastructure/blockchain"
)

// evmPayload is the on-chain settlement notification shape: a relayer or
// bridge service posts this once a transaction lands, still HMAC-signed
// like any other provider per spec §6's "secrets" configuration.
type evmPayload struct {
	EventType       string          `json:"event_type"`
	ProviderEventID string          `json:"provider_event_id"`
	TxHash          string          `json:"tx_hash"`
	ApplicationRef  string          `json:"application_ref,omitempty"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// evmSignatureHeader carries the HMAC tag, same convention as Mock/GenericHMAC.
const evmSignatureHeader = "X-EVM-Signature"

// getTransactionReceipt is a hook variable so tests can drive VerifyWithProvider
// without a live RPC endpoint, matching the teacher's dialEVMClient/
// getClientChainID hook-variable convention in evm_client.go.
var getTransactionReceipt = func(c *blockchain.EVMClient, ctx context.Context, txHash string) (*gethtypes.Receipt, error) {
	return c.GetTransactionReceipt(ctx, txHash)
}

// EVM is the ProviderAdapter for on-chain settlement notifications. Its
// VerifyWithProvider dials the configured RPC and checks the transaction
// receipt status, repurposing the teacher's EVMClient/ClientFactory.
type EVM struct {
	rpcURL  string
	factory *blockchain.ClientFactory
}

// NewEVM builds an EVM adapter that verifies against the chain reachable at
// rpcURL through factory. factory is shared across adapters/RPC URLs so
// repeated VerifyWithProvider calls reuse one dialed client.
func NewEVM(rpcURL string, factory *blockchain.ClientFactory) EVM {
	return EVM{rpcURL: rpcURL, factory: factory}
}

func (EVM) Name() string { return "evm" }

func (EVM) VerifySignature(rawBody []byte, headers map[string]string, secrets []string) bool {
	return verifyHMACHeader(rawBody, headers[evmSignatureHeader], secrets)
}

func (EVM) ParsePayload(rawBody []byte) (interface{}, error) {
	var p evmPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, fmt.Errorf("evm: malformed payload: %w", err)
	}
	if p.EventType == "" || p.TxHash == "" {
		return nil, fmt.Errorf("evm: missing required fields")
	}
	return &p, nil
}

func (EVM) Normalize(parsed interface{}) (*entities.NormalizedEvent, error) {
	p, ok := parsed.(*evmPayload)
	if !ok {
		return nil, fmt.Errorf("evm: normalize called with non-evm payload %T", parsed)
	}

	eventType, ok := mockEventTypes[p.EventType]
	if !ok {
		return nil, fmt.Errorf("evm: unrecognized event_type %q", p.EventType)
	}

	providerEventID := p.ProviderEventID
	if providerEventID == "" {
		providerEventID = p.TxHash
	}

	return &entities.NormalizedEvent{
		EventType:        eventType,
		ProviderRef:      p.TxHash,
		Amount:           p.Amount,
		Currency:         p.Currency,
		ProviderEventID:  providerEventID,
		ApplicationRef:   p.ApplicationRef,
		ProviderMetadata: p.Metadata,
	}, nil
}

func (EVM) ExtractIdempotencyKey(parsed interface{}) string {
	p, ok := parsed.(*evmPayload)
	if !ok {
		return ""
	}
	id := p.ProviderEventID
	if id == "" {
		id = p.TxHash
	}
	return p.EventType + ":" + id
}

func (EVM) ExtractReferences(parsed interface{}) (providerRef string, applicationRef string) {
	p, ok := parsed.(*evmPayload)
	if !ok {
		return "", ""
	}
	return p.TxHash, p.ApplicationRef
}

// VerifyWithProvider dials the chain and inspects the transaction receipt
// for providerRef (a transaction hash). A successful (status==1) receipt
// maps to StatusSuccessful; a reverted one (status==0) maps to StatusFailed.
// Network errors and a respected ctx/timeout are non-fatal: they return a
// nil snapshot and an error, never a panic (spec §4.1).
func (e EVM) VerifyWithProvider(ctx context.Context, providerRef string, timeout time.Duration) (*ports.ProviderStatus, error) {
	if e.factory == nil {
		return nil, fmt.Errorf("evm: no client factory configured")
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := e.factory.GetEVMClient(e.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", e.rpcURL, err)
	}

	receipt, err := getTransactionReceipt(client, callCtx, providerRef)
	if err != nil {
		return nil, fmt.Errorf("evm: fetch receipt for %s: %w", providerRef, err)
	}

	status := entities.StatusFailed
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		status = entities.StatusSuccessful
	}

	return &ports.ProviderStatus{Status: status}, nil
}

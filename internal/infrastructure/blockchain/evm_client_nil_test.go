package blockchain

import (
	"context"
	"math/big"
	"testing"
)

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic, got nil")
		}
	}()
	fn()
}

func TestEVMClient_GetTransactionReceipt_PanicsWhenClientNil(t *testing.T) {
	c := &EVMClient{client: nil, chainID: big.NewInt(1), rpcURL: "http://unused"}
	expectPanic(t, func() {
		_, _ = c.GetTransactionReceipt(context.Background(), "0x1111111111111111111111111111111111111111111111111111111111111111")
	})

	// Close is intentionally no-op when underlying client is nil.
	c.Close()
}

package blockchain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMClient dials an EVM-compatible chain's RPC endpoint and fetches
// transaction receipts. It backs the evm provider adapter's
// VerifyWithProvider call, the only on-chain query the engine needs.
type EVMClient struct {
	client  *ethclient.Client
	chainID *big.Int
	rpcURL  string
}

// dialEVMClient and getClientChainID are hook variables so tests can drive
// NewEVMClient's success path without a live RPC endpoint.
var (
	dialEVMClient    = ethclient.Dial
	getClientChainID = func(c *ethclient.Client, ctx context.Context) (*big.Int, error) { return c.ChainID(ctx) }
)

// NewEVMClient creates a new EVM client.
func NewEVMClient(rpcURL string) (*EVMClient, error) {
	client, err := dialEVMClient(rpcURL)
	if err != nil {
		return nil, err
	}

	chainID, err := getClientChainID(client, context.Background())
	if err != nil {
		return nil, err
	}

	return &EVMClient{
		client:  client,
		chainID: chainID,
		rpcURL:  rpcURL,
	}, nil
}

// NewEVMClientWithChainID builds a client carrying a fixed chain ID and no
// live RPC connection, letting tests and ClientFactory.RegisterEVMClient
// inject a pre-resolved client without dialing out.
func NewEVMClientWithChainID(chainID *big.Int) *EVMClient {
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	return &EVMClient{chainID: chainID}
}

// ChainID returns the chain ID.
func (c *EVMClient) ChainID() *big.Int {
	return c.chainID
}

// GetTransactionReceipt gets transaction receipt.
func (c *EVMClient) GetTransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	return c.client.TransactionReceipt(ctx, hash)
}

// Close closes the client connection. No-op when the client was built via
// NewEVMClientWithChainID or when dialing never succeeded.
func (c *EVMClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

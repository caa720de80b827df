package submitter

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultGasLimit is the fixed gas ceiling applied to every call.
// It is not estimated, so underfunded wallets fail at broadcast even for cheap calls.
const DefaultGasLimit uint64 = 2_000_000

// ChainClient is the subset of ethclient.Client the submitter depends on
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type TxSubmitter interface {
	// Submit signs and broadcasts the call described by req, then blocks until it is mined
	Submit(ctx context.Context, req CallRequest, signingKey string) (*Receipt, error)
}

// Config controls gas and confirmation behaviour
type Config struct {
	GasLimit            uint64        // Gas ceiling; used as-is unless EstimateGas is set
	EstimateGas         bool          // Estimate gas and cap it at GasLimit
	GasBufferPercent    uint64        // Added on top of the estimate
	ConfirmationTimeout time.Duration // How long to wait for a receipt
	PollInterval        time.Duration // Delay between receipt lookups
}

// DefaultConfig returns the fixed-gas configuration
func DefaultConfig() Config {
	return Config{
		GasLimit:            DefaultGasLimit,
		EstimateGas:         false,
		GasBufferPercent:    20,
		ConfirmationTimeout: 2 * time.Minute,
		PollInterval:        2 * time.Second,
	}
}

// CallRequest describes one contract function call
type CallRequest struct {
	Target string // Contract address (hex)
	Sender string // Address paying for and signing the transaction (hex)
	Method string // ABI method name
	Args   []any  // Arguments in ABI order
}

// Envelope is the unsigned transaction built for a request
type Envelope struct {
	From     common.Address
	To       common.Address
	GasLimit uint64
	GasPrice *big.Int
	Nonce    uint64
	ChainID  *big.Int
	Data     []byte
}

func (e Envelope) transaction() *types.Transaction {
	to := e.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    e.Nonce,
		GasPrice: e.GasPrice,
		Gas:      e.GasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     e.Data,
	})
}

// Receipt is the confirmed outcome of a submitted call
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber *big.Int
	BlockHash   common.Hash
	GasUsed     uint64
	Envelope    Envelope
}

// Succeeded reports whether the transaction executed without reverting
func (r *Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

func newReceipt(r *types.Receipt, env Envelope) *Receipt {
	return &Receipt{
		TxHash:      r.TxHash,
		Status:      r.Status,
		BlockNumber: r.BlockNumber,
		BlockHash:   r.BlockHash,
		GasUsed:     r.GasUsed,
		Envelope:    env,
	}
}

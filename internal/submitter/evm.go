package submitter

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/iris-agents/dispatcher/internal/clients"
)

var _ TxSubmitter = (*EVMSubmitter)(nil)

// EVMSubmitter handles submission of contract calls to EVM-compatible chains
type EVMSubmitter struct {
	client ChainClient
	abi    abi.ABI
	config Config
	logger *zap.Logger
}

// NewEVMSubmitter creates a new EVM submitter instance. Zero values in config fall back to DefaultConfig.
func NewEVMSubmitter(logger *zap.Logger, client ChainClient, contractABI abi.ABI, config Config) *EVMSubmitter {
	defaults := DefaultConfig()
	if config.GasLimit == 0 {
		config.GasLimit = defaults.GasLimit
	}
	if config.ConfirmationTimeout <= 0 {
		config.ConfirmationTimeout = defaults.ConfirmationTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}

	return &EVMSubmitter{
		client: client,
		abi:    contractABI,
		config: config,
		logger: logger.With(zap.String("component", "EVMSubmitter")),
	}
}

// Submit encodes, signs and broadcasts req, then waits for its receipt.
// Every failure is logged here and returned as a *SubmissionError.
func (s *EVMSubmitter) Submit(ctx context.Context, req CallRequest, signingKey string) (*Receipt, error) {
	logger := s.logger.With(
		zap.String("targetContract", req.Target),
		zap.String("fromAddress", req.Sender),
		zap.String("method", req.Method))

	logger.Info("Submitting contract call", zap.Int("argCount", len(req.Args)))

	receipt, err := s.submit(ctx, logger, req, signingKey)
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		var subErr *SubmissionError
		if errors.As(err, &subErr) {
			fields = append(fields,
				zap.String("stage", string(subErr.Stage)),
				zap.Stringer("kind", subErr.Kind),
				zap.String("txHash", subErr.TxHash))
		}
		logger.Error("Failed to submit contract call", fields...)
		return nil, err
	}

	logger.Info("Contract call confirmed",
		zap.String("txHash", receipt.TxHash.Hex()),
		zap.String("blockNumber", receipt.BlockNumber.String()),
		zap.Uint64("gasUsed", receipt.GasUsed))

	return receipt, nil
}

func (s *EVMSubmitter) submit(ctx context.Context, logger *zap.Logger, req CallRequest, signingKey string) (*Receipt, error) {
	fail := func(kind Kind, stage Stage, txHash string, err error) error {
		if stage != StageValidate && stage != StageEncode && errors.Is(ctx.Err(), context.Canceled) {
			kind = KindCanceled
		}
		return &SubmissionError{Kind: kind, Stage: stage, Target: req.Target, TxHash: txHash, Err: err}
	}

	if !common.IsHexAddress(req.Target) {
		return nil, fail(KindInvalidAddress, StageValidate, "", fmt.Errorf("malformed target address %q", req.Target))
	}
	if !common.IsHexAddress(req.Sender) {
		return nil, fail(KindInvalidAddress, StageValidate, "", fmt.Errorf("malformed sender address %q", req.Sender))
	}

	env := Envelope{
		From: common.HexToAddress(req.Sender),
		To:   common.HexToAddress(req.Target),
	}

	method, ok := s.abi.Methods[req.Method]
	if !ok {
		return nil, fail(KindInvalidArguments, StageEncode, "", fmt.Errorf("method %q not found in ABI", req.Method))
	}
	data, err := s.abi.Pack(req.Method, callArgs(method, env.From, req.Args)...)
	if err != nil {
		return nil, fail(KindInvalidArguments, StageEncode, "", errors.Wrap(err, "ABI pack error"))
	}
	env.Data = data

	// Get the latest nonce for the sender
	env.Nonce, err = s.client.PendingNonceAt(ctx, env.From)
	if err != nil {
		return nil, fail(KindClientUnavailable, StageFetchNonce, "", errors.Wrap(err, "failed to get nonce"))
	}

	env.GasPrice, err = s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fail(KindClientUnavailable, StageFetchGasPrice, "", errors.Wrap(err, "failed to get gas price"))
	}

	env.ChainID, err = s.client.ChainID(ctx)
	if err != nil {
		return nil, fail(KindClientUnavailable, StageFetchChainID, "", errors.Wrap(err, "failed to get chain ID"))
	}

	env.GasLimit = s.gasLimit(ctx, logger, env)

	logger.Debug("Transaction envelope built",
		zap.Uint64("nonce", env.Nonce),
		zap.String("gasPrice", env.GasPrice.String()),
		zap.Uint64("gasLimit", env.GasLimit),
		zap.String("chainID", env.ChainID.String()),
		zap.Int("dataLength", len(env.Data)))

	signedTx, err := s.sign(env, signingKey)
	if err != nil {
		return nil, fail(KindSigningError, StageSign, "", err)
	}
	txHash := signedTx.Hash()

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fail(KindBroadcastError, StageBroadcast, txHash.Hex(), errors.Wrap(err, "failed to send transaction"))
	}

	logger.Info("Transaction sent", zap.String("txHash", txHash.Hex()))
	logger.Info("Waiting for transaction confirmation",
		zap.String("txHash", txHash.Hex()),
		zap.Duration("timeout", s.config.ConfirmationTimeout))

	waitStart := time.Now()
	receipt, err := s.waitForReceipt(ctx, logger, txHash)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			waited := time.Since(waitStart).Round(time.Millisecond)
			if ctx.Err() != nil {
				return nil, fail(KindConfirmationTimeout, StageConfirm, txHash.Hex(),
					fmt.Errorf("caller deadline reached after %s without a receipt, transaction can still be mined: %w", waited, err))
			}
			return nil, fail(KindConfirmationTimeout, StageConfirm, txHash.Hex(),
				fmt.Errorf("no receipt after %s, transaction can still be mined: %w", waited, err))
		default:
			return nil, fail(KindClientUnavailable, StageConfirm, txHash.Hex(), errors.Wrap(err, "error retrieving receipt"))
		}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fail(KindConfirmationReverted, StageConfirm, txHash.Hex(),
			fmt.Errorf("transaction reverted in block %s", receipt.BlockNumber))
	}

	return newReceipt(receipt, env), nil
}

// callArgs lines args up with the inputs of method. A method whose leading
// input is an address may be called without it; the sender fills that slot.
// Go integers bound for inputs wider than 64 bits are converted to *big.Int.
func callArgs(method abi.Method, sender common.Address, args []any) []any {
	inputs := method.Inputs
	if len(inputs) > 0 && len(args) == len(inputs)-1 && inputs[0].Type.T == abi.AddressTy {
		args = append([]any{sender}, args...)
	}
	if len(args) != len(inputs) {
		return args
	}

	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = arg
		typ := inputs[i].Type
		if (typ.T != abi.UintTy && typ.T != abi.IntTy) || typ.Size <= 64 {
			continue
		}
		switch v := arg.(type) {
		case int:
			if v >= 0 || typ.T == abi.IntTy {
				out[i] = big.NewInt(int64(v))
			}
		case int64:
			if v >= 0 || typ.T == abi.IntTy {
				out[i] = big.NewInt(v)
			}
		case uint:
			out[i] = new(big.Int).SetUint64(uint64(v))
		case uint64:
			out[i] = new(big.Int).SetUint64(v)
		}
	}
	return out
}

// gasLimit returns the configured ceiling, or a buffered estimate capped at it
func (s *EVMSubmitter) gasLimit(ctx context.Context, logger *zap.Logger, env Envelope) uint64 {
	if !s.config.EstimateGas {
		return s.config.GasLimit
	}

	to := env.To
	estimate, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     env.From,
		To:       &to,
		GasPrice: env.GasPrice,
		Data:     env.Data,
	})
	if err != nil {
		logger.Warn("Failed to estimate gas, using gas limit ceiling",
			zap.Uint64("gasLimit", s.config.GasLimit),
			zap.Error(err))
		return s.config.GasLimit
	}

	limit := estimate + estimate*s.config.GasBufferPercent/100
	if limit > s.config.GasLimit {
		logger.Warn("Gas estimate exceeds ceiling",
			zap.Uint64("estimate", estimate),
			zap.Uint64("gasLimit", s.config.GasLimit))
		return s.config.GasLimit
	}
	return limit
}

// sign parses signingKey, checks it controls env.From and signs the envelope.
// The parsed key only lives for the duration of this call.
func (s *EVMSubmitter) sign(env Envelope, signingKey string) (*types.Transaction, error) {
	privateKey, err := clients.ParsePrivateKey(signingKey)
	if err != nil {
		return nil, err
	}

	keyAddress, err := clients.AddressFromKey(privateKey)
	if err != nil {
		return nil, err
	}
	if keyAddress != env.From {
		return nil, errors.Errorf("signing key controls %s, not sender %s", keyAddress.Hex(), env.From.Hex())
	}

	signedTx, err := types.SignTx(env.transaction(), types.LatestSignerForChainID(env.ChainID), privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transaction")
	}
	return signedTx, nil
}

// waitForReceipt polls for the receipt of txHash until it is mined or the confirmation timeout expires
func (s *EVMSubmitter) waitForReceipt(ctx context.Context, logger *zap.Logger, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			logger.Info("Transaction mined",
				zap.String("txHash", txHash.Hex()),
				zap.Uint64("status", receipt.Status))
			return receipt, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
			logger.Debug("Transaction not yet mined", zap.String("txHash", txHash.Hex()))
		case ctx.Err() != nil:
			// lookup cut short by the deadline, reported below
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			logger.Warn("Transaction monitoring timed out",
				zap.String("txHash", txHash.Hex()),
				zap.Duration("timeout", s.config.ConfirmationTimeout))
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

package submitter

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iris-agents/dispatcher/internal/contract"
)

var targetContract = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB2"

// fakeChainClient records calls and returns canned values
type fakeChainClient struct {
	mu sync.Mutex

	nonce    uint64
	gasPrice *big.Int
	chainID  *big.Int
	estimate uint64

	nonceErr    error
	gasPriceErr error
	chainIDErr  error
	estimateErr error
	sendErr     error

	// receiptStatus is returned once the transaction has been sent; nil means never mined
	receiptStatus *uint64
	receiptErr    error

	calls       int
	sent        *types.Transaction
	lookups     int
	estimateMsg ethereum.CallMsg
}

func newFakeChainClient() *fakeChainClient {
	status := types.ReceiptStatusSuccessful
	return &fakeChainClient{
		nonce:         5,
		gasPrice:      big.NewInt(10),
		chainID:       big.NewInt(1),
		estimate:      50_000,
		receiptStatus: &status,
	}
}

func (f *fakeChainClient) record() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeChainClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.record()
	return f.nonce, f.nonceErr
}

func (f *fakeChainClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	f.record()
	if f.gasPriceErr != nil {
		return nil, f.gasPriceErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeChainClient) ChainID(_ context.Context) (*big.Int, error) {
	f.record()
	if f.chainIDErr != nil {
		return nil, f.chainIDErr
	}
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeChainClient) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.record()
	f.estimateMsg = msg
	return f.estimate, f.estimateErr
}

func (f *fakeChainClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.record()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = tx
	f.mu.Unlock()
	return nil
}

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.record()
	f.mu.Lock()
	f.lookups++
	f.mu.Unlock()

	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receiptStatus == nil || f.sent == nil || f.sent.Hash() != txHash {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		TxHash:      txHash,
		Status:      *f.receiptStatus,
		BlockNumber: big.NewInt(100),
		BlockHash:   common.HexToHash("0xb10c"),
		GasUsed:     21_000,
	}, nil
}

func testKey(t *testing.T) (*ecdsa.PrivateKey, string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, "0x" + hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func testConfig() Config {
	return Config{
		GasLimit:            DefaultGasLimit,
		ConfirmationTimeout: 200 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
	}
}

func newTestSubmitter(t *testing.T, client ChainClient, config Config) *EVMSubmitter {
	t.Helper()
	agentABI, err := contract.AgentABI()
	require.NoError(t, err)
	return NewEVMSubmitter(zap.NewNop(), client, agentABI, config)
}

func requestFor(sender string) CallRequest {
	req := contract.NewRequestData(common.HexToAddress(sender), "payload")
	return CallRequest{
		Target: targetContract,
		Sender: sender,
		Method: contract.RequestDataMethod,
		Args:   req.Args(),
	}
}

func requireKind(t *testing.T, err error, kind Kind) *SubmissionError {
	t.Helper()
	require.Error(t, err)
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr), "expected *SubmissionError, got %T", err)
	require.Equal(t, kind, subErr.Kind, "error: %v", err)
	return subErr
}

func TestSubmitEndToEnd(t *testing.T) {
	client := newFakeChainClient()
	submitter := newTestSubmitter(t, client, testConfig())
	_, key, sender := testKey(t)

	receipt, err := submitter.Submit(context.Background(), requestFor(sender), key)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.True(t, receipt.Succeeded())
	require.Equal(t, client.sent.Hash(), receipt.TxHash)
	require.Equal(t, uint64(100), receipt.BlockNumber.Uint64())

	env := receipt.Envelope
	require.Equal(t, uint64(5), env.Nonce)
	require.Equal(t, uint64(10), env.GasPrice.Uint64())
	require.Equal(t, uint64(1), env.ChainID.Uint64())
	require.Equal(t, DefaultGasLimit, env.GasLimit)
	require.Equal(t, common.HexToAddress(sender), env.From)
	require.Equal(t, common.HexToAddress(targetContract), env.To)

	// the broadcast transaction carries the same values and is signed by the sender
	sent := client.sent
	require.Equal(t, uint64(5), sent.Nonce())
	require.Equal(t, uint64(10), sent.GasPrice().Uint64())
	require.Equal(t, uint64(1), sent.ChainId().Uint64())
	require.Equal(t, DefaultGasLimit, sent.Gas())
	require.Equal(t, env.Data, sent.Data())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), sent)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(sender), from)
}

func TestSubmitImpliesSenderAsUser(t *testing.T) {
	client := newFakeChainClient()
	submitter := newTestSubmitter(t, client, testConfig())
	_, key, sender := testKey(t)

	req := CallRequest{
		Target: targetContract,
		Sender: sender,
		Method: contract.RequestDataMethod,
		Args:   []any{"payload", 20, "payload", []common.Address{}},
	}
	receipt, err := submitter.Submit(context.Background(), req, key)
	require.NoError(t, err)
	require.True(t, receipt.Succeeded())
	require.Equal(t, client.sent.Hash(), receipt.TxHash)
	require.Equal(t, uint64(5), receipt.Envelope.Nonce)
	require.Equal(t, uint64(10), receipt.Envelope.GasPrice.Uint64())
	require.Equal(t, uint64(1), receipt.Envelope.ChainID.Uint64())

	// same calldata as the full argument list with the sender as user
	full, err := submitter.abi.Pack(contract.RequestDataMethod, contract.NewRequestData(common.HexToAddress(sender), "payload").Args()...)
	require.NoError(t, err)
	require.Equal(t, full, client.sent.Data())

	values, err := submitter.abi.Methods[contract.RequestDataMethod].Inputs.Unpack(client.sent.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(sender), values[0])
	require.Equal(t, uint64(20), values[2].(*big.Int).Uint64())
}

func TestSubmitInvalidAddressMakesNoCalls(t *testing.T) {
	_, key, sender := testKey(t)

	cases := []CallRequest{
		{Target: "0xBBB", Sender: sender, Method: contract.RequestDataMethod},
		{Target: "not-an-address", Sender: sender, Method: contract.RequestDataMethod},
		{Target: "", Sender: sender, Method: contract.RequestDataMethod},
		{Target: targetContract, Sender: "0xZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ", Method: contract.RequestDataMethod},
		{Target: targetContract, Sender: "", Method: contract.RequestDataMethod},
	}

	for _, req := range cases {
		client := newFakeChainClient()
		submitter := newTestSubmitter(t, client, testConfig())

		receipt, err := submitter.Submit(context.Background(), req, key)
		require.Nil(t, receipt)
		subErr := requireKind(t, err, KindInvalidAddress)
		require.Equal(t, StageValidate, subErr.Stage)
		require.ErrorIs(t, err, ErrInvalidAddress)
		require.Zero(t, client.calls, "no chain calls expected for %+v", req)
	}
}

func TestSubmitInvalidArguments(t *testing.T) {
	client := newFakeChainClient()
	submitter := newTestSubmitter(t, client, testConfig())
	_, key, sender := testKey(t)

	for _, args := range [][]any{
		{"payload", "twenty", "payload", []common.Address{}},
		{"payload", -1, "payload", []common.Address{}},
		{"payload"},
	} {
		req := requestFor(sender)
		req.Args = args
		_, err := submitter.Submit(context.Background(), req, key)
		requireKind(t, err, KindInvalidArguments)
	}

	req := requestFor(sender)
	req.Method = "unknownMethod"
	_, err := submitter.Submit(context.Background(), req, key)
	requireKind(t, err, KindInvalidArguments)

	require.Zero(t, client.calls)
}

func TestSubmitClientUnavailable(t *testing.T) {
	_, key, sender := testKey(t)
	rpcErr := errors.New("connection refused")

	cases := []struct {
		name  string
		setup func(*fakeChainClient)
		stage Stage
	}{
		{"nonce", func(f *fakeChainClient) { f.nonceErr = rpcErr }, StageFetchNonce},
		{"gas price", func(f *fakeChainClient) { f.gasPriceErr = rpcErr }, StageFetchGasPrice},
		{"chain id", func(f *fakeChainClient) { f.chainIDErr = rpcErr }, StageFetchChainID},
		{"receipt", func(f *fakeChainClient) { f.receiptErr = rpcErr }, StageConfirm},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeChainClient()
			tc.setup(client)
			submitter := newTestSubmitter(t, client, testConfig())

			_, err := submitter.Submit(context.Background(), requestFor(sender), key)
			subErr := requireKind(t, err, KindClientUnavailable)
			require.Equal(t, tc.stage, subErr.Stage)
			require.ErrorIs(t, err, rpcErr)
		})
	}
}

func TestSubmitSigningError(t *testing.T) {
	_, _, sender := testKey(t)
	_, otherKey, _ := testKey(t)

	for _, key := range []string{"", "0xnothex", "0x1234", otherKey} {
		client := newFakeChainClient()
		submitter := newTestSubmitter(t, client, testConfig())

		_, err := submitter.Submit(context.Background(), requestFor(sender), key)
		subErr := requireKind(t, err, KindSigningError)
		require.Equal(t, StageSign, subErr.Stage)
		require.Nil(t, client.sent, "nothing should be broadcast")
	}
}

func TestSubmitBroadcastRejected(t *testing.T) {
	client := newFakeChainClient()
	client.sendErr = errors.New("insufficient funds for gas * price + value")
	submitter := newTestSubmitter(t, client, testConfig())
	_, key, sender := testKey(t)

	receipt, err := submitter.Submit(context.Background(), requestFor(sender), key)
	require.Nil(t, receipt)
	subErr := requireKind(t, err, KindBroadcastError)
	require.Equal(t, StageBroadcast, subErr.Stage)
	require.NotEmpty(t, subErr.TxHash)
	require.ErrorIs(t, err, ErrBroadcast)
	require.Zero(t, client.lookups)
}

func TestSubmitConfirmationTimeout(t *testing.T) {
	client := newFakeChainClient()
	client.receiptStatus = nil
	config := testConfig()
	config.ConfirmationTimeout = 50 * time.Millisecond
	submitter := newTestSubmitter(t, client, config)
	_, key, sender := testKey(t)

	start := time.Now()
	receipt, err := submitter.Submit(context.Background(), requestFor(sender), key)
	require.Nil(t, receipt)
	subErr := requireKind(t, err, KindConfirmationTimeout)
	require.Equal(t, client.sent.Hash().Hex(), subErr.TxHash)
	require.GreaterOrEqual(t, time.Since(start), config.ConfirmationTimeout)
	require.Greater(t, client.lookups, 1)
	require.Contains(t, err.Error(), "no receipt after")
}

func TestSubmitCallerDeadline(t *testing.T) {
	client := newFakeChainClient()
	client.receiptStatus = nil
	config := testConfig()
	config.ConfirmationTimeout = time.Minute
	submitter := newTestSubmitter(t, client, config)
	_, key, sender := testKey(t)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	_, err := submitter.Submit(ctx, requestFor(sender), key)
	requireKind(t, err, KindConfirmationTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "caller deadline reached after")
	require.NotContains(t, err.Error(), config.ConfirmationTimeout.String())
}

func TestSubmitConfirmationReverted(t *testing.T) {
	client := newFakeChainClient()
	failed := types.ReceiptStatusFailed
	client.receiptStatus = &failed
	submitter := newTestSubmitter(t, client, testConfig())
	_, key, sender := testKey(t)

	receipt, err := submitter.Submit(context.Background(), requestFor(sender), key)
	require.Nil(t, receipt)
	subErr := requireKind(t, err, KindConfirmationReverted)
	require.Equal(t, client.sent.Hash().Hex(), subErr.TxHash)
	require.ErrorIs(t, err, ErrConfirmationReverted)
	require.NotErrorIs(t, err, ErrConfirmationTimeout)
}

func TestSubmitCanceled(t *testing.T) {
	client := newFakeChainClient()
	client.receiptStatus = nil
	config := testConfig()
	config.ConfirmationTimeout = time.Minute
	submitter := newTestSubmitter(t, client, config)
	_, key, sender := testKey(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := submitter.Submit(ctx, requestFor(sender), key)
	requireKind(t, err, KindCanceled)
}

func TestSubmitEstimatedGas(t *testing.T) {
	client := newFakeChainClient()
	config := testConfig()
	config.EstimateGas = true
	config.GasBufferPercent = 0
	submitter := newTestSubmitter(t, client, config)
	_, key, sender := testKey(t)

	receipt, err := submitter.Submit(context.Background(), requestFor(sender), key)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), receipt.Envelope.GasLimit)
	require.Equal(t, common.HexToAddress(sender), client.estimateMsg.From)
	require.Equal(t, receipt.Envelope.Data, client.estimateMsg.Data)
}

func TestGasLimit(t *testing.T) {
	logger := zap.NewNop()
	env := Envelope{To: common.HexToAddress(targetContract), GasPrice: big.NewInt(1)}

	client := newFakeChainClient()
	config := testConfig()
	config.EstimateGas = true
	config.GasBufferPercent = 20
	submitter := newTestSubmitter(t, client, config)
	require.Equal(t, uint64(60_000), submitter.gasLimit(context.Background(), logger, env))

	client.estimate = 1_900_000
	require.Equal(t, DefaultGasLimit, submitter.gasLimit(context.Background(), logger, env))

	client.estimateErr = errors.New("execution reverted")
	require.Equal(t, DefaultGasLimit, submitter.gasLimit(context.Background(), logger, env))
}

func TestSubmitLogsFailureContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	client := newFakeChainClient()
	client.sendErr = errors.New("nonce too low")
	agentABI, err := contract.AgentABI()
	require.NoError(t, err)
	submitter := NewEVMSubmitter(zap.New(core), client, agentABI, testConfig())
	_, key, sender := testKey(t)

	_, err = submitter.Submit(context.Background(), requestFor(sender), key)
	require.Error(t, err)

	failures := logs.FilterMessage("Failed to submit contract call").All()
	require.Len(t, failures, 1)
	fields := failures[0].ContextMap()
	require.Equal(t, targetContract, fields["targetContract"])
	require.Equal(t, string(StageBroadcast), fields["stage"])
	require.Equal(t, "BroadcastError", fields["kind"])
	require.Nil(t, client.sent)

	// the signing key never reaches the logs
	for _, entry := range logs.All() {
		for _, value := range entry.ContextMap() {
			if s, ok := value.(string); ok {
				require.NotContains(t, s, key[2:])
			}
		}
	}
}

func TestNewEVMSubmitterDefaults(t *testing.T) {
	submitter := newTestSubmitter(t, newFakeChainClient(), Config{})
	require.Equal(t, DefaultConfig().GasLimit, submitter.config.GasLimit)
	require.Equal(t, DefaultConfig().ConfirmationTimeout, submitter.config.ConfirmationTimeout)
	require.Equal(t, DefaultConfig().PollInterval, submitter.config.PollInterval)
}

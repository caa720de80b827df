package clients

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EVMClient handles interactions with the EVM chain hosting the agent contract.
// It embeds ethclient.Client so it can be handed directly to the submitter and the watcher.
type EVMClient struct {
	*ethclient.Client
	logger *zap.Logger
}

// NewEVMClient connects to an EVM node over HTTP(S) or WebSocket
func NewEVMClient(ctx context.Context, logger *zap.Logger, rpcURL string) (*EVMClient, error) {
	client := &EVMClient{
		logger: logger.With(zap.String("component", "EVMClient")),
	}

	client.logger.Info("Connecting to EVM chain", zap.String("rpcURL", rpcURL))
	ethClient, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to EVM node")
	}

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		ethClient.Close()
		return nil, errors.Wrap(err, "failed to get chain ID")
	}

	client.logger.Info("Connected to EVM chain", zap.String("chainID", chainID.String()))
	client.Client = ethClient
	return client, nil
}

// ParsePrivateKey parses a hex encoded secp256k1 private key, with or without 0x prefix
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, errors.New("private key is empty")
	}

	privateKey, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	return privateKey, nil
}

// AddressFromKey derives the public address for a private key
func AddressFromKey(privateKey *ecdsa.PrivateKey) (common.Address, error) {
	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, errors.New("error casting public key to ECDSA")
	}
	return crypto.PubkeyToAddress(*publicKeyECDSA), nil
}

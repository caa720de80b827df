package watcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/iris-agents/dispatcher/internal/contract"
)

type RequestProcessor interface {
	// ProcessRequest handles one decoded agent request
	ProcessRequest(ctx context.Context, request contract.AgentRequest) error
}

type RequestProcessorConfig struct {
	UserAddress string // Hex user address to filter (empty = no filter)
}

// DefaultRequestProcessor logs every request that passes the user filter
type DefaultRequestProcessor struct {
	config RequestProcessorConfig
	user   *common.Address
	logger *zap.Logger
}

func NewDefaultRequestProcessor(logger *zap.Logger, config RequestProcessorConfig) (*DefaultRequestProcessor, error) {
	processor := &DefaultRequestProcessor{
		config: config,
		logger: logger.With(zap.String("component", "DefaultRequestProcessor")),
	}

	if user := strings.TrimSpace(config.UserAddress); user != "" {
		if !common.IsHexAddress(user) {
			return nil, fmt.Errorf("invalid user address filter: %q", config.UserAddress)
		}
		addr := common.HexToAddress(user)
		processor.user = &addr
	}

	return processor, nil
}

func (p *DefaultRequestProcessor) ProcessRequest(_ context.Context, request contract.AgentRequest) error {
	if p.user != nil && request.User != *p.user {
		p.logger.Debug("Skipping request (not from configured user)",
			zap.String("user", request.User.Hex()),
			zap.String("expectedUser", p.user.Hex()))
		return nil
	}

	hops := make([]string, len(request.Hops))
	for i, hop := range request.Hops {
		hops[i] = hop.Hex()
	}

	maxHops := "0"
	if request.MaxHops != nil {
		maxHops = request.MaxHops.String()
	}

	p.logger.Info("Agent request received",
		zap.String("user", request.User.Hex()),
		zap.String("data", request.Data),
		zap.String("originalData", request.OriginalData),
		zap.String("maxHops", maxHops),
		zap.Strings("hops", hops),
		zap.Uint64("hopsRemaining", request.HopsRemaining()),
		zap.String("txHash", request.TxHash.Hex()),
		zap.Uint64("blockNumber", request.BlockNumber))

	if request.HopsRemaining() == 0 {
		p.logger.Warn("Request hop budget exhausted",
			zap.String("txHash", request.TxHash.Hex()),
			zap.Int("hopCount", len(request.Hops)),
			zap.String("maxHops", maxHops))
	}

	return nil
}

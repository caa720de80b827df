package watcher

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/iris-agents/dispatcher/internal/contract"
)

// LogSubscriber is the subset of ethclient.Client the watcher depends on
type LogSubscriber interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

type Config struct {
	Contract       common.Address
	FromBlock      *big.Int // Replay historical requests from this block before subscribing; nil skips back-fill
	MaxRetries     int
	RetryDelay     time.Duration
	LogChannelSize int
}

func DefaultConfig(contractAddress common.Address) Config {
	return Config{
		Contract:       contractAddress,
		MaxRetries:     5,
		RetryDelay:     5 * time.Second,
		LogChannelSize: 128,
	}
}

// Watcher streams IRISRequestAgentData logs from one agent contract into a RequestProcessor
type Watcher struct {
	client    LogSubscriber
	config    Config
	processor RequestProcessor
	topic     common.Hash
	logger    *zap.Logger
}

// NewWatcher creates a new watcher instance
func NewWatcher(logger *zap.Logger, client LogSubscriber, config Config, processor RequestProcessor) (*Watcher, error) {
	topic, err := contract.RequestAgentDataTopic()
	if err != nil {
		return nil, err
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.LogChannelSize <= 0 {
		config.LogChannelSize = 1
	}

	return &Watcher{
		client:    client,
		config:    config,
		processor: processor,
		topic:     topic,
		logger:    logger.With(zap.String("component", "Watcher")),
	}, nil
}

type logKey struct {
	txHash common.Hash
	index  uint
}

func keyOf(log types.Log) logKey {
	return logKey{txHash: log.TxHash, index: log.Index}
}

func (w *Watcher) query(fromBlock *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: fromBlock,
		Addresses: []common.Address{w.config.Contract},
		Topics:    [][]common.Hash{{w.topic}},
	}
}

// Start subscribes to new requests, back-fills historical ones, then listens until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	// Track in-flight processing so shutdown can drain it
	var wg sync.WaitGroup

	processingCtx, cancelProcessing := context.WithCancel(context.Background())
	defer cancelProcessing()

	process := func(log types.Log) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processLog(processingCtx, log)
		}()
	}

	// Subscribe before back-filling so nothing emitted in between is lost
	logs := make(chan types.Log, w.config.LogChannelSize)
	sub, err := w.subscribe(ctx, logs)
	if err != nil {
		return err
	}

	// Back-filled logs can also arrive on the subscription; they are
	// skipped there until it moves past the last back-filled block
	var backfilled map[logKey]struct{}
	var backfillHead uint64
	if w.config.FromBlock != nil {
		history, err := w.client.FilterLogs(ctx, w.query(w.config.FromBlock))
		if err != nil {
			sub.Unsubscribe()
			return errors.Wrap(err, "failed to back-fill requests")
		}
		w.logger.Info("Back-filling requests",
			zap.String("fromBlock", w.config.FromBlock.String()),
			zap.Int("count", len(history)))

		backfilled = make(map[logKey]struct{}, len(history))
		for _, log := range history {
			backfilled[keyOf(log)] = struct{}{}
			if log.BlockNumber > backfillHead {
				backfillHead = log.BlockNumber
			}
			process(log)
		}
	}

	w.logger.Info("Listening for agent requests", zap.String("contract", w.config.Contract.Hex()))

	shutdown := func() {
		cancelProcessing()
		w.logger.Info("Waiting for all request processing to complete")
		wg.Wait()
		w.logger.Info("Shutdown complete")
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Shutting down watcher")
			sub.Unsubscribe()
			shutdown()
			return nil

		case err := <-sub.Err():
			sub.Unsubscribe()
			w.logger.Warn("Subscription error, resubscribing", zap.Error(err), zap.Duration("retryIn", w.config.RetryDelay))
			select {
			case <-time.After(w.config.RetryDelay):
			case <-ctx.Done():
				shutdown()
				return nil
			}

			sub, err = w.subscribe(ctx, logs)
			if err != nil {
				shutdown()
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "subscribe to request logs after retry")
			}

		case log := <-logs:
			if len(backfilled) > 0 {
				if log.BlockNumber > backfillHead {
					backfilled = nil
				} else if _, seen := backfilled[keyOf(log)]; seen && !log.Removed {
					w.logger.Debug("Skipping back-filled request log",
						zap.String("txHash", log.TxHash.Hex()),
						zap.Uint("logIndex", log.Index))
					continue
				}
			}
			process(log)
		}
	}
}

// subscribe opens the log subscription, retrying up to MaxRetries times
func (w *Watcher) subscribe(ctx context.Context, logs chan<- types.Log) (ethereum.Subscription, error) {
	var lastErr error
	for attempt := 1; attempt <= w.config.MaxRetries; attempt++ {
		sub, err := w.client.SubscribeFilterLogs(ctx, w.query(nil), logs)
		if err == nil {
			return sub, nil
		}
		lastErr = err

		if attempt < w.config.MaxRetries {
			w.logger.Warn("Subscribe attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
				zap.Duration("retryIn", w.config.RetryDelay))

			select {
			case <-time.After(w.config.RetryDelay):
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "context cancelled during retry")
			}
		}
	}

	return nil, errors.Wrapf(lastErr, "failed to subscribe after %d attempts", w.config.MaxRetries)
}

func (w *Watcher) processLog(ctx context.Context, log types.Log) {
	select {
	case <-ctx.Done():
		w.logger.Debug("Processing cancelled for request log")
		return
	default:
	}

	if log.Removed {
		w.logger.Warn("Request log removed by reorg",
			zap.String("txHash", log.TxHash.Hex()),
			zap.Uint64("blockNumber", log.BlockNumber))
		return
	}

	request, err := contract.DecodeRequestAgentData(log)
	if err != nil {
		w.logger.Error("Failed to decode request log", zap.String("txHash", log.TxHash.Hex()), zap.Error(err))
		return
	}

	if err := w.processor.ProcessRequest(ctx, *request); err != nil {
		w.logger.Error("Error processing request", zap.String("txHash", log.TxHash.Hex()), zap.Error(err))
	}
}

package cmd

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/iris-agents/dispatcher/internal/clients"
	"github.com/iris-agents/dispatcher/internal/watcher"
)

const DefaultWSURL = "ws://localhost:8546"

// watchCmd streams agent requests emitted by the contract
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch IRIS agent data requests",
	Long: `Subscribes to IRISRequestAgentData events of the agent contract and logs every request.

A WebSocket RPC endpoint is required for the subscription. Use --from-block to replay
requests that were emitted before the watcher started.`,
	PreRun: func(cmd *cobra.Command, args []string) {
		printBanner()
	},
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String(
		"ws-url",
		DefaultWSURL,
		"WebSocket RPC URL of the EVM chain")

	watchCmd.Flags().String(
		"user",
		"",
		"Only log requests made for this user address")

	watchCmd.Flags().Int64(
		"from-block",
		-1,
		"Replay requests starting at this block (-1 disables replay)")

	viper.BindPFlag("ws_url", watchCmd.Flags().Lookup("ws-url"))
}

type WatchConfig struct {
	WSURL         string   // WebSocket RPC URL
	AgentContract string   // Agent contract emitting requests
	UserAddress   string   // User filter
	FromBlock     *big.Int // Replay start, nil when disabled
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := configureLogging(cmd, args)
	defer logger.Sync()
	logger.Info("Starting IRIS request watcher")

	// Get flags directly from command (viper bindings conflict across commands)
	user, _ := cmd.Flags().GetString("user")
	fromBlock, _ := cmd.Flags().GetInt64("from-block")

	config := WatchConfig{
		WSURL:         viper.GetString("ws_url"),
		AgentContract: viper.GetString("contract"),
		UserAddress:   user,
	}
	if fromBlock >= 0 {
		config.FromBlock = big.NewInt(fromBlock)
	}

	if !common.IsHexAddress(config.AgentContract) {
		return fmt.Errorf("invalid agent contract address: %q", config.AgentContract)
	}

	logger.Info("Configuration",
		zap.String("wsURL", config.WSURL),
		zap.String("agentContract", config.AgentContract),
		zap.String("userFilter", config.UserAddress),
		zap.Int64("fromBlock", fromBlock))

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Info("Received shutdown signal")
		cancel()
	}()

	evmClient, err := clients.NewEVMClient(ctx, logger, config.WSURL)
	if err != nil {
		return fmt.Errorf("failed to create EVM client: %w", err)
	}
	defer evmClient.Close()

	processor, err := watcher.NewDefaultRequestProcessor(logger, watcher.RequestProcessorConfig{
		UserAddress: config.UserAddress,
	})
	if err != nil {
		return err
	}

	watcherConfig := watcher.DefaultConfig(common.HexToAddress(config.AgentContract))
	watcherConfig.FromBlock = config.FromBlock

	requestWatcher, err := watcher.NewWatcher(logger, evmClient, watcherConfig, processor)
	if err != nil {
		return fmt.Errorf("failed to initialize watcher: %w", err)
	}

	if err := requestWatcher.Start(ctx); err != nil {
		return fmt.Errorf("watcher stopped with error: %w", err)
	}

	return nil
}

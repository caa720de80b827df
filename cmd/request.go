package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/iris-agents/dispatcher/internal/clients"
	"github.com/iris-agents/dispatcher/internal/contract"
	"github.com/iris-agents/dispatcher/internal/submitter"
)

const DefaultRPCURL = "http://localhost:8545"

// requestCmd submits one requestData call to the agent contract
var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Submit a data request to an IRIS agent contract",
	Long: `Encodes a requestData call, signs it with the configured wallet and waits for it to be mined.

The wallet address and private key are read from --wallet/--private-key, or from
WALLET_ADDR and WALLET_PKEY (a .env file in the working directory is loaded first).`,
	PreRun: func(cmd *cobra.Command, args []string) {
		printBanner()
	},
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)

	requestCmd.Flags().String(
		"rpc-url",
		DefaultRPCURL,
		"RPC URL of the EVM chain")

	requestCmd.Flags().String(
		"wallet",
		"",
		"Sender wallet address (defaults to WALLET_ADDR)")

	requestCmd.Flags().String(
		"private-key",
		"",
		"Private key of the sender wallet (defaults to WALLET_PKEY)")

	requestCmd.Flags().String(
		"data",
		"",
		"Request payload (required)")

	requestCmd.Flags().String(
		"original",
		"",
		"Original payload (defaults to --data)")

	requestCmd.Flags().String(
		"user",
		"",
		"Address the request is made for (defaults to the wallet)")

	requestCmd.Flags().StringSlice(
		"hops",
		nil,
		"Agent addresses the request already passed through")

	requestCmd.Flags().Uint64(
		"max-hops",
		contract.DefaultMaxHops,
		"Maximum number of agents the request may traverse")

	requestCmd.Flags().Uint64(
		"gas-limit",
		submitter.DefaultGasLimit,
		"Gas limit ceiling")

	requestCmd.Flags().Bool(
		"estimate-gas",
		false,
		"Estimate gas instead of always using the ceiling")

	requestCmd.Flags().Uint64(
		"gas-buffer",
		submitter.DefaultConfig().GasBufferPercent,
		"Percentage added to the gas estimate")

	requestCmd.Flags().Duration(
		"timeout",
		submitter.DefaultConfig().ConfirmationTimeout,
		"How long to wait for the transaction receipt")

	requestCmd.Flags().Duration(
		"poll-interval",
		submitter.DefaultConfig().PollInterval,
		"Delay between receipt lookups")

	requestCmd.MarkFlagRequired("data")

	// Bind flags to viper
	viper.BindPFlag("rpc_url", requestCmd.Flags().Lookup("rpc-url"))
	viper.BindPFlag("wallet", requestCmd.Flags().Lookup("wallet"))
	viper.BindPFlag("private_key", requestCmd.Flags().Lookup("private-key"))
	viper.BindPFlag("gas_limit", requestCmd.Flags().Lookup("gas-limit"))
	viper.BindPFlag("confirmation_timeout", requestCmd.Flags().Lookup("timeout"))
}

type RequestConfig struct {
	RPCURL        string // RPC URL of the EVM chain
	AgentContract string // Agent contract receiving the request
	Wallet        string // Sender address
	PrivateKey    string // Sender private key
	User          string // Address the request is made for
	Data          string
	OriginalData  string
	Hops          []string
	MaxHops       uint64
	Submitter     submitter.Config
}

func loadRequestConfig(cmd *cobra.Command) RequestConfig {
	// Request payload flags are read from the command directly
	data, _ := cmd.Flags().GetString("data")
	original, _ := cmd.Flags().GetString("original")
	user, _ := cmd.Flags().GetString("user")
	hops, _ := cmd.Flags().GetStringSlice("hops")
	maxHops, _ := cmd.Flags().GetUint64("max-hops")
	estimateGas, _ := cmd.Flags().GetBool("estimate-gas")
	gasBuffer, _ := cmd.Flags().GetUint64("gas-buffer")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

	return RequestConfig{
		RPCURL:        viper.GetString("rpc_url"),
		AgentContract: viper.GetString("contract"),
		Wallet:        viper.GetString("wallet"),
		PrivateKey:    viper.GetString("private_key"),
		User:          user,
		Data:          data,
		OriginalData:  original,
		Hops:          hops,
		MaxHops:       maxHops,
		Submitter: submitter.Config{
			GasLimit:            viper.GetUint64("gas_limit"),
			EstimateGas:         estimateGas,
			GasBufferPercent:    gasBuffer,
			ConfirmationTimeout: viper.GetDuration("confirmation_timeout"),
			PollInterval:        pollInterval,
		},
	}
}

// buildCallRequest turns the command configuration into a requestData call
func buildCallRequest(config RequestConfig) (submitter.CallRequest, error) {
	if config.AgentContract == "" {
		return submitter.CallRequest{}, fmt.Errorf("agent contract address is required")
	}
	if config.Wallet == "" {
		return submitter.CallRequest{}, fmt.Errorf("wallet address is required (--wallet or WALLET_ADDR)")
	}
	if !common.IsHexAddress(config.Wallet) {
		return submitter.CallRequest{}, fmt.Errorf("invalid wallet address: %q", config.Wallet)
	}

	user := config.User
	if user == "" {
		user = config.Wallet
	}
	if !common.IsHexAddress(user) {
		return submitter.CallRequest{}, fmt.Errorf("invalid user address: %q", user)
	}

	hops, err := parseHops(config.Hops)
	if err != nil {
		return submitter.CallRequest{}, err
	}

	original := config.OriginalData
	if original == "" {
		original = config.Data
	}

	request := contract.RequestData{
		User:         common.HexToAddress(user),
		Data:         config.Data,
		MaxHops:      config.MaxHops,
		OriginalData: original,
		Hops:         hops,
	}

	return submitter.CallRequest{
		Target: config.AgentContract,
		Sender: config.Wallet,
		Method: contract.RequestDataMethod,
		Args:   request.Args(),
	}, nil
}

func parseHops(values []string) ([]common.Address, error) {
	hops := make([]common.Address, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if !common.IsHexAddress(value) {
			return nil, fmt.Errorf("invalid hop address: %q", value)
		}
		hops = append(hops, common.HexToAddress(value))
	}
	return hops, nil
}

func runRequest(cmd *cobra.Command, args []string) error {
	logger := configureLogging(cmd, args)
	defer logger.Sync()

	config := loadRequestConfig(cmd)
	if config.PrivateKey == "" {
		return fmt.Errorf("private key is required (--private-key or WALLET_PKEY)")
	}

	callRequest, err := buildCallRequest(config)
	if err != nil {
		return err
	}

	logger.Info("Configuration",
		zap.String("rpcURL", config.RPCURL),
		zap.String("agentContract", config.AgentContract),
		zap.String("wallet", config.Wallet),
		zap.Uint64("maxHops", config.MaxHops),
		zap.Int("hopCount", len(config.Hops)),
		zap.Uint64("gasLimit", config.Submitter.GasLimit),
		zap.Bool("estimateGas", config.Submitter.EstimateGas),
		zap.Duration("timeout", config.Submitter.ConfirmationTimeout))

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	evmClient, err := clients.NewEVMClient(dialCtx, logger, config.RPCURL)
	dialCancel()
	if err != nil {
		return fmt.Errorf("failed to create EVM client: %w", err)
	}
	defer evmClient.Close()

	agentABI, err := contract.AgentABI()
	if err != nil {
		return err
	}

	evmSubmitter := submitter.NewEVMSubmitter(logger, evmClient, agentABI, config.Submitter)

	receipt, err := evmSubmitter.Submit(ctx, callRequest, config.PrivateKey)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), receipt.TxHash.Hex())
	return nil
}

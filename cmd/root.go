package cmd

import (
	"fmt"
	"os"
	"strings"

	dotenv "github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "iris-dispatcher",
	Short: "Submit and watch IRIS agent data requests on EVM chains",
}

func init() {
	// Tentatively load .env file
	_ = dotenv.Load()

	rootCmd.PersistentFlags().Bool(
		"debug",
		false,
		"Enables debug output.")

	rootCmd.PersistentFlags().Bool(
		"json",
		false,
		"Enables structured logging in JSON format.")

	rootCmd.PersistentFlags().String(
		"contract",
		"",
		"IRIS agent contract address")

	viper.BindPFlag("contract", rootCmd.PersistentFlags().Lookup("contract"))

	// Wallet secrets keep the names used by the agent deployments
	viper.BindEnv("wallet", "WALLET_ADDR")
	viper.BindEnv("private_key", "WALLET_PKEY")

	cobra.OnInitialize(initConfig)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("iris")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

func printBanner() {
	colours := []string{
		"\033[38;5;213m", // Pink
		"\033[38;5;177m", // Orchid
		"\033[38;5;141m", // Lavender
		"\033[38;5;105m", // Slate Blue
		"\033[38;5;69m",  // Sky Blue
		"\033[38;5;33m",  // Azure
	}
	banner := `
.___ __________.___  _________
|   |\______   \   |/   _____/
|   | |       _/   |\_____  \
|   | |    |   \   |/        \
|___| |____|_  /___/_______  /
             \/            \/
`
	lines := strings.Split(strings.Trim(banner, "\n"), "\n")

	for i, line := range lines {
		fmt.Fprintf(os.Stderr, "%s%s\n", colours[i%len(colours)], line)
	}

	fmt.Fprintln(os.Stderr, "\033[0m") // Reset
}

func configureLogging(cmd *cobra.Command, _ []string) *zap.Logger {
	debug, _ := cmd.Flags().GetBool("debug")
	json, _ := cmd.Flags().GetBool("json")

	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.Development = true
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// Configure JSON output if requested
	if json {
		config.Encoding = "json"
		config.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	} else {
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := config.Build()
	if err != nil {
		// Fallback to a basic logger if config fails
		logger, _ = zap.NewProduction()
	}

	// Replace the global logger
	zap.ReplaceGlobals(logger)

	return logger
}

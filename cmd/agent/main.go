package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"c2dagent/internal/config"
	"c2dagent/internal/logging"
)

var (
	configPath string
	logger     = logging.New(log.New(os.Stderr, "", log.LstdFlags))
)

var rootCmd = &cobra.Command{
	Use:           "agent",
	Short:         "Privacy-attested compute-to-data job agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENT_CONFIG"), "path to the YAML config file")
	rootCmd.AddCommand(newRunCommand(), newServeCommand(), newHistoryCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agent failed: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取全局 --config 指定的配置。
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

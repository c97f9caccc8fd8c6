package main

import (
	"log"
	"time"

	"github.com/absmach/fedsync"
	"github.com/absmach/fedsync/cli"
	"github.com/absmach/fedsync/pkg/sdk"
	"github.com/spf13/cobra"
)

const defTimeout = 30 * time.Second

func main() {
	cfg := fedsync.DefaultConfig()
	var (
		cfgPath         string
		tlsVerification bool
	)

	rootCmd := &cobra.Command{
		Use:   "fedsync-cli",
		Short: "fedsync CLI",
		Long:  `fedsync CLI inspects and drives a federated learning coordinator and prepares client datasets.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgPath != "" {
				if err := loadConfig(cmd, cfgPath, &cfg); err != nil {
					return err
				}
			}
			cli.SetSDK(sdk.NewSDK(sdk.Config{
				CoordinatorURL:  cfg.Coordinator.URL,
				TLSVerification: tlsVerification,
				Timeout:         defTimeout,
			}))

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Experiment TOML file")
	rootCmd.PersistentFlags().StringVarP(&cfg.Coordinator.URL, "coordinator-url", "u", cfg.Coordinator.URL, "Coordinator URL")
	rootCmd.PersistentFlags().BoolVar(&tlsVerification, "tls-verification", false, "Verify the coordinator TLS certificate")

	rootCmd.AddCommand(
		cli.NewStatusCmd(),
		cli.NewClientsCmd(),
		cli.NewStartRoundCmd(),
		cli.NewParamsCmd(),
		cli.NewHistoryCmd(),
		cli.NewHealthCmd(),
		cli.NewPartitionCmd(&cfg),
		cli.NewResultsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig replaces cfg with the file contents while keeping the values
// of flags set explicitly on the command line.
func loadConfig(cmd *cobra.Command, path string, cfg *fedsync.Config) error {
	changed := map[string]string{}
	for _, name := range []string{"coordinator-url", "input", "output", "label", "clients", "mode", "alpha", "seed", "test-size", "normalize"} {
		if cmd.Flags().Changed(name) {
			changed[name] = cmd.Flags().Lookup(name).Value.String()
		}
	}

	loaded, err := fedsync.LoadConfig(path)
	if err != nil {
		return err
	}
	*cfg = *loaded

	for name, v := range changed {
		if err := cmd.Flags().Set(name, v); err != nil {
			return err
		}
	}

	return nil
}

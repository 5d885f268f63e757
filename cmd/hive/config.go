package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/everydev1618/hive/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration hive would run with: defaults, the config
file and HIVE_ environment overrides merged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		if cfg.File() != "" {
			fmt.Printf("# %s\n", cfg.File())
		}
		fmt.Print(string(data))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config and data directories",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("config: %s\n", config.UserConfigDir())
		fmt.Printf("data:   %s\n", config.DataDir())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

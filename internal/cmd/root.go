// Package cmd implements the planrun command-line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/planrun/planrun/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "planrun",
	Short: "Execution engine for multi-step work plans",
	Long: `Planrun executes work plans composed of dependent, possibly-parallel
groups of steps. Step work is delegated to an external executor command;
planrun schedules it in dependency order, isolates each step in its own
workspace with reserved ports, and persists progress so an interrupted
run can be resumed.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/planrun/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PLANRUN")
	// Replace dots with underscores for nested keys in env vars
	// e.g., PLANRUN_ENGINE_MAX_CONCURRENCY for engine.max_concurrency
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

package cmd

import (
	"github.com/Iron-Ham/iccbus/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "iccbus",
	Short: "Inter-core mailbox multiplexer",
	Long: `iccbus multiplexes one shared inter-core mailbox into per-client
message channels, with flow control, callback notification and
synchronous request/reply on top.

The commands here drive the bus against a simulated remote core.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/iccbus/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level (debug/info/warn/error)")
	rootCmd.PersistentFlags().String("log-dir", "", "override logging.dir; empty logs to stderr")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.dir", rootCmd.PersistentFlags().Lookup("log-dir"))
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

	// e.g. ICCBUS_QUEUE_CAPACITY for queue.capacity
	config.BindEnv(viper.GetViper())

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

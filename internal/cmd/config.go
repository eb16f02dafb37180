package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/Iron-Ham/iccbus/internal/config"
	"github.com/Iron-Ham/iccbus/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify iccbus configuration",
	Long: `View or modify iccbus configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  iccbus config set queue.capacity 1024
  iccbus config set sync.timeout_ms 2000
  iccbus config set logging.level debug

The resulting configuration must still validate.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/iccbus/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a config file",
	Long: `Validate a config file and report every invalid field.

Without an argument the active configuration is validated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigValidate,
}

var configInitForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing config file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(out, "# Invalid configuration, showing defaults: %v\n", err)
		cfg = config.Default()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// configKeys lists the settable keys and their value types.
var configKeys = map[string]string{
	"queue.capacity":         "int",
	"queue.high_watermark":   "int",
	"queue.low_watermark":    "int",
	"dispatch.budget":        "int",
	"sync.flush_limit":       "int",
	"sync.drain_budget":      "int",
	"sync.lock_retries":      "int",
	"sync.mailbox_retries":   "int",
	"sync.timeout_ms":        "int",
	"sync.retry_interval_us": "int",
	"bus.control_client":     "int",
	"bus.announce_client":    "int",
	"transport.depth":        "int",
	"logging.level":          "string",
	"logging.dir":            "string",
	"logging.max_size_mb":    "int",
	"logging.max_backups":    "int",
	"logging.compress":       "bool",
}

func parseConfigValue(key, value string) (any, error) {
	keyType, ok := configKeys[key]
	if !ok {
		valid := make([]string, 0, len(configKeys))
		for k := range configKeys {
			valid = append(valid, k)
		}
		slices.Sort(valid)
		return nil, fmt.Errorf("unknown configuration key: %s\nValid keys: %s", key, strings.Join(valid, ", "))
	}

	switch keyType {
	case "bool":
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	default:
		if key == "logging.level" && !logging.IsValidLevel(value) {
			return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(config.ValidLogLevels(), ", "))
		}
		return value, nil
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	typedValue, err := parseConfigValue(key, value)
	if err != nil {
		return err
	}

	// Validate the whole config with the new value before persisting it
	viper.Set(key, typedValue)
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("refusing to save an invalid configuration: %w", err)
	}

	// Ensure config directory exists
	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

const configHeader = `# iccbus configuration
#
# queue:     per-channel ring size and flow-control watermarks
#            (0 < low_watermark < high_watermark <= capacity-1)
# dispatch:  messages moved per drain of the shared mailbox
# sync:      synchronous request limits; timeout_ms caps a whole call
# bus:       control client for flow-control messages; announce_client
#            sends a core-ready message when opened (-1 disables)
# transport: in-memory mailbox depth per direction
# logging:   level, directory (empty logs to stderr) and rotation
#
# Every key can be overridden with ICCBUS_<SECTION>_<KEY>, e.g.
# ICCBUS_QUEUE_CAPACITY=1024.

`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil && !configInitForce {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite or 'iccbus config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(configFile, append([]byte(configHeader), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to tune queue sizes, flow control and sync limits.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_QUEUE_CAPACITY)\n", config.EnvPrefix, config.EnvPrefix)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var (
		source string
		err    error
	)
	if len(args) == 1 {
		source = args[0]
		_, err = config.LoadFile(source)
	} else {
		source = viper.ConfigFileUsed()
		if source == "" {
			source = "(defaults)"
		}
		_, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", source, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", source)
	return nil
}

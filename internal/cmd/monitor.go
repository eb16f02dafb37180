package cmd

import (
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a simulated bus live",
	Long: `Run the same simulation as 'iccbus simulate' with the live monitor
in the foreground. Press q to quit, a to show closed channels, p to pause.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var monOpts simulateOptions

func init() {
	rootCmd.AddCommand(monitorCmd)
	addSimulateFlags(monitorCmd.Flags(), &monOpts, 0)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	monOpts.monitor = true
	_, err := runSimulation(cmd, &monOpts)
	return err
}

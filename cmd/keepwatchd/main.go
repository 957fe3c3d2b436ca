// Command keepwatchd is the process-supervisor daemon: it loads a
// settings file and a directory of sub-service manifests, then starts,
// stops, and watches them per their declared Level and action lists.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags holds the settings file path shared by every subcommand.
type globalFlags struct {
	SettingsPath string
}

func buildRoot() *cobra.Command {
	gf := &globalFlags{}

	root := &cobra.Command{
		Use:   "keepwatchd",
		Short: "Cross-platform process supervisor daemon",
	}
	root.PersistentFlags().StringVar(&gf.SettingsPath, "config", "/etc/keepwatch/keepwatch.toml", "path to the daemon settings TOML file")

	root.AddCommand(
		newServeCommand(gf),
		newListCommand(gf),
		newValidateCommand(gf),
		newNewCommand(),
		newResumeCommand(),
	)
	return root
}

package main

import (
	"fmt"

	"github.com/keepwatch/keepwatch/internal/config"
	"github.com/keepwatch/keepwatch/internal/statefile"
	"github.com/spf13/cobra"
)

func newListCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the current state of every sub-service",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(gf.SettingsPath)
			if err != nil {
				return err
			}
			snap, err := statefile.Read(settings.StateFilePath)
			if err != nil {
				return err
			}
			for _, svc := range snap.Services {
				fmt.Printf("%-24s %-12s %s\n", svc.Name, svc.State, svc.Info)
			}
			return nil
		},
	}
}

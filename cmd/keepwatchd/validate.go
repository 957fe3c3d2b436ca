package main

import (
	"fmt"

	"github.com/keepwatch/keepwatch/internal/config"
	"github.com/keepwatch/keepwatch/internal/manifest"
	"github.com/keepwatch/keepwatch/internal/supervisor"
	"github.com/spf13/cobra"
)

func newValidateCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the settings and manifest directory without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(gf.SettingsPath)
			if err != nil {
				return err
			}
			sup := supervisor.New(settings, nil)
			if err := sup.Discover(manifest.HostOS()); err != nil {
				return err
			}
			snap := sup.Snapshot()
			fmt.Printf("settings OK, %d sub-service manifest(s) loaded from %s\n", len(snap.Services), settings.ManifestDir)
			return nil
		},
	}
}

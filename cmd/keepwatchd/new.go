package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// manifestTemplate mirrors the JSON manifest fields spec.md §6 defines,
// trimmed to what a freshly scaffolded sub-service needs.
type manifestTemplate struct {
	Name                   string   `json:"Name"`
	Description            string   `json:"Description"`
	Run                    string   `json:"Run"`
	Level                  int      `json:"Level"`
	Start                  []string `json:"Start"`
	Stop                   []string `json:"Stop"`
	StopRunAbortTimeoutSec int      `json:"StopRunAbortTimeoutSec"`
	RetryStableSec         int      `json:"RetryStableSec"`
}

func newNewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new <name> <exe> [params...]",
		Short: "Scaffold a manifest file for a sub-service",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, exe := args[0], args[1]
			run := exe
			if len(args) > 2 {
				run = exe + " " + strings.Join(args[2:], " ")
			}
			tmpl := manifestTemplate{
				Name:                   name,
				Description:            fmt.Sprintf("%s sub-service", name),
				Run:                    run,
				Level:                  1,
				Start:                  []string{"start:%run%"},
				Stop:                   []string{"stop:%run%"},
				StopRunAbortTimeoutSec: 10,
				RetryStableSec:         60,
			}
			out, err := json.MarshalIndent(tmpl, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

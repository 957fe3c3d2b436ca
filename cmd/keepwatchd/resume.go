package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newResumeCommand() *cobra.Command {
	var addr string
	var name string

	cmd := &cobra.Command{
		Use:   "resume [name]",
		Short: "Resume a paused sub-service (or all of them) via the admin HTTP surface",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				name = args[0]
			}
			return runResume(addr, name)
		},
	}
	cmd.Flags().StringVar(&addr, "admin-addr", "http://127.0.0.1:9420", "base URL of the admin HTTP surface")
	return cmd
}

func runResume(addr, name string) error {
	body, err := json.Marshal(struct {
		Name string `json:"name"`
	}{Name: name})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/resume", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resume: admin API returned %s", resp.Status)
	}
	fmt.Println("resume request accepted")
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/browserforce/relay/internal/config"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a relay is running and reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")
	return cmd
}

func runStatus(asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cdpURL, readErr := os.ReadFile(cfg.CDPURLPath)
	running := readErr == nil

	var statusBody map[string]any
	if running {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", cfg.Port))
		if err == nil {
			defer resp.Body.Close()
			_ = json.NewDecoder(resp.Body).Decode(&statusBody)
		} else {
			running = false
		}
	}

	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"running": running,
			"cdpUrl":  string(cdpURL),
			"status":  statusBody,
		})
	}

	if !running {
		fmt.Println("relay: not running")
		return nil
	}
	fmt.Printf("relay: running at %s\n", cdpURL)
	if statusBody != nil {
		fmt.Printf("  extension: %v\n", statusBody["extension"])
		fmt.Printf("  targets:   %v\n", statusBody["targets"])
		fmt.Printf("  clients:   %v\n", statusBody["clients"])
	}
	return nil
}

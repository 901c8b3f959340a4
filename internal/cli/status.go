package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/homewatch/homewatch/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ HomeWatch Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 HomeWatch Status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ Unable to load: %v\n", err)
			return
		}
		if _, statErr := os.Stat(cfg.StorePath()); statErr == nil {
			fmt.Println("Store:   ✓ Found (" + cfg.StorePath() + ")")
		} else {
			fmt.Println("Store:   ✗ Not created yet (run 'homewatch serve' first)")
		}

		// Ask a running gateway for its connection state.
		url := fmt.Sprintf("http://%s:%d/api/v1/status", cfg.Gateway.Host, cfg.Gateway.Port)
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			fmt.Println("Gateway: ✗ Not running")
			return
		}
		defer resp.Body.Close()

		var body struct {
			Connection struct {
				State    string `json:"state"`
				Identity struct {
					UserName string `json:"user_name"`
					TeamName string `json:"team_name"`
				} `json:"identity"`
			} `json:"connection"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			fmt.Println("Gateway: ? Unexpected status response")
			return
		}
		fmt.Println("Gateway: ✓ Running")
		if body.Connection.State == "connected" {
			fmt.Printf("Slack:   ✓ Connected as %s (%s)\n",
				body.Connection.Identity.UserName, body.Connection.Identity.TeamName)
		} else {
			fmt.Printf("Slack:   ✗ %s\n", body.Connection.State)
		}
	},
}

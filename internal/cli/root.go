package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/homewatch/homewatch/internal/cli.version=1.2.3"
	version = "1.0.0"
	logo    = "\n" +
		"  _   _                      __        __    _       _\n" +
		" | | | | ___  _ __ ___   ___ \\ \\      / /_ _| |_ ___| |__\n" +
		" | |_| |/ _ \\| '_ ` _ \\ / _ \\ \\ \\ /\\ / / _` | __/ __| '_ \\\n" +
		" |  _  | (_) | | | | | |  __/  \\ V  V / (_| | || (__| | | |\n" +
		" |_| |_|\\___/|_| |_| |_|\\___|   \\_/\\_/ \\__,_|\\__\\___|_| |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "homewatch",
	Short: "HomeWatch - Slack home camera bot",
	Long:  color.CyanString(logo) + "\nA Slack bot that answers camera snapshot requests and watches the house.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

// Package cli wires the membank commands: serve, migrate, jobs, and
// version.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/membank/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/membank/internal/cli.version=1.2.3"
	version = "1.0.0"
	logo    = "\n" +
		"                        _                 _\n" +
		"  _ __ ___   ___ _ __ | |__   __ _ _ __ | | __\n" +
		" | '_ ` _ \\ / _ \\ '_ \\| '_ \\ / _` | '_ \\| |/ /\n" +
		" | | | | | |  __/ | | | |_) | (_| | | | |   <\n" +
		" |_| |_| |_|\\___|_| |_|_.__/ \\__,_|_| |_|_|\\_\\\n"
)

var rootCmd = &cobra.Command{
	Use:   "membank",
	Short: "membank - long-term memory service for autonomous agents",
	Long:  color.CyanString(logo) + "\nTyped knowledge entries with hybrid retrieval, working-set cache, and lifecycle jobs.",
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
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(jobsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ membank Version")
		fmt.Printf("Version: %s\n", version)
	},
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

// loadSettings loads the environment configuration and installs the
// default slog logger at the configured level.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: settings.SlogLevel(),
	})))
	return settings, nil
}

func fatal(format string, args ...any) {
	fmt.Println(color.RedString(format, args...))
	os.Exit(1)
}

package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/mark3labs/supervisr/internal/logger"
	"github.com/spf13/cobra"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	// Ensure logger is closed on exit
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "supervisr",
	Short: "Debug session supervisor with durable state and pluggable decisions",
}

func init() {
	rootCmd.Long = `supervisr runs long debugging sessions under supervision: it executes
decided actions in a pseudo-terminal, classifies their output, remembers
what already failed, and terminates sessions that loop, stall, or exhaust
their cycle budget. Session history is event-sourced in embedded NATS
JetStream, so state survives crashes and restarts.

Decisions come from an external command (--brain) that receives the
observation context on stdin and answers with a JSON action.`

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
}

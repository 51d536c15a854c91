package main

import (
	"fmt"

	"github.com/mark3labs/supervisr/internal/bus"
	"github.com/spf13/cobra"
)

var signalFlags struct {
	dataDir string
}

var pauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a running session at its next cycle boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(args[0], bus.SignalPause)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(args[0], bus.SignalResume)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session at its next cycle boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(args[0], bus.SignalCancel)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{pauseCmd, resumeCmd, cancelCmd} {
		cmd.Flags().StringVar(&signalFlags.dataDir, "data-dir", "", "Data directory (default: from config)")
	}
}

func sendSignal(sessionID string, sig bus.Signal) error {
	nc, err := connectRunning(signalFlags.dataDir)
	if err != nil {
		return err
	}
	defer nc.Close()

	b := bus.New(nc)
	if err := b.SendSignal(sessionID, sig); err != nil {
		return fmt.Errorf("sending %s: %w", sig, err)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("sending %s: %w", sig, err)
	}
	fmt.Printf("Sent %s to session %s\n", sig, sessionID)
	return nil
}

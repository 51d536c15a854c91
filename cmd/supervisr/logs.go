package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/supervisr/internal/bus"
	"github.com/mark3labs/supervisr/internal/config"
	"github.com/mark3labs/supervisr/internal/session"
	"github.com/spf13/cobra"
)

var logsFlags struct {
	dataDir string
	follow  bool
	raw     bool
}

var logsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "Show a session's cycle history, optionally following live events",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&logsFlags.dataDir, "data-dir", "", "Data directory (default: from config)")
	logsCmd.Flags().BoolVarP(&logsFlags.follow, "follow", "f", false, "Stream live events after printing history")
	logsCmd.Flags().BoolVar(&logsFlags.raw, "raw", false, "Print the session's raw terminal output instead of cycle history")
}

func runLogs(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	if logsFlags.raw {
		return printRawLog(sessionID)
	}

	store, cleanup, err := openStore(logsFlags.dataDir)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	record, err := store.LoadSession(ctx, sessionID)
	cancel()
	if err != nil {
		return err
	}

	fmt.Printf("Session %s [%s] %s\n", record.Session.ID, record.Session.State, record.Session.Task)
	if record.Session.Reason != "" {
		fmt.Printf("Reason: %s\n", record.Session.Reason)
	}
	for _, c := range record.Cycles {
		line := fmt.Sprintf("cycle %d  %s  %s", c.Seq, c.Verdict, c.Action)
		if c.Kind != "" {
			line += fmt.Sprintf("  [%s] %s", c.Kind, c.Excerpt)
		}
		fmt.Println(line)
	}

	if !logsFlags.follow {
		return nil
	}

	nc, err := connectRunning(logsFlags.dataDir)
	if err != nil {
		return err
	}
	defer nc.Close()

	events, unsubscribe, err := bus.New(nc).Subscribe(sessionID)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	defer unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev := <-events:
			fmt.Printf("%s  %s%s\n", ev.Time.Local().Format("15:04:05"), ev.Kind, formatFields(ev.Fields))
		case <-sigChan:
			return nil
		}
	}
}

// printRawLog copies the session's terminal output log to stdout.
func printRawLog(sessionID string) error {
	dataDir := logsFlags.dataDir
	if dataDir == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		dataDir = cfg.DataDir
	}
	f, err := os.Open(session.LogPath(dataDir, sessionID))
	if err != nil {
		return fmt.Errorf("no raw log for session %s: %w", sessionID, err)
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

func formatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if fields[k] != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "  " + strings.Join(parts, " ")
}

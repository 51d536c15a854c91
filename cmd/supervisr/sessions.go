package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/supervisr/internal/config"
	"github.com/mark3labs/supervisr/internal/nats"
	"github.com/mark3labs/supervisr/internal/session"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

var sessionsFlags struct {
	dataDir string
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions and their states",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsFlags.dataDir, "data-dir", "", "Data directory (default: from config)")
}

// openStore connects to the session store: through a running supervisor's
// NATS server when one exists, otherwise by briefly starting an embedded
// server over the same data directory.
func openStore(dataDir string) (*session.Store, func(), error) {
	if dataDir == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		dataDir = cfg.DataDir
	}
	natsDataDir := filepath.Join(dataDir, "nats")

	var ns *natsserver.Server
	nc := nats.TryConnectExisting(natsDataDir)
	if nc == nil {
		if err := os.MkdirAll(natsDataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		server, port, err := nats.StartEmbeddedNATS(natsDataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("starting NATS: %w", err)
		}
		ns = server
		nc, err = nats.ConnectToPort(port)
		if err != nil {
			ns.Shutdown()
			return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
		}
	}

	cleanup := func() {
		if ns != nil {
			_ = nats.Shutdown(nc, ns)
		} else {
			nc.Close()
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := nats.SetupStream(ctx, js)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("opening event stream: %w", err)
	}
	return session.NewStore(js, stream), cleanup, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	store, cleanup, err := openStore(sessionsFlags.dataDir)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCREATED\tREASON\tTASK")
	for _, sess := range sessions {
		state := string(sess.State)
		// A live-looking session with no supervisor behind it died mid-run.
		if sess.Interrupted() {
			state += " (interrupted)"
		}
		task := sess.Task
		if len(task) > 48 {
			task = task[:48] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			sess.ID, state, sess.CreatedAt.Local().Format("2006-01-02 15:04"), sess.Reason, task)
	}
	return w.Flush()
}

// connectRunning connects to an already running supervisor. Signal and
// log commands refuse to start their own server: there is nothing to
// signal if no supervisor is live.
func connectRunning(dataDir string) (*natsgo.Conn, error) {
	if dataDir == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		dataDir = cfg.DataDir
	}
	natsDataDir := filepath.Join(dataDir, "nats")
	port, err := nats.ReadPort(natsDataDir)
	if err != nil {
		return nil, fmt.Errorf("no running supervisor found (is 'supervisr run' active?): %w", err)
	}
	nc, err := nats.ConnectToPort(port)
	if err != nil {
		return nil, fmt.Errorf("no running supervisor found (is 'supervisr run' active?): %w", err)
	}
	return nc, nil
}

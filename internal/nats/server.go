package nats

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/supervisr/internal/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// portFile is written next to the JetStream store so signal commands
// (pause/resume/cancel) from a separate process can find the server.
const portFile = "nats.port"

// StartEmbeddedNATS starts an embedded NATS server with JetStream enabled
// using the specified data directory for file-based storage. The server
// listens on a random localhost port and records it in a port file.
// Returns the server instance and port, or an error if startup fails.
func StartEmbeddedNATS(dataDir string) (*server.Server, int, error) {
	logger.Debug("Starting embedded NATS server with data dir: %s", dataDir)

	opts := &server.Options{
		JetStream: true,
		StoreDir:  dataDir,
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		logger.Error("Failed to create NATS server: %v", err)
		return nil, 0, err
	}

	// Start server in background goroutine
	go ns.Start()

	// Wait for server to be ready with timeout
	if !ns.ReadyForConnections(4 * time.Second) {
		logger.Error("NATS server failed to start within 4s timeout")
		return nil, 0, errors.New("nats server failed to start within timeout")
	}

	addr, ok := ns.Addr().(*net.TCPAddr)
	if !ok {
		ns.Shutdown()
		return nil, 0, errors.New("nats server has no TCP listen address")
	}
	port := addr.Port
	if err := WritePort(dataDir, port); err != nil {
		ns.Shutdown()
		return nil, 0, fmt.Errorf("failed to write port file: %w", err)
	}

	logger.Debug("NATS server ready for connections on port %d", port)
	return ns, port, nil
}

// WritePort records the server port in the data directory.
func WritePort(dataDir string, port int) error {
	return os.WriteFile(filepath.Join(dataDir, portFile), []byte(strconv.Itoa(port)), 0644)
}

// ReadPort reads the port of a running server from the data directory.
func ReadPort(dataDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, portFile))
	if err != nil {
		return 0, fmt.Errorf("no port file in %s: %w", dataDir, err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed port file: %w", err)
	}
	return port, nil
}

// ConnectToPort connects to a NATS server on the given localhost port.
func ConnectToPort(port int) (*nats.Conn, error) {
	return nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", port))
}

// TryConnectExisting attempts to connect to a server recorded in the data
// directory's port file. Returns nil if no server is reachable, allowing
// the caller to start its own (primary mode).
func TryConnectExisting(dataDir string) *nats.Conn {
	port, err := ReadPort(dataDir)
	if err != nil {
		return nil
	}
	nc, err := ConnectToPort(port)
	if err != nil {
		// Stale port file from a dead server
		logger.Debug("Stale port file in %s: %v", dataDir, err)
		return nil
	}
	return nc
}

// ConnectInProcess creates an in-process connection to the embedded NATS
// server, bypassing the network loopback.
func ConnectInProcess(ns *server.Server) (*nats.Conn, error) {
	conn, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		logger.Error("Failed to connect to NATS in-process: %v", err)
		return nil, err
	}
	return conn, nil
}

// CreateJetStream creates a JetStream context from a NATS connection.
func CreateJetStream(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// Shutdown gracefully shuts down the NATS connection and server.
// It first drains the connection, then shuts down the server with a
// timeout so in-flight operations can complete without hanging forever.
func Shutdown(nc *nats.Conn, ns *server.Server) error {
	logger.Debug("Starting NATS shutdown")

	if nc != nil {
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- nc.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				logger.Warn("NATS drain failed, forcing close: %v", err)
				nc.Close()
			}
		case <-time.After(2 * time.Second):
			logger.Warn("NATS drain timed out after 2s, forcing close")
			nc.Close()
		}
	}

	if ns != nil {
		ns.Shutdown()

		shutdownDone := make(chan struct{})
		go func() {
			ns.WaitForShutdown()
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
			logger.Debug("NATS server shut down cleanly")
		case <-time.After(5 * time.Second):
			logger.Error("NATS server shutdown timed out after 5s")
			return errors.New("NATS server shutdown timed out")
		}
	}

	return nil
}

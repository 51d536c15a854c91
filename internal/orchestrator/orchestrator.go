// Package orchestrator wires the supervisor together: embedded NATS with
// the durable event log and failure bucket, the live bus, the decision
// and execution collaborators, and the per-session control loop.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mark3labs/supervisr/internal/brain"
	"github.com/mark3labs/supervisr/internal/bus"
	"github.com/mark3labs/supervisr/internal/config"
	serrors "github.com/mark3labs/supervisr/internal/errors"
	"github.com/mark3labs/supervisr/internal/gate"
	"github.com/mark3labs/supervisr/internal/logger"
	"github.com/mark3labs/supervisr/internal/memory"
	"github.com/mark3labs/supervisr/internal/nats"
	"github.com/mark3labs/supervisr/internal/observe"
	"github.com/mark3labs/supervisr/internal/session"
	"github.com/mark3labs/supervisr/internal/tool"
	"github.com/mark3labs/supervisr/internal/watch"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds configuration for the orchestrator.
type Config struct {
	Task            string        // Task description handed to the decision step
	WorkDir         string        // Working directory for supervised commands
	DataDir         string        // Data directory for NATS storage
	BrainCommand    string        // External decision command
	PatternsFile    string        // Optional YAML pattern table override
	SuccessPattern  string        // Optional regexp marking task success in output
	Gate            gate.Config   // Completion gate thresholds
	DecisionTimeout time.Duration // Deadline per decision
	ToolTimeout     time.Duration // Deadline per action execution
	ResumeID        string        // Existing session to resume (optional)

	// Brain overrides the exec brain; used by tests.
	Brain brain.Brain
}

// FromConfig maps loaded application config onto orchestrator config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		DataDir:      cfg.DataDir,
		BrainCommand: cfg.BrainCommand,
		PatternsFile: cfg.PatternsFile,
		Gate: gate.Config{
			MaxRepeatedActions: cfg.MaxRepeatedActions,
			MaxStallCycles:     cfg.MaxStallCycles,
			MaxTotalCycles:     cfg.MaxTotalCycles,
		},
		DecisionTimeout: cfg.DecisionTimeout,
		ToolTimeout:     cfg.ToolTimeout,
	}
}

// Orchestrator manages one supervisor process: the embedded NATS server,
// the stores, and the control loops of its sessions.
type Orchestrator struct {
	cfg       Config
	ns        *natsserver.Server
	natsPort  int
	nc        *natsgo.Conn
	store     *session.Store
	failures  memory.Store
	bus       *bus.Bus
	brain     brain.Brain
	tools     *tool.Registry
	shell     *tool.Shell
	rules     []observe.Rule
	digester  gate.Digester
	watcher   *watch.Watcher
	success   *regexp.Regexp
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   bool
	isPrimary bool
}

// New creates an Orchestrator with the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = ".supervisr"
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 2 * time.Minute
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{cfg: cfg, ctx: ctx, cancel: cancel}, nil
}

// Start initializes all components.
func (o *Orchestrator) Start() error {
	logger.Info("Starting supervisor in %s", o.cfg.WorkDir)

	if err := o.ensureNATS(); err != nil {
		logger.Error("Failed to ensure NATS: %v", err)
		return fmt.Errorf("failed to ensure NATS: %w", err)
	}
	if o.isPrimary {
		logger.Debug("Running as primary (owns NATS server)")
	} else {
		logger.Debug("Running as node (connected to existing server)")
	}

	if err := o.setupJetStream(); err != nil {
		logger.Error("Failed to setup JetStream: %v", err)
		return fmt.Errorf("failed to setup JetStream: %w", err)
	}

	o.bus = bus.New(o.nc)

	if o.cfg.Brain != nil {
		o.brain = o.cfg.Brain
	} else {
		if o.cfg.BrainCommand == "" {
			return fmt.Errorf("no brain command configured")
		}
		o.brain = brain.NewExecBrain(o.cfg.BrainCommand, o.cfg.WorkDir)
	}

	o.tools = tool.NewRegistry()
	o.shell = tool.NewShell(o.cfg.WorkDir)
	o.tools.Register(o.shell)
	o.tools.Register(&tool.WaitTool{})

	if o.cfg.PatternsFile != "" {
		rules, err := observe.LoadRules(o.cfg.PatternsFile)
		if err != nil {
			return fmt.Errorf("loading pattern table: %w", err)
		}
		o.rules = rules
	} else {
		o.rules = observe.DefaultRules()
	}

	if o.cfg.SuccessPattern != "" {
		re, err := regexp.Compile(o.cfg.SuccessPattern)
		if err != nil {
			return fmt.Errorf("compiling success pattern: %w", err)
		}
		o.success = re
	}

	// Workspace digester feeds the stall detector. Falling back to a walk
	// per cycle keeps sessions working when inotify is unavailable.
	if w, err := watch.New(o.cfg.WorkDir); err == nil {
		o.watcher = w
		o.digester = w
	} else {
		logger.Warn("Filesystem watcher unavailable, falling back to tree walks: %v", err)
		o.digester = &gate.DirDigest{Root: o.cfg.WorkDir}
	}

	if err := o.reportInterrupted(); err != nil {
		return err
	}

	logger.Info("Supervisor started")
	return nil
}

// reportInterrupted surfaces sessions that were live when a previous
// supervisor process died. They keep their persisted state so an operator
// can resume them explicitly; nothing is transitioned here. Node mode
// skips the scan entirely: a reachable server means another supervisor
// owns its live sessions.
func (o *Orchestrator) reportInterrupted() error {
	if !o.isPrimary {
		return nil
	}
	sessions, err := o.store.ListSessions(o.ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	for i := range sessions {
		sess := &sessions[i]
		if !sess.Interrupted() || sess.ID == o.cfg.ResumeID {
			continue
		}
		logger.Warn("Session %s was %s when its supervisor died; resume with --resume %s", sess.ID, sess.State, sess.ID)
		o.bus.Publish(bus.Event{
			SessionID: sess.ID,
			Kind:      bus.SessionInterrupted,
			Fields:    map[string]string{"state": string(sess.State)},
		})
	}
	return nil
}

// Stop gracefully shuts down all components. Safe to call more than once.
func (o *Orchestrator) Stop() error {
	if o.stopped {
		return nil
	}
	o.stopped = true

	logger.Info("Stopping supervisor")
	multiErr := &serrors.MultiError{}

	if o.cancel != nil {
		o.cancel()
	}

	if o.watcher != nil {
		if err := o.watcher.Close(); err != nil {
			multiErr.Append(fmt.Errorf("closing watcher: %w", err))
		}
		o.watcher = nil
	}

	if o.isPrimary {
		logger.Debug("Shutting down NATS server (primary mode)")
		if err := nats.Shutdown(o.nc, o.ns); err != nil {
			logger.Error("NATS shutdown failed: %v", err)
			multiErr.Append(fmt.Errorf("NATS shutdown failed: %w", err))
		}
	} else {
		logger.Debug("Closing NATS connection (node mode)")
		if o.nc != nil {
			o.nc.Close()
		}
	}
	o.nc = nil
	o.ns = nil

	logger.Info("Supervisor stopped")
	return multiErr.ErrorOrNil()
}

// Store exposes the session store for CLI queries.
func (o *Orchestrator) Store() *session.Store {
	return o.store
}

// Bus exposes the live event bus.
func (o *Orchestrator) Bus() *bus.Bus {
	return o.bus
}

// ensureNATS connects to an existing NATS server or starts a new one.
// Another supervisr process already running against the same data dir
// keeps ownership of the server; this instance becomes a node.
func (o *Orchestrator) ensureNATS() error {
	dataDir := filepath.Join(o.cfg.DataDir, "nats")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create NATS data directory: %w", err)
	}

	if nc := nats.TryConnectExisting(dataDir); nc != nil {
		logger.Info("Connected to existing NATS server (node mode)")
		o.nc = nc
		o.isPrimary = false
		return nil
	}

	logger.Info("Starting NATS server (primary mode)")
	ns, port, err := nats.StartEmbeddedNATS(dataDir)
	if err != nil {
		return fmt.Errorf("failed to start NATS server: %w", err)
	}
	o.ns = ns
	o.natsPort = port
	o.isPrimary = true

	nc, err := nats.ConnectToPort(port)
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	o.nc = nc
	return nil
}

// setupJetStream creates the event stream, the failure bucket, and the
// stores on top of them.
func (o *Orchestrator) setupJetStream() error {
	js, err := jetstream.New(o.nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := nats.SetupStream(o.ctx, js)
	if err != nil {
		return fmt.Errorf("failed to setup stream: %w", err)
	}
	o.store = session.NewStore(js, stream)

	kv, err := nats.SetupFailureBucket(o.ctx, js)
	if err != nil {
		return fmt.Errorf("failed to setup failure bucket: %w", err)
	}
	o.failures = memory.NewKVStore(kv)
	return nil
}

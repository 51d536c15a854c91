package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/supervisr/internal/config"
	"github.com/mark3labs/supervisr/internal/orchestrator"
	"github.com/spf13/cobra"
)

var runFlags struct {
	task           string
	workDir        string
	dataDir        string
	brainCommand   string
	patternsFile   string
	successPattern string
	maxRepeated    int
	maxStall       int
	maxCycles      int
	resume         string
}

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a supervised debug session",
	Long: `Run a supervised debug session for a task.

Each cycle the supervisor summarizes the latest output, asks the brain
command for the next action, executes it in a pseudo-terminal, and checks
the completion gate. The session ends when the brain declares it done,
the gate detects looping or stalling, or the cycle budget runs out.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.workDir, "work-dir", "w", "", "Working directory for supervised commands (default: cwd)")
	runCmd.Flags().StringVar(&runFlags.dataDir, "data-dir", "", "Data directory for durable state (default: .supervisr)")
	runCmd.Flags().StringVarP(&runFlags.brainCommand, "brain", "b", "", "Decision command (JSON request on stdin, JSON action on stdout)")
	runCmd.Flags().StringVar(&runFlags.patternsFile, "patterns", "", "YAML pattern table overriding the built-in output classifier")
	runCmd.Flags().StringVar(&runFlags.successPattern, "success-pattern", "", "Regexp marking task success in output")
	runCmd.Flags().IntVar(&runFlags.maxRepeated, "max-repeated-actions", 0, "Identical consecutive actions before LOOPING (default from config)")
	runCmd.Flags().IntVar(&runFlags.maxStall, "max-stall-cycles", 0, "Unchanged cycles before STALLED (default from config)")
	runCmd.Flags().IntVar(&runFlags.maxCycles, "max-cycles", 0, "Total cycle budget (default from config)")
	runCmd.Flags().StringVar(&runFlags.resume, "resume", "", "Resume an existing session by ID")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	task := ""
	if len(args) > 0 {
		task = strings.TrimSpace(args[0])
	}
	if task == "" && runFlags.resume == "" {
		return fmt.Errorf("a task description or --resume is required")
	}

	ocfg := orchestrator.FromConfig(cfg)
	ocfg.Task = task
	ocfg.WorkDir = runFlags.workDir
	ocfg.ResumeID = runFlags.resume
	ocfg.SuccessPattern = runFlags.successPattern
	if runFlags.dataDir != "" {
		ocfg.DataDir = runFlags.dataDir
	}
	if runFlags.brainCommand != "" {
		ocfg.BrainCommand = runFlags.brainCommand
	}
	if runFlags.patternsFile != "" {
		ocfg.PatternsFile = runFlags.patternsFile
	}
	if runFlags.maxRepeated > 0 {
		ocfg.Gate.MaxRepeatedActions = runFlags.maxRepeated
	}
	if runFlags.maxStall > 0 {
		ocfg.Gate.MaxStallCycles = runFlags.maxStall
	}
	if runFlags.maxCycles > 0 {
		ocfg.Gate.MaxTotalCycles = runFlags.maxCycles
	}

	orch, err := orchestrator.New(ocfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer func() {
		if err := orch.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down gracefully...")
		if err := orch.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}()

	return orch.Run()
}

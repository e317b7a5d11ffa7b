package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/featureflow/featureflow/internal/artifacts"
	"github.com/featureflow/featureflow/internal/config"
	"github.com/featureflow/featureflow/internal/contracts"
	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/fsops"
	"github.com/featureflow/featureflow/internal/gitops"
	"github.com/featureflow/featureflow/internal/observer"
	"github.com/featureflow/featureflow/internal/runstore"
	"github.com/featureflow/featureflow/internal/scheduler"
	"github.com/featureflow/featureflow/internal/security"
	"github.com/featureflow/featureflow/internal/shell"
	"github.com/featureflow/featureflow/internal/telemetry"
	"github.com/featureflow/featureflow/internal/workflow"
	"github.com/featureflow/featureflow/web/api"
)

var (
	runDiffPath   string
	runBranch     string
	runBaseBranch string
	runAdvance    bool
	listStatus    string
	decideNote    string
	decideBy      string
	decideForce   bool
	servePort     int
)

func init() {
	// init command
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default featureflow.toml",
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run STORY",
		Short: "Create a run for a feature story",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runDiffPath, "diff", "", "path to a prepared unified diff")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "working branch name")
	runCmd.Flags().StringVar(&runBaseBranch, "base", "", "base branch name")
	runCmd.Flags().BoolVar(&runAdvance, "advance", true, "advance to the first gate immediately")
	rootCmd.AddCommand(runCmd)

	// advance command
	advanceCmd := &cobra.Command{
		Use:   "advance RUN",
		Short: "Advance a run until its next gate or terminal state",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdvanceCmd,
	}
	rootCmd.AddCommand(advanceCmd)

	// approve command
	approveCmd := &cobra.Command{
		Use:   "approve RUN GATE",
		Short: "Approve a pending gate (plan, patch or final)",
		Args:  cobra.ExactArgs(2),
		RunE:  decideCmd(true),
	}
	approveCmd.Flags().StringVar(&decideBy, "by", "", "approver name")
	approveCmd.Flags().StringVar(&decideNote, "note", "", "decision note")
	approveCmd.Flags().BoolVar(&decideForce, "force", false, "approve the patch gate even if the change request fails its contract")
	rootCmd.AddCommand(approveCmd)

	// reject command
	rejectCmd := &cobra.Command{
		Use:   "reject RUN GATE",
		Short: "Reject a pending gate and fail the run",
		Args:  cobra.ExactArgs(2),
		RunE:  decideCmd(false),
	}
	rejectCmd.Flags().StringVar(&decideBy, "by", "", "approver name")
	rejectCmd.Flags().StringVar(&decideNote, "note", "", "decision note")
	rootCmd.AddCommand(rejectCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status RUN",
		Short: "Show a run's state and history",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatusCmd,
	}
	rootCmd.AddCommand(statusCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(listCmd)

	// metrics command
	metricsCmd := &cobra.Command{
		Use:   "metrics RUN",
		Short: "Print per-node metrics for a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runMetrics,
	}
	rootCmd.AddCommand(metricsCmd)

	// validate command
	validateCmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a change-request document against the contract",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	rootCmd.AddCommand(validateCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, stale-run sweeper and artifact watcher",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on")
	rootCmd.AddCommand(serveCmd)
}

// app bundles the engine and its collaborators for one CLI invocation.
type app struct {
	cfg       *config.Config
	engine    *workflow.Engine
	store     *runstore.Store
	artifacts *artifacts.Manager
}

func newApp() (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	repoRoot := cfg.General.RepoRoot
	if repoRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repoRoot = cwd
	}

	if dir := filepath.Dir(cfg.General.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	guard, err := security.NewPathGuard(repoRoot, cfg.Security.AllowedWriteRoots)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("configuring path guard: %w", err)
	}
	allowlist := security.NewAllowlist(cfg.Security.AllowedCommands)
	files := fsops.New(guard, cfg.Limits.MaxFileBytes)
	mgr := artifacts.NewManager(files, cfg.General.OutputsDir)

	engine, err := workflow.New(workflow.Options{
		Store:           store,
		Shell:           shell.New(allowlist, cfg.Limits.MaxOutputBytes),
		Files:           files,
		Artifacts:       mgr,
		Diff:            gitops.NewRepo(repoRoot),
		Limits:          cfg.RunLimits(),
		AllowedCommands: cfg.Security.AllowedCommands,
		CommandTimeout:  time.Duration(cfg.Runs.TimeoutSeconds) * time.Second,
		RepoRoot:        repoRoot,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, engine: engine, store: store, artifacts: mgr}, nil
}

func (a *app) Close() {
	a.store.Close()
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	run, err := a.engine.Create(ctx, domain.Inputs{
		Story:      args[0],
		DiffPath:   runDiffPath,
		Branch:     runBranch,
		BaseBranch: runBaseBranch,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created run %s\n", run.RunID)

	if !runAdvance {
		return nil
	}
	run, err = a.engine.Advance(ctx, run.RunID)
	if err != nil {
		return err
	}
	printRun(run)
	return nil
}

func runAdvanceCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.engine.Advance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printRun(run)
	return nil
}

func decideCmd(approved bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		gate := domain.Gate(args[1])
		switch gate {
		case domain.GatePlan, domain.GatePatch, domain.GateFinal:
		default:
			return fmt.Errorf("unknown gate %q (want plan, patch or final)", args[1])
		}

		approver := decideBy
		if approver == "" {
			approver = os.Getenv("USER")
		}
		if approver == "" {
			return fmt.Errorf("approver required (use --by)")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		// Approving the patch gate means the change request is about to be
		// acted on, so it must hold up to the contract first.
		if approved && gate == domain.GatePatch && !decideForce {
			if content, err := a.artifacts.ReadChangeRequest(args[0]); err == nil {
				if ok, problems := contracts.ValidateChangeRequest(content); !ok {
					return fmt.Errorf("change request fails its contract (use --force to override):\n  %s",
						strings.Join(problems, "\n  "))
				}
			}
		}

		run, err := a.engine.Decide(cmd.Context(), args[0], gate, approved, approver, decideNote)
		if err != nil {
			return err
		}
		printRun(run)
		return nil
	}
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.engine.Get(args[0])
	if err != nil {
		return err
	}
	printRun(run)

	events, err := a.engine.Events(run.RunID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tFROM\tTO\tOK\tSECONDS")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%.1f\n",
			ev.Node, ev.StatusBefore, ev.StatusAfter, ev.OK, ev.DurationSec)
	}
	w.Flush()
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.engine.List(domain.RunStatus(listStatus))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tGATE\tLOOP\tSTORY")
	for _, run := range runs {
		gate := string(run.PendingGate())
		if gate == "" {
			gate = "-"
		}
		story := run.Inputs.Story
		if len(story) > 60 {
			story = story[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			run.RunID, run.Status, gate, run.LoopCount, story)
	}
	w.Flush()
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.engine.Get(args[0])
	if err != nil {
		return err
	}
	events, err := a.engine.Events(run.RunID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(telemetry.Build(run, events), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	ok, problems := contracts.ValidateChangeRequest(content)
	if ok {
		fmt.Println("OK")
		return nil
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	return fmt.Errorf("%s does not satisfy the change-request contract", args[0])
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)

	server := api.NewServer(a.engine, addr)
	sweeper := scheduler.New(a.cfg.Scheduler.SweepSpec, a.engine)

	watcher, err := observer.NewArtifactWatcher(a.cfg.General.OutputsDir, func(runID string, files []string) {
		if run, err := a.engine.Get(runID); err == nil {
			server.RunUpdated(run)
		}
	})
	if err != nil {
		return fmt.Errorf("starting artifact watcher: %w", err)
	}
	a.engine.SetNotifier(&watchingNotifier{server: server, watcher: watcher})

	if runs, err := a.engine.List(""); err == nil {
		for _, run := range runs {
			watcher.AddRun(run.RunID)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Printf("Serving API at http://%s\n", addr)
		return server.Start(ctx)
	})
	g.Go(func() error {
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}
		<-ctx.Done()
		sweeper.Stop()
		return nil
	})
	g.Go(func() error {
		watcher.Start(ctx)
		<-ctx.Done()
		watcher.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !isShutdown(err) {
		return err
	}
	return nil
}

// watchingNotifier fans run updates out to the API hubs and keeps the
// artifact watcher covering every run directory that exists.
type watchingNotifier struct {
	server  *api.Server
	watcher *observer.ArtifactWatcher
}

func (n *watchingNotifier) RunUpdated(run *domain.Run) {
	n.server.RunUpdated(run)
	n.watcher.AddRun(run.RunID)
}

func isShutdown(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

func printRun(run *domain.Run) {
	fmt.Printf("Run %s: %s\n", run.RunID, run.Status)
	if gate := run.PendingGate(); gate != "" {
		fmt.Printf("  waiting on gate: %s\n", gate)
	}
	if run.FailureReason != "" {
		fmt.Printf("  failure: %s (%s)\n", run.FailureReason, run.StatusMeta.Message)
	}
	if run.Edits.BranchName != "" {
		fmt.Printf("  branch: %s\n", run.Edits.BranchName)
	}
	if len(run.Edits.AppliedFiles) > 0 {
		fmt.Printf("  applied: %d file(s)\n", len(run.Edits.AppliedFiles))
	}
	if run.Risk.RegressionLevel != "" {
		fmt.Printf("  regression risk: %s\n", run.Risk.RegressionLevel)
	}
}

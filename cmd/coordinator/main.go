// Command coordinator runs the task loop for one dashboard project: it
// selects tasks, prepares working branches, and drives each task
// through the implementation and review workflow.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/coordinator"
	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/gitops"
	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/observability"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/runstore"
	"github.com/maestrohq/maestro/internal/steps"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/pkg/workflow"
	"github.com/maestrohq/maestro/workflows"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		drain      bool
		drainOnly  bool
		nuke       bool
	)

	cmd := &cobra.Command{
		Use:   "coordinator [flags] <project_id> [repo_url] [base_branch]",
		Short: "Run the task loop for a dashboard project",
		Long: `coordinator selects the next workable task from the dashboard,
prepares a working branch, and drives the task through the
implementation and review workflow until no workable tasks remain.`,
		Args:          cobra.RangeArgs(1, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOptions{
				configPath: configPath,
				drain:      drain || drainOnly,
				drainOnly:  drainOnly,
				nuke:       nuke,
				projectID:  args[0],
			}
			if len(args) > 1 {
				opts.repoURL = args[1]
			}
			if len(args) > 2 {
				opts.baseBranch = args[2]
			}
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the configuration file")
	cmd.Flags().BoolVar(&drain, "drain", false, "drain stale stream entries before starting")
	cmd.Flags().BoolVar(&drainOnly, "drain-only", false, "drain stale stream entries and exit")
	cmd.Flags().BoolVar(&nuke, "nuke", false, "delete all stream entries before starting")
	cmd.MarkFlagsMutuallyExclusive("drain", "drain-only", "nuke")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cmd.SetContext(ctx)
	cobra.OnFinalize(stop)
	return cmd
}

type runOptions struct {
	configPath string
	drain      bool
	drainOnly  bool
	nuke       bool

	projectID  string
	repoURL    string
	baseBranch string
}

func run(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
	})

	tr := openTransport(cfg)
	defer tr.Close()
	streams := []string{cfg.Redis.RequestStream, cfg.Redis.EventStream}

	if opts.nuke {
		n, err := coordinator.Nuke(ctx, tr, logger, streams...)
		if err != nil {
			return err
		}
		logger.Info("streams nuked", "entries", n)
	}
	if opts.drain {
		n, err := coordinator.Drain(ctx, tr, logger, streams...)
		if err != nil {
			return err
		}
		logger.Info("streams drained", "entries", n)
		if opts.drainOnly {
			return nil
		}
	}

	dash := dashboard.NewClient(cfg.Dashboard.BaseURL, cfg.Dashboard.Token, logger)
	git := gitops.New(cfg.Git.WorkDir, logger)

	resolver := persona.NewInfoResolver(cfg.Git.WorkDir, cfg.Policy.DenyHosts)
	if cfg.Policy.MaxFetchBytes > 0 {
		resolver.MaxBytes = cfg.Policy.MaxFetchBytes
	}
	dispatcher := persona.NewDispatcher(tr, personaConfig(cfg), resolver, logger)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	metrics := observability.New()
	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, metrics, logger)
	}

	registry := workflow.NewRegistry()
	steps.RegisterAll(registry, &steps.Deps{
		Requester:         dispatcher,
		Dashboard:         dash,
		Git:               git,
		Logger:            logger,
		ScanIgnore:        cfg.Engine.ScanIgnore,
		ContextEndpoint:   cfg.Dashboard.ContextEndpoint,
		DuplicateStrategy: cfg.Engine.DuplicateMode,
	})

	loader := workflows.NewLoader(cfg.Engine.WorkflowDir)
	engine := workflow.NewEngine(registry,
		workflow.WithLogger(logger),
		workflow.WithLoader(loader),
		workflow.WithMetrics(metrics),
		workflow.WithMaxParallel(cfg.Engine.MaxParallel),
		workflow.WithSnapshotDir(cfg.Engine.SnapshotDir),
		workflow.WithAbortHook(coordinator.PurgeHook(tr, logger, streams...)),
	)

	if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o755); err != nil {
		return err
	}
	store, err := runstore.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	coord, err := coordinator.New(coordinator.Options{
		Dashboard:        dash,
		Git:              &gitAdapter{git: git, logger: logger},
		Engine:           engine,
		Loader:           loader,
		Transport:        tr,
		Recorder:         store,
		Logger:           logger,
		RepoRoot:         cfg.Git.WorkDir,
		RepoURL:          opts.repoURL,
		BaseBranch:       opts.baseBranch,
		AllowedLanguages: cfg.Policy.AllowedLanguages,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	summary, err := coord.Run(ctx, opts.projectID)
	logger.Info("coordinator finished",
		"completed", summary.TasksCompleted,
		"aborted", summary.TasksAborted,
		"iterations", summary.Iterations,
		"state", string(summary.LastState),
		log.DurationKey, time.Since(started).Milliseconds(),
	)
	return err
}

// openTransport selects Redis streams, or the in-memory transport when
// no Redis address is configured.
func openTransport(cfg *config.Config) transport.Transport {
	if cfg.Redis.Addr == "" {
		return transport.NewMemory()
	}
	return transport.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

// personaConfig maps the file configuration onto the dispatcher.
func personaConfig(cfg *config.Config) persona.Config {
	overrides := make(map[string]persona.PersonaOverride, len(cfg.Personas.Overrides))
	for name, o := range cfg.Personas.Overrides {
		overrides[name] = persona.PersonaOverride{
			TimeoutMS:          o.TimeoutMS,
			MaxRetries:         o.MaxRetries,
			UnlimitedRetries:   o.UnlimitedRetries,
			BackoffIncrementMS: o.BackoffIncrementMS,
		}
	}
	return persona.Config{
		RequestStream:         cfg.Redis.RequestStream,
		EventStream:           cfg.Redis.EventStream,
		GroupPrefix:           cfg.Redis.GroupPrefix,
		DefaultTimeout:        time.Duration(cfg.Personas.DefaultTimeoutMS) * time.Millisecond,
		DefaultMaxRetries:     cfg.Personas.DefaultMaxRetries,
		RetryBackoffIncrement: time.Duration(cfg.Personas.RetryBackoffIncrementMS) * time.Millisecond,
		Personas:              overrides,
	}
}

func serveMetrics(addr string, metrics *observability.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
	}
}

// gitAdapter narrows gitops.Git to the coordinator's view and handles
// the initial clone.
type gitAdapter struct {
	git    *gitops.Git
	logger *slog.Logger
}

func (a *gitAdapter) EnsureClone(ctx context.Context, remote string) error {
	g, err := gitops.EnsureClone(ctx, remote, a.git.WorkDir(), a.logger)
	if err != nil {
		return err
	}
	a.git = g
	return nil
}

func (a *gitAdapter) CheckoutNewBranch(ctx context.Context, base, branch string) error {
	return a.git.CheckoutNewBranch(ctx, branch, base)
}

func (a *gitAdapter) Push(ctx context.Context, branch string) error {
	return a.git.Push(ctx, branch)
}

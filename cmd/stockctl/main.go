package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/foodstock/cmd/stockctl/cli"
	"github.com/odyssey-erp/foodstock/internal/app"
	"github.com/odyssey-erp/foodstock/internal/platform/cache"
	"github.com/odyssey-erp/foodstock/internal/platform/db"
)

var errUsage = errors.New("stockctl: command required")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code: 0 on success,
// 1 when the command failed and 2 on usage errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	root := newRootCmd(&code)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		return 2
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	var (
		cfg        *app.Config
		jsonOutput bool
	)
	root := &cobra.Command{
		Use:          "stockctl",
		Short:        "Operate the foodstock queues and database",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := app.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetOut(cmd.ErrOrStderr())
			_ = cmd.Usage()
			return errUsage
		},
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine readable output")

	withJobs := func(fn func(*cli.JobsCLI) int) {
		jobsCLI := cli.NewJobsCLI(cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}.AsynqOpt())
		defer func() { _ = jobsCLI.Close() }()
		*code = fn(jobsCLI)
	}

	var reconcile cli.ReconcileOptions
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Queue aggregate refreshes for an owner or every owner",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			reconcile.JSONOutput = jsonOutput
			reconcile.Stdout, reconcile.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			withJobs(func(c *cli.JobsCLI) int { return c.ReconcileCommand(cmd.Context(), reconcile) })
		},
	}
	reconcileCmd.Flags().Int64Var(&reconcile.OwnerID, "owner", 0, "owner id")
	reconcileCmd.Flags().StringVar(&reconcile.Kind, "kind", "", "aggregate kind (ingredient or recipe); both when empty")
	reconcileCmd.Flags().BoolVar(&reconcile.All, "all", false, "sweep every owner")

	var cleanup cli.CleanupOptions
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Queue an idempotency key purge",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			if !cmd.Flags().Changed("retention") {
				cleanup.Retention = cfg.IdempotencyRetention
			}
			cleanup.JSONOutput = jsonOutput
			cleanup.Stdout, cleanup.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			withJobs(func(c *cli.JobsCLI) int { return c.CleanupCommand(cmd.Context(), cleanup) })
		},
	}
	cleanupCmd.Flags().DurationVar(&cleanup.Retention, "retention", 0, "purge keys older than this (default IDEMPOTENCY_RETENTION)")

	var queues cli.QueueOptions
	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Show the state of the stock and default queues",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			queues.JSONOutput = jsonOutput
			queues.Stdout, queues.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			withJobs(func(c *cli.JobsCLI) int { return c.QueueCommand(cmd.Context(), queues) })
		},
	}
	queuesCmd.Flags().IntVar(&queues.Scheduled, "scheduled", 0, "list up to this many scheduled tasks per queue")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			*code = migrate(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	root.AddCommand(reconcileCmd, cleanupCmd, queuesCmd, migrateCmd)
	return root
}

func migrate(ctx context.Context, cfg *app.Config, stdout, stderr io.Writer) int {
	logger := app.NewLogger(cfg)
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, logger); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "migrations applied")
	return 0
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/dirvault/internal/backup"
	"github.com/openmined/dirvault/internal/utils"
)

var runCmd = &cobra.Command{
	Use:   "run <source>",
	Short: "Back up a directory tree to the configured target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		sourceRoot, err := utils.ResolvePath(args[0])
		if err != nil {
			return err
		}
		if !utils.DirExists(sourceRoot) {
			return fmt.Errorf("source directory not found: %s", sourceRoot)
		}

		stateDir := viper.GetString("state-dir")
		if err := utils.EnsureDir(stateDir); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}

		// One active run per machine; overlapping runs against the same
		// target are a deployment error, not something the engine resolves.
		lock := flock.New(filepath.Join(stateDir, "dirvault.lock"))
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire run lock: %w", err)
		}
		if !locked {
			return errors.New("another backup run is already in progress")
		}
		defer lock.Unlock()

		client, store, err := newTarget(ctx)
		if err != nil {
			return err
		}

		excludes, _ := cmd.Flags().GetStringArray("exclude")
		policyFile, _ := cmd.Flags().GetString("policy-file")
		daily, _ := cmd.Flags().GetInt("keep-daily")
		weekly, _ := cmd.Flags().GetInt("keep-weekly")
		monthly, _ := cmd.Flags().GetInt("keep-monthly")
		trustTimestamps, _ := cmd.Flags().GetBool("trust-timestamps")
		forceFull, _ := cmd.Flags().GetBool("force-full")
		workers, _ := cmd.Flags().GetInt("workers")
		hashWorkers, _ := cmd.Flags().GetInt("hash-workers")
		retryMax, _ := cmd.Flags().GetInt("retry-max")
		retryDelay, _ := cmd.Flags().GetDuration("retry-delay")

		policy, err := loadPolicy(policyFile, daily, weekly, monthly)
		if err != nil {
			return err
		}

		engine := backup.NewEngine(backup.Config{
			SourceRoot:      sourceRoot,
			Excludes:        excludes,
			TrustTimestamps: trustTimestamps,
			ForceFull:       forceFull,
			UploadWorkers:   workers,
			HashWorkers:     hashWorkers,
			Retry: backup.RetryPolicy{
				MaxAttempts: retryMax,
				BaseDelay:   retryDelay,
			},
			Policy: policy,
		}, client, store)

		result, err := engine.Run(ctx)
		if err != nil {
			return err
		}

		recordRun(stateDir, result)
		printRunSummary(result)

		if result.State == backup.StateDegraded {
			return fmt.Errorf("run degraded: %d uploads failed", result.Failed)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().SortFlags = false
	runCmd.Flags().StringArray("exclude", nil, "glob pattern to exclude (repeatable)")
	runCmd.Flags().Bool("trust-timestamps", false, "skip hash verification when size and mtime match")
	runCmd.Flags().Bool("force-full", false, "treat a corrupt prior manifest as empty state")
	runCmd.Flags().Int("workers", 4, "parallel uploads")
	runCmd.Flags().Int("hash-workers", 4, "parallel hash computations")
	runCmd.Flags().Int("retry-max", 3, "max upload attempts per file")
	runCmd.Flags().Duration("retry-delay", 500*time.Millisecond, "initial retry backoff delay")
	runCmd.Flags().Int("keep-daily", 0, "daily snapshots to retain after the run")
	runCmd.Flags().Int("keep-weekly", 0, "weekly snapshots to retain after the run")
	runCmd.Flags().Int("keep-monthly", 0, "monthly snapshots to retain after the run")
	runCmd.Flags().String("policy-file", "", "YAML retention policy file (overrides keep-* flags)")
}

func recordRun(stateDir string, result *backup.RunResult) {
	journal := backup.NewJournal(filepath.Join(stateDir, "journal.db"))
	if err := journal.Open(); err != nil {
		slog.Warn("run journal unavailable", "error", err)
		return
	}
	defer journal.Close()

	if err := journal.RecordRun(result); err != nil {
		slog.Warn("failed to journal run", "error", err)
	}
}

func printRunSummary(result *backup.RunResult) {
	stateStr := green(string(result.State))
	if result.State == backup.StateDegraded {
		stateStr = red(string(result.State))
	}

	fmt.Printf("snapshot %s %s in %s\n", cyan(result.SnapshotID), stateStr, result.Duration.Round(time.Millisecond))
	fmt.Printf("  uploaded  %d (%s)\n", result.Uploaded, humanize.Bytes(uint64(result.UploadedBytes)))
	fmt.Printf("  unchanged %d\n", result.Unchanged)
	fmt.Printf("  deleted   %d\n", result.Deleted)
	fmt.Printf("  failed    %d\n", result.Failed)

	for _, failure := range result.Failures {
		fmt.Printf("  %s %s: %s\n", red("failed"), failure.Path, failure.Reason)
	}
	for _, skipped := range result.Skipped {
		fmt.Printf("  %s %s: %s\n", cyan("skipped"), skipped.Path, skipped.Reason)
	}
	for _, pruned := range result.Pruned {
		fmt.Printf("  pruned %s (%d objects)\n", pruned.SnapshotID, pruned.DeletedObjects)
	}
}

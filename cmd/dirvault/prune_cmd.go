package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmined/dirvault/internal/backup"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy to the target's snapshot history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		policyFile, _ := cmd.Flags().GetString("policy-file")
		daily, _ := cmd.Flags().GetInt("keep-daily")
		weekly, _ := cmd.Flags().GetInt("keep-weekly")
		monthly, _ := cmd.Flags().GetInt("keep-monthly")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		policy, err := loadPolicy(policyFile, daily, weekly, monthly)
		if err != nil {
			return err
		}
		if policy.Empty() {
			return fmt.Errorf("retention policy is empty; set keep-* flags or --policy-file")
		}

		client, store, err := newTarget(ctx)
		if err != nil {
			return err
		}

		entries, err := backup.NewPruner(client, store).Prune(ctx, policy, dryRun)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("nothing to prune")
			return nil
		}

		verb := "pruned"
		if dryRun {
			verb = "would prune"
		}
		for _, entry := range entries {
			fmt.Printf("%s %s (%d objects)\n", verb, cyan(entry.SnapshotID), entry.DeletedObjects)
		}
		return nil
	},
}

func init() {
	pruneCmd.Flags().SortFlags = false
	pruneCmd.Flags().Int("keep-daily", 0, "daily snapshots to retain")
	pruneCmd.Flags().Int("keep-weekly", 0, "weekly snapshots to retain")
	pruneCmd.Flags().Int("keep-monthly", 0, "monthly snapshots to retain")
	pruneCmd.Flags().String("policy-file", "", "YAML retention policy file (overrides keep-* flags)")
	pruneCmd.Flags().Bool("dry-run", false, "report deletions without issuing them")
}

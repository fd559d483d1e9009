package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/dirvault/internal/backup"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List committed snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		if local, _ := cmd.Flags().GetBool("local"); local {
			limit, _ := cmd.Flags().GetInt("limit")
			return printLocalHistory(limit)
		}

		_, store, err := newTarget(cmd.Context())
		if err != nil {
			return err
		}

		snapshots, err := store.History(cmd.Context())
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Println("no snapshots")
			return nil
		}

		for _, snap := range snapshots {
			fmt.Printf("%s  %s  %d files  %s\n",
				cyan(snap.SnapshotID),
				snap.CreatedAt.Local().Format(time.RFC3339),
				snap.FileCount,
				humanize.Bytes(uint64(snap.TotalSize)))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("local", false, "list runs from the local journal instead of the remote store")
	historyCmd.Flags().Int("limit", 50, "max journal entries with --local")
}

func printLocalHistory(limit int) error {
	journal := backup.NewJournal(filepath.Join(viper.GetString("state-dir"), "journal.db"))
	if err := journal.Open(); err != nil {
		return err
	}
	defer journal.Close()

	rows, err := journal.Runs(limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("no journaled runs")
		return nil
	}

	for _, row := range rows {
		state := green(row.State)
		if row.State == string(backup.StateDegraded) {
			state = red(row.State)
		}
		fmt.Printf("%s  %s  %s  up:%d fail:%d del:%d  %s\n",
			cyan(row.SnapshotID), row.StartedAt, state,
			row.Uploaded, row.Failed, row.Deleted,
			humanize.Bytes(uint64(row.UploadedBytes)))
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/dirvault/internal/version"
)

var (
	home, _         = os.UserHomeDir()
	defaultStateDir = filepath.Join(home, ".dirvault")
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "dirvault",
	Short:   "Incremental directory backup to S3 or MinIO",
	Version: version.Detailed(),
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().String("bucket", "", "destination bucket")
	rootCmd.PersistentFlags().String("prefix", "", "key prefix within the bucket")
	rootCmd.PersistentFlags().String("endpoint", "", "custom endpoint URL for MinIO or S3-compatible storage")
	rootCmd.PersistentFlags().String("region", "us-east-1", "bucket region")
	rootCmd.PersistentFlags().String("state-dir", defaultStateDir, "local state directory (run journal, lock)")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")

	viper.SetEnvPrefix("DIRVAULT")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd, historyCmd, pruneCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func main() {
	// AWS credentials and DIRVAULT_* settings may live in a .env next to
	// the invocation.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setupLogging(viper.GetBool("verbose"))
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

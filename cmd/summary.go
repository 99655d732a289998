package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agrisense.dev/soil-monitor/internal/backend"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Compute and broadcast one daily summary",
	Long: `Compute the daily soil summary for one calendar day and deliver it to
every active user, then exit. Connection settings are shared with the
backend command. Without --date the day that ended most recently is used.`,
	RunE: runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)

	summaryCmd.Flags().String("date", "", "calendar day to summarize (YYYY-MM-DD)")
}

func runSummary(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	config, err := backendConfig(logger)
	if err != nil {
		return err
	}

	var day time.Time
	if raw, _ := cmd.Flags().GetString("date"); raw != "" {
		day, err = time.ParseInLocation(time.DateOnly, raw, config.Location)
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", raw, err)
		}
	}

	server, err := backend.NewServer(config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := server.RunOnce(ctx, day)
	if err != nil {
		logger.Error("daily summary failed", "error", err)
		return err
	}

	if report.NoData {
		logger.Info("no sensor data for day", "date", report.Day.Format(time.DateOnly))
		return nil
	}

	logger.Info("daily summary sent",
		"run_id", report.RunID,
		"date", report.Day.Format(time.DateOnly),
		"message", report.Message.Message,
		"delivered", report.Delivered(),
		"failed", len(report.Failures()),
	)
	return nil
}

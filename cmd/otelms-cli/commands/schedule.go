package commands

import (
	"log/slog"
	"otelms-scraper/internal/components/chrono"
	comptelemetry "otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/model"

	"github.com/spf13/cobra"
)

var scheduleSpec *string

func init() {
	scheduleSpec = scheduleCmd.Flags().String("cron", "0 6 * * *", "When to scrape, in the hotel's timezone.")
	rootCmd.AddCommand(scheduleCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule [--cron <spec>]",
	Short: "Scrapes the reservations of the current day on a cron schedule until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		clock, err := chrono.NewStandardImpl(cfg.Timezone)
		if err != nil {
			return err
		}

		cron := chrono.NewStandardCron(comptelemetry.SlogAPI{}, clock)
		err = cron.Cron(*scheduleSpec, func() {
			s := cfg
			s.TargetDate = model.FormatDate(clock.Now())
			s.DateFrom = ""
			s.DateTo = ""

			res, err := scrapeOnce(ctx, s, true)
			if err != nil {
				slog.Error("scheduled scrape failed", "err", err)
				return
			}
			slog.Info(
				"scheduled scrape finished",
				"run", res.RunID,
				"status", res.Status,
				"records", res.Records,
				"gaps", len(res.Gaps),
			)
		})
		if err != nil {
			<-cron.Stop().Done()
			return err
		}
		slog.Info("scheduler started", "cron", *scheduleSpec, "timezone", cfg.Timezone)

		<-ctx.Done()
		slog.Info("waiting for the running scrape to finish")
		<-cron.Stop().Done()
		return nil
	},
}

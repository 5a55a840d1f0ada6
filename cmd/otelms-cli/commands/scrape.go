package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"otelms-scraper/internal/components/chrono"
	comptelemetry "otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/reservationstore"
	"otelms-scraper/lib/scrapers/otelms"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/scrapers/otelms/scrape"
	"otelms-scraper/lib/scrapers/otelms/settings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	scrapeDate    *string
	scrapeFrom    *string
	scrapeTo      *string
	scrapeNoStore *bool
)

func init() {
	scrapeDate = scrapeCmd.Flags().String("date", "", "Scrape a single day (YYYY-MM-DD), overrides TARGET_DATE.")
	scrapeFrom = scrapeCmd.Flags().String("from", "", "First day of the range to scrape (YYYY-MM-DD).")
	scrapeTo = scrapeCmd.Flags().String("to", "", "Last day of the range to scrape (YYYY-MM-DD).")
	scrapeNoStore = scrapeCmd.Flags().Bool("no-store", false, "Print the reservations instead of saving them.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--date <day>] [--from <day> --to <day>] [--no-store]",
	Short: "Scrapes the reservations of a day or a range once.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := cfg
		if *scrapeFrom != "" || *scrapeTo != "" {
			s.TargetDate = ""
			s.DateFrom = *scrapeFrom
			s.DateTo = *scrapeTo
		}
		if *scrapeDate != "" {
			s.TargetDate = *scrapeDate
		}
		err := s.Validate()
		if err != nil {
			return err
		}

		res, err := scrapeOnce(cmd.Context(), s, !*scrapeNoStore)
		if err != nil {
			return err
		}
		printResult(res)
		if res.Status == scrape.StateAborted {
			return res.Err
		}
		return nil
	},
}

// scrapeOnce runs a full scrape, saving the records and the result unless
// persist is false in which case the records are printed.
func scrapeOnce(ctx context.Context, s settings.Settings, persist bool) (scrape.Result, error) {
	clock, err := chrono.NewStandardImpl(s.Timezone)
	if err != nil {
		return scrape.Result{}, err
	}
	engine, err := otelms.New(s, clock, comptelemetry.SlogAPI{})
	if err != nil {
		return scrape.Result{}, err
	}
	defer func() {
		err := engine.Close(context.WithoutCancel(ctx))
		if err != nil {
			slog.Warn("failed to close engine", "err", err)
		}
	}()

	req, err := engine.Request()
	if err != nil {
		return scrape.Result{}, err
	}
	slog.Info("scraping", "from", model.FormatDate(req.From), "to", model.FormatDate(req.To))

	run := engine.Scraper.Start(ctx, req)

	if !persist {
		var records []model.Reservation
		for rec := range run.Records() {
			records = append(records, rec)
		}
		printRecords(records)
		return run.Result(), nil
	}

	database, err := s.Store.OpenDB()
	if err != nil {
		return scrape.Result{}, fmt.Errorf("open store: %w", err)
	}
	defer database.Close()
	store, err := reservationstore.NewStore(ctx, database, clock)
	if err != nil {
		return scrape.Result{}, err
	}

	saved, err := store.SaveAll(ctx, run.ID(), run.Records())
	res := run.Result()
	if err != nil {
		return res, err
	}
	err = store.SaveResult(context.WithoutCancel(ctx), res)
	if err != nil {
		return res, err
	}
	slog.Info("reservations saved", "run", res.RunID, "count", saved)
	return res, nil
}

func printRecords(records []model.Reservation) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"№", "Guest", "Room", "Check in", "Check out", "Nights", "Status", "Total", "Balance"})
	for _, rec := range records {
		t.AppendRow(table.Row{
			rec.ID,
			rec.Guest.Name,
			rec.Room.Number,
			model.FormatDate(rec.CheckIn),
			model.FormatDate(rec.CheckOut),
			rec.Nights,
			rec.Status,
			money(rec.Price.Total, rec.Price.Currency),
			money(rec.Price.Balance, rec.Price.Currency),
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// money renders an amount the page did not show as a dash.
func money(amount decimal.NullDecimal, currency string) string {
	if !amount.Valid {
		return "-"
	}
	return fmt.Sprintf("%s %s", amount.Decimal.StringFixed(2), currency)
}

func printResult(res scrape.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Status", "Records", "Gaps", "Last page", "Duration"})
	t.AppendRow(table.Row{
		res.RunID,
		res.Status,
		res.Records,
		len(res.Gaps),
		res.LastPage,
		res.Finished.Sub(res.Started).Round(time.Millisecond),
	})
	t.SetStyle(table.StyleRounded)
	t.Render()

	if len(res.Gaps) == 0 {
		return
	}
	gaps := table.NewWriter()
	gaps.SetOutputMirror(os.Stdout)
	gaps.AppendHeader(table.Row{"Page", "Reservation", "Reason", "Raw page"})
	for _, gap := range res.Gaps {
		page := ""
		if gap.Page > 0 {
			page = fmt.Sprint(gap.Page)
		}
		gaps.AppendRow(table.Row{page, gap.ReservationID, gap.Reason, gap.RawPageRef})
	}
	gaps.SetStyle(table.StyleRounded)
	gaps.Render()
}

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"otelms-scraper/internal/components/chrono"
	comptelemetry "otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms"
	"otelms-scraper/lib/scrapers/otelms/model"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	availabilityFrom *string
	availabilityTo   *string
)

func init() {
	availabilityFrom = availabilityCmd.Flags().String("from", "", "First day of the grid (YYYY-MM-DD), defaults to TARGET_DATE.")
	availabilityTo = availabilityCmd.Flags().String("to", "", "Last day of the grid (YYYY-MM-DD).")
	rootCmd.AddCommand(availabilityCmd)
}

var availabilityCmd = &cobra.Command{
	Use:   "availability [--from <day> --to <day>]",
	Short: "Prints the state of every room over a range of days.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := cfg
		if *availabilityFrom != "" || *availabilityTo != "" {
			s.TargetDate = ""
			s.DateFrom = *availabilityFrom
			s.DateTo = *availabilityTo
		}
		err := s.Validate()
		if err != nil {
			return err
		}

		clock, err := chrono.NewStandardImpl(s.Timezone)
		if err != nil {
			return err
		}
		engine, err := otelms.New(s, clock, comptelemetry.SlogAPI{})
		if err != nil {
			return err
		}
		defer func() {
			err := engine.Close(context.WithoutCancel(cmd.Context()))
			if err != nil {
				slog.Warn("failed to close engine", "err", err)
			}
		}()

		req, err := engine.Request()
		if err != nil {
			return err
		}
		grid, err := engine.Scraper.Availability(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("read calendar: %w", err)
		}
		printAvailability(grid)
		return nil
	},
}

func printAvailability(grid model.Availability) {
	categories := map[string]string{}
	for _, category := range grid.Categories {
		categories[category.ID] = category.Name
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Day", "Room", "Category", "State", "№"})
	for _, cell := range grid.Cells {
		t.AppendRow(table.Row{
			model.FormatDate(cell.Date),
			cell.RoomNumber,
			categories[cell.CategoryID],
			string(cell.State),
			cell.ReservationID,
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

package otelms

import (
	"context"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/scrape"
	"otelms-scraper/lib/scrapers/otelms/settings"
	"otelms-scraper/lib/testutil"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEngine(t *testing.T) {
	server := testutil.NewFakeOtelMS(t)
	server.Listings[1] = testutil.ListingPage(1, 1, "",
		testutil.ListingRow{ID: "101", Guest: "Ana López"},
		testutil.ListingRow{ID: "102", Guest: "Luis Pérez"},
	)
	server.Details["101"] = testutil.DetailPage("101", "Ana López", "12", "2023-10-27", "2023-10-29", "1.234,50 €", "0")
	server.Details["102"] = testutil.BrokenDetailPage

	s := settings.Settings{
		BaseDomain:       server.URL,
		Username:         testutil.FakeUser,
		Password:         testutil.FakePass,
		TargetDate:       "2023-10-27",
		LogLevel:         "info",
		TimeoutSeconds:   5,
		MaxAttempts:      2,
		MinSpacingMs:     1,
		CooldownSeconds:  1,
		DecimalSeparator: ",",
		ArchiveDir:       t.TempDir(),
	}
	require.NoError(t, s.Validate())

	clock := chrono.NewFake(time.Date(2023, 10, 27, 9, 0, 0, 0, time.UTC))
	engine, err := New(s, clock, telemetry.NewRecorder())
	require.NoError(t, err)

	req, err := engine.Request()
	require.NoError(t, err)
	require.Equal(t, time.Date(2023, 10, 27, 0, 0, 0, 0, time.UTC), req.From)

	records, res := engine.Scraper.Collect(context.Background(), req)
	require.Equal(t, scrape.StateDone, res.Status)
	require.Len(t, records, 1)
	require.Equal(t, "101", records[0].ID)
	require.True(t, records[0].Price.Total.Valid)
	require.Equal(t, "1234.5", records[0].Price.Total.Decimal.String())
	require.Len(t, res.Gaps, 1)
	require.FileExists(t, res.Gaps[0].RawPageRef)
	require.Equal(t, uint64(1), engine.Cache.Epoch())

	server.Calendar = `<html><body><table class="calendar_table"><tr>
<td class="calendar_td" day_id="19657" room_id="40"><div resid="101"></div></td>
</tr></table></body></html>`
	grid, err := engine.Scraper.Availability(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, grid.Cells, 1)
	require.Equal(t, "101", grid.Cells[0].ReservationID)

	require.NoError(t, engine.Close(context.Background()))
	require.Equal(t, 1, server.Hits("/login/DoLogOut/"))
}

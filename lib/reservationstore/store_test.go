package reservationstore

import (
	"context"
	"errors"
	"otelms-scraper/internal/components/chrono"
	configlibsql "otelms-scraper/lib/configutil/libsql"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/scrapers/otelms/scrape"
	"otelms-scraper/lib/testutil"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) Store {
	database := testutil.MemoryDB(t, "")
	clock := chrono.NewFake(time.Date(2023, 10, 27, 9, 0, 0, 0, time.UTC))
	store, err := NewStore(context.Background(), database, clock)
	require.NoError(t, err)
	return store
}

func day(d int) time.Time {
	return time.Date(2023, 10, d, 0, 0, 0, 0, time.UTC)
}

func reservation(id string, checkIn int) model.Reservation {
	return model.Reservation{
		ID: id,
		Guest: model.Guest{
			ID:      "g" + id,
			Name:    "Ana López",
			Email:   "ana@example.com",
			Country: "Perú",
		},
		Companions: []model.Guest{{Name: "Luis Pérez"}},
		Room:       model.Room{Number: "12", Category: "Doble"},
		Price: model.Price{
			Total:    decimal.NewNullDecimal(decimal.RequireFromString("1234.50")),
			Balance:  decimal.NewNullDecimal(decimal.RequireFromString("-20")),
			Currency: "PEN",
		},
		CheckIn:  day(checkIn),
		CheckOut: day(checkIn + 2),
		Nights:   2,
		Status:   "Confirmada",
		Source:   "Booking.com",
		Payments: []model.Payment{
			{Date: day(checkIn), Amount: decimal.RequireFromString("1254.50"), Method: "Tarjeta"},
		},
		Services: []model.Service{{
			Date:     day(checkIn),
			Number:   "55",
			Title:    "Desayuno",
			Price:    decimal.NewNullDecimal(decimal.RequireFromString("20")),
			Quantity: 2,
		}},
		Tariffs: []model.DailyTariff{
			{Date: day(checkIn), Description: "Tarifa rack", Price: decimal.NewNullDecimal(decimal.RequireFromString("617.25"))},
			{Date: day(checkIn + 1), Description: "Tarifa rack"},
		},
		Logs: []model.ChangeLog{{
			Date:   day(checkIn),
			Number: "9001",
			User:   "recepcion",
			Type:   "Pago",
			Action: "Agregar",
			Amount: decimal.NewNullDecimal(decimal.RequireFromString("1254.50")),
		}},
	}
}

func TestStore(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "101")
	require.ErrorIs(t, err, ErrNotFound)

	records := []model.Reservation{reservation("101", 27), reservation("102", 28), reservation("103", 30)}
	saved, err := store.SaveAll(ctx, "run-1", slices.Values(records))
	require.NoError(t, err)
	require.Equal(t, 3, saved)

	got, err := store.Get(ctx, "101")
	require.NoError(t, err)
	if diff := cmp.Diff(records[0], got); diff != "" {
		t.Fatal("unexpected reservation (-want +got)", diff)
	}

	updated := reservation("101", 27)
	updated.Status = "Cancelada"
	updated.Companions = nil
	updated.Payments = nil
	updated.Services = []model.Service{}
	updated.Logs = nil
	require.NoError(t, store.Save(ctx, "run-2", updated))

	got, err = store.Get(ctx, "101")
	require.NoError(t, err)
	updated.Services = nil
	if diff := cmp.Diff(updated, got); diff != "" {
		t.Fatal("unexpected reservation (-want +got)", diff)
	}

	listed, err := store.List(ctx, day(27), day(28))
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "101", listed[0].ID)
	require.Equal(t, "102", listed[1].ID)
}

func TestSaveMissingAmounts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec := reservation("101", 27)
	rec.Price.Total = decimal.NullDecimal{}
	rec.Price.Balance = decimal.NewNullDecimal(decimal.Zero)
	require.NoError(t, store.Save(ctx, "run-1", rec))

	var totalNull, balanceNull bool
	err := store.db.QueryRowContext(
		ctx, `select total is null, balance is null from Reservation where id = ?`, "101",
	).Scan(&totalNull, &balanceNull)
	require.NoError(t, err)
	require.True(t, totalNull)
	require.False(t, balanceNull)

	got, err := store.Get(ctx, "101")
	require.NoError(t, err)
	require.False(t, got.Price.Total.Valid)
	require.True(t, got.Price.Balance.Valid)
	require.True(t, got.Price.Balance.Decimal.IsZero())
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatal("unexpected reservation (-want +got)", diff)
	}
}

func TestOpenConfiguredDB(t *testing.T) {
	database, err := configlibsql.Struct{File: filepath.Join(t.TempDir(), "out", "reservations.db")}.OpenDB()
	require.NoError(t, err)
	defer database.Close()

	clock := chrono.NewFake(time.Date(2023, 10, 27, 9, 0, 0, 0, time.UTC))
	store, err := NewStore(context.Background(), database, clock)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "run-1", reservation("101", 27)))

	_, err = configlibsql.Struct{}.OpenDB()
	require.Error(t, err)
}

func TestSaveResult(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	res := scrape.Result{
		RunID:    "run-1",
		Records:  2,
		Status:   scrape.StateDone,
		LastPage: 5,
		Started:  time.Date(2023, 10, 27, 9, 0, 0, 0, time.UTC),
		Finished: time.Date(2023, 10, 27, 9, 1, 0, 0, time.UTC),
		Gaps: []scrape.Gap{
			{Page: 3, Reason: "ParseError", Err: errors.New("otelms: unusable page"), RawPageRef: "/tmp/page-1.html"},
			{ReservationID: "102", Reason: "NotRetryable"},
		},
	}
	require.NoError(t, store.SaveResult(ctx, res))
	// saving again replaces the gaps instead of duplicating them
	require.NoError(t, store.SaveResult(ctx, res))

	gaps, err := store.Gaps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	require.Equal(t, 3, gaps[0].Page)
	require.Equal(t, "ParseError", gaps[0].Reason)
	require.EqualError(t, gaps[0].Err, "otelms: unusable page")
	require.Equal(t, "/tmp/page-1.html", gaps[0].RawPageRef)
	require.Equal(t, "102", gaps[1].ReservationID)
	require.NoError(t, gaps[1].Err)
}

package cache

import (
	"context"
	"errors"
	"net/url"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/model"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var baseUrl *url.URL

func init() {
	var err error
	baseUrl, err = url.Parse("https://demo.otelms.com")
	if err != nil {
		panic(err)
	}
}

func newStore(t *testing.T) (*Store, *chrono.Fake) {
	clock := chrono.NewFake(time.Date(2023, 10, 27, 9, 0, 0, 0, time.UTC))
	store, err := Open(Options{Clock: clock, Tel: telemetry.NewRecorder()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	store.Advance(1)
	return store, clock
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(baseUrl, "/reservation_c2/list", url.Values{
		"page":      {"2"},
		"date_from": {"2023-10-27"},
	}, 1)
	require.NoError(t, err)
	b, err := Fingerprint(baseUrl, "/reservation_c2/list?date_from=2023-10-27&page=2", nil, 1)
	require.NoError(t, err)
	c, err := Fingerprint(baseUrl, "HTTPS://DEMO.otelms.com:443/reservation_c2/list?page=2&date_from=2023-10-27#top", nil, 1)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Equal(t, a, c)
	require.Regexp(t, `^e1:https://demo\.otelms\.com/reservation_c2/list`, a)

	otherEpoch, err := Fingerprint(baseUrl, "/reservation_c2/list?page=2&date_from=2023-10-27", nil, 2)
	require.NoError(t, err)
	require.NotEqual(t, a, otherEpoch)

	otherPage, err := Fingerprint(baseUrl, "/reservation_c2/list?page=3&date_from=2023-10-27", nil, 1)
	require.NoError(t, err)
	require.NotEqual(t, a, otherPage)
}

func TestGetOrFetch(t *testing.T) {
	store, clock := newStore(t)
	cache := New[model.RawPage](store, KindListing)

	calls := 0
	compute := func(ctx context.Context) (model.RawPage, error) {
		calls++
		return model.RawPage{
			Fingerprint: "e1:listing",
			Body:        []byte("<html>page 1</html>"),
			Status:      200,
			FetchedAt:   clock.Now(),
		}, nil
	}

	ctx := context.Background()
	first, err := cache.GetOrFetch(ctx, "e1:listing", compute)
	require.NoError(t, err)
	second, err := cache.GetOrFetch(ctx, "e1:listing", compute)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.Equal(t, first.Body, second.Body)
	hits, misses := store.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)

	// still within the listing ttl
	clock.Advance(DefaultListingTTL - time.Second)
	_, err = cache.GetOrFetch(ctx, "e1:listing", compute)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	clock.Advance(2 * time.Second)
	_, err = cache.GetOrFetch(ctx, "e1:listing", compute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestEpochInvalidation(t *testing.T) {
	store, _ := newStore(t)
	cache := New[string](store, KindDetail)

	calls := 0
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "folio", nil
	}

	ctx := context.Background()
	_, err := cache.GetOrFetch(ctx, "folio/101", compute)
	require.NoError(t, err)

	store.Advance(2)
	_, err = cache.GetOrFetch(ctx, "folio/101", compute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	// going back is not a thing
	store.Advance(1)
	require.Equal(t, uint64(2), store.Epoch())
}

func TestErrorsAreNotCached(t *testing.T) {
	store, _ := newStore(t)
	cache := New[string](store, KindDetail)

	boom := errors.New("boom")
	_, err := cache.GetOrFetch(context.Background(), "folio/7", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	value, err := cache.GetOrFetch(context.Background(), "folio/7", func(ctx context.Context) (string, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", value)
}

func TestInvalidate(t *testing.T) {
	store, _ := newStore(t)
	cache := New[string](store, KindListing)

	var calls atomic.Int32
	compute := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "listing", nil
	}

	ctx := context.Background()
	_, err := cache.GetOrFetch(ctx, "list?page=1", compute)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "list?page=1"))
	_, err = cache.GetOrFetch(ctx, "list?page=1", compute)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestConcurrentCompute(t *testing.T) {
	store, _ := newStore(t)
	cache := New[model.Reservation](store, KindDetail)

	release := make(chan struct{})
	var calls atomic.Int32
	compute := func(ctx context.Context) (model.Reservation, error) {
		calls.Add(1)
		<-release
		return model.Reservation{
			ID:    "101",
			Guest: model.Guest{Name: "Ana López"},
			Price: model.Price{Total: decimal.NewNullDecimal(decimal.RequireFromString("300.00")), Currency: "EUR"},
		}, nil
	}

	const n = 16
	results := make([]model.Reservation, n)
	errs := make([]error, n)
	started := sync.WaitGroup{}
	done := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			results[i], errs[i] = cache.GetOrFetch(context.Background(), "folio/101", compute)
		}()
	}
	started.Wait()
	// give the stragglers a moment to join the flight
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Empty(t, cmp.Diff(results[0], results[i]))
	}
	require.True(t, results[0].Price.Total.Decimal.Equal(decimal.RequireFromString("300")))
}

func TestComputedMatchesCached(t *testing.T) {
	store, _ := newStore(t)
	cache := New[model.Reservation](store, KindDetail)

	compute := func(ctx context.Context) (model.Reservation, error) {
		return model.Reservation{
			ID:         "101",
			Guest:      model.Guest{Name: "Ana López"},
			Companions: []model.Guest{},
			Payments:   []model.Payment{},
			Services:   []model.Service{{Title: "Desayuno", Quantity: 1}},
			Price:      model.Price{Balance: decimal.NewNullDecimal(decimal.Zero)},
		}, nil
	}

	ctx := context.Background()
	computed, err := cache.GetOrFetch(ctx, "folio/101", compute)
	require.NoError(t, err)
	cached, err := cache.GetOrFetch(ctx, "folio/101", func(ctx context.Context) (model.Reservation, error) {
		t.Fatal("expected a cache hit")
		return model.Reservation{}, nil
	})
	require.NoError(t, err)

	hits, misses := store.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
	diff := cmp.Diff(computed, cached)
	if diff != "" {
		t.Fatal(diff)
	}
	require.True(t, cached.Price.Balance.Valid)
	require.False(t, cached.Price.Total.Valid)
}

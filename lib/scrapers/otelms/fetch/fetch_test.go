package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/scrapers/otelms/retry"
	"otelms-scraper/lib/scrapers/otelms/session"
	"otelms-scraper/lib/testutil"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	server  *testutil.FakeOtelMS
	manager *session.Manager
	fetcher *Fetcher
}

func setup(t *testing.T) fixture {
	server := testutil.NewFakeOtelMS(t)
	tel := telemetry.NewRecorder()
	clock := chrono.NewFake(time.Date(2023, 10, 27, 9, 0, 0, 0, time.UTC))

	manager, err := session.NewManager(session.Options{
		BaseUrl: server.URL,
		Credentials: session.Credentials{
			Username: testutil.FakeUser,
			Password: testutil.FakePass,
		},
		Clock: clock,
		Tel:   tel,
	})
	require.NoError(t, err)

	policy := retry.DefaultPolicy()
	policy.InitialInterval = time.Millisecond
	policy.MaxInterval = time.Millisecond
	policy.MinSpacing = 0

	fetcher, err := NewFetcher(Options{
		BaseUrl:    server.URL,
		Controller: retry.NewController(policy, clock, tel),
		Expirer:    manager,
		Clock:      clock,
		Tel:        tel,
	})
	require.NoError(t, err)

	return fixture{server: server, manager: manager, fetcher: fetcher}
}

func TestFetch(t *testing.T) {
	f := setup(t)
	f.server.Listings[2] = testutil.ListingPage(2, 2, "", testutil.ListingRow{ID: "101", Guest: "Ana"})

	ctx := context.Background()
	sess, err := f.manager.Ensure(ctx)
	require.NoError(t, err)

	page, err := f.fetcher.Fetch(ctx, "/reservation_c2/list", url.Values{"page": {"2"}}, sess)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.Status)
	require.Contains(t, string(page.Body), "/reservation_c2/folio/101/1")
	require.True(t, strings.HasPrefix(page.Fingerprint, "e1:"))
	require.Contains(t, page.URL, "page=2")
}

func TestFetchSessionExpired(t *testing.T) {
	f := setup(t)
	f.server.Details["101"] = testutil.DetailPage("101", "Ana", "12", "2023-10-27", "2023-10-29", "200,00 €", "0,00")

	ctx := context.Background()
	sess, err := f.manager.Ensure(ctx)
	require.NoError(t, err)

	f.server.ExpireSessions()

	_, err = f.fetcher.Fetch(ctx, "/reservation_c2/folio/101/1", nil, sess)
	require.ErrorIs(t, err, model.ErrSessionExpired)

	// the manager logs in again on the next Ensure
	renewed, err := f.manager.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), renewed.Epoch)

	page, err := f.fetcher.Fetch(ctx, "/reservation_c2/folio/101/1", nil, renewed)
	require.NoError(t, err)
	require.Contains(t, string(page.Body), "Reserva № 101")
}

func TestFetchForbidden(t *testing.T) {
	f := setup(t)
	// a page the account has no access to
	f.server.Hooks["/reservation_c2/folio/9/1"] = func(w http.ResponseWriter, r *http.Request) bool {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "<html><body>Acceso denegado</body></html>")
		return true
	}
	// the platform answering a dead session with a 403 and its login form
	f.server.Hooks["/reservation_c2/folio/10/1"] = func(w http.ResponseWriter, r *http.Request) bool {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, testutil.LoginFormPage)
		return true
	}

	ctx := context.Background()
	sess, err := f.manager.Ensure(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = f.fetcher.Fetch(ctx, "/reservation_c2/folio/9/1", nil, sess)
		require.ErrorIs(t, err, model.ErrNotRetryable)
		require.NotErrorIs(t, err, model.ErrSessionExpired)
	}
	require.Equal(t, 5, f.server.Hits("/reservation_c2/folio/9/1"))

	// the session survives, nothing logs in again
	current, err := f.manager.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, sess.Epoch, current.Epoch)
	require.Equal(t, 1, f.server.Logins())

	_, err = f.fetcher.Fetch(ctx, "/reservation_c2/folio/10/1", nil, sess)
	require.ErrorIs(t, err, model.ErrSessionExpired)
	require.Equal(t, 1, f.server.Hits("/reservation_c2/folio/10/1"))

	renewed, err := f.manager.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, sess.Epoch+1, renewed.Epoch)
	require.Equal(t, 2, f.server.Logins())
}

func TestFetchUnauthorized(t *testing.T) {
	f := setup(t)
	f.server.Hooks["/reservation_c2/folio/11/1"] = func(w http.ResponseWriter, r *http.Request) bool {
		w.WriteHeader(http.StatusUnauthorized)
		return true
	}

	ctx := context.Background()
	sess, err := f.manager.Ensure(ctx)
	require.NoError(t, err)

	_, err = f.fetcher.Fetch(ctx, "/reservation_c2/folio/11/1", nil, sess)
	require.ErrorIs(t, err, model.ErrSessionExpired)
	require.Equal(t, 1, f.server.Hits("/reservation_c2/folio/11/1"))
}

func TestFetchNotFound(t *testing.T) {
	f := setup(t)

	ctx := context.Background()
	sess, err := f.manager.Ensure(ctx)
	require.NoError(t, err)

	_, err = f.fetcher.Fetch(ctx, "/reservation_c2/folio/404/1", nil, sess)
	require.ErrorIs(t, err, model.ErrNotRetryable)
	require.NotErrorIs(t, err, model.ErrSessionExpired)
}

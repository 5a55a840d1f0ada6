package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const (
	FakeUser       = "frontdesk"
	FakePass       = "hunter2"
	fakeCookieName = "PHPSESSID"
)

const LoginFormPage = `<html><body>
<form method="post" action="/login/DoLogIn/">
<input type="text" name="login">
<input type="password" name="password">
<input type="hidden" name="action" value="login">
</form>
</body></html>`

const DashboardPage = `<html><head><meta name="csrf-token" content="tok-123"></head>
<body><div class="navbar">Recepción</div></body></html>`

// FakeOtelMS is an httptest server that speaks enough of otelms to log in,
// list reservations and serve folio pages.
type FakeOtelMS struct {
	*httptest.Server

	mu       sync.Mutex
	sessions map[string]bool
	logins   int
	hits     map[string]int
	queries  map[string][]string

	// LoginFailures is the number of upcoming logins answered with a 503.
	LoginFailures int
	// Listings maps a page number to the html of that listing page.
	Listings map[int]string
	// Details maps a reservation id to the html of its folio page.
	Details map[string]string
	// Calendar is the html of the availability grid.
	Calendar string
	// Hooks take over a path entirely when they return true.
	Hooks map[string]func(w http.ResponseWriter, r *http.Request) bool
}

func NewFakeOtelMS(t testing.TB) *FakeOtelMS {
	f := &FakeOtelMS{
		sessions: map[string]bool{},
		hits:     map[string]int{},
		queries:  map[string][]string{},
		Listings: map[int]string{},
		Details:  map[string]string{},
		Hooks:    map[string]func(w http.ResponseWriter, r *http.Request) bool{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// Logins returns the number of successful logins.
func (f *FakeOtelMS) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

// Hits returns the number of requests that reached the given path.
func (f *FakeOtelMS) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

// Queries returns the raw query of every request that reached path, in
// order.
func (f *FakeOtelMS) Queries(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries[path]...)
}

// ExpireSessions invalidates every session handed out so far.
func (f *FakeOtelMS) ExpireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = map[string]bool{}
}

func (f *FakeOtelMS) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.queries[r.URL.Path] = append(f.queries[r.URL.Path], r.URL.RawQuery)
	hook := f.Hooks[r.URL.Path]
	f.mu.Unlock()

	if hook != nil && hook(w, r) {
		return
	}

	switch {
	case r.URL.Path == "/login/DoLogIn/":
		f.login(w, r)
		return
	case r.URL.Path == "/login/DoLogOut/":
		w.WriteHeader(http.StatusOK)
		return
	case strings.HasPrefix(r.URL.Path, "/login"):
		fmt.Fprint(w, LoginFormPage)
		return
	}

	if !f.authenticated(r) {
		http.Redirect(w, r, "/login/", http.StatusFound)
		return
	}

	switch {
	case r.URL.Path == "/":
		fmt.Fprint(w, DashboardPage)
	case r.URL.Path == "/reservation_c2/list":
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		if err != nil {
			page = 1
		}
		f.mu.Lock()
		body, ok := f.Listings[page]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	case r.URL.Path == "/reservation_c2/calendar":
		f.mu.Lock()
		body := f.Calendar
		f.mu.Unlock()
		if body == "" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	case strings.HasPrefix(r.URL.Path, "/reservation_c2/folio/"):
		id := strings.Split(strings.TrimPrefix(r.URL.Path, "/reservation_c2/folio/"), "/")[0]
		f.mu.Lock()
		body, ok := f.Details[id]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeOtelMS) login(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.LoginFailures > 0 {
		f.LoginFailures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.FormValue("login") != FakeUser || r.FormValue("password") != FakePass {
		fmt.Fprint(w, LoginFormPage)
		return
	}

	f.logins++
	id := fmt.Sprintf("s%d", f.logins)
	f.sessions[id] = true
	http.SetCookie(w, &http.Cookie{Name: fakeCookieName, Value: id, Path: "/"})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (f *FakeOtelMS) authenticated(r *http.Request) bool {
	cookie, err := r.Cookie(fakeCookieName)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[cookie.Value]
}

// ListingRow is a single row rendered by ListingPage.
type ListingRow struct {
	ID       string
	Guest    string
	Room     string
	CheckIn  string
	CheckOut string
	Status   string
	Balance  string
}

// ListingPage renders a reservation listing table, next is the href of the
// "next" link and is omitted when empty.
func ListingPage(page, last int, next string, rows ...ListingRow) string {
	b := &strings.Builder{}
	b.WriteString(`<html><body><table class="table reservations"><thead><tr>`)
	b.WriteString(`<th>№</th><th>Huésped</th><th>Habitación</th><th>Llegada</th><th>Salida</th><th>Estado</th><th>Balance</th>`)
	b.WriteString(`</tr></thead><tbody>`)
	for _, row := range rows {
		link := ""
		if row.ID != "" {
			link = fmt.Sprintf(`<a href="/reservation_c2/folio/%s/1">%s</a>`, row.ID, row.ID)
		}
		fmt.Fprintf(
			b,
			`<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>`,
			link, row.Guest, row.Room, row.CheckIn, row.CheckOut, row.Status, row.Balance,
		)
	}
	b.WriteString(`</tbody></table><ul class="pagination">`)
	for i := 1; i <= last; i++ {
		class := ""
		if i == page {
			class = ` class="active"`
		}
		fmt.Fprintf(b, `<li%s><a href="/reservation_c2/list?page=%d">%d</a></li>`, class, i, i)
	}
	if next != "" {
		fmt.Fprintf(b, `<li class="next"><a rel="next" href="%s">&raquo;</a></li>`, next)
	}
	b.WriteString(`</ul></body></html>`)
	return b.String()
}

// DetailPage renders a minimal folio page for a reservation.
func DetailPage(id, guest, room, checkIn, checkOut, total, balance string) string {
	return fmt.Sprintf(`<html><body>
<h1>Reserva № %s</h1>
<input type="hidden" name="id_reservation" value="%s">
<div class="row">
<div class="col-md-3"><b>Cliente</b> %s</div>
<div class="col-md-3"><b>Habitación</b> %s</div>
<div class="col-md-3"><b>Llegada</b> %s</div>
<div class="col-md-3"><b>Salida</b> %s</div>
<div class="col-md-3"><b>Estado</b> Confirmada</div>
<div class="col-md-3"><b>Total</b> %s</div>
</div>
<div class="folio-balance">Saldo: <span>%s</span></div>
</body></html>`, id, id, guest, room, checkIn, checkOut, total, balance)
}

// BrokenDetailPage is a folio that lost every structural anchor.
const BrokenDetailPage = `<html><body><div class="alert">Error interno</div></body></html>`

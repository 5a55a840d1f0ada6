package extract

import (
	"context"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/testutil"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func page(url, body string) model.RawPage {
	return model.RawPage{URL: url, Body: []byte(body), Status: 200}
}

func TestParseListingTable(t *testing.T) {
	tel := telemetry.NewRecorder()
	extractor := NewExtractor(DefaultLocale(), tel)

	body := testutil.ListingPage(
		1, 3, "/reservation_c2/list?page=2",
		testutil.ListingRow{ID: "101", Guest: "Ana López", Room: "12", CheckIn: "2023-10-27", CheckOut: "2023-10-29", Status: "Confirmada", Balance: "-120.50"},
		testutil.ListingRow{Guest: "Sin número", Room: "14"},
		testutil.ListingRow{ID: "102", Guest: "John Smith", Room: "15", CheckIn: "27/10/2023", CheckOut: "31/10/2023", Status: "Check-in", Balance: "0"},
	)

	listing, err := extractor.ParseListing(context.Background(), page("https://demo.otelms.com/reservation_c2/list?page=1", body))
	require.NoError(t, err)

	require.Equal(t, 1, listing.Page)
	require.Equal(t, 2, listing.NextPage)
	require.Equal(t, "/reservation_c2/list?page=2", listing.Next)
	require.Equal(t, 3, listing.LastPage)

	expect := []model.ReservationSummary{
		{
			ID:         "101",
			GuestName:  "Ana López",
			RoomNumber: "12",
			CheckIn:    date(2023, 10, 27),
			CheckOut:   date(2023, 10, 29),
			Status:     "Confirmada",
			Balance:    decimal.NewNullDecimal(decimal.RequireFromString("-120.50")),
			DetailPath: "/reservation_c2/folio/101/1",
		},
		{
			ID:         "102",
			GuestName:  "John Smith",
			RoomNumber: "15",
			CheckIn:    date(2023, 10, 27),
			CheckOut:   date(2023, 10, 31),
			Status:     "Check-in",
			Balance:    decimal.NewNullDecimal(decimal.Zero),
			DetailPath: "/reservation_c2/folio/102/1",
		},
	}
	diff := cmp.Diff(expect, listing.Summaries)
	if diff != "" {
		t.Fatal(diff)
	}

	// the row without an id is reported, not fatal
	require.Len(t, tel.Reports("warning", report_extractor_listing), 1)
}

func TestParseListingMalformedNext(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	testCases := []struct {
		name string
		next string
	}{
		{name: "javascript", next: "javascript:void(0)"},
		{name: "no page", next: "/reservation_c2/list"},
		{name: "backwards", next: "/reservation_c2/list?page=1"},
		{name: "garbage", next: "/reservation_c2/list?page=abc"},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			body := testutil.ListingPage(2, 2, test.next, testutil.ListingRow{ID: "7", Guest: "Ana"})
			listing, err := extractor.ParseListing(context.Background(), page("https://demo.otelms.com/reservation_c2/list?page=2", body))
			require.NoError(t, err)
			require.Equal(t, "", listing.Next)
			require.Equal(t, 0, listing.NextPage)
			require.Len(t, listing.Summaries, 1)
		})
	}
}

func TestParseListingEmpty(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	listing, err := extractor.ParseListing(context.Background(), page("https://demo.otelms.com/reservation_c2/list", testutil.ListingPage(1, 1, "")))
	require.NoError(t, err)
	require.Empty(t, listing.Summaries)
	require.Equal(t, 1, listing.LastPage)
}

func TestParseListingNoAnchors(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	_, err := extractor.ParseListing(context.Background(), page("https://demo.otelms.com/reservation_c2/list", `<html><body><p>Mantenimiento</p></body></html>`))
	require.ErrorIs(t, err, model.ErrParse)
}

const calendarPage = `<html><body>
<table class="calendar_table">
<tr>
<td class="calendar_td" day_id="1" room_id="12">
<div resid="22796" data-title="Reserva 22796, Booking.com&lt;br&gt;Huésped: Ana López&lt;br&gt;Lllegada: 2023-10-27&lt;br&gt;Salida: 2023-10-29&lt;br&gt;Balance: -50.00"></div>
</td>
<td class="calendar_td" day_id="2" room_id="12">
<div resid="22796" data-title="Reserva 22796, Booking.com&lt;br&gt;Huésped: Ana López"></div>
</td>
<td class="calendar_td" day_id="1" room_id="14">
<div resid="22800" data-title="Reserva 22800, Directo&lt;br&gt;Huésped: John Smith&lt;br&gt;Lllegada: 2023-10-27&lt;br&gt;Salida: 2023-10-28&lt;br&gt;Balance: 0"></div>
</td>
<td class="calendar_td bg_padlock" day_id="3" room_id="14"></td>
</tr>
</table>
</body></html>`

func TestParseListingCalendar(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	listing, err := extractor.ParseListing(context.Background(), page("https://demo.otelms.com/reservation_c2/calendar?date=2023-10-27", calendarPage))
	require.NoError(t, err)
	require.Equal(t, 0, listing.NextPage)

	expect := []model.ReservationSummary{
		{
			ID:         "22796",
			GuestName:  "Ana López",
			RoomNumber: "12",
			CheckIn:    date(2023, 10, 27),
			CheckOut:   date(2023, 10, 29),
			Balance:    decimal.NewNullDecimal(decimal.RequireFromString("-50")),
			Source:     "Booking.com",
			DetailPath: "/reservation_c2/folio/22796/1",
		},
		{
			ID:         "22800",
			GuestName:  "John Smith",
			RoomNumber: "14",
			CheckIn:    date(2023, 10, 27),
			CheckOut:   date(2023, 10, 28),
			Balance:    decimal.NewNullDecimal(decimal.Zero),
			Source:     "Directo",
			DetailPath: "/reservation_c2/folio/22800/1",
		},
	}
	diff := cmp.Diff(expect, listing.Summaries)
	if diff != "" {
		t.Fatal(diff)
	}
}

const folioPage = `<html><body>
<h1>Reserva № 22796</h1>
<input type="hidden" name="id_reservation" value="22796">
<div class="panel" id="anchors_main_information">
<h2>Información básica</h2>
<div class="panel-body">
<div class="col-md-3"><b>Cliente:</b> Ana López <i class="fa fa-edit"></i></div>
<div class="col-md-3"><b>Teléfono:</b> +34 600 000 000</div>
<div class="col-md-3"><b>Email:</b> <a href="mailto:ana@example.com">ana@example.com</a></div>
<div class="col-md-3"><b>Fuente:</b> Booking.com</div>
</div>
</div>
<div class="panel" id="anchors_accommodation">
<div class="panel-body">
<div class="col-md-2"><b>Habitación</b> 12 (Doble superior)</div>
<div class="col-md-2"><b>Llegada</b> Viernes - 2023-10-27 14:00</div>
<div class="col-md-2"><b>Salida</b> Domingo - 2023-10-29 12:00</div>
<div class="col-md-2"><b>Noches</b> 2</div>
<div class="col-md-2"><b>Estado</b> Confirmada</div>
</div>
</div>
<div id="FO_total">1.250,00 €</div>
<div class="folio-balance">Saldo: <span>-120,50</span></div>
<div class="panel" id="anchors_info_residents">
<table class="add-line-table">
<tbody>
<tr><td><a href="/reservation_c2/guestfolio/881">Ana López</a></td><td>F</td><td>ana@example.com</td><td>1990-01-01</td></tr>
</tbody>
<tbody>
<tr><td><a href="/reservation_c2/guestfolio/882">Luis Pérez</a></td><td>M</td><td>luis@example.com</td><td>1988-05-04</td></tr>
</tbody>
</table>
</div>
<div class="panel" id="anchors_list_payments">
<h2>Lista de pagos</h2>
<table>
<thead><tr><th>Fecha</th><th>Creado</th><th>№</th><th>Entidad legal</th><th>Descripción</th><th>Tipo</th><th>Importe</th><th>Método de pago</th></tr></thead>
<tbody>
<tr><td>2023-10-20</td><td>2023-10-20 10:00</td><td>5501</td><td></td><td>Prepago</td><td>Pago</td><td>500,00</td><td>Tarjeta</td></tr>
<tr><td>2023-10-27</td><td>2023-10-27 15:12</td><td>5502</td><td></td><td>Llegada</td><td>Pago</td><td>629,50</td><td>Efectivo</td></tr>
</tbody>
</table>
</div>
<div class="panel" id="anchors_list_payments">
<h2>Lista de tarjetas de pago</h2>
<table><tbody><tr><td>**** 4242</td></tr></tbody></table>
</div>
</body></html>`

func TestParseDetail(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	res, err := extractor.ParseDetail(context.Background(), page("https://demo.otelms.com/reservation_c2/folio/22796/1", folioPage))
	require.NoError(t, err)

	expect := model.Reservation{
		ID: "22796",
		Guest: model.Guest{
			ID:    "881",
			Name:  "Ana López",
			Email: "ana@example.com",
			Phone: "+34 600 000 000",
		},
		Companions: []model.Guest{
			{ID: "882", Name: "Luis Pérez", Email: "luis@example.com"},
		},
		Room: model.Room{Number: "12", Category: "Doble superior"},
		Price: model.Price{
			Total:    decimal.NewNullDecimal(decimal.RequireFromString("1250")),
			Balance:  decimal.NewNullDecimal(decimal.RequireFromString("-120.5")),
			Currency: "EUR",
		},
		CheckIn:  date(2023, 10, 27),
		CheckOut: date(2023, 10, 29),
		Nights:   2,
		Status:   "Confirmada",
		Source:   "Booking.com",
		Payments: []model.Payment{
			{Date: date(2023, 10, 20), Amount: decimal.RequireFromString("500"), Method: "Tarjeta"},
			{Date: date(2023, 10, 27), Amount: decimal.RequireFromString("629.5"), Method: "Efectivo"},
		},
	}
	diff := cmp.Diff(expect, res)
	if diff != "" {
		t.Fatal(diff)
	}
}

func TestParseDetailFallbacks(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	// no id anchor, the id comes from the url
	body := `<html><body><div class="row">
<div class="col-md-3"><b>Cliente</b> John Smith</div>
<div class="col-md-3"><b>Llegada</b> 2023-10-27</div>
<div class="col-md-3"><b>Salida</b> 2023-10-30</div>
</div></body></html>`
	res, err := extractor.ParseDetail(context.Background(), page("https://demo.otelms.com/reservation_c2/folio/555/1", body))
	require.NoError(t, err)
	require.Equal(t, "555", res.ID)
	require.Equal(t, "John Smith", res.Guest.Name)
	require.Equal(t, 3, res.Nights)
	require.False(t, res.Price.Total.Valid)
	require.False(t, res.Price.Balance.Valid)
	require.Nil(t, res.Payments)
	require.Nil(t, res.Companions)
}

func TestParseDetailZeroAmounts(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	body := `<html><body>
<input type="hidden" name="id_reservation" value="556">
<div class="col-md-3"><b>Cliente</b> John Smith</div>
<div id="FO_total">0,00</div>
<div class="panel" id="anchors_list_payments">
<h2>Lista de pagos</h2>
<table>
<thead><tr><th>Fecha</th><th>Importe</th></tr></thead>
<tbody></tbody>
</table>
</div>
</body></html>`
	res, err := extractor.ParseDetail(context.Background(), page("https://demo.otelms.com/reservation_c2/folio/556/1", body))
	require.NoError(t, err)
	require.True(t, res.Price.Total.Valid)
	require.True(t, res.Price.Total.Decimal.IsZero())
	require.False(t, res.Price.Balance.Valid)
	// an empty table reads the same as a missing one
	require.Nil(t, res.Payments)
}

const folioTablesPage = `<html><body>
<input type="hidden" name="id_reservation" value="22810">
<div class="col-md-3"><b>Cliente</b> Marta Ruiz</div>
<div class="panel" id="anchors_services">
<h2>Servicios</h2>
<table class="add-line-table">
<thead><tr><th>Fecha y hora</th><th>№</th><th>Título</th><th>Entidad legal</th><th>Descripción</th><th>Código</th><th>Precio</th><th>Cantidad</th></tr></thead>
<tbody>
<tr><td>2023-10-28 09:10</td><td>71</td><td>Desayuno</td><td></td><td>Buffet</td><td>DES</td><td>12,50</td><td>2</td></tr>
<tr><td>2023-10-28 20:00</td><td>72</td><td>Minibar</td><td></td><td></td><td>MIN</td><td></td><td></td></tr>
<tr><td></td><td></td><td>Total</td><td></td><td></td><td></td><td>25,00</td><td></td></tr>
</tbody>
</table>
</div>
<div class="panel" id="anchors_billing_days">
<h2>Tarifas diarias</h2>
<table>
<thead><tr><th>Fecha</th><th>Descripción</th><th>Precio</th></tr></thead>
<tbody>
<tr><td>2023-10-27</td><td>BAR</td><td>90,00</td></tr>
<tr><td>2023-10-28</td><td>BAR</td><td>95,00</td></tr>
<tr><th colspan="2">Total</th><td>185,00</td></tr>
</tbody>
</table>
</div>
<div class="panel" id="anchors_log">
<h2>Historia</h2>
<table class="add-line-table">
<tbody>
<tr><td>2023-10-20 10:00</td><td>9001</td><td>recepcion</td><td>Reserva</td><td>Creada</td><td>Booking.com</td></tr>
<tr><td>2023-10-27 15:12</td><td>9002</td><td>recepcion</td><td>Pago</td><td>Añadido</td><td>629,50</td><td>Efectivo</td></tr>
<tr><td>incompleta</td></tr>
</tbody>
</table>
</div>
</body></html>`

func TestParseDetailTables(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	res, err := extractor.ParseDetail(context.Background(), page("https://demo.otelms.com/reservation_c2/folio/22810/1", folioTablesPage))
	require.NoError(t, err)

	expectServices := []model.Service{
		{
			Date:        date(2023, 10, 28),
			Number:      "71",
			Title:       "Desayuno",
			Description: "Buffet",
			Price:       decimal.NewNullDecimal(decimal.RequireFromString("12.5")),
			Quantity:    2,
		},
		{Date: date(2023, 10, 28), Number: "72", Title: "Minibar", Quantity: 1},
	}
	diff := cmp.Diff(expectServices, res.Services)
	if diff != "" {
		t.Fatal(diff)
	}

	expectTariffs := []model.DailyTariff{
		{Date: date(2023, 10, 27), Description: "BAR", Price: decimal.NewNullDecimal(decimal.RequireFromString("90"))},
		{Date: date(2023, 10, 28), Description: "BAR", Price: decimal.NewNullDecimal(decimal.RequireFromString("95"))},
	}
	diff = cmp.Diff(expectTariffs, res.Tariffs)
	if diff != "" {
		t.Fatal(diff)
	}

	expectLogs := []model.ChangeLog{
		{Date: date(2023, 10, 20), Number: "9001", User: "recepcion", Type: "Reserva", Action: "Creada", Description: "Booking.com"},
		{
			Date:        date(2023, 10, 27),
			Number:      "9002",
			User:        "recepcion",
			Type:        "Pago",
			Action:      "Añadido",
			Amount:      decimal.NewNullDecimal(decimal.RequireFromString("629.5")),
			Description: "Efectivo",
		},
	}
	diff = cmp.Diff(expectLogs, res.Logs)
	if diff != "" {
		t.Fatal(diff)
	}
}

const availabilityPage = `<html><body>
<div class="calendar_rooms" id="btn_close3" catid="3"><div class="calendar_rooms_dott">Doble superior</div></div>
<div class="calendar_num_room btn_close_box3"><div class="calendar_number_room">101 DBL</div></div>
<div class="calendar_num_room btn_close_box3"><div class="calendar_number_room">102 DBL</div></div>
<div class="calendar_rooms" id="btn_close5" catid="5"><div class="calendar_rooms_dott">Suite</div></div>
<div class="calendar_num_room btn_close_box5"><div class="calendar_number_room">201</div></div>
<table id="desk">
<tbody class="my_category"><tr><td category_id="3"></td></tr></tbody>
<tbody><tr><td room_id="41"></td></tr></tbody>
<tbody><tr><td room_id="40"></td></tr></tbody>
<tbody class="my_category"><tr><td category_id="5"></td></tr></tbody>
<tbody><tr><td room_id="0"></td></tr></tbody>
<tbody><tr><td room_id="57"></td></tr></tbody>
</table>
<table class="calendar_table">
<tr>
<td class="calendar_td" day_id="19657" room_id="40"><div resid="22796" data-title="Reserva 22796, Directo"></div></td>
<td class="calendar_td bg_padlock" day_id="19658" room_id="40"></td>
<td class="calendar_td" day_id="19657" room_id="41"></td>
<td class="calendar_td" day_id="19658" room_id="57"></td>
<td class="calendar_td" day_id="19657" room_id="0"></td>
<td class="calendar_td" day_id="" room_id="41"></td>
<td class="calendar_td" day_id="ayer" room_id="41"></td>
</tr>
</table>
</body></html>`

func TestParseCalendar(t *testing.T) {
	tel := telemetry.NewRecorder()
	extractor := NewExtractor(DefaultLocale(), tel)

	availability, err := extractor.ParseCalendar(context.Background(), page("https://demo.otelms.com/reservation_c2/calendar", availabilityPage))
	require.NoError(t, err)

	expect := model.Availability{
		Categories: []model.Category{
			{ID: "3", Name: "Doble superior", Rooms: []model.Room{
				{ID: "40", Number: "101", Category: "Doble superior"},
				{ID: "41", Number: "102", Category: "Doble superior"},
			}},
			{ID: "5", Name: "Suite", Rooms: []model.Room{
				{ID: "57", Number: "201", Category: "Suite"},
			}},
		},
		Cells: []model.AvailabilityCell{
			{Date: date(2023, 10, 27), RoomID: "40", RoomNumber: "101", CategoryID: "3", State: model.CellOccupied, ReservationID: "22796"},
			{Date: date(2023, 10, 28), RoomID: "40", RoomNumber: "101", CategoryID: "3", State: model.CellLocked},
			{Date: date(2023, 10, 27), RoomID: "41", RoomNumber: "102", CategoryID: "3", State: model.CellAvailable},
			{Date: date(2023, 10, 28), RoomID: "57", RoomNumber: "201", CategoryID: "5", State: model.CellAvailable},
		},
		From: date(2023, 10, 27),
		To:   date(2023, 10, 28),
	}
	diff := cmp.Diff(expect, availability)
	if diff != "" {
		t.Fatal(diff)
	}
	require.Len(t, tel.Reports("warning", report_extractor_calendar), 1)
}

func TestParseCalendarUnusable(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	_, err := extractor.ParseCalendar(context.Background(), page("https://demo.otelms.com/reservation_c2/calendar", `<html><body><p>Mantenimiento</p></body></html>`))
	require.ErrorIs(t, err, model.ErrParse)
}

func TestParseDetailUnusable(t *testing.T) {
	extractor := NewExtractor(DefaultLocale(), telemetry.NewRecorder())

	_, err := extractor.ParseDetail(context.Background(), page("https://demo.otelms.com/reservation_c2/folio/2/1", testutil.BrokenDetailPage))
	require.ErrorIs(t, err, model.ErrParse)
}

func TestParseDate(t *testing.T) {
	testCases := []struct {
		input     string
		dayFirst  bool
		expect    time.Time
		ambiguous bool
		ok        bool
	}{
		{input: "2023-10-27", expect: date(2023, 10, 27), ok: true},
		{input: "Viernes - 2023-10-27 14:00", expect: date(2023, 10, 27), ok: true},
		{input: "27/10/2023", expect: date(2023, 10, 27), ok: true},
		{input: "10/27/2023", expect: date(2023, 10, 27), ok: true},
		{input: "03/04/2023", dayFirst: true, expect: date(2023, 4, 3), ambiguous: true, ok: true},
		{input: "03/04/2023", dayFirst: false, expect: date(2023, 3, 4), ambiguous: true, ok: true},
		{input: "05.05.2023", expect: date(2023, 5, 5), ok: true},
		{input: "27 de octubre de 2023", expect: date(2023, 10, 27), ok: true},
		{input: "2023-02-30", ok: false},
		{input: "mañana", ok: false},
	}

	for _, test := range testCases {
		locale := DefaultLocale()
		locale.DayFirst = test.dayFirst
		res, ok := locale.ParseDate(test.input)
		require.Equal(t, test.ok, ok, test.input)
		if !ok {
			continue
		}
		require.Equal(t, test.expect, res.Date, test.input)
		require.Equal(t, test.ambiguous, res.Ambiguous, test.input)
	}
}

func TestParseAmount(t *testing.T) {
	testCases := []struct {
		input    string
		sep      rune
		expect   string
		currency string
		guessed  bool
	}{
		{input: "-120.50", expect: "-120.5"},
		{input: "120,50", expect: "120.5"},
		{input: "1.250,00 €", expect: "1250", currency: "EUR"},
		{input: "US$ 1,250.75", expect: "1250.75", currency: "USD"},
		{input: "S/ 80", expect: "80", currency: "PEN"},
		{input: "1 250,00", expect: "1250"},
		{input: "1,234", expect: "1234", guessed: true},
		{input: "1,234", sep: ',', expect: "1.234", guessed: true},
		{input: "1.234.567", expect: "1234567"},
		{input: "Balance: (45.00)", expect: "-45"},
	}

	for _, test := range testCases {
		locale := DefaultLocale()
		if test.sep != 0 {
			locale.DecimalSeparator = test.sep
		}
		money, ok := locale.ParseAmount(test.input)
		require.True(t, ok, test.input)
		require.True(t, money.Amount.Equal(decimal.RequireFromString(test.expect)), "%s: got %s", test.input, money.Amount)
		require.Equal(t, test.currency, money.Currency, test.input)
		require.Equal(t, test.guessed, money.Guessed, test.input)
	}

	_, ok := DefaultLocale().ParseAmount("sin importe")
	require.False(t, ok)
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawPage is a fetched page before parsing, it only lives as long as the
// cache entry holding it.
type RawPage struct {
	Fingerprint string
	URL         string
	Body        []byte
	Status      int
	FetchedAt   time.Time
}

type Guest struct {
	ID      string
	Name    string
	Email   string
	Phone   string
	Country string
}

// Room is a room of the property. ID is the internal room id of the
// calendar grid, folio pages only show the number.
type Room struct {
	ID       string
	Number   string
	Category string
}

// Price holds fixed point amounts. An amount the page did not show is not
// Valid, which keeps it apart from an actual zero.
type Price struct {
	Total    decimal.NullDecimal
	Balance  decimal.NullDecimal
	Currency string
}

type Payment struct {
	Date   time.Time
	Amount decimal.Decimal
	Method string
}

// Reservation is the full record of a folio page. Dates are calendar dates at
// midnight UTC, a zero time means the page did not show the date.
type Reservation struct {
	ID         string
	Guest      Guest
	Companions []Guest
	Room       Room
	Price      Price
	CheckIn    time.Time
	CheckOut   time.Time
	Nights     int
	Status     string
	Source     string
	Payments   []Payment
	Services   []Service
	Tariffs    []DailyTariff
	Logs       []ChangeLog
}

// Service is an extra charged on a folio, a minibar or a transfer.
type Service struct {
	Date        time.Time
	Number      string
	Title       string
	Description string
	Price       decimal.NullDecimal
	Quantity    int
}

// DailyTariff is the rate charged for one night of the stay.
type DailyTariff struct {
	Date        time.Time
	Description string
	Price       decimal.NullDecimal
}

// ChangeLog is one entry of the folio history.
type ChangeLog struct {
	Date        time.Time
	Number      string
	User        string
	Type        string
	Action      string
	Amount      decimal.NullDecimal
	Description string
}

// ReservationSummary is one row of a listing page.
type ReservationSummary struct {
	ID         string
	GuestName  string
	RoomNumber string
	CheckIn    time.Time
	CheckOut   time.Time
	Status     string
	Balance    decimal.NullDecimal
	Source     string
	DetailPath string
}

// Listing is one page worth of summaries. Next is the continuation link and
// NextPage its page number, both are empty on the last page. LastPage is the
// highest page number the pagination block links to.
type Listing struct {
	Page      int
	Summaries []ReservationSummary
	Next      string
	NextPage  int
	LastPage  int
}

// Category groups the rooms of a kind in the calendar grid.
type Category struct {
	ID    string
	Name  string
	Rooms []Room
}

type CellState string

const (
	CellAvailable CellState = "available"
	CellLocked    CellState = "locked"
	CellOccupied  CellState = "occupied"
)

// AvailabilityCell is the state of one room on one day. ReservationID is only
// set on occupied cells.
type AvailabilityCell struct {
	Date          time.Time
	RoomID        string
	RoomNumber    string
	CategoryID    string
	State         CellState
	ReservationID string
}

// Availability is the calendar grid, From and To are the first and last day
// it shows.
type Availability struct {
	Categories []Category
	Cells      []AvailabilityCell
	From       time.Time
	To         time.Time
}

const DateLayout = "2006-01-02"

// FormatDate renders a calendar date in ISO format, the zero time renders
// as an empty string.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

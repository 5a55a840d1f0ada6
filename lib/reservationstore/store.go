// Package reservationstore persists scraped reservations and the summary
// of each run to sqlite or libsql.
package reservationstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"otelms-scraper/internal/assert"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/lib/reservationstore/db"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/scrapers/otelms/scrape"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("reservation not found")

type Store struct {
	db    *sql.DB
	clock chrono.API
}

// NewStore creates the tables that do not exist yet.
func NewStore(ctx context.Context, database *sql.DB, clock chrono.API) (Store, error) {
	assert.NotNil(database)
	assert.NotNil(clock)

	_, err := database.ExecContext(ctx, db.Schema)
	if err != nil {
		return Store{}, fmt.Errorf("create schema: %w", err)
	}
	return Store{db: database, clock: clock}, nil
}

const upsertReservation = `
insert into Reservation (
    id, run_id, guest_id, guest_name, guest_email, guest_phone, guest_country,
    room_number, room_category, check_in, check_out, nights, status, source,
    total, balance, currency, companions, payments, services, tariffs, logs,
    updated_at
) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
on conflict(id) do update set
    run_id = excluded.run_id,
    guest_id = excluded.guest_id,
    guest_name = excluded.guest_name,
    guest_email = excluded.guest_email,
    guest_phone = excluded.guest_phone,
    guest_country = excluded.guest_country,
    room_number = excluded.room_number,
    room_category = excluded.room_category,
    check_in = excluded.check_in,
    check_out = excluded.check_out,
    nights = excluded.nights,
    status = excluded.status,
    source = excluded.source,
    total = excluded.total,
    balance = excluded.balance,
    currency = excluded.currency,
    companions = excluded.companions,
    payments = excluded.payments,
    services = excluded.services,
    tariffs = excluded.tariffs,
    logs = excluded.logs,
    updated_at = excluded.updated_at`

type storedPayment struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
}

type storedService struct {
	Date        string              `json:"date"`
	Number      string              `json:"number"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Price       decimal.NullDecimal `json:"price"`
	Quantity    int                 `json:"quantity"`
}

type storedTariff struct {
	Date        string              `json:"date"`
	Description string              `json:"description"`
	Price       decimal.NullDecimal `json:"price"`
}

type storedLog struct {
	Date        string              `json:"date"`
	Number      string              `json:"number"`
	User        string              `json:"user"`
	Type        string              `json:"type"`
	Action      string              `json:"action"`
	Amount      decimal.NullDecimal `json:"amount"`
	Description string              `json:"description"`
}

// encodeList serializes items as a json array, nil included.
func encodeList[T, S any](items []T, convert func(T) S) (string, error) {
	out := make([]S, len(items))
	for i, item := range items {
		out[i] = convert(item)
	}
	serialized, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(serialized), nil
}

// decodeList reads a json array written by encodeList, an empty array
// decodes to nil.
func decodeList[S, T any](serialized string, convert func(S) (T, error)) ([]T, error) {
	var stored []S
	err := json.Unmarshal([]byte(serialized), &stored)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, s := range stored {
		item, err := convert(s)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Save inserts rec or replaces the stored reservation with the same id.
func (s Store) Save(ctx context.Context, runID string, rec model.Reservation) error {
	companions := rec.Companions
	if companions == nil {
		companions = []model.Guest{}
	}
	companionsJson, err := json.Marshal(companions)
	if err != nil {
		return err
	}

	paymentsJson, err := encodeList(rec.Payments, func(p model.Payment) storedPayment {
		return storedPayment{Date: model.FormatDate(p.Date), Amount: p.Amount, Method: p.Method}
	})
	if err != nil {
		return err
	}
	servicesJson, err := encodeList(rec.Services, func(sv model.Service) storedService {
		return storedService{
			Date:        model.FormatDate(sv.Date),
			Number:      sv.Number,
			Title:       sv.Title,
			Description: sv.Description,
			Price:       sv.Price,
			Quantity:    sv.Quantity,
		}
	})
	if err != nil {
		return err
	}
	tariffsJson, err := encodeList(rec.Tariffs, func(t model.DailyTariff) storedTariff {
		return storedTariff{Date: model.FormatDate(t.Date), Description: t.Description, Price: t.Price}
	})
	if err != nil {
		return err
	}
	logsJson, err := encodeList(rec.Logs, func(l model.ChangeLog) storedLog {
		return storedLog{
			Date:        model.FormatDate(l.Date),
			Number:      l.Number,
			User:        l.User,
			Type:        l.Type,
			Action:      l.Action,
			Amount:      l.Amount,
			Description: l.Description,
		}
	})
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx, upsertReservation,
		rec.ID, runID,
		rec.Guest.ID, rec.Guest.Name, rec.Guest.Email, rec.Guest.Phone, rec.Guest.Country,
		rec.Room.Number, rec.Room.Category,
		model.FormatDate(rec.CheckIn), model.FormatDate(rec.CheckOut), rec.Nights,
		rec.Status, rec.Source,
		rec.Price.Total, rec.Price.Balance, rec.Price.Currency,
		string(companionsJson), paymentsJson, servicesJson, tariffsJson, logsJson,
		s.clock.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save reservation %s: %w", rec.ID, err)
	}
	return nil
}

// SaveAll drains records into the store. It stops at the first failed
// write, which also stops a scrape run feeding records.
func (s Store) SaveAll(ctx context.Context, runID string, records iter.Seq[model.Reservation]) (int, error) {
	saved := 0
	for rec := range records {
		err := s.Save(ctx, runID, rec)
		if err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// SaveResult stores the summary of a run along with its gaps, saving the
// same run twice replaces its gaps.
func (s Store) SaveResult(ctx context.Context, res scrape.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	_, err = tx.ExecContext(
		ctx,
		`insert into Run (id, started_at, finished_at, status, records, last_page, error)
		values (?, ?, ?, ?, ?, ?, ?)
		on conflict(id) do update set
		    finished_at = excluded.finished_at,
		    status = excluded.status,
		    records = excluded.records,
		    last_page = excluded.last_page,
		    error = excluded.error`,
		res.RunID, res.Started.Unix(), res.Finished.Unix(), string(res.Status),
		res.Records, res.LastPage, errText,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}

	_, err = tx.ExecContext(ctx, `delete from Gap where run_id = ?`, res.RunID)
	if err != nil {
		return err
	}
	for _, gap := range res.Gaps {
		gapErr := ""
		if gap.Err != nil {
			gapErr = gap.Err.Error()
		}
		_, err = tx.ExecContext(
			ctx,
			`insert into Gap (run_id, page, reservation_id, reason, error, raw_page_ref)
			values (?, ?, ?, ?, ?, ?)`,
			res.RunID, gap.Page, gap.ReservationID, gap.Reason, gapErr, gap.RawPageRef,
		)
		if err != nil {
			return fmt.Errorf("save gap: %w", err)
		}
	}

	return tx.Commit()
}

const selectReservation = `
select id, guest_id, guest_name, guest_email, guest_phone, guest_country,
    room_number, room_category, check_in, check_out, nights, status, source,
    total, balance, currency, companions, payments, services, tariffs, logs
from Reservation`

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (model.Reservation, error) {
	var rec model.Reservation
	var checkIn, checkOut, companions, payments, services, tariffs, logs string
	err := row.Scan(
		&rec.ID,
		&rec.Guest.ID, &rec.Guest.Name, &rec.Guest.Email, &rec.Guest.Phone, &rec.Guest.Country,
		&rec.Room.Number, &rec.Room.Category,
		&checkIn, &checkOut, &rec.Nights, &rec.Status, &rec.Source,
		&rec.Price.Total, &rec.Price.Balance, &rec.Price.Currency,
		&companions, &payments, &services, &tariffs, &logs,
	)
	if err != nil {
		return model.Reservation{}, err
	}

	rec.CheckIn, err = parseDate(checkIn)
	if err != nil {
		return model.Reservation{}, err
	}
	rec.CheckOut, err = parseDate(checkOut)
	if err != nil {
		return model.Reservation{}, err
	}

	err = json.Unmarshal([]byte(companions), &rec.Companions)
	if err != nil {
		return model.Reservation{}, err
	}
	if len(rec.Companions) == 0 {
		rec.Companions = nil
	}

	rec.Payments, err = decodeList(payments, func(p storedPayment) (model.Payment, error) {
		date, err := parseDate(p.Date)
		return model.Payment{Date: date, Amount: p.Amount, Method: p.Method}, err
	})
	if err != nil {
		return model.Reservation{}, err
	}
	rec.Services, err = decodeList(services, func(sv storedService) (model.Service, error) {
		date, err := parseDate(sv.Date)
		return model.Service{
			Date:        date,
			Number:      sv.Number,
			Title:       sv.Title,
			Description: sv.Description,
			Price:       sv.Price,
			Quantity:    sv.Quantity,
		}, err
	})
	if err != nil {
		return model.Reservation{}, err
	}
	rec.Tariffs, err = decodeList(tariffs, func(t storedTariff) (model.DailyTariff, error) {
		date, err := parseDate(t.Date)
		return model.DailyTariff{Date: date, Description: t.Description, Price: t.Price}, err
	})
	if err != nil {
		return model.Reservation{}, err
	}
	rec.Logs, err = decodeList(logs, func(l storedLog) (model.ChangeLog, error) {
		date, err := parseDate(l.Date)
		return model.ChangeLog{
			Date:        date,
			Number:      l.Number,
			User:        l.User,
			Type:        l.Type,
			Action:      l.Action,
			Amount:      l.Amount,
			Description: l.Description,
		}, err
	})
	if err != nil {
		return model.Reservation{}, err
	}
	return rec, nil
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(model.DateLayout, value)
}

func (s Store) Get(ctx context.Context, id string) (model.Reservation, error) {
	row := s.db.QueryRowContext(ctx, selectReservation+` where id = ?`, id)
	rec, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns the reservations arriving between from and to, both
// inclusive, ordered by arrival.
func (s Store) List(ctx context.Context, from, to time.Time) ([]model.Reservation, error) {
	rows, err := s.db.QueryContext(
		ctx,
		selectReservation+` where check_in >= ? and check_in <= ? order by check_in, id`,
		model.FormatDate(from), model.FormatDate(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		rec, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Gaps returns the gaps of a run, their errors only keep the message.
func (s Store) Gaps(ctx context.Context, runID string) ([]scrape.Gap, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select page, reservation_id, reason, error, raw_page_ref from Gap where run_id = ? order by rowid`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scrape.Gap
	for rows.Next() {
		var gap scrape.Gap
		var errText string
		err := rows.Scan(&gap.Page, &gap.ReservationID, &gap.Reason, &errText, &gap.RawPageRef)
		if err != nil {
			return nil, err
		}
		if errText != "" {
			gap.Err = errors.New(errText)
		}
		out = append(out, gap)
	}
	return out, rows.Err()
}

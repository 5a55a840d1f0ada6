// Package scrape drives a full listing -> detail run over otelms and streams
// the reservations it finds.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"otelms-scraper/internal/assert"
	"otelms-scraper/internal/components/chrono"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/cache"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/scrapers/otelms/session"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("otelms-scraper/lib/scrapers/otelms/scrape")
var meter = otel.Meter("otelms-scraper/lib/scrapers/otelms/scrape")

const (
	report_run_listing = "run.listing"
	report_run_detail  = "run.detail"
	report_run_abort   = "run.abort"

	report_scraper_availability = "scraper.availability"
)

const (
	DefaultListingPath            = "/reservation_c2/list"
	DefaultCalendarPath           = "/reservation_c2/calendar"
	DefaultConcurrency            = 4
	DefaultMaxConsecutiveFailures = 5
)

// State is the state of a run.
type State string

const (
	StateInit           State = "INIT"
	StateAuthenticating State = "AUTHENTICATING"
	StateListing        State = "LISTING"
	StateDetailing      State = "DETAILING"
	StateErrorRecovery  State = "ERROR_RECOVERY"
	StateDone           State = "DONE"
	StateAborted        State = "ABORTED"
)

// Request selects the reservations of a run. Zero dates are left out of the
// listing query.
type Request struct {
	From time.Time
	To   time.Time
	// Params are extra listing filters passed through as is.
	Params url.Values
}

func (r Request) listingParams(page int) url.Values {
	params := url.Values{}
	for key, values := range r.Params {
		params[key] = append([]string(nil), values...)
	}
	if !r.From.IsZero() {
		params.Set("date_from", model.FormatDate(r.From))
	}
	if !r.To.IsZero() {
		params.Set("date_to", model.FormatDate(r.To))
	}
	params.Set("page", fmt.Sprint(page))
	return params
}

// Gap is a listing page or a reservation that was skipped. Page is set for
// listing pages, ReservationID for details. RawPageRef points to the
// archived body of a page that could not be parsed.
type Gap struct {
	Page          int
	ReservationID string
	Reason        string
	Err           error
	RawPageRef    string
}

// Result is the summary of a run, it is returned whatever the outcome.
type Result struct {
	RunID    string
	Records  int
	Gaps     []Gap
	Status   State
	LastPage int
	// Err is a *model.AbortError when Status is StateAborted.
	Err      error
	Started  time.Time
	Finished time.Time
}

type Sessions interface {
	Ensure(ctx context.Context) (*session.Session, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, params url.Values, sess *session.Session) (model.RawPage, error)
}

type Parser interface {
	ParseListing(ctx context.Context, page model.RawPage) (model.Listing, error)
	ParseDetail(ctx context.Context, page model.RawPage) (model.Reservation, error)
	ParseCalendar(ctx context.Context, page model.RawPage) (model.Availability, error)
}

// Archive keeps pages that could not be parsed.
type Archive interface {
	Archive(page model.RawPage) (string, error)
}

type Options struct {
	BaseUrl                string
	ListingPath            string
	CalendarPath           string
	Concurrency            int
	MaxConsecutiveFailures int

	Sessions Sessions
	Fetcher  Fetcher
	Parser   Parser
	Cache    *cache.Store
	// Archive can be nil, the url of an unusable page is then its reference.
	Archive Archive
	Clock   chrono.API
	Tel     telemetry.API
}

type Scraper struct {
	baseUrl  *url.URL
	opts     Options
	listings *cache.Cache[model.Listing]
	details  *cache.Cache[model.Reservation]
	calendar *cache.Cache[model.Availability]
	tel      telemetry.API

	recordCounter metric.Int64Counter
	gapCounter    metric.Int64Counter
	pageCounter   metric.Int64Counter
}

func NewScraper(opts Options) (*Scraper, error) {
	assert.NotNil(opts.Sessions)
	assert.NotNil(opts.Fetcher)
	assert.NotNil(opts.Parser)
	assert.NotNil(opts.Cache)
	assert.NotNil(opts.Clock)
	assert.NotNil(opts.Tel)

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	if opts.ListingPath == "" {
		opts.ListingPath = DefaultListingPath
	}
	if opts.CalendarPath == "" {
		opts.CalendarPath = DefaultCalendarPath
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}

	recordCounter, err := meter.Int64Counter(
		"otelms.scrape.records",
		metric.WithDescription("Reservations produced."),
	)
	if err != nil {
		return nil, err
	}
	gapCounter, err := meter.Int64Counter(
		"otelms.scrape.gaps",
		metric.WithDescription("Listing pages and reservations skipped."),
	)
	if err != nil {
		return nil, err
	}
	pageCounter, err := meter.Int64Counter(
		"otelms.scrape.pages",
		metric.WithDescription("Listing pages read."),
	)
	if err != nil {
		return nil, err
	}

	return &Scraper{
		baseUrl:       baseUrl,
		opts:          opts,
		listings:      cache.New[model.Listing](opts.Cache, cache.KindListing),
		details:       cache.New[model.Reservation](opts.Cache, cache.KindDetail),
		calendar:      cache.New[model.Availability](opts.Cache, cache.KindCalendar),
		tel:           telemetry.NewScopedAPI("otelms_scrape", opts.Tel),
		recordCounter: recordCounter,
		gapCounter:    gapCounter,
		pageCounter:   pageCounter,
	}, nil
}

// Collect runs a scrape to completion and returns every record with the
// result.
func (s *Scraper) Collect(ctx context.Context, req Request) ([]model.Reservation, Result) {
	run := s.Start(ctx, req)
	records := []model.Reservation{}
	for rec := range run.Records() {
		records = append(records, rec)
	}
	return records, run.Result()
}

// pageError carries the reference of the archived body of an unusable page.
type pageError struct {
	ref string
	err error
}

func (e *pageError) Error() string {
	return e.err.Error()
}

func (e *pageError) Unwrap() error {
	return e.err
}

func rawPageRef(err error) string {
	var target *pageError
	if errors.As(err, &target) {
		return target.ref
	}
	return ""
}

func (s *Scraper) unusable(page model.RawPage, err error) error {
	ref := page.URL
	if s.opts.Archive != nil {
		archived, archiveErr := s.opts.Archive.Archive(page)
		if archiveErr != nil {
			s.tel.ReportWarning(report_run_detail, fmt.Errorf("archive page: %w", archiveErr), page.URL)
		} else {
			ref = archived
		}
	}
	return &pageError{ref: ref, err: err}
}

func (s *Scraper) listing(ctx context.Context, req Request, page int, sess *session.Session) (model.Listing, error) {
	params := req.listingParams(page)
	fingerprint, err := cache.Fingerprint(s.baseUrl, s.opts.ListingPath, params, sess.Epoch)
	if err != nil {
		return model.Listing{}, err
	}
	return s.listings.GetOrFetch(ctx, fingerprint, func(ctx context.Context) (model.Listing, error) {
		raw, err := s.opts.Fetcher.Fetch(ctx, s.opts.ListingPath, params, sess)
		if err != nil {
			return model.Listing{}, err
		}
		listing, err := s.opts.Parser.ParseListing(ctx, raw)
		if err != nil {
			return model.Listing{}, s.unusable(raw, err)
		}
		return listing, nil
	})
}

func (s *Scraper) detail(ctx context.Context, summary model.ReservationSummary, sess *session.Session) (model.Reservation, error) {
	fingerprint, err := cache.Fingerprint(s.baseUrl, summary.DetailPath, nil, sess.Epoch)
	if err != nil {
		return model.Reservation{}, err
	}
	return s.details.GetOrFetch(ctx, fingerprint, func(ctx context.Context) (model.Reservation, error) {
		raw, err := s.opts.Fetcher.Fetch(ctx, summary.DetailPath, nil, sess)
		if err != nil {
			return model.Reservation{}, err
		}
		res, err := s.opts.Parser.ParseDetail(ctx, raw)
		if err != nil {
			return model.Reservation{}, s.unusable(raw, err)
		}
		return res, nil
	})
}

// calendarParams selects the days of the availability grid, zero dates are
// left to the server.
func (r Request) calendarParams() url.Values {
	params := url.Values{}
	for key, values := range r.Params {
		params[key] = append([]string(nil), values...)
	}
	if !r.From.IsZero() {
		params.Set("date", model.FormatDate(r.From))
	}
	if !r.From.IsZero() && r.To.After(r.From) {
		params.Set("days", fmt.Sprint(int(r.To.Sub(r.From).Hours()/24)+1))
	}
	return params
}

// Availability reads the availability grid of the days in req. A session
// expiring midway is renewed once, like any unit of a run.
func (s *Scraper) Availability(ctx context.Context, req Request) (model.Availability, error) {
	ctx, span := tracer.Start(ctx, "Availability")
	defer span.End()

	_, err := s.opts.Sessions.Ensure(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to authenticate")
		return model.Availability{}, err
	}

	params := req.calendarParams()
	var grid model.Availability
	err = s.withSession(ctx, nil, func(sess *session.Session) error {
		fingerprint, err := cache.Fingerprint(s.baseUrl, s.opts.CalendarPath, params, sess.Epoch)
		if err != nil {
			return err
		}
		grid, err = s.calendar.GetOrFetch(ctx, fingerprint, func(ctx context.Context) (model.Availability, error) {
			raw, err := s.opts.Fetcher.Fetch(ctx, s.opts.CalendarPath, params, sess)
			if err != nil {
				return model.Availability{}, err
			}
			grid, err := s.opts.Parser.ParseCalendar(ctx, raw)
			if err != nil {
				return model.Availability{}, s.unusable(raw, err)
			}
			return grid, nil
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read calendar")
		s.tel.ReportWarning(report_scraper_availability, err, rawPageRef(err))
		return model.Availability{}, err
	}

	span.SetAttributes(
		attribute.Int("categories", len(grid.Categories)),
		attribute.Int("cells", len(grid.Cells)),
	)
	return grid, nil
}

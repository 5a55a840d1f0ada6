// Package extract turns otelms html into typed records. Parsing is tolerant:
// missing optional fields are left empty and only pages that lost every
// structural anchor fail with model.ErrParse.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"otelms-scraper/internal/assert"
	"otelms-scraper/internal/components/telemetry"
	"otelms-scraper/lib/scrapers/otelms/model"
	"regexp"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("otelms-scraper/lib/scrapers/otelms/extract")

const (
	report_extractor_listing = "extractor.listing"
	report_extractor_detail  = "extractor.detail"
	report_extractor_date    = "extractor.date"
	report_extractor_amount  = "extractor.amount"
)

// DetailPathFormat is the folio path of a reservation id.
const DetailPathFormat = "/reservation_c2/folio/%s/1"

// DetailPath returns the folio path of a reservation.
func DetailPath(id string) string {
	return fmt.Sprintf(DetailPathFormat, id)
}

var folioIdRegex = regexp.MustCompile(`/folio/(\d+)`)
var guestIdRegex = regexp.MustCompile(`/guestfolio/(\d+)`)

type Extractor struct {
	locale Locale
	tel    telemetry.API
}

func NewExtractor(locale Locale, tel telemetry.API) *Extractor {
	assert.NotNil(tel)
	return &Extractor{
		locale: locale,
		tel:    telemetry.NewScopedAPI("otelms_extract", tel),
	}
}

func (e *Extractor) Locale() Locale {
	return e.locale
}

func document(page model.RawPage) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrParse, err)
	}
	return doc, nil
}

// pageNumber reads the "page" query parameter of a url, 0 when there is none.
func pageNumber(raw string) int {
	parsed, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(parsed.Query().Get("page"))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

func (e *Extractor) date(field, raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	res, ok := e.locale.ParseDate(raw)
	if !ok {
		e.tel.ReportWarning(report_extractor_date, fmt.Errorf("unreadable %s", field), raw)
		return time.Time{}
	}
	if res.Ambiguous {
		e.tel.ReportWarning(report_extractor_date, fmt.Errorf("ambiguous %s, day first: %v", field, e.locale.DayFirst), raw)
	}
	return res.Date
}

func (e *Extractor) amount(field, raw string) (Money, bool) {
	if raw == "" {
		return Money{}, false
	}
	money, ok := e.locale.ParseAmount(raw)
	if !ok {
		e.tel.ReportWarning(report_extractor_amount, fmt.Errorf("unreadable %s", field), raw)
		return Money{}, false
	}
	if money.Guessed {
		e.tel.ReportWarning(report_extractor_amount, fmt.Errorf("ambiguous separator in %s", field), raw)
	}
	return money, true
}

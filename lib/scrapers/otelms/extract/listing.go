package extract

import (
	"context"
	"fmt"
	"otelms-scraper/lib/htmlutil"
	"otelms-scraper/lib/scrapers/otelms/model"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	nextSelector       = "a[rel=next], li.next a, a.next"
	paginationSelector = ".pagination a, .pager a, ul.pagination a"
)

// ParseListing reads one listing page, either the reservation table or the
// calendar grid. Rows without a reservation id are skipped with a warning.
// It fails with model.ErrParse only when the page has neither.
func (e *Extractor) ParseListing(ctx context.Context, page model.RawPage) (model.Listing, error) {
	ctx, span := tracer.Start(ctx, "ParseListing")
	defer span.End()

	doc, err := document(page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse html")
		return model.Listing{}, err
	}

	current := pageNumber(page.URL)
	if current == 0 {
		current = 1
	}

	listing := model.Listing{Page: current}
	table := findListingTable(doc)
	calendar := doc.Find("table.calendar_table, div[resid]")

	switch {
	case table != nil:
		listing.Summaries = e.tableRows(table)
	case calendar.Length() > 0:
		listing.Summaries = e.calendarRows(doc)
	default:
		err := fmt.Errorf("%w: no listing table or calendar in %s", model.ErrParse, page.URL)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no listing anchors")
		e.tel.ReportWarning(report_extractor_listing, err)
		return model.Listing{}, err
	}

	listing.LastPage = current
	for _, anchor := range htmlutil.GetAnchors(ctx, doc.Find(paginationSelector)) {
		n := pageNumber(anchor.Href)
		if n == 0 {
			n, _ = strconv.Atoi(anchor.Name)
		}
		if n > listing.LastPage {
			listing.LastPage = n
		}
	}

	next := doc.Find(nextSelector).First()
	if next.Length() > 0 {
		href := strings.TrimSpace(next.AttrOr("href", ""))
		n := pageNumber(href)
		if n > current {
			listing.Next = href
			listing.NextPage = n
			if n > listing.LastPage {
				listing.LastPage = n
			}
		} else {
			e.tel.ReportWarning(
				report_extractor_listing,
				fmt.Errorf("malformed continuation, treating page %d as the last one", current),
				href,
			)
		}
	}

	span.SetAttributes(
		attribute.Int("page", listing.Page),
		attribute.Int("rows", len(listing.Summaries)),
		attribute.Int("next_page", listing.NextPage),
		attribute.Int("last_page", listing.LastPage),
	)
	return listing, nil
}

// findListingTable returns the first table whose headers map a reservation
// id and at least one other column.
func findListingTable(doc *goquery.Document) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		if table.HasClass("calendar_table") {
			return true
		}
		columns := mapColumns(headerTexts(table), ListingColumns)
		if _, ok := columns[fieldID]; ok && len(columns) >= 2 {
			found = table
			return false
		}
		return true
	})
	return found
}

func (e *Extractor) tableRows(table *goquery.Selection) []model.ReservationSummary {
	columns := mapColumns(headerTexts(table), ListingColumns)

	var summaries []model.ReservationSummary
	bodyRows(table).Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")

		id, detailPath := rowId(row, cells, columns)
		if id == "" {
			e.tel.ReportWarning(report_extractor_listing, fmt.Errorf("row %d has no reservation id, skipped", i), htmlutil.Text(row))
			return
		}

		summary := model.ReservationSummary{
			ID:         id,
			GuestName:  cellText(cells, columns, fieldGuest),
			RoomNumber: cellText(cells, columns, fieldRoom),
			CheckIn:    e.date(fieldCheckIn, cellText(cells, columns, fieldCheckIn)),
			CheckOut:   e.date(fieldCheckOut, cellText(cells, columns, fieldCheckOut)),
			Status:     cellText(cells, columns, fieldStatus),
			Source:     cellText(cells, columns, fieldSource),
			DetailPath: detailPath,
		}
		if balance, ok := e.amount(fieldBalance, cellText(cells, columns, fieldBalance)); ok {
			summary.Balance = decimal.NewNullDecimal(balance.Amount)
		}
		summaries = append(summaries, summary)
	})
	return summaries
}

var digitsRegex = regexp.MustCompile(`\d+`)

// rowId finds the id of a listing row from its resid attribute, its folio
// link or its id column, in that order.
func rowId(row, cells *goquery.Selection, columns map[string]int) (string, string) {
	link := row.Find("a[href*='/folio/']").First()
	href := link.AttrOr("href", "")
	linked := ""
	if match := folioIdRegex.FindStringSubmatch(href); match != nil {
		linked = match[1]
	}

	id := strings.TrimSpace(row.AttrOr("resid", row.AttrOr("data-id", "")))
	if id == "" {
		id = linked
	}
	if id == "" {
		id = digitsRegex.FindString(cellText(cells, columns, fieldID))
	}
	if id == "" {
		return "", ""
	}
	if linked == id {
		return id, href
	}
	return id, DetailPath(id)
}

var (
	tooltipGuest    = regexp.MustCompile(`Hu[eé]sped:\s*(.+)`)
	tooltipCheckIn  = regexp.MustCompile(`(?i)l+egada:\s*(.+)`)
	tooltipCheckOut = regexp.MustCompile(`Salida:\s*(.+)`)
	tooltipBalance  = regexp.MustCompile(`Balance:\s*(.+)`)
	tooltipSource   = regexp.MustCompile(`Reserva .+?,\s*(.+)`)
)

// calendarRows reads the reservation blocks of the calendar grid, a
// reservation spanning several days shows up once.
func (e *Extractor) calendarRows(doc *goquery.Document) []model.ReservationSummary {
	seen := map[string]bool{}
	rooms := roomsByID(e.categories(doc))
	var summaries []model.ReservationSummary

	doc.Find("div[resid]").Each(func(i int, block *goquery.Selection) {
		id := strings.TrimSpace(block.AttrOr("resid", ""))
		if id == "" || id == "0" {
			e.tel.ReportWarning(report_extractor_listing, fmt.Errorf("calendar block %d has no reservation id, skipped", i))
			return
		}
		if seen[id] {
			return
		}
		seen[id] = true

		summary := model.ReservationSummary{
			ID:         id,
			RoomNumber: block.Closest("td").AttrOr("room_id", ""),
			DetailPath: DetailPath(id),
		}
		if room, ok := rooms[summary.RoomNumber]; ok {
			summary.RoomNumber = room.number
		}
		for _, line := range htmlutil.FragmentLines(block.AttrOr("data-title", "")) {
			switch {
			case tooltipGuest.MatchString(line):
				summary.GuestName = tooltipGuest.FindStringSubmatch(line)[1]
			case tooltipCheckIn.MatchString(line):
				summary.CheckIn = e.date(fieldCheckIn, tooltipCheckIn.FindStringSubmatch(line)[1])
			case tooltipCheckOut.MatchString(line):
				summary.CheckOut = e.date(fieldCheckOut, tooltipCheckOut.FindStringSubmatch(line)[1])
			case tooltipBalance.MatchString(line):
				if balance, ok := e.amount(fieldBalance, tooltipBalance.FindStringSubmatch(line)[1]); ok {
					summary.Balance = decimal.NewNullDecimal(balance.Amount)
				}
			case tooltipSource.MatchString(line):
				summary.Source = tooltipSource.FindStringSubmatch(line)[1]
			}
		}
		summaries = append(summaries, summary)
	})
	return summaries
}

package extract

import (
	"context"
	"fmt"
	"otelms-scraper/lib/htmlutil"
	"otelms-scraper/lib/scrapers/otelms/model"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const report_extractor_calendar = "extractor.calendar"

// CalendarPath is the page with the availability grid of every room.
const CalendarPath = "/reservation_c2/calendar"

// ParseCalendar reads the availability grid: the room categories, their rooms
// and the state of every room on every day shown. It fails with
// model.ErrParse when the page has neither categories nor cells.
func (e *Extractor) ParseCalendar(ctx context.Context, page model.RawPage) (model.Availability, error) {
	ctx, span := tracer.Start(ctx, "ParseCalendar")
	defer span.End()

	doc, err := document(page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse html")
		return model.Availability{}, err
	}

	categories := e.categories(doc)
	rooms := roomsByID(categories)

	out := model.Availability{Categories: categories}
	doc.Find("td.calendar_td[day_id][room_id]").Each(func(_ int, td *goquery.Selection) {
		roomId := strings.TrimSpace(td.AttrOr("room_id", ""))
		dayId := strings.TrimSpace(td.AttrOr("day_id", ""))
		if roomId == "0" || roomId == "" || dayId == "" {
			return
		}
		date, ok := dayDate(dayId)
		if !ok {
			e.tel.ReportWarning(report_extractor_calendar, fmt.Errorf("unreadable day id, cell skipped"), dayId)
			return
		}

		cell := model.AvailabilityCell{
			Date:       date,
			RoomID:     roomId,
			RoomNumber: roomId,
			State:      model.CellAvailable,
		}
		if room, ok := rooms[roomId]; ok {
			cell.RoomNumber = room.number
			cell.CategoryID = room.categoryId
		}
		if td.HasClass("bg_padlock") {
			cell.State = model.CellLocked
		}
		if block := td.Find("div[resid]").First(); block.Length() > 0 {
			if resid := strings.TrimSpace(block.AttrOr("resid", "")); resid != "" && resid != "0" {
				cell.State = model.CellOccupied
				cell.ReservationID = resid
			}
		}

		if out.From.IsZero() || date.Before(out.From) {
			out.From = date
		}
		if date.After(out.To) {
			out.To = date
		}
		out.Cells = append(out.Cells, cell)
	})

	if len(out.Categories) == 0 && len(out.Cells) == 0 {
		err := fmt.Errorf("%w: no calendar categories or cells in %s", model.ErrParse, page.URL)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no calendar anchors")
		e.tel.ReportWarning(report_extractor_calendar, err)
		return model.Availability{}, err
	}

	span.SetAttributes(
		attribute.Int("categories", len(out.Categories)),
		attribute.Int("cells", len(out.Cells)),
	)
	return out, nil
}

// dayDate converts a calendar day id, the number of days since the unix
// epoch, to its date.
func dayDate(dayId string) (time.Time, bool) {
	days, err := strconv.ParseInt(dayId, 10, 64)
	if err != nil || days < 0 {
		return time.Time{}, false
	}
	return time.Unix(days*24*60*60, 0).UTC(), true
}

// roomIds maps every category id to the internal ids of its rooms. The desk
// table lists a category header tbody followed by one tbody per room.
func roomIds(doc *goquery.Document) map[string][]string {
	mapping := map[string][]string{}
	current := ""
	doc.Find("table#desk > tbody").Each(func(_ int, tbody *goquery.Selection) {
		first := tbody.Find("td").First()
		if first.Length() == 0 {
			return
		}
		if tbody.HasClass("my_category") {
			if id := first.AttrOr("category_id", ""); id != "" {
				current = id
				if _, ok := mapping[id]; !ok {
					mapping[id] = []string{}
				}
			}
			return
		}
		roomId := first.AttrOr("room_id", "")
		if current == "" || roomId == "" || roomId == "0" {
			return
		}
		if !slices.Contains(mapping[current], roomId) {
			mapping[current] = append(mapping[current], roomId)
		}
	})
	for _, ids := range mapping {
		slices.SortFunc(ids, func(a, b string) int {
			x, _ := strconv.Atoi(a)
			y, _ := strconv.Atoi(b)
			return x - y
		})
	}
	return mapping
}

// categories reads the room categories of the calendar sidebar. Rooms are
// matched with their internal id by position, both lists follow the room
// order of the property.
func (e *Extractor) categories(doc *goquery.Document) []model.Category {
	ids := roomIds(doc)

	var categories []model.Category
	doc.Find("div.calendar_rooms[id^=btn_close][catid]").Each(func(_ int, elem *goquery.Selection) {
		id := strings.TrimSpace(elem.AttrOr("catid", ""))
		if id == "" {
			return
		}
		name := htmlutil.Text(elem.Find("div.calendar_rooms_dott").First())
		if name == "" {
			name = "Category " + id
		}

		category := model.Category{ID: id, Name: name}
		known := ids[id]
		doc.Find("div.calendar_num_room.btn_close_box" + id).Each(func(i int, roomElem *goquery.Selection) {
			text := htmlutil.Text(roomElem.Find("div.calendar_number_room").First())
			fields := strings.Fields(text)
			if len(fields) == 0 {
				e.tel.ReportWarning(report_extractor_calendar, fmt.Errorf("room %d of category %s has no number, skipped", i, id))
				return
			}
			room := model.Room{Number: fields[0], Category: name}
			if i < len(known) {
				room.ID = known[i]
			}
			category.Rooms = append(category.Rooms, room)
		})
		categories = append(categories, category)
	})
	return categories
}

type roomRef struct {
	number     string
	categoryId string
}

func roomsByID(categories []model.Category) map[string]roomRef {
	rooms := map[string]roomRef{}
	for _, category := range categories {
		for _, room := range category.Rooms {
			if room.ID != "" {
				rooms[room.ID] = roomRef{number: room.Number, categoryId: category.ID}
			}
		}
	}
	return rooms
}

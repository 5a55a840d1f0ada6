package extract

import (
	"context"
	"fmt"
	"otelms-scraper/lib/htmlutil"
	"otelms-scraper/lib/scrapers/otelms/model"
	"otelms-scraper/lib/textutil"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	headingIdRegex = regexp.MustCompile(`№\s*(\d+)`)
	roomRegex      = regexp.MustCompile(`^(\S+)\s*(?:\((.+)\))?`)
	balanceRegex   = regexp.MustCompile(`Saldo:\s*([-−]?[\d.,\s]+)`)
)

// ParseDetail reads a folio page. It fails with model.ErrParse only when the
// page has neither a reservation id anchor nor any labelled block, an error
// page or a markup change.
func (e *Extractor) ParseDetail(ctx context.Context, page model.RawPage) (model.Reservation, error) {
	ctx, span := tracer.Start(ctx, "ParseDetail")
	defer span.End()

	doc, err := document(page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse html")
		return model.Reservation{}, err
	}

	blocks := readLabelled(doc)
	fields := map[string]string{}
	for _, rule := range DetailRules {
		value, ok := resolve(doc, blocks, rule)
		if ok {
			fields[rule.Name] = value
		}
	}

	headingId := ""
	if match := headingIdRegex.FindStringSubmatch(htmlutil.Text(doc.Find("h1, h2.nameofgroup"))); match != nil {
		headingId = match[1]
	}
	if fields[fieldID] == "" {
		fields[fieldID] = headingId
	}

	if fields[fieldID] == "" && len(blocks) == 0 {
		err := fmt.Errorf("%w: folio without id or labelled blocks at %s", model.ErrParse, page.URL)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no detail anchors")
		e.tel.ReportWarning(report_extractor_detail, err)
		return model.Reservation{}, err
	}
	if fields[fieldID] == "" {
		if match := folioIdRegex.FindStringSubmatch(page.URL); match != nil {
			fields[fieldID] = match[1]
			e.tel.ReportWarning(report_extractor_detail, fmt.Errorf("folio without id anchor, using the url"), page.URL)
		}
	}
	for _, rule := range DetailRules {
		if rule.Required && fields[rule.Name] == "" {
			err := fmt.Errorf("%w: required field %s missing at %s", model.ErrParse, rule.Name, page.URL)
			span.RecordError(err)
			span.SetStatus(codes.Error, "missing required field")
			e.tel.ReportWarning(report_extractor_detail, err)
			return model.Reservation{}, err
		}
	}

	res := model.Reservation{
		ID: fields[fieldID],
		Guest: model.Guest{
			Name:    fields[fieldGuest],
			Email:   fields[fieldEmail],
			Phone:   fields[fieldPhone],
			Country: fields[fieldCountry],
		},
		CheckIn:  e.date(fieldCheckIn, fields[fieldCheckIn]),
		CheckOut: e.date(fieldCheckOut, fields[fieldCheckOut]),
		Status:   fields[fieldStatus],
		Source:   fields[fieldSource],
	}

	if match := roomRegex.FindStringSubmatch(fields[fieldRoom]); match != nil {
		res.Room.Number = match[1]
		res.Room.Category = strings.TrimSpace(match[2])
	}
	if fields[fieldCategory] != "" {
		res.Room.Category = fields[fieldCategory]
	}

	if nights, err := strconv.Atoi(digitsRegex.FindString(fields[fieldNights])); err == nil {
		res.Nights = nights
	} else if !res.CheckIn.IsZero() && res.CheckOut.After(res.CheckIn) {
		res.Nights = int(res.CheckOut.Sub(res.CheckIn).Hours() / 24)
	}

	if total, ok := e.amount(fieldTotal, fields[fieldTotal]); ok {
		res.Price.Total = decimal.NewNullDecimal(total.Amount)
		res.Price.Currency = total.Currency
	}
	balanceRaw := fields[fieldBalance]
	if balanceRaw == "" {
		if match := balanceRegex.FindStringSubmatch(htmlutil.Text(doc.Selection)); match != nil {
			balanceRaw = match[1]
		}
	}
	if balance, ok := e.amount(fieldBalance, balanceRaw); ok {
		res.Price.Balance = decimal.NewNullDecimal(balance.Amount)
		if res.Price.Currency == "" {
			res.Price.Currency = balance.Currency
		}
	}
	if res.Price.Currency == "" {
		res.Price.Currency = e.locale.DefaultCurrency
	}

	residents := e.residents(doc)
	for _, resident := range residents {
		if res.Guest.Name == "" {
			res.Guest.Name = resident.Name
		}
		if textutil.SameName(resident.Name, res.Guest.Name) {
			if res.Guest.ID == "" {
				res.Guest.ID = resident.ID
			}
			if res.Guest.Email == "" {
				res.Guest.Email = resident.Email
			}
			if res.Guest.Phone == "" {
				res.Guest.Phone = resident.Phone
			}
			if res.Guest.Country == "" {
				res.Guest.Country = resident.Country
			}
			continue
		}
		res.Companions = append(res.Companions, resident)
	}
	res.Payments = e.payments(doc)
	res.Services = e.services(doc)
	res.Tariffs = e.tariffs(doc)
	res.Logs = e.logs(doc)

	span.SetAttributes(
		attribute.String("id", res.ID),
		attribute.Int("companions", len(res.Companions)),
		attribute.Int("payments", len(res.Payments)),
		attribute.Int("services", len(res.Services)),
		attribute.Int("tariffs", len(res.Tariffs)),
		attribute.Int("logs", len(res.Logs)),
	)
	return res, nil
}

func (e *Extractor) residents(doc *goquery.Document) []model.Guest {
	table := doc.Find("#anchors_info_residents table").First()
	if table.Length() == 0 {
		table = doc.Find("form#guest_template_print table.add-line-table").First()
	}
	if table.Length() == 0 {
		return nil
	}

	columns := mapColumns(headerTexts(table), ResidentColumns)
	if _, ok := columns[fieldName]; !ok {
		// the residents table of older folios has no header:
		// name, gender, email, date of birth
		columns = map[string]int{fieldName: 0, fieldEmail: 2}
	}

	var guests []model.Guest
	bodyRows(table).Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		nameCell := cells.Eq(columns[fieldName])

		guest := model.Guest{
			Name:    cellText(cells, columns, fieldName),
			Email:   cellText(cells, columns, fieldEmail),
			Phone:   cellText(cells, columns, fieldPhone),
			Country: cellText(cells, columns, fieldCountry),
		}
		link := nameCell.Find("a").First()
		if match := guestIdRegex.FindStringSubmatch(link.AttrOr("href", "")); match != nil {
			guest.ID = match[1]
		}
		if guest.Name == "" {
			e.tel.ReportWarning(report_extractor_detail, fmt.Errorf("resident row %d has no name, skipped", i))
			return
		}
		guests = append(guests, guest)
	})
	return guests
}

func (e *Extractor) payments(doc *goquery.Document) []model.Payment {
	var table *goquery.Selection
	doc.Find("#anchors_list_payments").EachWithBreak(func(_ int, panel *goquery.Selection) bool {
		// the card list shares the id with the payment list
		heading := textutil.Fold(htmlutil.Text(panel.Find("h2").First()))
		if heading != "" && strings.Contains(heading, "tarjeta") {
			return true
		}
		if t := panel.Find("table").First(); t.Length() > 0 {
			table = t
			return false
		}
		return true
	})
	if table == nil {
		return nil
	}

	columns := mapColumns(headerTexts(table), PaymentColumns)
	if _, ok := columns[fieldAmount]; !ok {
		// date, created, number, legal entity, description, type, amount, method
		columns = map[string]int{fieldDate: 0, fieldAmount: 6, fieldMethod: 7}
	}

	var payments []model.Payment
	bodyRows(table).Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		amount, ok := e.amount(fieldAmount, cellText(cells, columns, fieldAmount))
		if !ok {
			e.tel.ReportWarning(report_extractor_detail, fmt.Errorf("payment row %d has no amount, skipped", i))
			return
		}
		payments = append(payments, model.Payment{
			Date:   e.date(fieldDate, cellText(cells, columns, fieldDate)),
			Amount: amount.Amount,
			Method: cellText(cells, columns, fieldMethod),
		})
	})
	return payments
}

// panelTable returns the first table of the panel with the given id, or else
// of the panel whose heading contains heading.
func panelTable(doc *goquery.Document, id, heading string) *goquery.Selection {
	table := doc.Find("#" + id + " table").First()
	if table.Length() > 0 {
		return table
	}
	var found *goquery.Selection
	doc.Find("div.panel, div.card, div.box").EachWithBreak(func(_ int, panel *goquery.Selection) bool {
		title := textutil.Fold(htmlutil.Text(panel.Find("h2, h3").First()))
		if !strings.Contains(title, heading) {
			return true
		}
		if t := panel.Find("table").First(); t.Length() > 0 {
			found = t
			return false
		}
		return true
	})
	return found
}

// nullAmount reads an optional amount, a blank or unreadable cell is not
// Valid.
func (e *Extractor) nullAmount(field, raw string) decimal.NullDecimal {
	money, ok := e.amount(field, raw)
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(money.Amount)
}

func (e *Extractor) services(doc *goquery.Document) []model.Service {
	table := panelTable(doc, "anchors_services", "servicios")
	if table == nil {
		return nil
	}

	columns := mapColumns(headerTexts(table), ServiceColumns)
	if _, ok := columns[fieldTitle]; !ok {
		// date, number, title, legal entity, description, code, price, quantity
		columns = map[string]int{
			fieldDate: 0, fieldNumber: 1, fieldTitle: 2, fieldDetails: 4,
			fieldPrice: 6, fieldQuantity: 7,
		}
	}

	var services []model.Service
	bodyRows(table).Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		number := cellText(cells, columns, fieldNumber)
		title := cellText(cells, columns, fieldTitle)
		// the totals row has no number
		if _, ok := columns[fieldNumber]; ok && number == "" {
			return
		}
		if title == "" {
			e.tel.ReportWarning(report_extractor_detail, fmt.Errorf("service row %d has no title, skipped", i))
			return
		}
		quantity := 1
		if n, err := strconv.Atoi(digitsRegex.FindString(cellText(cells, columns, fieldQuantity))); err == nil {
			quantity = n
		}
		services = append(services, model.Service{
			Date:        e.date(fieldDate, cellText(cells, columns, fieldDate)),
			Number:      number,
			Title:       title,
			Description: cellText(cells, columns, fieldDetails),
			Price:       e.nullAmount(fieldPrice, cellText(cells, columns, fieldPrice)),
			Quantity:    quantity,
		})
	})
	return services
}

func (e *Extractor) tariffs(doc *goquery.Document) []model.DailyTariff {
	table := panelTable(doc, "anchors_billing_days", "tarifas")
	if table == nil {
		return nil
	}

	columns := mapColumns(headerTexts(table), TariffColumns)
	if _, ok := columns[fieldDate]; !ok {
		columns = map[string]int{fieldDate: 0, fieldDetails: 1, fieldPrice: 2}
	}

	var tariffs []model.DailyTariff
	bodyRows(table).Each(func(i int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		cells := row.Find("td")
		date := e.date(fieldDate, cellText(cells, columns, fieldDate))
		if date.IsZero() {
			e.tel.ReportWarning(report_extractor_detail, fmt.Errorf("tariff row %d has no date, skipped", i))
			return
		}
		tariffs = append(tariffs, model.DailyTariff{
			Date:        date,
			Description: cellText(cells, columns, fieldDetails),
			Price:       e.nullAmount(fieldPrice, cellText(cells, columns, fieldPrice)),
		})
	})
	return tariffs
}

func (e *Extractor) logs(doc *goquery.Document) []model.ChangeLog {
	table := panelTable(doc, "anchors_log", "historia")
	if table == nil {
		return nil
	}

	columns := mapColumns(headerTexts(table), LogColumns)
	_, mapped := columns[fieldDate]

	var logs []model.ChangeLog
	bodyRows(table).Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		rowColumns := columns
		if !mapped {
			if cells.Length() < 6 {
				return
			}
			// date, number, user, type, action, [amount,] description
			rowColumns = map[string]int{fieldDate: 0, fieldNumber: 1, fieldUser: 2, fieldType: 3, fieldAction: 4, fieldDetails: 5}
			if cells.Length() >= 7 {
				rowColumns[fieldAmount] = 5
				rowColumns[fieldDetails] = 6
			}
		}
		logs = append(logs, model.ChangeLog{
			Date:        e.date(fieldDate, cellText(cells, rowColumns, fieldDate)),
			Number:      cellText(cells, rowColumns, fieldNumber),
			User:        cellText(cells, rowColumns, fieldUser),
			Type:        cellText(cells, rowColumns, fieldType),
			Action:      cellText(cells, rowColumns, fieldAction),
			Amount:      e.nullAmount(fieldAmount, cellText(cells, rowColumns, fieldAmount)),
			Description: cellText(cells, rowColumns, fieldDetails),
		})
	})
	return logs
}

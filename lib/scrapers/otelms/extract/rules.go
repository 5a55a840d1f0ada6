package extract

import (
	"otelms-scraper/lib/htmlutil"
	"otelms-scraper/lib/textutil"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FieldRule describes where a single field of a page is read from. Selectors
// are tried first, in order, then the labelled blocks of the page.
//
// A missing required field makes the whole unit unusable (the row is
// skipped, the detail page is a ParseError), a missing optional field is
// left empty.
type FieldRule struct {
	Name      string
	Selectors []string
	// Attr is read instead of the text of the matched element when set.
	Attr     string
	Labels   []string
	Required bool
}

// labelThreshold is the minimum label score for a fuzzy match.
const labelThreshold = 0.9

const (
	fieldID       = "id"
	fieldGuest    = "guest"
	fieldPhone    = "phone"
	fieldEmail    = "email"
	fieldCountry  = "country"
	fieldSource   = "source"
	fieldNights   = "nights"
	fieldRoom     = "room"
	fieldCategory = "category"
	fieldCheckIn  = "check_in"
	fieldCheckOut = "check_out"
	fieldStatus   = "status"
	fieldTotal    = "total"
	fieldBalance  = "balance"
	fieldDate     = "date"
	fieldAmount   = "amount"
	fieldMethod   = "method"
	fieldName     = "name"
	fieldNumber   = "number"
	fieldTitle    = "title"
	fieldDetails  = "description"
	fieldPrice    = "price"
	fieldQuantity = "quantity"
	fieldUser     = "user"
	fieldType     = "type"
	fieldAction   = "action"
)

// DetailRules are the rules of a folio page.
var DetailRules = []FieldRule{
	{
		Name:      fieldID,
		Selectors: []string{"input[name=id_reservation]"},
		Attr:      "value",
		Required:  true,
	},
	{Name: fieldGuest, Labels: []string{"cliente", "huesped", "guest", "titular"}},
	{Name: fieldPhone, Labels: []string{"telefono", "phone", "movil"}},
	{Name: fieldEmail, Labels: []string{"email", "e-mail", "correo"}},
	{Name: fieldCountry, Labels: []string{"pais", "country", "nacionalidad"}},
	{Name: fieldSource, Labels: []string{"fuente", "source", "canal"}},
	{Name: fieldNights, Labels: []string{"noches", "nights"}},
	{Name: fieldRoom, Labels: []string{"habitacion", "room", "hab"}},
	{Name: fieldCategory, Labels: []string{"categoria", "tipo de habitacion", "category"}},
	{Name: fieldCheckIn, Labels: []string{"llegada", "lllegada", "check-in", "entrada"}},
	{Name: fieldCheckOut, Labels: []string{"salida", "check-out"}},
	{Name: fieldStatus, Labels: []string{"estado", "status"}},
	{
		Name:      fieldTotal,
		Selectors: []string{"#FO_total"},
		Labels:    []string{"total", "importe total", "precio total", "precio"},
	},
	{
		Name:      fieldBalance,
		Selectors: []string{".folio-balance span", "span.saldo", "div.balans"},
		Labels:    []string{"saldo", "balance"},
	},
}

// ListingColumns maps the columns of a listing table by their header.
var ListingColumns = []FieldRule{
	{Name: fieldID, Labels: []string{"no", "n", "#", "id", "reserva", "numero", "numero de reserva"}, Required: true},
	{Name: fieldGuest, Labels: []string{"huesped", "cliente", "guest", "nombre"}},
	{Name: fieldRoom, Labels: []string{"habitacion", "room", "hab"}},
	{Name: fieldCheckIn, Labels: []string{"llegada", "lllegada", "check-in", "entrada"}},
	{Name: fieldCheckOut, Labels: []string{"salida", "check-out"}},
	{Name: fieldStatus, Labels: []string{"estado", "status"}},
	{Name: fieldBalance, Labels: []string{"balance", "saldo"}},
	{Name: fieldSource, Labels: []string{"fuente", "source", "canal"}},
}

// ResidentColumns maps the residents table of a folio.
var ResidentColumns = []FieldRule{
	{Name: fieldName, Labels: []string{"nombre", "huesped", "name", "apellidos y nombre"}, Required: true},
	{Name: fieldEmail, Labels: []string{"email", "e-mail", "correo"}},
	{Name: fieldPhone, Labels: []string{"telefono", "phone"}},
	{Name: fieldCountry, Labels: []string{"pais", "country", "nacionalidad"}},
}

// PaymentColumns maps the payments table of a folio.
var PaymentColumns = []FieldRule{
	{Name: fieldDate, Labels: []string{"fecha", "date", "fecha de pago"}, Required: true},
	{Name: fieldAmount, Labels: []string{"importe", "monto", "cantidad", "suma", "amount"}, Required: true},
	{Name: fieldMethod, Labels: []string{"metodo de pago", "metodo", "forma de pago", "method"}},
}

// ServiceColumns maps the services table of a folio.
var ServiceColumns = []FieldRule{
	{Name: fieldDate, Labels: []string{"fecha", "fecha y hora", "date"}},
	{Name: fieldNumber, Labels: []string{"№", "no", "n", "numero"}},
	{Name: fieldTitle, Labels: []string{"titulo", "servicio", "title"}, Required: true},
	{Name: fieldDetails, Labels: []string{"descripcion", "description"}},
	{Name: fieldPrice, Labels: []string{"precio", "price"}},
	{Name: fieldQuantity, Labels: []string{"cantidad", "quantity", "cant"}},
}

// TariffColumns maps the daily tariffs table of a folio.
var TariffColumns = []FieldRule{
	{Name: fieldDate, Labels: []string{"fecha", "dia", "date"}, Required: true},
	{Name: fieldDetails, Labels: []string{"descripcion", "tarifa", "tipo de tarifa", "description"}},
	{Name: fieldPrice, Labels: []string{"precio", "importe", "price"}},
}

// LogColumns maps the change history table of a folio.
var LogColumns = []FieldRule{
	{Name: fieldDate, Labels: []string{"fecha", "fecha y hora", "date"}, Required: true},
	{Name: fieldNumber, Labels: []string{"№", "no", "n", "numero"}},
	{Name: fieldUser, Labels: []string{"usuario", "user"}},
	{Name: fieldType, Labels: []string{"tipo", "type"}},
	{Name: fieldAction, Labels: []string{"accion", "action"}},
	{Name: fieldAmount, Labels: []string{"importe", "cantidad", "suma", "amount"}},
	{Name: fieldDetails, Labels: []string{"descripcion", "description"}},
}

// labelled is every "<b>label</b> value" block of a page keyed by its folded
// label.
type labelled map[string]string

func readLabelled(doc *goquery.Document) labelled {
	blocks := labelled{}
	doc.Find("div.col-md-3 > b, div.col-md-2 > b").Each(func(_ int, b *goquery.Selection) {
		label := textutil.Fold(htmlutil.Text(b))
		if label == "" {
			return
		}
		parent := b.Parent().Clone()
		parent.Find("b").First().Remove()
		parent.Find("i.fa-edit, .fa-edit").Remove()
		value := htmlutil.Text(parent)
		if _, exists := blocks[label]; !exists {
			blocks[label] = value
		}
	})
	return blocks
}

func (l labelled) lookup(labels []string) (string, bool) {
	bestScore := 0.0
	bestValue := ""
	for label, value := range l {
		score := textutil.BestLabel(label, labels)
		if score > bestScore {
			bestScore = score
			bestValue = value
		}
	}
	if bestScore < labelThreshold {
		return "", false
	}
	return bestValue, true
}

// resolve reads a field with its rule, selectors first then labels.
func resolve(doc *goquery.Document, blocks labelled, rule FieldRule) (string, bool) {
	for _, selector := range rule.Selectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		var value string
		if rule.Attr != "" {
			value = strings.TrimSpace(sel.AttrOr(rule.Attr, ""))
		} else {
			value = htmlutil.Text(sel)
		}
		if value != "" {
			return value, true
		}
	}
	if len(rule.Labels) > 0 {
		value, ok := blocks.lookup(rule.Labels)
		if ok && value != "" {
			return value, true
		}
	}
	return "", false
}

// mapColumns assigns every rule the index of the header that matches it best,
// a header is never assigned to two rules.
func mapColumns(headers []string, rules []FieldRule) map[string]int {
	type candidate struct {
		rule   string
		column int
		score  float64
	}
	candidates := []candidate{}
	for column, header := range headers {
		for _, rule := range rules {
			score := textutil.BestLabel(header, rule.Labels)
			if score >= labelThreshold {
				candidates = append(candidates, candidate{rule: rule.Name, column: column, score: score})
			}
		}
	}

	columns := map[string]int{}
	taken := map[int]bool{}
	for len(candidates) > 0 {
		best := 0
		for i, c := range candidates {
			if c.score > candidates[best].score {
				best = i
			}
		}
		winner := candidates[best]
		columns[winner.rule] = winner.column
		taken[winner.column] = true

		remaining := candidates[:0]
		for _, c := range candidates {
			if c.rule != winner.rule && !taken[c.column] {
				remaining = append(remaining, c)
			}
		}
		candidates = remaining
	}
	return columns
}

func headerTexts(table *goquery.Selection) []string {
	headers := []string{}
	header := table.Find("thead tr").First()
	if header.Length() == 0 {
		header = table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
			return tr.Find("th").Length() > 0
		}).First()
	}
	header.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, htmlutil.Text(cell))
	})
	return headers
}

func bodyRows(table *goquery.Selection) *goquery.Selection {
	rows := table.Find("tbody tr")
	if rows.Length() == 0 {
		rows = table.Find("tr")
	}
	return rows.FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Find("td").Length() > 0
	})
}

func cellText(cells *goquery.Selection, columns map[string]int, field string) string {
	column, ok := columns[field]
	if !ok || column >= cells.Length() {
		return ""
	}
	return htmlutil.Text(cells.Eq(column))
}

package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Locale is the table of formatting rules used to read dates and amounts
// rendered by an otelms instance.
type Locale struct {
	// DayFirst resolves numeric dates like 03/04/2023 where both the day and
	// the month could be either of the first two numbers.
	DayFirst bool
	// DecimalSeparator is '.' or ','. It decides amounts with a single
	// separator followed by exactly three digits, like 1.234.
	DecimalSeparator rune
	DefaultCurrency  string
	// CurrencySymbols maps a symbol or code found next to an amount to an
	// ISO 4217 code.
	CurrencySymbols map[string]string
}

func DefaultLocale() Locale {
	return Locale{
		DayFirst:         true,
		DecimalSeparator: '.',
		CurrencySymbols: map[string]string{
			"€":   "EUR",
			"EUR": "EUR",
			"US$": "USD",
			"USD": "USD",
			"$":   "USD",
			"S/":  "PEN",
			"PEN": "PEN",
			"Bs":  "BOB",
			"BOB": "BOB",
			"£":   "GBP",
			"GBP": "GBP",
			"₽":   "RUB",
			"RUB": "RUB",
			"₾":   "GEL",
			"GEL": "GEL",
		},
	}
}

type dateOrder int

const (
	orderYMD dateOrder = iota
	// either day/month/year or month/day/year
	orderNumeric
	orderSpanish
)

type datePattern struct {
	re    *regexp.Regexp
	order dateOrder
}

// tried in order, the first match wins
var datePatterns = []datePattern{
	{re: regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`), order: orderYMD},
	{re: regexp.MustCompile(`(\d{4})/(\d{1,2})/(\d{1,2})`), order: orderYMD},
	{re: regexp.MustCompile(`(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4})`), order: orderNumeric},
	{re: regexp.MustCompile(`(?i)(\d{1,2})\s+de\s+([a-záéíóú]+)\.?\s+(?:de\s+)?(\d{4})`), order: orderSpanish},
}

var spanishMonths = map[string]time.Month{
	"ene": time.January, "feb": time.February, "mar": time.March,
	"abr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "ago": time.August, "sep": time.September,
	"set": time.September, "oct": time.October, "nov": time.November,
	"dic": time.December,
}

// DateResult is a parsed calendar date, Ambiguous is set when the day and
// month could not be told apart and DayFirst decided.
type DateResult struct {
	Date      time.Time
	Ambiguous bool
}

// ParseDate finds the first date in s and returns it at midnight UTC.
func (l Locale) ParseDate(s string) (DateResult, bool) {
	for _, pattern := range datePatterns {
		match := pattern.re.FindStringSubmatch(s)
		if match == nil {
			continue
		}

		var year, month, day int
		ambiguous := false
		switch pattern.order {
		case orderYMD:
			year, _ = strconv.Atoi(match[1])
			month, _ = strconv.Atoi(match[2])
			day, _ = strconv.Atoi(match[3])
		case orderNumeric:
			a, _ := strconv.Atoi(match[1])
			b, _ := strconv.Atoi(match[2])
			year, _ = strconv.Atoi(match[3])
			switch {
			case a > 12:
				day, month = a, b
			case b > 12:
				day, month = b, a
			default:
				ambiguous = a != b
				if l.DayFirst {
					day, month = a, b
				} else {
					day, month = b, a
				}
			}
		case orderSpanish:
			day, _ = strconv.Atoi(match[1])
			year, _ = strconv.Atoi(match[3])
			name := strings.ToLower(match[2])
			if len(name) < 3 {
				continue
			}
			m, ok := spanishMonths[foldMonth(name[:3])]
			if !ok {
				continue
			}
			month = int(m)
		}

		date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		// time.Date normalizes overflowing values, reject them instead
		if date.Year() != year || int(date.Month()) != month || date.Day() != day {
			continue
		}
		return DateResult{Date: date, Ambiguous: ambiguous}, true
	}
	return DateResult{}, false
}

func foldMonth(prefix string) string {
	return strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u").Replace(prefix)
}

var amountRegex = regexp.MustCompile(`[-−]?\s?\d[\d\s.,]*`)

// Money is a parsed amount, Currency is empty when neither the text nor the
// locale named one.
type Money struct {
	Amount   decimal.Decimal
	Currency string
	// Guessed is set when a lone separator had to be guessed as either a
	// decimal or a thousands separator.
	Guessed bool
}

// ParseAmount reads the first amount in s.
func (l Locale) ParseAmount(s string) (Money, bool) {
	match := amountRegex.FindStringIndex(s)
	if match == nil {
		return Money{}, false
	}
	raw := s[match[0]:match[1]]

	negative := strings.HasPrefix(raw, "-") || strings.HasPrefix(raw, "−")
	if !negative && match[0] > 0 && strings.HasSuffix(strings.TrimSpace(s[:match[0]]), "(") {
		negative = true
	}

	digits := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			return r
		}
		return -1
	}, raw)
	digits = strings.TrimRight(digits, ".,")

	normalized, guessed := l.normalizeSeparators(digits)
	amount, err := decimal.NewFromString(normalized)
	if err != nil {
		return Money{}, false
	}
	if negative {
		amount = amount.Neg()
	}

	currency := l.currency(s)
	if currency == "" {
		currency = l.DefaultCurrency
	}
	return Money{Amount: amount, Currency: currency, Guessed: guessed}, true
}

func (l Locale) normalizeSeparators(digits string) (string, bool) {
	lastDot := strings.LastIndex(digits, ".")
	lastComma := strings.LastIndex(digits, ",")

	// both separators: the last one is the decimal separator
	if lastDot >= 0 && lastComma >= 0 {
		if lastDot > lastComma {
			return strings.ReplaceAll(digits, ",", ""), false
		}
		return strings.ReplaceAll(strings.ReplaceAll(digits, ".", ""), ",", "."), false
	}

	sep := "."
	last := lastDot
	if lastComma >= 0 {
		sep = ","
		last = lastComma
	}
	if last < 0 {
		return digits, false
	}
	// repeated separators can only group thousands
	if strings.Count(digits, sep) > 1 {
		return strings.ReplaceAll(digits, sep, ""), false
	}

	decimals := len(digits) - last - 1
	isDecimal := true
	guessed := false
	if decimals == 3 {
		guessed = true
		isDecimal = string(l.decimalSeparator()) == sep
	}
	if isDecimal {
		return strings.Replace(digits, sep, ".", 1), guessed
	}
	return strings.ReplaceAll(digits, sep, ""), guessed
}

func (l Locale) decimalSeparator() rune {
	if l.DecimalSeparator == 0 {
		return '.'
	}
	return l.DecimalSeparator
}

func (l Locale) currency(s string) string {
	symbols := make([]string, 0, len(l.CurrencySymbols))
	for symbol := range l.CurrencySymbols {
		symbols = append(symbols, symbol)
	}
	// longest first so that "US$" wins over "$"
	sort.Slice(symbols, func(i, j int) bool {
		if len(symbols[i]) != len(symbols[j]) {
			return len(symbols[i]) > len(symbols[j])
		}
		return symbols[i] < symbols[j]
	})
	for _, symbol := range symbols {
		if strings.Contains(s, symbol) {
			return l.CurrencySymbols[symbol]
		}
	}
	return ""
}

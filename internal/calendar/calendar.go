// Package calendar maps economic-calendar table rows to records.
package calendar

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/econ-calendar-crawler/internal/crawler"
)

// DefaultBaseURL is the public economic calendar page.
const DefaultBaseURL = "https://www.investing.com/economic-calendar/"

// RowSelector matches one event row in the calendar table.
const RowSelector = "tr.js-event-item"

// Record field names.
const (
	FieldDateTime   = "DateTime"
	FieldTime       = "Time"
	FieldCurrency   = "Currency"
	FieldImportance = "Importance"
	FieldEvent      = "Event"
	FieldActual     = "Actual"
	FieldForecast   = "Forecast"
	FieldPrevious   = "Previous"
)

// Columns is the canonical output column order.
var Columns = []string{
	FieldDateTime,
	FieldTime,
	FieldCurrency,
	FieldImportance,
	FieldEvent,
	FieldActual,
	FieldForecast,
	FieldPrevious,
}

var importanceByTitle = map[string]string{
	"Low Volatility Expected":      "Low",
	"Moderate Volatility Expected": "Medium",
	"High Volatility Expected":     "High",
}

// Importance maps the sentiment cell title to Low, Medium, High or Unknown.
func Importance(title string) string {
	if v, ok := importanceByTitle[strings.TrimSpace(title)]; ok {
		return v
	}
	return "Unknown"
}

// Currency returns the ISO code at the end of the flag cell text.
func Currency(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= 3 {
		return string(r)
	}
	return string(r[len(r)-3:])
}

// RangeURL returns the calendar page filtered to r.
func RangeURL(base string, r crawler.DateRange) (string, error) {
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("dateFrom", r.Start.Format(crawler.DateLayout))
	q.Set("dateTo", r.End.Format(crawler.DateLayout))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExtractRows converts every event row under root into a record. Rows
// without an event link are skipped; value cells are optional.
func ExtractRows(root *goquery.Selection) []crawler.Record {
	records := []crawler.Record{}
	root.Find(RowSelector).Each(func(_ int, tr *goquery.Selection) {
		if rec, ok := rowRecord(tr); ok {
			records = append(records, rec)
		}
	})
	return records
}

// ExtractHTML parses an HTML fragment or document and extracts its rows.
func ExtractHTML(html string) ([]crawler.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return ExtractRows(doc.Selection), nil
}

// CountRows returns how many event rows root contains.
func CountRows(root *goquery.Selection) int {
	return root.Find(RowSelector).Length()
}

func rowRecord(tr *goquery.Selection) (crawler.Record, bool) {
	link := tr.Find("td.event a").First()
	if link.Length() == 0 {
		return nil, false
	}
	title, _ := tr.Find("td.sentiment").First().Attr("title")
	datetime, _ := tr.Attr("data-event-datetime")

	return crawler.Record{
		FieldDateTime:   strings.TrimSpace(datetime),
		FieldTime:       cellText(tr, "td.time"),
		FieldCurrency:   Currency(cellText(tr, "td.flagCur")),
		FieldImportance: Importance(title),
		FieldEvent:      strings.TrimSpace(link.Text()),
		FieldActual:     cellText(tr, "td.act"),
		FieldForecast:   cellText(tr, "td.fore"),
		FieldPrevious:   cellText(tr, "td.prev"),
	}, true
}

func cellText(tr *goquery.Selection, selector string) string {
	return strings.TrimSpace(tr.Find(selector).First().Text())
}

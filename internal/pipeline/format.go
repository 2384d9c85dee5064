package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/fault"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NoResultsMessage is rendered for an empty row sequence.
const NoResultsMessage = "No matching results found.\n\n" +
	"Suggestions:\n" +
	"• Try different keywords\n" +
	"• Check the spelling\n" +
	"• Use simpler keywords"

type priorityField struct {
	name  string
	label string
}

// Priority fields are rendered first, in this order.
var priorityFields = []priorityField{
	{"title", "Title"},
	{"author", "Author"},
	{"category", "Category"},
	{"genre", "Genre"},
	{"description", "Description"},
	{"price", "Price"},
	{"publication_year", "Publication year"},
	{"year", "Year"},
	{"isbn", "ISBN"},
	{"identifier", "Identifier"},
	{"id", "ID"},
}

var prioritySet = func() map[string]bool {
	m := make(map[string]bool, len(priorityFields))
	for _, f := range priorityFields {
		m[f.name] = true
	}
	return m
}()

type Formatter struct {
	printer  *message.Printer
	currency string
}

// NewFormatter renders prices with the thousands separator of locale (a BCP
// 47 tag such as "en" or "vi") followed by currency.
func NewFormatter(locale, currency string) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	return &Formatter{printer: message.NewPrinter(tag), currency: currency}
}

func (f *Formatter) Format(rows []Row) (string, error) {
	if len(rows) == 0 {
		return NoResultsMessage, nil
	}

	var b strings.Builder
	if len(rows) == 1 {
		b.WriteString("Found 1 result\n\n")
	} else {
		fmt.Fprintf(&b, "Found %d results\n\n", len(rows))
	}

	for i, row := range rows {
		if row.Len() == 0 {
			return "", fault.Format("format", fmt.Errorf("row %d has no fields", i+1))
		}
		fmt.Fprintf(&b, "Result %d:\n", i+1)
		for _, pf := range priorityFields {
			value, ok := row.Get(pf.name)
			if !ok || isBlank(value) {
				continue
			}
			fmt.Fprintf(&b, "   %s: %s\n", pf.label, f.render(pf.name, value))
		}
		for _, field := range row.Fields() {
			if prioritySet[field.Name] || isBlank(field.Value) {
				continue
			}
			fmt.Fprintf(&b, "   • %s: %s\n", field.Name, f.render(field.Name, field.Value))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (f *Formatter) render(name string, value any) string {
	if name == "price" {
		switch v := value.(type) {
		case int64:
			return f.printer.Sprintf("%d %s", v, f.currency)
		case int:
			return f.printer.Sprintf("%d %s", v, f.currency)
		case float64:
			return f.printer.Sprintf("%.0f %s", v, f.currency)
		}
	}
	switch v := value.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.Format("2006-01-02")
	case string:
		return strings.TrimSpace(v)
	default:
		return fmt.Sprint(v)
	}
}

// isBlank mirrors truthiness: nil, empty text and zero numbers are skipped.
func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []byte:
		return len(v) == 0
	case int64:
		return v == 0
	case int:
		return v == 0
	case float64:
		return v == 0
	case bool:
		return !v
	default:
		return false
	}
}

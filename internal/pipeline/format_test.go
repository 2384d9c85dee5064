package pipeline

import (
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voicesearch/internal/fault"
)

func TestNormalizeIsIdempotent(t *testing.T) {
	rows := []Row(twoBooks())
	inputs := []Response{Rows(rows), Reply{Success: true, Rows: rows}, Ok(rows)}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if !twice.IsOk() || len(twice.Rows()) != len(rows) {
			t.Fatalf("normalize(%T) not idempotent: %+v", in, twice)
		}
		for i := range rows {
			if twice.Rows()[i].Names()[0] != rows[i].Names()[0] {
				t.Fatalf("rows changed by normalization")
			}
		}
	}

	failed := Normalize(Reply{Success: false, Message: "locked"})
	if again := Normalize(failed); again.IsOk() || again.Message() != "locked" {
		t.Fatalf("failed result not preserved: %+v", again)
	}
	if r := Normalize(Reply{}); r.IsOk() || r.Message() == "" {
		t.Fatalf("failed reply without message must carry a default message")
	}
}

func TestFormatEmptyRows(t *testing.T) {
	f := NewFormatter("en", "VND")
	for _, rows := range [][]Row{nil, {}} {
		out, err := f.Format(rows)
		if err != nil {
			t.Fatalf("empty rows must not fail: %v", err)
		}
		if out != NoResultsMessage {
			t.Fatalf("expected no-results message, got %q", out)
		}
		if strings.Count(out, "•") != 3 {
			t.Fatalf("expected three suggestions")
		}
	}
}

func TestFormatPriorityOrder(t *testing.T) {
	f := NewFormatter("en", "VND")
	row := NewRow(
		Field{"price", int64(150000)},
		Field{"author", "Robert Martin"},
		Field{"title", "Clean Code"},
	)
	out, err := f.Format([]Row{row})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	title := strings.Index(out, "Clean Code")
	author := strings.Index(out, "Robert Martin")
	price := strings.Index(out, "150,000")
	if title < 0 || author < 0 || price < 0 {
		t.Fatalf("missing fields in output:\n%s", out)
	}
	if !(title < author && author < price) {
		t.Fatalf("fields not in priority order:\n%s", out)
	}
	if !strings.Contains(out, "150,000 VND") || !strings.HasPrefix(out, "Found 1 result\n") {
		t.Fatalf("unexpected rendering:\n%s", out)
	}
}

func TestFormatExtraFieldsKeepInsertionOrder(t *testing.T) {
	f := NewFormatter("en", "VND")
	row := NewRow(
		Field{"storage_location", "03 Quang Trung"},
		Field{"title", "Quán văn 110"},
		Field{"pages", "333 tr."},
		Field{"summary", ""},
		Field{"availability", "10/10"},
	)
	out, err := f.Format([]Row{row})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	loc := strings.Index(out, "• storage_location")
	pages := strings.Index(out, "• pages")
	avail := strings.Index(out, "• availability")
	if !(strings.Index(out, "Title: Quán văn 110") < loc && loc < pages && pages < avail) {
		t.Fatalf("unexpected order:\n%s", out)
	}
	if strings.Contains(out, "summary") {
		t.Fatalf("blank fields must be skipped:\n%s", out)
	}
}

func TestFormatMalformedRow(t *testing.T) {
	f := NewFormatter("en", "VND")
	_, err := f.Format([]Row{NewRow(Field{"title", "A"}), NewRow()})
	if fault.KindOf(err) != fault.KindFormat {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestFormatFloatPrice(t *testing.T) {
	f := NewFormatter("en", "USD")
	out, err := f.Format([]Row{NewRow(Field{"title", "Refactoring"}, Field{"price", 1234567.4})})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.Contains(out, "Price: 1,234,567 USD") {
		t.Fatalf("unexpected price rendering:\n%s", out)
	}
}

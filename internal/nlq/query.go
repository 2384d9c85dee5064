package nlq

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/llm"
	"github.com/loqalabs/loqa-voicesearch/internal/pipeline"
)

var (
	limitClause    = regexp.MustCompile(`(?i)\blimit\s+(\d+)`)
	statementStart = regexp.MustCompile(`(?im)^\s*(select|with)\b`)
)

// QueryGenerator turns request text into a SQLite SELECT using a language
// model.
type QueryGenerator struct {
	gen         llm.Generator
	maxTokens   int
	temperature float64
}

func NewQueryGenerator(gen llm.Generator, llmCfg config.LLMConfig, queryCfg config.QueryConfig) *QueryGenerator {
	return &QueryGenerator{gen: gen, maxTokens: tokenBudget(queryCfg.GenerationTokens, llmCfg), temperature: llmCfg.Temperature}
}

func (q *QueryGenerator) Generate(ctx context.Context, text string, schema pipeline.Schema, limit int) (string, error) {
	raw, err := llm.Complete(ctx, q.gen, llm.Request{
		System:      queryPrompt(schema, limit),
		Prompt:      text,
		MaxTokens:   q.maxTokens,
		Temperature: q.temperature,
	})
	if err != nil {
		return "", err
	}
	return CleanQuery(raw, limit), nil
}

func queryPrompt(schema pipeline.Schema, limit int) string {
	var b strings.Builder
	b.WriteString("Convert the Vietnamese search request the user provides into a SQLite query that retrieves records.\n\n")
	fmt.Fprintf(&b, "Table: %s\n", schema.Entity)
	fmt.Fprintf(&b, "Columns: [%s]\n\n", strings.Join(quoteAll(schema.Fields), ", "))
	b.WriteString("Rules:\n")
	b.WriteString("- Answer with the SQL query only.\n")
	b.WriteString("- Use LIKE '%keyword%' for keyword matching.\n")
	b.WriteString("- Use LOWER() for case-insensitive comparison.\n")
	fmt.Fprintf(&b, "- Limit the result with LIMIT %d.", limit)
	return b.String()
}

func quoteAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = "'" + f + "'"
	}
	return out
}

// CleanQuery strips markdown fences and any prose before the line the
// statement starts on, keeps the first statement and caps LIMIT at limit,
// appending it when the model left it out. Semicolons inside quoted
// literals are part of the statement. Blank input stays blank.
func CleanQuery(raw string, limit int) string {
	q := strings.ReplaceAll(raw, "```sql", "")
	q = strings.ReplaceAll(q, "```", "")
	q = strings.TrimSpace(q)
	if q == "" {
		return ""
	}
	if loc := statementStart.FindStringSubmatchIndex(q); loc != nil {
		q = q[loc[2]:]
	}
	if end := statementEnd(q); end >= 0 {
		q = q[:end]
	}
	q = strings.TrimSpace(q)
	if limit <= 0 {
		return q
	}
	if all := limitClause.FindAllStringSubmatchIndex(q, -1); all != nil {
		m := all[len(all)-1]
		if n, err := strconv.Atoi(q[m[2]:m[3]]); err == nil && n > limit {
			q = q[:m[2]] + strconv.Itoa(limit) + q[m[3]:]
		}
		return q
	}
	return fmt.Sprintf("%s LIMIT %d", q, limit)
}

// statementEnd is the index of the first semicolon outside a quoted
// literal or identifier, -1 when there is none.
func statementEnd(q string) int {
	var quote byte
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			return i
		}
	}
	return -1
}

// searchColumns are matched by the keyword generator when the schema has them.
var searchColumns = []string{"title", "author", "keywords", "subject", "category", "genre", "summary", "description"}

var fillerWords = map[string]bool{
	"tìm": true, "kiếm": true, "sách": true, "cuốn": true, "quyển": true, "về": true, "cho": true, "tôi": true,
	"của": true, "các": true, "những": true, "có": true, "find": true, "search": true, "book": true,
	"books": true, "the": true, "about": true, "for": true, "and": true, "with": true,
}

// KeywordGenerator builds a LIKE query from the request words without a
// language model. It backs the offline deployment.
type KeywordGenerator struct{}

func (KeywordGenerator) Generate(_ context.Context, text string, schema pipeline.Schema, limit int) (string, error) {
	columns := matchColumns(schema.Fields)
	if len(columns) == 0 {
		return "", fmt.Errorf("entity %s has no searchable text columns", schema.Entity)
	}
	terms := keywords(text)
	if len(terms) == 0 {
		return "", nil
	}

	var clauses []string
	for _, term := range terms {
		pattern := strings.ReplaceAll(term, "'", "''")
		for _, col := range columns {
			clauses = append(clauses, fmt.Sprintf("LOWER(%s) LIKE '%%%s%%'", col, pattern))
		}
	}
	query := fmt.Sprintf(`SELECT * FROM "%s" WHERE %s`, schema.Entity, strings.Join(clauses, " OR "))
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	return query, nil
}

func matchColumns(fields []string) []string {
	have := make(map[string]bool, len(fields))
	for _, f := range fields {
		have[strings.ToLower(f)] = true
	}
	var out []string
	for _, c := range searchColumns {
		if have[c] {
			out = append(out, c)
		}
	}
	return out
}

func keywords(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if utf8.RuneCountInString(w) < 2 || fillerWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

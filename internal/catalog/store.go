// Package catalog is the record store searched by the pipeline: a SQLite
// database holding one entity table (books by default).
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/fault"
	"github.com/loqalabs/loqa-voicesearch/internal/pipeline"
	_ "modernc.org/sqlite"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store holds the single long-lived connection reused across runs.
type Store struct {
	db  *sql.DB
	cfg config.CatalogConfig
	log *slog.Logger
}

func Open(ctx context.Context, cfg config.CatalogConfig, log *slog.Logger) (*Store, error) {
	if !identifier.MatchString(cfg.Entity) {
		return nil, fault.StorageMessage("open", fmt.Sprintf("invalid entity name %q", cfg.Entity))
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fault.Storage("open", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", cfg.Path)
	if cfg.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", cfg.Path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fault.Storage("open", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.Storage("ping", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "catalog"))}
	s.log.Info("catalog opened", slog.String("path", cfg.Path), slog.Bool("read_only", cfg.ReadOnly))
	return s, nil
}

// Execute runs query and answers in the (success, payload) shape: execution
// failures come back as an unsuccessful Reply, not as an error. Only
// cancellation is returned as an error.
func (s *Store) Execute(ctx context.Context, query string) (pipeline.Response, error) {
	if s.cfg.ReadOnly && !readOnlyStatement(query) {
		return pipeline.Reply{Success: false, Message: "only a single SELECT statement is allowed"}, nil
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.log.Warn("catalog query failed", slog.String("query", query), slogError(err))
		return pipeline.Reply{Success: false, Message: err.Error()}, nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return pipeline.Reply{Success: false, Message: err.Error()}, nil
	}

	var out []pipeline.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return pipeline.Reply{Success: false, Message: err.Error()}, nil
		}
		fields := make([]pipeline.Field, len(columns))
		for i, name := range columns {
			value := values[i]
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			fields[i] = pipeline.Field{Name: name, Value: value}
		}
		out = append(out, pipeline.NewRow(fields...))
	}
	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return pipeline.Reply{Success: false, Message: err.Error()}, nil
	}

	s.log.Debug("catalog query returned", slog.Int("rows", len(out)))
	return pipeline.Reply{Success: true, Rows: out}, nil
}

// Schema returns the configured field list or, when none is configured,
// the entity's columns in table order.
func (s *Store) Schema(ctx context.Context) (pipeline.Schema, error) {
	schema := pipeline.Schema{Entity: s.cfg.Entity}
	if len(s.cfg.Fields) > 0 {
		schema.Fields = append([]string(nil), s.cfg.Fields...)
		return schema, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, s.cfg.Entity)
	if err != nil {
		return schema, fault.Storage("schema", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return schema, fault.Storage("schema", err)
		}
		schema.Fields = append(schema.Fields, name)
	}
	if err := rows.Err(); err != nil {
		return schema, fault.Storage("schema", err)
	}
	if len(schema.Fields) == 0 {
		return schema, fault.StorageMessage("schema", fmt.Sprintf("entity %q not found", s.cfg.Entity))
	}
	return schema, nil
}

// Ping checks the connection and that the entity table is readable.
func (s *Store) Ping(ctx context.Context) error {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, s.cfg.Entity)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return fault.Storage("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// readOnlyStatement accepts one SELECT (or WITH ... SELECT) statement with
// an optional trailing semicolon. Semicolons inside quotes do not separate
// statements.
func readOnlyStatement(query string) bool {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if hasSeparator(q) {
		return false
	}
	fields := strings.Fields(strings.ToLower(q))
	if len(fields) == 0 {
		return false
	}
	return fields[0] == "select" || fields[0] == "with"
}

func hasSeparator(q string) bool {
	var quote rune
	for _, c := range q {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			return true
		}
	}
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

const (
	runStateTable = "run_state"
	seenIDsTable  = "seen_ids"

	// insertChunk bounds the number of rows per multi-row INSERT.
	insertChunk = 500
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS run_state (
		name VARCHAR(64) NOT NULL PRIMARY KEY,
		last_success_at TIMESTAMP NULL,
		mode VARCHAR(16) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS seen_ids (
		name VARCHAR(64) NOT NULL,
		item_id VARCHAR(64) NOT NULL,
		PRIMARY KEY (name, item_id)
	)`,
}

// SQLStore keeps the state in two tables and replaces both inside one
// transaction.
type SQLStore struct {
	db   *sql.DB
	name string
	sb   sq.StatementBuilderType
}

// NewSQLStore opens a postgres or mysql database and ensures the schema.
func NewSQLStore(ctx context.Context, dialect, dsn, name string) (*SQLStore, error) {
	driver, dsn, err := driverFor(dialect, dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "connect", Err: err}
	}

	s := newSQLStore(db, dialect, name)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, &PersistenceError{Op: "migrate", Err: err}
		}
	}
	return s, nil
}

func newSQLStore(db *sql.DB, dialect, name string) *SQLStore {
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if dialect == "postgres" {
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return &SQLStore{db: db, name: name, sb: sb}
}

// driverFor maps a dialect to its database/sql driver. MySQL DSNs are
// rewritten to scan TIMESTAMP columns into time.Time in UTC.
func driverFor(dialect, dsn string) (string, string, error) {
	switch dialect {
	case "postgres":
		return "postgres", dsn, nil
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return "mysql", cfg.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported sql dialect %q", dialect)
	}
}

func (s *SQLStore) Load(ctx context.Context) (RunState, error) {
	query, args, err := s.sb.Select("last_success_at", "mode").
		From(runStateTable).
		Where(sq.Eq{"name": s.name}).
		ToSql()
	if err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: err}
	}

	var (
		last sql.NullTime
		mode string
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&last, &mode)
	if errors.Is(err, sql.ErrNoRows) {
		return Empty(), nil
	}
	if err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: err}
	}

	st := Empty()
	if last.Valid {
		st.LastSuccessAt = last.Time.UTC()
	}
	st.Mode = modeOf(mode)

	query, args, err = s.sb.Select("item_id").
		From(seenIDsTable).
		Where(sq.Eq{"name": s.name}).
		ToSql()
	if err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: err}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return RunState{}, &PersistenceError{Op: "load", Err: err}
		}
		st.SeenIDs[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return RunState{}, &PersistenceError{Op: "load", Err: err}
	}
	return st, nil
}

func (s *SQLStore) Save(ctx context.Context, st RunState) error {
	stmts, err := s.saveStatements(st)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			tx.Rollback()
			return &PersistenceError{Op: "save", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

type statement struct {
	query string
	args  []interface{}
}

// saveStatements builds the statements that replace the stored state with st.
func (s *SQLStore) saveStatements(st RunState) ([]statement, error) {
	var stmts []statement
	add := func(b interface {
		ToSql() (string, []interface{}, error)
	}) error {
		q, args, err := b.ToSql()
		if err != nil {
			return err
		}
		stmts = append(stmts, statement{query: q, args: args})
		return nil
	}

	var last interface{}
	if !st.LastSuccessAt.IsZero() {
		last = st.LastSuccessAt.UTC()
	}

	if err := add(s.sb.Delete(runStateTable).Where(sq.Eq{"name": s.name})); err != nil {
		return nil, err
	}
	if err := add(s.sb.Insert(runStateTable).
		Columns("name", "last_success_at", "mode").
		Values(s.name, last, string(st.Mode))); err != nil {
		return nil, err
	}
	if err := add(s.sb.Delete(seenIDsTable).Where(sq.Eq{"name": s.name})); err != nil {
		return nil, err
	}

	ids := st.SortedIDs()
	for start := 0; start < len(ids); start += insertChunk {
		end := min(start+insertChunk, len(ids))
		ins := s.sb.Insert(seenIDsTable).Columns("name", "item_id")
		for _, id := range ids[start:end] {
			ins = ins.Values(s.name, id)
		}
		if err := add(ins); err != nil {
			return nil, err
		}
	}
	return stmts, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

package kv

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// SQLiteEnv is a pristine stored in a single SQLite database file.
type SQLiteEnv struct {
	conn *sql.DB
	path string
	log  *logrus.Logger
}

// OpenSQLite opens or creates <cfg.Path>/pristine.db.
func OpenSQLite(cfg Config) (*SQLiteEnv, error) {
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("creating pristine directory: %w", err)
	}
	dbPath := filepath.Join(cfg.Path, "pristine.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// Savepoints live on one connection.
	conn.SetMaxOpenConns(1)

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	log.WithField("path", dbPath).Debug("opened sqlite pristine")
	return &SQLiteEnv{conn: conn, path: dbPath, log: log}, nil
}

// Begin starts the top-level write transaction.
func (e *SQLiteEnv) Begin() (Txn, error) {
	tx, err := e.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteTxn{tx: tx}, nil
}

// Close closes the database connection.
func (e *SQLiteEnv) Close() error {
	return e.conn.Close()
}

type sqliteTxn struct {
	tx        *sql.Tx
	savepoint string
	depth     int
	done      bool
}

func (t *sqliteTxn) Get(tbl Table, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	var v []byte
	err := t.tx.QueryRow(
		`SELECT v FROM `+tbl.String()+` WHERE k = ? ORDER BY v LIMIT 1`, nonNil(key),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting from %s: %w", tbl, err)
	}
	return nonNil(v), nil
}

func (t *sqliteTxn) Put(tbl Table, key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	verb := "INSERT OR REPLACE"
	if tbl.Dup() {
		verb = "INSERT OR IGNORE"
	}
	_, err := t.tx.Exec(verb+` INTO `+tbl.String()+` (k, v) VALUES (?, ?)`, nonNil(key), nonNil(value))
	if err != nil {
		return fmt.Errorf("putting into %s: %w", tbl, err)
	}
	return nil
}

func (t *sqliteTxn) Delete(tbl Table, key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	var err error
	if value == nil {
		_, err = t.tx.Exec(`DELETE FROM `+tbl.String()+` WHERE k = ?`, nonNil(key))
	} else {
		_, err = t.tx.Exec(`DELETE FROM `+tbl.String()+` WHERE k = ? AND v = ?`, nonNil(key), value)
	}
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", tbl, err)
	}
	return nil
}

func (t *sqliteTxn) Seek(tbl Table, key, value []byte, limit int) ([]Pair, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	rows, err := t.tx.Query(
		`SELECT k, v FROM `+tbl.String()+` WHERE (k, v) >= (?, ?) ORDER BY k, v LIMIT ?`,
		nonNil(key), nonNil(value), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("seeking %s: %w", tbl, err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", tbl, err)
		}
		p.Key, p.Value = nonNil(p.Key), nonNil(p.Value)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqliteTxn) Last(tbl Table) (Pair, error) {
	if t.done {
		return Pair{}, ErrTxnDone
	}
	var p Pair
	err := t.tx.QueryRow(
		`SELECT k, v FROM ` + tbl.String() + ` ORDER BY k DESC, v DESC LIMIT 1`,
	).Scan(&p.Key, &p.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, ErrNotFound
	}
	if err != nil {
		return Pair{}, fmt.Errorf("reading last of %s: %w", tbl, err)
	}
	p.Key, p.Value = nonNil(p.Key), nonNil(p.Value)
	return p, nil
}

func (t *sqliteTxn) Drop(tbl Table) error {
	if t.done {
		return ErrTxnDone
	}
	if _, err := t.tx.Exec(`DELETE FROM ` + tbl.String()); err != nil {
		return fmt.Errorf("dropping %s: %w", tbl, err)
	}
	return nil
}

func (t *sqliteTxn) Begin() (Txn, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	name := fmt.Sprintf("sp%d", t.depth+1)
	if _, err := t.tx.Exec(`SAVEPOINT ` + name); err != nil {
		return nil, fmt.Errorf("creating savepoint: %w", err)
	}
	return &sqliteTxn{tx: t.tx, savepoint: name, depth: t.depth + 1}, nil
}

func (t *sqliteTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if t.savepoint != "" {
		if _, err := t.tx.Exec(`RELEASE ` + t.savepoint); err != nil {
			return fmt.Errorf("releasing savepoint: %w", err)
		}
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (t *sqliteTxn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.savepoint != "" {
		if _, err := t.tx.Exec(`ROLLBACK TO ` + t.savepoint); err != nil {
			return fmt.Errorf("rolling back savepoint: %w", err)
		}
		_, err := t.tx.Exec(`RELEASE ` + t.savepoint)
		return err
	}
	return t.tx.Rollback()
}

package graph

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - vertices and edges tables with creation-order sequences
const currentSchemaVersion = 1

// SQLiteStore is a durable Store backed by a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite creates or opens a graph database at path, applying pragmas
// and the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open graph database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect graph database: %w", err)
	}

	// One connection: SQLite has a single writer, and View must not run
	// against a different connection than an in-flight Update.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply graph schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// View runs fn in a read-only database transaction.
func (s *SQLiteStore) View(ctx context.Context, fn func(Tx) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	tx := &sqliteTx{tx: sqlTx}
	defer func() {
		tx.closed = true
		_ = sqlTx.Rollback()
	}()
	return fn(tx)
}

// Update runs fn in a database transaction, committing only if fn succeeds.
func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) (err error) {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	tx := &sqliteTx{tx: sqlTx, writable: true}
	defer func() {
		tx.closed = true
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close(_ context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type sqliteTx struct {
	tx       *sql.Tx
	writable bool
	closed   bool
}

func (tx *sqliteTx) check(write bool) error {
	if tx.closed {
		return ErrTxClosed
	}
	if write && !tx.writable {
		return ErrReadOnly
	}
	return nil
}

func (tx *sqliteTx) exists(ctx context.Context, id string) error {
	var one int
	err := tx.tx.QueryRowContext(ctx, `SELECT 1 FROM vertices WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: vertex %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lookup vertex %s: %w", id, err)
	}
	return nil
}

func (tx *sqliteTx) AddVertex(ctx context.Context, props Properties) (*Vertex, error) {
	if err := tx.check(true); err != nil {
		return nil, err
	}
	raw, err := encodeProps(props)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if _, err := tx.tx.ExecContext(ctx, `INSERT INTO vertices (id, props) VALUES (?, ?)`, id, raw); err != nil {
		return nil, fmt.Errorf("insert vertex: %w", err)
	}
	return &Vertex{ID: id, Props: props.Clone()}, nil
}

func (tx *sqliteTx) GetVertex(ctx context.Context, id string) (*Vertex, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	var raw string
	err := tx.tx.QueryRowContext(ctx, `SELECT props FROM vertices WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vertex %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get vertex %s: %w", id, err)
	}
	props, err := decodeProps(raw)
	if err != nil {
		return nil, err
	}
	return &Vertex{ID: id, Props: props}, nil
}

func (tx *sqliteTx) SetProperty(ctx context.Context, id, key string, value any) error {
	if err := tx.check(true); err != nil {
		return err
	}
	v, err := tx.GetVertex(ctx, id)
	if err != nil {
		return err
	}
	if value == nil {
		delete(v.Props, key)
	} else {
		v.Props[key] = value
	}
	raw, err := encodeProps(v.Props)
	if err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(ctx, `UPDATE vertices SET props = ? WHERE id = ?`, raw, id); err != nil {
		return fmt.Errorf("update vertex %s: %w", id, err)
	}
	return nil
}

func (tx *sqliteTx) RemoveVertex(ctx context.Context, id string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	if err := tx.exists(ctx, id); err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM edges WHERE out_v = ? OR in_v = ?`, id, id); err != nil {
		return fmt.Errorf("delete edges of %s: %w", id, err)
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM vertices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete vertex %s: %w", id, err)
	}
	return nil
}

func (tx *sqliteTx) AddEdge(ctx context.Context, out, in, label string) (*Edge, error) {
	if err := tx.check(true); err != nil {
		return nil, err
	}
	if err := tx.exists(ctx, out); err != nil {
		return nil, err
	}
	if err := tx.exists(ctx, in); err != nil {
		return nil, err
	}
	e := &Edge{ID: uuid.NewString(), Label: label, Out: out, In: in}
	_, err := tx.tx.ExecContext(ctx,
		`INSERT INTO edges (id, label, out_v, in_v) VALUES (?, ?, ?, ?)`,
		e.ID, e.Label, e.Out, e.In)
	if err != nil {
		return nil, fmt.Errorf("insert edge: %w", err)
	}
	return e, nil
}

func (tx *sqliteTx) RemoveEdge(ctx context.Context, id string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete edge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: edge %s", ErrNotFound, id)
	}
	return nil
}

func edgeFilter(dir Direction, label string) (string, string) {
	near, far := "out_v", "in_v"
	if dir == In {
		near, far = far, near
	}
	where := "e." + near + " = ?"
	if label != "" {
		where += " AND e.label = ?"
	}
	return where, far
}

func edgeArgs(id, label string) []any {
	if label == "" {
		return []any{id}
	}
	return []any{id, label}
}

func (tx *sqliteTx) Edges(ctx context.Context, id string, dir Direction, label string) ([]Edge, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	if err := tx.exists(ctx, id); err != nil {
		return nil, err
	}
	where, _ := edgeFilter(dir, label)
	rows, err := tx.tx.QueryContext(ctx,
		`SELECT e.id, e.label, e.out_v, e.in_v FROM edges e WHERE `+where+` ORDER BY e.seq`,
		edgeArgs(id, label)...)
	if err != nil {
		return nil, fmt.Errorf("query edges of %s: %w", id, err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.Label, &e.Out, &e.In); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (tx *sqliteTx) Vertices(ctx context.Context, id string, dir Direction, label string) ([]*Vertex, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	if err := tx.exists(ctx, id); err != nil {
		return nil, err
	}
	where, far := edgeFilter(dir, label)
	rows, err := tx.tx.QueryContext(ctx,
		`SELECT v.id, v.props FROM edges e JOIN vertices v ON v.id = e.`+far+
			` WHERE `+where+` ORDER BY e.seq`,
		edgeArgs(id, label)...)
	if err != nil {
		return nil, fmt.Errorf("query neighbours of %s: %w", id, err)
	}
	return scanVertices(rows)
}

func (tx *sqliteTx) FindVertices(ctx context.Context, key string, value any) ([]*Vertex, error) {
	if err := tx.check(false); err != nil {
		return nil, err
	}
	if !validPropertyKey(key) {
		return nil, fmt.Errorf("invalid property key %q", key)
	}
	if ss, ok := value.([]string); ok {
		raw, err := json.Marshal(ss)
		if err != nil {
			return nil, fmt.Errorf("encode lookup value: %w", err)
		}
		value = string(raw)
	}
	// The path is spelled literally so SQLite can use the expression indexes.
	query := fmt.Sprintf(`SELECT id, props FROM vertices WHERE json_extract(props, '$.%s') = ? ORDER BY seq`, key)
	rows, err := tx.tx.QueryContext(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("find vertices by %s: %w", key, err)
	}
	return scanVertices(rows)
}

func scanVertices(rows *sql.Rows) ([]*Vertex, error) {
	defer rows.Close()
	var vs []*Vertex
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan vertex: %w", err)
		}
		props, err := decodeProps(raw)
		if err != nil {
			return nil, err
		}
		vs = append(vs, &Vertex{ID: id, Props: props})
	}
	return vs, rows.Err()
}

func validPropertyKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func encodeProps(props Properties) (string, error) {
	if props == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(raw), nil
}

func decodeProps(raw string) (Properties, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	props := make(Properties, len(m))
	for k, v := range m {
		props[k] = fromJSONValue(v)
	}
	return props, nil
}

// fromJSONValue maps decoded JSON back onto the property value types.
func fromJSONValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		ss := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return x
			}
			ss = append(ss, s)
		}
		return ss
	}
	return v
}

// Package sqlitestore is a single-node [registry.Store] backed by an
// embedded SQLite database (modernc.org/sqlite, no cgo).
//
// Coordinates, tags and attributes are stored as JSON text; tag filters use
// json_each. The database runs on one connection, so writes are serialised
// by SQLite itself and [Store.MutateItem] additionally guards its update
// with the item version.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/registry"
)

// Schema is the SQL DDL applied by [Open].
const Schema = `
CREATE TABLE IF NOT EXISTS locations (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL CHECK (kind IN ('INDOOR', 'OUTDOOR'))
);
CREATE TABLE IF NOT EXISTS tags (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS items (
    id          TEXT PRIMARY KEY,
    owner       TEXT NOT NULL,
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    location_id TEXT NOT NULL REFERENCES locations(id) ON DELETE CASCADE,
    coordinates TEXT NOT NULL,
    tags        TEXT NOT NULL DEFAULT '[]',
    attributes  TEXT NOT NULL DEFAULT '{}',
    version     INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_items_location ON items(location_id);
`

const itemColumns = `id, owner, name, type, location_id, coordinates, tags, attributes, version`

// Store implements [registry.Store] on SQLite.
type Store struct {
	db *sql.DB
}

var _ registry.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies
// [Schema]. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// admits a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping implements [registry.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlitestore: ping: %w", err)
	}
	return nil
}

// ─── Locations ───────────────────────────────────────────────────────────────

// CreateLocation implements [registry.Store.CreateLocation].
func (s *Store) CreateLocation(ctx context.Context, loc registry.Location) (registry.Location, error) {
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO locations (id, name, kind) VALUES (?, ?, ?)`,
		loc.ID, loc.Name, string(loc.Kind))
	if err != nil {
		return registry.Location{}, wrap("create location", err)
	}
	return loc, nil
}

// GetLocation implements [registry.Reader.GetLocation].
func (s *Store) GetLocation(ctx context.Context, id string) (registry.Location, error) {
	return reader{s.db}.GetLocation(ctx, id)
}

// ListLocations implements [registry.Store.ListLocations].
func (s *Store) ListLocations(ctx context.Context) ([]registry.Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind FROM locations ORDER BY name, id`)
	if err != nil {
		return nil, wrap("list locations", err)
	}
	defer rows.Close()

	var out []registry.Location
	for rows.Next() {
		var (
			loc  registry.Location
			kind string
		)
		if err := rows.Scan(&loc.ID, &loc.Name, &kind); err != nil {
			return nil, wrap("list locations scan", err)
		}
		loc.Kind = registry.LocationKind(kind)
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list locations", err)
	}
	return out, nil
}

// DeleteLocation implements [registry.Store.DeleteLocation].
func (s *Store) DeleteLocation(ctx context.Context, id string) (removed int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("delete location: begin", err)
	}
	defer rollback(tx, &err)

	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE location_id = ?`, id)
	if err != nil {
		return 0, wrap("delete location items", err)
	}
	items, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("delete location items", err)
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM locations WHERE id = ?`, id)
	if err != nil {
		return 0, wrap("delete location", err)
	}
	if err := expectRow(res); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap("delete location: commit", err)
	}
	return int(items), nil
}

// ─── Tags ────────────────────────────────────────────────────────────────────

// CreateTag implements [registry.Store.CreateTag].
func (s *Store) CreateTag(ctx context.Context, tag registry.Tag) (registry.Tag, error) {
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO tags (id, name) VALUES (?, ?)`, tag.ID, tag.Name); err != nil {
		return registry.Tag{}, wrap("create tag", err)
	}
	return tag, nil
}

// FindTag implements [registry.Reader.FindTag].
func (s *Store) FindTag(ctx context.Context, name string) (registry.Tag, error) {
	return reader{s.db}.FindTag(ctx, name)
}

// ListTags implements [registry.Store.ListTags].
func (s *Store) ListTags(ctx context.Context, limit int) ([]registry.Tag, error) {
	if limit <= 0 {
		limit = registry.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tags ORDER BY name LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list tags", err)
	}
	defer rows.Close()

	var out []registry.Tag
	for rows.Next() {
		var t registry.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, wrap("list tags scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list tags", err)
	}
	return out, nil
}

// DeleteTag implements [registry.Store.DeleteTag].
func (s *Store) DeleteTag(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id)
	if err != nil {
		return wrap("delete tag", err)
	}
	return expectRow(res)
}

// ─── Items ───────────────────────────────────────────────────────────────────

// CreateItem implements [registry.Store.CreateItem].
func (s *Store) CreateItem(ctx context.Context, item registry.Item) (registry.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item = item.Clone()
	item.Version = 1

	cols, err := encodeItem(item)
	if err != nil {
		return registry.Item{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Owner), item.Name, item.Type, item.LocationID,
		cols.coordinates, cols.tags, cols.attributes, item.Version,
	)
	if err != nil {
		return registry.Item{}, wrap("create item", err)
	}
	return item, nil
}

// GetItem implements [registry.Store.GetItem].
func (s *Store) GetItem(ctx context.Context, id string) (registry.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err != nil {
		return registry.Item{}, wrap("get item", err)
	}
	return it, nil
}

// DeleteItem implements [registry.Store.DeleteItem].
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return wrap("delete item", err)
	}
	return expectRow(res)
}

// ListItems implements [registry.Store.ListItems].
func (s *Store) ListItems(ctx context.Context, q registry.ItemQuery) ([]registry.Item, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + itemColumns + ` FROM items WHERE location_id = ?`)
	args := []any{q.LocationID}
	for _, tag := range q.Tags {
		b.WriteString(` AND EXISTS (SELECT 1 FROM json_each(items.tags) WHERE json_each.value = ?)`)
		args = append(args, tag)
	}
	b.WriteString(` ORDER BY id LIMIT ?`)
	args = append(args, q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, wrap("list items", err)
	}
	defer rows.Close()

	var out []registry.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, wrap("list items scan", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list items", err)
	}
	return out, nil
}

// MutateItem implements [registry.Store.MutateItem].
func (s *Store) MutateItem(ctx context.Context, id string, fn registry.MutateFunc) (_ registry.Item, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return registry.Item{}, wrap("mutate item: begin", err)
	}
	defer rollback(tx, &err)

	current, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err != nil {
		return registry.Item{}, wrap("mutate item: load", err)
	}

	next, err := fn(ctx, reader{tx}, current.Clone())
	if err != nil {
		return registry.Item{}, err
	}
	next = next.Clone()
	next.ID = id
	next.Version = current.Version + 1

	cols, err := encodeItem(next)
	if err != nil {
		return registry.Item{}, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE items SET
			owner = ?, name = ?, type = ?, location_id = ?,
			coordinates = ?, tags = ?, attributes = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(next.Owner), next.Name, next.Type, next.LocationID,
		cols.coordinates, cols.tags, cols.attributes, next.Version,
		id, current.Version,
	)
	if err != nil {
		return registry.Item{}, wrap("mutate item: update", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return registry.Item{}, registry.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return registry.Item{}, wrap("mutate item: commit", err)
	}
	return next, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader serves [registry.Reader] on the database or an open transaction.
type reader struct{ q querier }

func (r reader) GetLocation(ctx context.Context, id string) (registry.Location, error) {
	var (
		loc  registry.Location
		kind string
	)
	err := r.q.QueryRowContext(ctx, `SELECT id, name, kind FROM locations WHERE id = ?`, id).
		Scan(&loc.ID, &loc.Name, &kind)
	if err != nil {
		return registry.Location{}, wrap("get location", err)
	}
	loc.Kind = registry.LocationKind(kind)
	return loc, nil
}

func (r reader) FindTag(ctx context.Context, name string) (registry.Tag, error) {
	var t registry.Tag
	err := r.q.QueryRowContext(ctx, `SELECT id, name FROM tags WHERE name = ?`, name).Scan(&t.ID, &t.Name)
	if err != nil {
		return registry.Tag{}, wrap("find tag", err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

type encodedItem struct {
	coordinates, tags, attributes string
}

func encodeItem(it registry.Item) (encodedItem, error) {
	coords := it.Coordinates
	if coords == nil {
		coords = []float64{}
	}
	tags := it.Tags
	if tags == nil {
		tags = []string{}
	}
	attrs := it.Attributes
	if attrs == nil {
		attrs = attr.Map{}
	}

	var (
		out encodedItem
		b   []byte
		err error
	)
	if b, err = json.Marshal(coords); err != nil {
		return encodedItem{}, fmt.Errorf("sqlitestore: marshal coordinates: %w", err)
	}
	out.coordinates = string(b)
	if b, err = json.Marshal(tags); err != nil {
		return encodedItem{}, fmt.Errorf("sqlitestore: marshal tags: %w", err)
	}
	out.tags = string(b)
	if b, err = json.Marshal(attrs); err != nil {
		return encodedItem{}, fmt.Errorf("sqlitestore: marshal attributes: %w", err)
	}
	out.attributes = string(b)
	return out, nil
}

func scanItem(row scanner) (registry.Item, error) {
	var (
		it                    registry.Item
		owner                 string
		coords, tags, rawAttr string
	)
	err := row.Scan(&it.ID, &owner, &it.Name, &it.Type, &it.LocationID, &coords, &tags, &rawAttr, &it.Version)
	if err != nil {
		return registry.Item{}, err
	}
	it.Owner = registry.Owner(owner)
	if err := json.Unmarshal([]byte(coords), &it.Coordinates); err != nil {
		return registry.Item{}, fmt.Errorf("unmarshal coordinates: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
		return registry.Item{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(rawAttr), &it.Attributes); err != nil {
		return registry.Item{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return it, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	if n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func rollback(tx *sql.Tx, errp *error) {
	if *errp != nil {
		_ = tx.Rollback()
	}
}

// wrap maps driver errors onto the registry sentinels and adds context.
func wrap(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ErrNotFound
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch {
		case code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("sqlitestore: %s: %w", op, registry.ErrDuplicateName)
		case code == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("sqlitestore: %s: %w", op, registry.ErrNotFound)
		case code&0xff == sqlite3lib.SQLITE_BUSY, code&0xff == sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("sqlitestore: %s: %w: %w", op, registry.ErrConflict, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sqlitestore: %s: %w: %w", op, registry.ErrTimeout, err)
	}
	return fmt.Errorf("sqlitestore: %s: %w", op, err)
}

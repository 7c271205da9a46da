// Package pgstore is a [registry.Store] backed by PostgreSQL.
//
// Item coordinates and tags are native arrays; attributes are JSONB so that
// integer and float values keep their subtype. [Store.MutateItem] runs in a
// SERIALIZABLE transaction that locks the item row, and serialisation
// failures surface as [registry.ErrConflict].
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/registry"
)

// Schema is the SQL DDL for the registry tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
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
    coordinates DOUBLE PRECISION[] NOT NULL,
    tags        TEXT[] NOT NULL DEFAULT '{}',
    attributes  JSONB NOT NULL DEFAULT '{}',
    version     BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_items_location ON items(location_id);
CREATE INDEX IF NOT EXISTS idx_items_tags ON items USING GIN (tags);
`

const itemColumns = `id, owner, name, type, location_id, coordinates, tags, attributes, version`

// SQLSTATE codes mapped to registry errors.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store implements [registry.Store] on PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ registry.Store = (*Store)(nil)

// New returns a [Store] using db. The caller owns db and is responsible for
// calling [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, verifies it, and applies [Schema]. The
// returned store owns the pool; release it with [Store.Close].
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores
// created with [New].
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Ping implements [registry.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("pgstore: ping: %w", err)
	}
	return nil
}

// ─── Locations ───────────────────────────────────────────────────────────────

// CreateLocation implements [registry.Store.CreateLocation].
func (s *Store) CreateLocation(ctx context.Context, loc registry.Location) (registry.Location, error) {
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	const query = `INSERT INTO locations (id, name, kind) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, query, loc.ID, loc.Name, string(loc.Kind)); err != nil {
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
	rows, err := s.db.Query(ctx, `SELECT id, name, kind FROM locations ORDER BY name, id`)
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

// DeleteLocation implements [registry.Store.DeleteLocation]. Items are
// removed explicitly so that their number can be reported.
func (s *Store) DeleteLocation(ctx context.Context, id string) (removed int, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, wrap("delete location: begin", err)
	}
	defer rollback(ctx, tx, &err)

	tag, err := tx.Exec(ctx, `DELETE FROM items WHERE location_id = $1`, id)
	if err != nil {
		return 0, wrap("delete location items", err)
	}
	locTag, err := tx.Exec(ctx, `DELETE FROM locations WHERE id = $1`, id)
	if err != nil {
		return 0, wrap("delete location", err)
	}
	if locTag.RowsAffected() == 0 {
		return 0, registry.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("delete location: commit", err)
	}
	return int(tag.RowsAffected()), nil
}

// ─── Tags ────────────────────────────────────────────────────────────────────

// CreateTag implements [registry.Store.CreateTag].
func (s *Store) CreateTag(ctx context.Context, tag registry.Tag) (registry.Tag, error) {
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}
	if _, err := s.db.Exec(ctx, `INSERT INTO tags (id, name) VALUES ($1, $2)`, tag.ID, tag.Name); err != nil {
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
	rows, err := s.db.Query(ctx, `SELECT id, name FROM tags ORDER BY name LIMIT $1`, limit)
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
	tag, err := s.db.Exec(ctx, `DELETE FROM tags WHERE id = $1`, id)
	if err != nil {
		return wrap("delete tag", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// ─── Items ───────────────────────────────────────────────────────────────────

// CreateItem implements [registry.Store.CreateItem].
func (s *Store) CreateItem(ctx context.Context, item registry.Item) (registry.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item = item.Clone()
	item.Version = 1

	attrs, err := marshalAttributes(item.Attributes)
	if err != nil {
		return registry.Item{}, err
	}
	const query = `
		INSERT INTO items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.Exec(ctx, query,
		item.ID, string(item.Owner), item.Name, item.Type, item.LocationID,
		item.Coordinates, nonNil(item.Tags), attrs, item.Version,
	)
	if err != nil {
		return registry.Item{}, wrap("create item", err)
	}
	return item, nil
}

// GetItem implements [registry.Store.GetItem].
func (s *Store) GetItem(ctx context.Context, id string) (registry.Item, error) {
	row := s.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	it, err := scanItem(row)
	if err != nil {
		return registry.Item{}, wrap("get item", err)
	}
	return it, nil
}

// DeleteItem implements [registry.Store.DeleteItem].
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return wrap("delete item", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// ListItems implements [registry.Store.ListItems].
func (s *Store) ListItems(ctx context.Context, q registry.ItemQuery) ([]registry.Item, error) {
	const query = `
		SELECT ` + itemColumns + `
		FROM items
		WHERE location_id = $1 AND tags @> $2::text[]
		ORDER BY id
		LIMIT $3`
	rows, err := s.db.Query(ctx, query, q.LocationID, nonNil(q.Tags), q.EffectiveLimit())
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
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return registry.Item{}, wrap("mutate item: begin", err)
	}
	defer rollback(ctx, tx, &err)

	row := tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, id)
	current, err := scanItem(row)
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

	attrs, err := marshalAttributes(next.Attributes)
	if err != nil {
		return registry.Item{}, err
	}
	const update = `
		UPDATE items SET
			owner = $2, name = $3, type = $4, location_id = $5,
			coordinates = $6, tags = $7, attributes = $8, version = $9
		WHERE id = $1 AND version = $10`
	tag, err := tx.Exec(ctx, update,
		id, string(next.Owner), next.Name, next.Type, next.LocationID,
		next.Coordinates, nonNil(next.Tags), attrs, next.Version, current.Version,
	)
	if err != nil {
		return registry.Item{}, wrap("mutate item: update", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.Item{}, registry.ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return registry.Item{}, wrap("mutate item: commit", err)
	}
	return next, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// querier is the subset of [DB] and [pgx.Tx] needed for single-row lookups.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// reader serves [registry.Reader] on a pool or on an open transaction.
type reader struct{ q querier }

func (r reader) GetLocation(ctx context.Context, id string) (registry.Location, error) {
	var (
		loc  registry.Location
		kind string
	)
	err := r.q.QueryRow(ctx, `SELECT id, name, kind FROM locations WHERE id = $1`, id).
		Scan(&loc.ID, &loc.Name, &kind)
	if err != nil {
		return registry.Location{}, wrap("get location", err)
	}
	loc.Kind = registry.LocationKind(kind)
	return loc, nil
}

func (r reader) FindTag(ctx context.Context, name string) (registry.Tag, error) {
	var t registry.Tag
	err := r.q.QueryRow(ctx, `SELECT id, name FROM tags WHERE name = $1`, name).Scan(&t.ID, &t.Name)
	if err != nil {
		return registry.Tag{}, wrap("find tag", err)
	}
	return t, nil
}

func scanItem(row pgx.Row) (registry.Item, error) {
	var (
		it       registry.Item
		owner    string
		rawAttrs []byte
	)
	err := row.Scan(&it.ID, &owner, &it.Name, &it.Type, &it.LocationID,
		&it.Coordinates, &it.Tags, &rawAttrs, &it.Version)
	if err != nil {
		return registry.Item{}, err
	}
	it.Owner = registry.Owner(owner)
	if len(rawAttrs) > 0 {
		if err := json.Unmarshal(rawAttrs, &it.Attributes); err != nil {
			return registry.Item{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return it, nil
}

func marshalAttributes(m attr.Map) ([]byte, error) {
	if m == nil {
		m = attr.Map{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("pgstore: marshal attributes: %w", err)
	}
	return b, nil
}

// nonNil returns s, or an empty slice when s is nil, so that array columns
// never receive NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// rollback aborts tx when *errp is set. A rollback after a successful commit
// is a no-op in pgx, so it is safe to defer unconditionally.
func rollback(ctx context.Context, tx pgx.Tx, errp *error) {
	if *errp != nil {
		_ = tx.Rollback(ctx)
	}
}

// wrap maps driver errors onto the registry sentinels and adds context.
func wrap(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("pgstore: %s: %w", op, registry.ErrDuplicateName)
		case codeForeignKeyViolation:
			return fmt.Errorf("pgstore: %s: %w", op, registry.ErrNotFound)
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("pgstore: %s: %w: %w", op, registry.ErrConflict, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("pgstore: %s: %w: %w", op, registry.ErrTimeout, err)
	}
	return fmt.Errorf("pgstore: %s: %w", op, err)
}

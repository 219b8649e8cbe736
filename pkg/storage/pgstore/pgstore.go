// Package pgstore is the PostgreSQL storage.Storage backend, grounded on
// the teacher's pkg/database: a pgx-driven pool plus golang-migrate for a
// fixed baseline migration. Unlike the teacher's ent-generated schema,
// resource tables here aren't known until an application registers its
// schema, so per-resource tables are created directly from the registry in
// Init rather than from a migration file.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
)

//go:embed migrations
var migrationsFS embed.FS

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store is a storage.Storage backed by PostgreSQL. Each resource is kept
// in two tables: <resource> holding JSONB field values, and
// <resource>_meta holding the parallel per-field LWW timestamps.
type Store struct {
	pool *pgxpool.Pool
}

// Connect builds a pgxpool.Pool from cfg and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the embedded baseline migration set. It opens a
// short-lived database/sql connection via the pgx stdlib driver because
// golang-migrate's postgres driver needs a *sql.DB, independent of the
// pgxpool.Pool used for runtime queries.
func RunMigrations(cfg Config) error {
	db, err := sql.Open("pgx", cfg.dsn())
	if err != nil {
		return fmt.Errorf("pgstore: open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("pgstore: postgres migrate driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("pgstore: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pgstore: apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Init(ctx context.Context, registry *schema.Registry) error {
	for _, res := range registry.Resources() {
		if !identifierPattern.MatchString(res.Name) {
			return fmt.Errorf("pgstore: resource name %q is not a safe SQL identifier", res.Name)
		}
		_, err := s.pool.Exec(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data JSONB NOT NULL DEFAULT '{}'::jsonb)`,
			res.Name,
		))
		if err != nil {
			return fmt.Errorf("pgstore: create table %s: %w", res.Name, err)
		}
		_, err = s.pool.Exec(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s_meta (id TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE, timestamps JSONB NOT NULL DEFAULT '{}'::jsonb)`,
			res.Name, res.Name,
		))
		if err != nil {
			return fmt.Errorf("pgstore: create meta table %s_meta: %w", res.Name, err)
		}
		slog.Debug("pgstore: ensured tables", "resource", res.Name)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, resource string, filter queryshape.Where) (map[string]lww.Payload, error) {
	if !identifierPattern.MatchString(resource) {
		return nil, fmt.Errorf("pgstore: invalid resource name %q", resource)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT r.id, r.data, m.timestamps FROM %s r JOIN %s_meta m ON m.id = r.id`,
		resource, resource,
	))
	if err != nil {
		return nil, fmt.Errorf("pgstore: get %s: %w", resource, err)
	}
	defer rows.Close()

	out := make(map[string]lww.Payload)
	for rows.Next() {
		id, payload, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		if filter != nil {
			matched, err := queryshape.EvaluateWhere(filter, payloadRow{id, payload})
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
		}
		out[id] = payload
	}
	return out, rows.Err()
}

func (s *Store) GetOne(ctx context.Context, resource, id string) (lww.Payload, bool, error) {
	if !identifierPattern.MatchString(resource) {
		return nil, false, fmt.Errorf("pgstore: invalid resource name %q", resource)
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT r.id, r.data, m.timestamps FROM %s r JOIN %s_meta m ON m.id = r.id WHERE r.id = $1`,
		resource, resource,
	), id)
	_, payload, err := scanQueryRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (s *Store) BatchGet(ctx context.Context, resource string, ids []string) (map[string]lww.Payload, error) {
	if !identifierPattern.MatchString(resource) {
		return nil, fmt.Errorf("pgstore: invalid resource name %q", resource)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT r.id, r.data, m.timestamps FROM %s r JOIN %s_meta m ON m.id = r.id WHERE r.id = ANY($1)`,
		resource, resource,
	), ids)
	if err != nil {
		return nil, fmt.Errorf("pgstore: batch get %s: %w", resource, err)
	}
	defer rows.Close()

	out := make(map[string]lww.Payload, len(ids))
	for rows.Next() {
		id, payload, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out[id] = payload
	}
	return out, rows.Err()
}

func (s *Store) Insert(ctx context.Context, resource, id string, row lww.Payload) error {
	if !identifierPattern.MatchString(resource) {
		return fmt.Errorf("pgstore: invalid resource name %q", resource)
	}
	data, timestamps := splitPayload(row)
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("pgstore: marshal data: %w", err)
	}
	tsJSON, err := json.Marshal(timestamps)
	if err != nil {
		return fmt.Errorf("pgstore: marshal timestamps: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin insert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2)`, resource), id, dataJSON); err != nil {
		return fmt.Errorf("pgstore: insert %s: %w", resource, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s_meta (id, timestamps) VALUES ($1, $2)`, resource), id, tsJSON); err != nil {
		return fmt.Errorf("pgstore: insert %s_meta: %w", resource, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Update(ctx context.Context, resource, id string, patch lww.Payload) error {
	if !identifierPattern.MatchString(resource) {
		return fmt.Errorf("pgstore: invalid resource name %q", resource)
	}
	data, timestamps := splitPayload(patch)
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("pgstore: marshal data: %w", err)
	}
	tsJSON, err := json.Marshal(timestamps)
	if err != nil {
		return fmt.Errorf("pgstore: marshal timestamps: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET data = data || $2::jsonb WHERE id = $1`, resource), id, dataJSON); err != nil {
		return fmt.Errorf("pgstore: update %s: %w", resource, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s_meta SET timestamps = timestamps || $2::jsonb WHERE id = $1`, resource), id, tsJSON); err != nil {
		return fmt.Errorf("pgstore: update %s_meta: %w", resource, err)
	}
	return tx.Commit(ctx)
}

func splitPayload(p lww.Payload) (data map[string]any, timestamps map[string]string) {
	data = make(map[string]any, len(p))
	timestamps = make(map[string]string, len(p))
	for field, fv := range p {
		data[field] = fv.Value
		timestamps[field] = fv.Timestamp
	}
	return data, timestamps
}

func joinPayload(data map[string]any, timestamps map[string]string) lww.Payload {
	out := make(lww.Payload, len(data))
	for field, v := range data {
		out[field] = lww.FieldValue{Value: v, Timestamp: timestamps[field]}
	}
	return out
}

type pgxRows interface {
	Scan(dest ...any) error
}

func scanRow(rows pgxRows) (string, lww.Payload, error) {
	var id string
	var dataJSON, tsJSON []byte
	if err := rows.Scan(&id, &dataJSON, &tsJSON); err != nil {
		return "", nil, fmt.Errorf("pgstore: scan row: %w", err)
	}
	return id, decodePayload(dataJSON, tsJSON)
}

func scanQueryRow(row pgxRows) (string, lww.Payload, error) {
	return scanRow(row)
}

func decodePayload(dataJSON, tsJSON []byte) (lww.Payload, error) {
	var data map[string]any
	var timestamps map[string]string
	if err := json.Unmarshal(dataJSON, &data); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal data: %w", err)
	}
	if err := json.Unmarshal(tsJSON, &timestamps); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal timestamps: %w", err)
	}
	return joinPayload(data, timestamps), nil
}

// payloadRow adapts a decoded lww.Payload to queryshape.RowAccessor, same
// rationale as memstore's: relation-joined predicates are already split
// into separate query steps by the time a filter reaches storage.
type payloadRow struct {
	id      string
	payload lww.Payload
}

func (r payloadRow) Field(name string) (any, bool) {
	if name == "id" {
		return r.id, true
	}
	fv, ok := r.payload[name]
	if !ok {
		return nil, false
	}
	return fv.Value, true
}

func (r payloadRow) Relation(string) ([]queryshape.RowAccessor, bool) {
	return nil, false
}

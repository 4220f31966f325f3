package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/builderpay/gateway/internal/registry"
)

// Store is a SQLite implementation of registry.Store.
type Store struct {
	db *sql.DB
}

var _ registry.Store = (*Store)(nil)

// New opens (or creates) the registry database at dbPath, creating parent
// directories as needed.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection keeps concurrent counter increments from
	// tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS routes (
			server_id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			builder_address TEXT NOT NULL,
			payment_asset TEXT NOT NULL,
			call_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS apis (
			server_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			slug TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			upstream_url TEXT NOT NULL,
			fee TEXT NOT NULL,
			PRIMARY KEY (server_id, slug),
			FOREIGN KEY (server_id) REFERENCES routes(server_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			route_id TEXT NOT NULL,
			payer TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			fee TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (route_id, sequence_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_apis_server ON apis(server_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_payer ON usage_records(payer)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) GetBySlug(ctx context.Context, slug string) (*registry.RouteRecord, error) {
	query := `SELECT server_id, slug, builder_address, payment_asset, call_count, created_at, updated_at
	          FROM routes WHERE slug = ?`

	var route registry.RouteRecord
	err := s.db.QueryRowContext(ctx, query, slug).Scan(
		&route.ServerID, &route.Slug, &route.BuilderAddress, &route.PaymentAsset,
		&route.CallCount, &route.CreatedAt, &route.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}

	apis, err := s.getAPIs(ctx, route.ServerID)
	if err != nil {
		return nil, err
	}
	route.APIs = apis

	return &route, nil
}

func (s *Store) getAPIs(ctx context.Context, serverID string) ([]registry.APIRecord, error) {
	query := `SELECT idx, slug, name, description, upstream_url, fee
	          FROM apis WHERE server_id = ?
	          ORDER BY idx ASC`

	rows, err := s.db.QueryContext(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query apis: %w", err)
	}
	defer rows.Close()

	var apis []registry.APIRecord
	for rows.Next() {
		var api registry.APIRecord
		var desc sql.NullString
		if err := rows.Scan(&api.Index, &api.Slug, &api.Name, &desc, &api.UpstreamURL, &api.Fee); err != nil {
			return nil, fmt.Errorf("failed to scan api: %w", err)
		}
		api.Description = desc.String
		apis = append(apis, api)
	}

	return apis, rows.Err()
}

// IncrementCounter bumps the route counter in a single UPDATE so concurrent
// settlements on the same route never observe the same sequence number.
func (s *Store) IncrementCounter(ctx context.Context, routeID string) (int64, error) {
	query := `UPDATE routes SET call_count = call_count + 1, updated_at = ?
	          WHERE server_id = ?
	          RETURNING call_count`

	var seq int64
	err := s.db.QueryRowContext(ctx, query, time.Now().UTC(), routeID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, registry.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return seq, nil
}

func (s *Store) AppendUsage(ctx context.Context, rec *registry.UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	query := `INSERT INTO usage_records (route_id, payer, sequence_number, fee, created_at)
	          VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.RouteID, rec.Payer, rec.SequenceNumber, rec.Fee, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}

	return nil
}

func (s *Store) CreateRoute(ctx context.Context, route *registry.RouteRecord) error {
	now := time.Now().UTC()
	route.CreatedAt = now
	route.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes WHERE slug = ? OR server_id = ?`,
		route.Slug, route.ServerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check existing route: %w", err)
	}
	if exists > 0 {
		return registry.ErrDuplicate
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO routes (server_id, slug, builder_address, payment_asset, call_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		route.ServerID, route.Slug, route.BuilderAddress, route.PaymentAsset,
		route.CallCount, route.CreatedAt, route.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert route: %w", err)
	}

	for _, api := range route.APIs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO apis (server_id, idx, slug, name, description, upstream_url, fee)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			route.ServerID, api.Index, api.Slug, api.Name, api.Description, api.UpstreamURL, api.Fee)
		if err != nil {
			return fmt.Errorf("failed to insert api %s: %w", api.Slug, err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListRoutes(ctx context.Context) ([]*registry.RouteRecord, error) {
	query := `SELECT server_id, slug, builder_address, payment_asset, call_count, created_at, updated_at
	          FROM routes ORDER BY slug ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var routes []*registry.RouteRecord
	for rows.Next() {
		var route registry.RouteRecord
		if err := rows.Scan(&route.ServerID, &route.Slug, &route.BuilderAddress,
			&route.PaymentAsset, &route.CallCount, &route.CreatedAt, &route.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, &route)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, route := range routes {
		apis, err := s.getAPIs(ctx, route.ServerID)
		if err != nil {
			return nil, err
		}
		route.APIs = apis
	}

	return routes, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

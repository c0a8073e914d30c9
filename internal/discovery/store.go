package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/vigil/internal/store"
	"github.com/HerbHall/vigil/pkg/check"
)

// InventoryStore persists the discovered services of each host. Replace
// swaps the whole inventory of a host at once.
type InventoryStore interface {
	Replace(ctx context.Context, host string, services []check.DiscoveredService) error
	Load(ctx context.Context, host string) ([]check.DiscoveredService, error)
}

// Compile-time interface guards.
var (
	_ InventoryStore = (*SQLStore)(nil)
	_ InventoryStore = (*MemoryStore)(nil)
)

func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create inventory_services table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE inventory_services (
						host          TEXT     NOT NULL,
						plugin        TEXT     NOT NULL,
						item          TEXT     NOT NULL DEFAULT '',
						description   TEXT     NOT NULL DEFAULT '',
						source        TEXT     NOT NULL,
						params        TEXT     NOT NULL DEFAULT 'null',
						position      INTEGER  NOT NULL,
						discovered_at DATETIME NOT NULL,
						PRIMARY KEY (host, plugin, item)
					)`,
					`CREATE INDEX idx_inventory_host ON inventory_services(host, position)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return fmt.Errorf("exec migration statement: %w", err)
					}
				}
				return nil
			},
		},
	}
}

// SQLStore keeps inventories in SQLite.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore migrates the inventory schema and returns a store on db.
func NewSQLStore(ctx context.Context, db *store.SQLiteStore) (*SQLStore, error) {
	if err := db.Migrate(ctx, "inventory", migrations()); err != nil {
		return nil, fmt.Errorf("migrate inventory: %w", err)
	}
	return &SQLStore{db: db.DB(), now: time.Now}, nil
}

// Replace deletes the stored inventory of host and writes services in
// their given order.
func (s *SQLStore) Replace(ctx context.Context, host string, services []check.DiscoveredService) error {
	now := s.now().UTC()
	return store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM inventory_services WHERE host = ?", host); err != nil {
			return fmt.Errorf("delete inventory of %s: %w", host, err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO inventory_services
				(host, plugin, item, description, source, params, position, discovered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, svc := range services {
			params, err := check.Encode(svc.Params)
			if err != nil {
				return fmt.Errorf("encode params of %s: %w", svc.ServiceID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				host, svc.Plugin, svc.Item, svc.Description, string(svc.Source), string(params), i, now,
			); err != nil {
				return fmt.Errorf("insert %s: %w", svc.ServiceID, err)
			}
		}
		return nil
	})
}

// Load returns the stored inventory of host in stored order. An unknown
// host has an empty inventory.
func (s *SQLStore) Load(ctx context.Context, host string) ([]check.DiscoveredService, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin, item, description, source, params
		FROM inventory_services
		WHERE host = ?
		ORDER BY position`, host)
	if err != nil {
		return nil, fmt.Errorf("query inventory of %s: %w", host, err)
	}
	defer rows.Close()

	var services []check.DiscoveredService
	for rows.Next() {
		var (
			svc    check.DiscoveredService
			source string
			params string
		)
		if err := rows.Scan(&svc.Plugin, &svc.Item, &svc.Description, &source, &params); err != nil {
			return nil, fmt.Errorf("scan inventory row: %w", err)
		}
		svc.Source = check.Source(source)
		svc.Params, err = check.Decode([]byte(params))
		if err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", svc.ServiceID, err)
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// Hosts returns the hosts that have a stored inventory.
func (s *SQLStore) Hosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT host FROM inventory_services ORDER BY host")
	if err != nil {
		return nil, fmt.Errorf("query inventory hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// MemoryStore keeps inventories in process memory. It is used when no
// database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	hosts map[string][]check.DiscoveredService
}

// NewMemoryStore creates an empty in-memory inventory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hosts: make(map[string][]check.DiscoveredService)}
}

func (m *MemoryStore) Replace(_ context.Context, host string, services []check.DiscoveredService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[host] = cloneServices(services)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, host string) ([]check.DiscoveredService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneServices(m.hosts[host]), nil
}

func cloneServices(in []check.DiscoveredService) []check.DiscoveredService {
	if in == nil {
		return nil
	}
	out := make([]check.DiscoveredService, len(in))
	for i, svc := range in {
		if svc.Params != nil {
			svc.Params = svc.Params.Clone()
		}
		out[i] = svc
	}
	return out
}

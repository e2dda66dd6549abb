package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"mycelica/hypha/internal/entity"
)

// Scope selects which entities DeleteNotIn may remove.
type Scope string

const (
	ScopeRootLevel Scope = "root_level" // entities flagged root-level
	ScopeAll       Scope = "all"        // every entity of the server
)

// Cache is the entity repository of one server. Writes are staged in a
// transaction begun on the first write and become visible to other
// connections only on Commit. Reads through the Cache see staged writes.
type Cache struct {
	db     *DB
	server string
	now    func() time.Time

	mu      sync.Mutex
	tx      *sql.Tx
	deleted []string
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithClock sets the clock used to stamp merges.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache returns the repository for entities of serverURL.
func NewCache(d *DB, serverURL string, opts ...CacheOption) *Cache {
	c := &Cache{db: d, server: serverURL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServerURL returns the server the cache belongs to.
func (c *Cache) ServerURL() string { return c.server }

func (c *Cache) q() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.db.conn
}

func (c *Cache) begin(ctx context.Context) error {
	if c.tx != nil {
		return nil
	}
	tx, err := c.db.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return persistErr("begin", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO servers (url) VALUES (?)`, c.server); err != nil {
		tx.Rollback()
		return persistErr("register server", err)
	}
	c.tx = tx
	return nil
}

// Upsert merges rec into the cached entity with the same permId, creating it
// if needed, and returns the merged entity.
func (c *Cache) Upsert(ctx context.Context, rec entity.RawEntityRecord) (*entity.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	existing, err := c.get(ctx, rec.PermID)
	if err != nil {
		return nil, err
	}
	merged := entity.Merge(existing, rec, c.server, c.now())
	row, err := toRow(merged)
	if err != nil {
		return nil, persistErr("upsert "+rec.PermID, err)
	}
	_, err = c.tx.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(perm_id) DO UPDATE SET
			refcon = excluded.refcon,
			server_url = excluded.server_url,
			last_update = excluded.last_update,
			summary_header = excluded.summary_header,
			summary = excluded.summary,
			identifier = excluded.identifier,
			category = excluded.category,
			image_url = excluded.image_url,
			children = excluded.children,
			properties = excluded.properties,
			root_level = excluded.root_level,
			kind = excluded.kind,
			type = excluded.type
	`, row.args()...)
	if err != nil {
		return nil, persistErr("upsert "+rec.PermID, err)
	}
	return merged, nil
}

// DeleteNotIn removes the entities within scope whose permId is not in keep.
// The removed ids are reported by Commit.
func (c *Cache) DeleteNotIn(ctx context.Context, keep []string, scope Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return err
	}
	query := `DELETE FROM entities WHERE server_url = ?`
	if scope == ScopeRootLevel {
		query += ` AND root_level = 1`
	}
	if len(keep) > 0 {
		query += ` AND perm_id NOT IN (` + placeholders(len(keep)) + `)`
	}
	query += ` RETURNING perm_id`
	return c.deleteReturning(ctx, "delete not in", query, stringArgs([]any{c.server}, keep))
}

// Delete removes the given entities.
func (c *Cache) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return err
	}
	query := `DELETE FROM entities WHERE perm_id IN (` + placeholders(len(ids)) + `) RETURNING perm_id`
	return c.deleteReturning(ctx, "delete", query, stringArgs(nil, ids))
}

func (c *Cache) deleteReturning(ctx context.Context, op, query string, args []any) error {
	rows, err := c.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return persistErr(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return persistErr(op, err)
		}
		c.deleted = append(c.deleted, id)
	}
	if err := rows.Err(); err != nil {
		return persistErr(op, err)
	}
	return nil
}

// Pending reports whether there are staged writes.
func (c *Cache) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// Commit makes the staged writes durable and returns the permIds deleted
// since the last commit. Without staged writes it does nothing. A failed
// commit discards the staged writes.
func (c *Cache) Commit() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil, nil
	}
	tx, deleted := c.tx, c.deleted
	c.tx, c.deleted = nil, nil
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return nil, persistErr("commit", err)
	}
	return deleted, nil
}

// Rollback discards the staged writes.
func (c *Cache) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx, c.deleted = nil, nil
	if err := tx.Rollback(); err != nil {
		return persistErr("rollback", err)
	}
	return nil
}

// ServerInfo loads the sync bookkeeping of the server. A server never synced
// has a zero LastRootSync.
func (c *Cache) ServerInfo(ctx context.Context) (entity.ServerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := entity.ServerInfo{URL: c.server}
	var lastSync, interval sql.NullInt64
	err := c.q().QueryRowContext(ctx,
		`SELECT last_root_sync, refresh_interval_ms FROM servers WHERE url = ?`, c.server,
	).Scan(&lastSync, &interval)
	if errors.Is(err, sql.ErrNoRows) {
		return info, nil
	}
	if err != nil {
		return info, persistErr("load server info", err)
	}
	if lastSync.Valid {
		info.LastRootSync = time.UnixMilli(lastSync.Int64)
	}
	if interval.Valid {
		info.RefreshInterval = time.Duration(interval.Int64) * time.Millisecond
	}
	return info, nil
}

// SaveServerInfo stages the sync bookkeeping of the server.
func (c *Cache) SaveServerInfo(ctx context.Context, info entity.ServerInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(ctx); err != nil {
		return err
	}
	var lastSync, interval sql.NullInt64
	if !info.LastRootSync.IsZero() {
		lastSync = sql.NullInt64{Int64: info.LastRootSync.UnixMilli(), Valid: true}
	}
	if info.RefreshInterval > 0 {
		interval = sql.NullInt64{Int64: info.RefreshInterval.Milliseconds(), Valid: true}
	}
	_, err := c.tx.ExecContext(ctx, `
		UPDATE servers SET last_root_sync = ?, refresh_interval_ms = ? WHERE url = ?
	`, lastSync, interval, c.server)
	if err != nil {
		return persistErr("save server info", err)
	}
	return nil
}

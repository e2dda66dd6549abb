package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"mycelica/hypha/internal/entity"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func collectEntities(rows *sql.Rows) ([]entity.Entity, error) {
	defer rows.Close()
	var out []entity.Entity
	for rows.Next() {
		r, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		e, err := r.toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(prefix []any, ids []string) []any {
	args := make([]any, 0, len(prefix)+len(ids))
	args = append(args, prefix...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

// FetchAll returns every cached entity of the server, ordered by permId.
func (c *Cache) FetchAll(ctx context.Context) ([]entity.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.q().QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE server_url = ? ORDER BY perm_id`, c.server)
	if err != nil {
		return nil, persistErr("fetch all", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, persistErr("fetch all", err)
	}
	return out, nil
}

// FetchRootLevel returns the root set grouped by category.
func (c *Cache) FetchRootLevel(ctx context.Context) ([]entity.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.q().QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE server_url = ? AND root_level = 1
		ORDER BY category, summary_header, perm_id
	`, c.server)
	if err != nil {
		return nil, persistErr("fetch root level", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, persistErr("fetch root level", err)
	}
	return out, nil
}

// FetchByPermIDs returns the cached entities among ids in the order of ids.
// Unknown ids are skipped.
func (c *Cache) FetchByPermIDs(ctx context.Context, ids []string) ([]entity.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.q().QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE perm_id IN (`+placeholders(len(ids))+`)`,
		stringArgs(nil, ids)...)
	if err != nil {
		return nil, persistErr("fetch by perm id", err)
	}
	found, err := collectEntities(rows)
	if err != nil {
		return nil, persistErr("fetch by perm id", err)
	}
	byID := make(map[string]entity.Entity, len(found))
	for _, e := range found {
		byID[e.PermID] = e
	}
	out := make([]entity.Entity, 0, len(found))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
			delete(byID, id)
		}
	}
	return out, nil
}

// Get returns one entity, or nil if it is not cached.
func (c *Cache) Get(ctx context.Context, permID string) (*entity.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(ctx, permID)
}

func (c *Cache) get(ctx context.Context, permID string) (*entity.Entity, error) {
	row := c.q().QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE perm_id = ?`, permID)
	r, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("get "+permID, err)
	}
	e, err := r.toEntity()
	if err != nil {
		return nil, persistErr("get "+permID, err)
	}
	return &e, nil
}

// FetchStaleSince returns entities of the server last merged before since.
func (c *Cache) FetchStaleSince(ctx context.Context, since time.Time) ([]entity.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.q().QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE server_url = ? AND last_update < ?
		ORDER BY last_update, perm_id
	`, c.server, since.UnixMilli())
	if err != nil {
		return nil, persistErr("fetch stale", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, persistErr("fetch stale", err)
	}
	return out, nil
}

// Count returns the number of cached entities of the server.
func (c *Cache) Count(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	err := c.q().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE server_url = ?`, c.server).Scan(&n)
	if err != nil {
		return 0, persistErr("count", err)
	}
	return n, nil
}

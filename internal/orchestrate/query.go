package orchestrate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mycelica/hypha/internal/entity"
)

// Entity returns one cached entity, or nil.
func (m *Manager) Entity(ctx context.Context, permID string) (*entity.Entity, error) {
	return read(ctx, m, func(ctx context.Context) (*entity.Entity, error) {
		return m.cache.Get(ctx, permID)
	})
}

// Entities returns every cached entity of the server.
func (m *Manager) Entities(ctx context.Context) ([]entity.Entity, error) {
	return read(ctx, m, m.cache.FetchAll)
}

// RootLevelEntities returns the cached root set.
func (m *Manager) RootLevelEntities(ctx context.Context) ([]entity.Entity, error) {
	return read(ctx, m, m.cache.FetchRootLevel)
}

// Children resolves the ordered child ids of permID against the cache.
// Children not cached yet are skipped; a parent whose children are unknown
// yields nil.
func (m *Manager) Children(ctx context.Context, permID string) ([]entity.Entity, error) {
	return read(ctx, m, func(ctx context.Context) ([]entity.Entity, error) {
		parent, err := m.cache.Get(ctx, permID)
		if err != nil || parent == nil {
			return nil, err
		}
		ids, ok := parent.Children.Get()
		if !ok {
			return nil, nil
		}
		return m.cache.FetchByPermIDs(ctx, ids)
	})
}

// SearchLocal searches the cache without contacting the server.
func (m *Manager) SearchLocal(ctx context.Context, query string, limit int) ([]entity.Entity, error) {
	return read(ctx, m, func(ctx context.Context) ([]entity.Entity, error) {
		return m.cache.SearchLocal(ctx, query, limit)
	})
}

// StaleEntities returns entities last merged before since.
func (m *Manager) StaleEntities(ctx context.Context, since time.Time) ([]entity.Entity, error) {
	return read(ctx, m, func(ctx context.Context) ([]entity.Entity, error) {
		return m.cache.FetchStaleSince(ctx, since)
	})
}

// PruneStale deletes entities last merged before since and returns their
// permIds.
func (m *Manager) PruneStale(ctx context.Context, since time.Time) ([]string, error) {
	var deleted []string
	err := m.do(ctx, func(ctx context.Context) error {
		stale, err := m.cache.FetchStaleSince(ctx, since)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]string, len(stale))
		for i, e := range stale {
			ids[i] = e.PermID
		}
		if err := m.cache.Delete(ctx, ids); err != nil {
			m.cache.Rollback()
			return err
		}
		deleted, err = m.cache.Commit()
		m.metrics.commit(err, len(deleted))
		return err
	})
	if err == nil && len(deleted) > 0 {
		m.logger.Info("pruned stale entities", zap.Int("count", len(deleted)), zap.Time("since", since))
	}
	return deleted, err
}

package orchestrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mycelica/hypha/internal/call"
	"mycelica/hypha/internal/db"
	"mycelica/hypha/internal/entity"
)

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func (m *Manager) work() {
	defer m.wg.Done()
	for {
		select {
		case j := <-m.jobs:
			j.done <- j.fn(j.ctx)
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the worker and waits for it. Once fn has been handed to the
// worker, do waits for it to return even if ctx expires; fn is expected to
// honour ctx itself.
func (m *Manager) do(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case m.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return ErrClosed
	}
	return <-j.done
}

// mergeOpts tunes a merge-and-commit.
type mergeOpts struct {
	rootSet    bool // delete root-level entities missing from the records, stamp the sync time
	nonRoot    bool // new entities are non-root-level, existing ones keep their flag
	serverInfo *entity.ServerInfo
}

type mergeResult struct {
	entities []entity.Entity
	deleted  []string
}

// merge upserts recs and commits in one worker job. Nothing is committed
// if any step fails or ctx expires first.
func (m *Manager) merge(ctx context.Context, recs []entity.RawEntityRecord, opts mergeOpts) (mergeResult, error) {
	var res mergeResult
	err := m.do(ctx, func(ctx context.Context) error {
		out, deleted, err := m.mergeLocked(ctx, recs, opts)
		m.metrics.commit(err, len(deleted))
		if err != nil {
			if rerr := m.cache.Rollback(); rerr != nil {
				m.logger.Error("rollback failed", zap.Error(rerr))
			}
			return err
		}
		res = mergeResult{entities: out, deleted: deleted}
		return nil
	})
	return res, err
}

func (m *Manager) mergeLocked(ctx context.Context, recs []entity.RawEntityRecord, opts mergeOpts) ([]entity.Entity, []string, error) {
	out := make([]entity.Entity, 0, len(recs))
	keep := make([]string, 0, len(recs))
	for _, rec := range recs {
		if opts.nonRoot {
			// only the root-set sync decides root membership
			existing, err := m.cache.Get(ctx, rec.PermID)
			if err != nil {
				return nil, nil, err
			}
			if existing == nil {
				rec.RootLevel = entity.Some(false)
			} else {
				rec.RootLevel = entity.None[bool]()
			}
		}
		e, err := m.cache.Upsert(ctx, rec)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, *e)
		keep = append(keep, rec.PermID)
	}

	var info entity.ServerInfo
	if opts.rootSet || opts.serverInfo != nil {
		m.mu.Lock()
		info = m.info
		m.mu.Unlock()
		if opts.serverInfo != nil {
			info = *opts.serverInfo
		}
		if opts.rootSet {
			if err := m.cache.DeleteNotIn(ctx, keep, db.ScopeRootLevel); err != nil {
				return nil, nil, err
			}
			info.LastRootSync = m.now()
		}
		if err := m.cache.SaveServerInfo(ctx, info); err != nil {
			return nil, nil, err
		}
	}

	// once held, the call settles with the outcome of the commit
	if !call.Hold(ctx) {
		err := ctx.Err()
		if err == nil {
			err = call.ErrTimeout
		}
		return nil, nil, fmt.Errorf("before commit: %w", err)
	}
	deleted, err := m.cache.Commit()
	if err != nil {
		return nil, nil, err
	}
	if opts.rootSet || opts.serverInfo != nil {
		m.mu.Lock()
		m.info = info
		m.mu.Unlock()
	}
	return out, deleted, nil
}

// read runs a cache read on the worker.
func read[T any](ctx context.Context, m *Manager, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

package orchestrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mycelica/hypha/internal/entity"
)

// postLoginCommand populates session-scoped configuration right after a
// login. The login is not complete until it succeeds.
type postLoginCommand struct {
	m     *Manager
	token string
}

func (c *postLoginCommand) run(ctx context.Context) (entity.ClientPreferences, error) {
	prefs, err := execute(ctx, c.m, c.m.svc.ClientPreferences(c.token), false)
	if err != nil {
		return prefs, fmt.Errorf("post-login: %w", err)
	}

	c.m.mu.Lock()
	info := c.m.info
	c.m.mu.Unlock()
	if info.RefreshInterval != prefs.RootSetRefreshInterval {
		info.RefreshInterval = prefs.RootSetRefreshInterval
		if _, err := c.m.merge(ctx, nil, mergeOpts{serverInfo: &info}); err != nil {
			return prefs, fmt.Errorf("post-login: saving preferences: %w", err)
		}
	}
	return prefs, nil
}

// rootSetCommand fetches the root-level entities of every category, one
// category at a time in order, and commits everything in a single merge.
// A failing step aborts the command before anything is written. The
// categories themselves are not cached.
type rootSetCommand struct {
	m          *Manager
	categories []entity.RawEntityRecord
}

func (c *rootSetCommand) run(ctx context.Context) (SyncResult, error) {
	var accumulated []entity.RawEntityRecord

	for i, cat := range c.categories {
		token, err := c.m.session(ctx)
		if err != nil {
			return SyncResult{}, err
		}
		op := c.m.svc.ListRootLevelEntities(token, []entity.Ref{cat.Ref()})
		recs, err := execute(ctx, c.m, op, true)
		if err != nil {
			c.m.logger.Warn("root set step failed",
				zap.Int("step", i),
				zap.Int("steps", len(c.categories)),
				zap.String("perm_id", cat.PermID),
				zap.Error(err))
			return SyncResult{}, fmt.Errorf("root set step %d/%d (%s): %w", i+1, len(c.categories), cat.PermID, err)
		}
		for _, r := range recs {
			// a root listing row without ROOT_LEVEL is itself root-level
			if !r.RootLevel.Known() {
				r.RootLevel = entity.Some(true)
			}
			accumulated = append(accumulated, r)
		}
	}

	res, err := c.m.merge(ctx, dedupe(accumulated), mergeOpts{rootSet: true})
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{
		Refreshed:  true,
		Categories: len(c.categories),
		Merged:     len(res.entities),
		Deleted:    res.deleted,
		SyncedAt:   c.m.ServerInfo().LastRootSync,
	}, nil
}

// dedupe folds records sharing a permId into one, later known fields
// winning, keeping first-seen order.
func dedupe(recs []entity.RawEntityRecord) []entity.RawEntityRecord {
	index := make(map[string]int, len(recs))
	out := make([]entity.RawEntityRecord, 0, len(recs))
	for _, r := range recs {
		i, seen := index[r.PermID]
		if !seen {
			index[r.PermID] = len(out)
			out = append(out, r)
			continue
		}
		out[i] = overlay(out[i], r)
	}
	return out
}

func overlay(base, top entity.RawEntityRecord) entity.RawEntityRecord {
	pick := func(dst *entity.Opt[string], src entity.Opt[string]) {
		if src.Known() {
			*dst = src
		}
	}
	pick(&base.SummaryHeader, top.SummaryHeader)
	pick(&base.Summary, top.Summary)
	pick(&base.Identifier, top.Identifier)
	pick(&base.Category, top.Category)
	pick(&base.ImageURL, top.ImageURL)
	pick(&base.Kind, top.Kind)
	pick(&base.Type, top.Type)
	if top.Children.Known() {
		base.Children = top.Children
	}
	if top.Properties.Known() {
		base.Properties = top.Properties
	}
	if top.RootLevel.Known() {
		base.RootLevel = top.RootLevel
	}
	return base
}

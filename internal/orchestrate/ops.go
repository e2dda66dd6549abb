package orchestrate

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mycelica/hypha/internal/call"
	"mycelica/hypha/internal/entity"
	"mycelica/hypha/internal/rpc"
	"mycelica/hypha/internal/service"
)

const maxImageBytes = 32 << 20

// Login authenticates with the configured credentials, replacing any
// current session. It settles with the new token.
func (m *Manager) Login(ctx context.Context) *call.Call[string] {
	return call.Go(ctx, m.cfg.Timeout, func(ctx context.Context) (string, error) {
		m.notify(EventLogin, PhaseWill, nil, nil)
		token, err := m.refreshSession(ctx, m.Token())
		m.notify(EventLogin, PhaseDid, err, nil)
		return token, err
	})
}

// SyncRootSet lists the navigational categories and retrieves the root set
// under them, unless the cached root set is still fresh and force is not
// set. A fresh cache settles at once without contacting the server.
func (m *Manager) SyncRootSet(ctx context.Context, force bool) *call.Call[SyncResult] {
	return call.Go(ctx, m.cfg.Timeout, func(ctx context.Context) (SyncResult, error) {
		if !m.ShouldRefreshRootSet(force) {
			info := m.ServerInfo()
			m.logger.Debug("root set fresh", zap.Time("last_sync", info.LastRootSync))
			return SyncResult{Refreshed: false, SyncedAt: info.LastRootSync}, nil
		}

		m.notify(EventFullSync, PhaseWill, nil, nil)
		res, err := m.fullSync(ctx)
		m.notify(EventFullSync, PhaseDid, err, res.Deleted)
		if err == nil {
			m.logger.Info("root set synced",
				zap.Int("categories", res.Categories),
				zap.Int("merged", res.Merged),
				zap.Int("deleted", len(res.Deleted)))
		}
		return res, err
	})
}

func (m *Manager) fullSync(ctx context.Context) (SyncResult, error) {
	token, err := m.session(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	categories, err := execute(ctx, m, m.svc.ListNavigationalEntities(token), true)
	if err != nil {
		return SyncResult{}, err
	}

	m.notify(EventRootRetrieval, PhaseWill, nil, nil)
	res, err := (&rootSetCommand{m: m, categories: categories}).run(ctx)
	m.notify(EventRootRetrieval, PhaseDid, err, res.Deleted)
	return res, err
}

// fetchAndMerge issues one session-bound op and merges what it returns.
func (m *Manager) fetchAndMerge(
	ctx context.Context,
	name EventName,
	build func(token string) *service.Op[[]entity.RawEntityRecord],
	opts mergeOpts,
) ([]entity.Entity, error) {
	m.notify(name, PhaseWill, nil, nil)
	var res mergeResult
	err := func() error {
		token, err := m.session(ctx)
		if err != nil {
			return err
		}
		recs, err := execute(ctx, m, build(token), true)
		if err != nil {
			return err
		}
		res, err = m.merge(ctx, recs, opts)
		return err
	}()
	m.notify(name, PhaseDid, err, res.deleted)
	return res.entities, err
}

// Drill fetches the children of refs, merges them, and settles with the
// merged entities.
func (m *Manager) Drill(ctx context.Context, refs []entity.Ref) *call.Call[[]entity.Entity] {
	return call.Go(ctx, m.cfg.Timeout, func(ctx context.Context) ([]entity.Entity, error) {
		return m.fetchAndMerge(ctx, EventDrill, func(token string) *service.Op[[]entity.RawEntityRecord] {
			return m.svc.DrillOnEntities(token, refs)
		}, mergeOpts{})
	})
}

// DrillEntity drills into a single entity.
func (m *Manager) DrillEntity(ctx context.Context, ref entity.Ref) *call.Call[[]entity.Entity] {
	return m.Drill(ctx, []entity.Ref{ref})
}

// Details fetches the full detail of refs and merges it.
func (m *Manager) Details(ctx context.Context, refs []entity.Ref) *call.Call[[]entity.Entity] {
	return call.Go(ctx, m.cfg.Timeout, func(ctx context.Context) ([]entity.Entity, error) {
		return m.fetchAndMerge(ctx, EventDetails, func(token string) *service.Op[[]entity.RawEntityRecord] {
			return m.svc.DetailsForEntities(token, refs)
		}, mergeOpts{})
	})
}

// DetailsEntity fetches the detail of a single entity.
func (m *Manager) DetailsEntity(ctx context.Context, ref entity.Ref) *call.Call[[]entity.Entity] {
	return m.Details(ctx, []entity.Ref{ref})
}

// Search runs a server-side text search. Entities first seen through a
// search are cached as non-root-level.
func (m *Manager) Search(ctx context.Context, text string) *call.Call[[]entity.Entity] {
	return call.Go(ctx, m.cfg.Timeout, func(ctx context.Context) ([]entity.Entity, error) {
		return m.fetchAndMerge(ctx, EventSearch, func(token string) *service.Op[[]entity.RawEntityRecord] {
			return m.svc.SearchForText(token, text)
		}, mergeOpts{nonRoot: true})
	})
}

// Heartbeat keeps the session alive. Failures are logged and otherwise
// ignored; the returned call only tells when the attempt is over. Without
// a session nothing is sent and the call fails with ErrNoSession.
func (m *Manager) Heartbeat(ctx context.Context) *call.Call[struct{}] {
	token := m.Token()
	if token == "" {
		m.logger.Debug("heartbeat skipped, no session")
		return call.FailedCall[struct{}](ErrNoSession)
	}
	c := call.New(func(ctx context.Context) (struct{}, error) {
		return execute(ctx, m, m.svc.Heartbeat(token), true)
	}, m.cfg.Timeout).OnComplete(func(_ struct{}, err error) {
		if err != nil {
			m.logger.Warn("heartbeat failed", zap.Error(err))
		}
	})
	_ = c.Start(ctx)
	return c
}

// StartHeartbeat sends a heartbeat every interval until ctx is done.
func (m *Manager) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Heartbeat(ctx)
			case <-ctx.Done():
				return
			case <-m.quit:
				return
			}
		}
	}()
}

// Logout ends the session on the server, best effort, and drops it locally.
func (m *Manager) Logout(ctx context.Context) *call.Call[struct{}] {
	return call.Go(ctx, m.cfg.Timeout, func(ctx context.Context) (struct{}, error) {
		m.mu.Lock()
		token := m.token
		m.token = ""
		m.mu.Unlock()
		if token == "" {
			return struct{}{}, nil
		}
		if _, err := m.svc.Logout(token).Execute(ctx); err != nil {
			m.logger.Warn("remote logout failed", zap.Error(err))
		}
		return struct{}{}, nil
	})
}

// Image fetches the image of e over plain HTTP. The result is not cached.
func (m *Manager) Image(ctx context.Context, e *entity.Entity) *call.Call[Image] {
	ref, ok := e.ImageURL.Get()
	if !ok || strings.TrimSpace(ref) == "" {
		return call.FailedCall[Image](fmt.Errorf("%w: %s", ErrNoImage, e.PermID))
	}
	return call.Go(ctx, m.cfg.Timeout, func(ctx context.Context) (Image, error) {
		m.notify(EventImage, PhaseWill, nil, nil)
		img, err := m.fetchImage(ctx, ref)
		m.notify(EventImage, PhaseDid, err, nil)
		return img, err
	})
}

func (m *Manager) fetchImage(ctx context.Context, ref string) (Image, error) {
	target, err := m.resolveImageURL(ref)
	if err != nil {
		return Image{}, &rpc.ProtocolError{Method: "image", Reason: "bad image url", Err: err}
	}
	for granted := false; ; granted = true {
		img, err := m.getImage(ctx, target)
		if err == nil {
			return img, nil
		}
		challenge, ok := rpc.AsTrustChallenge(err)
		if !ok || granted {
			return Image{}, err
		}
		if err := m.resolveTrust(ctx, "image", challenge); err != nil {
			return Image{}, err
		}
		m.metrics.retry("trust")
	}
}

func (m *Manager) resolveImageURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base := m.cfg.ImageBase
	if base == "" {
		base = m.client.Endpoint()
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(u).String(), nil
}

func (m *Manager) getImage(ctx context.Context, target string) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Image{}, &rpc.ProtocolError{Method: "image", Reason: "create request", Err: err}
	}
	resp, err := m.client.HTTPClient().Do(req)
	if err != nil {
		if challenge, ok := rpc.AsTrustChallenge(err); ok {
			return Image{}, challenge
		}
		return Image{}, &rpc.TransportError{Method: "image", Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Image{}, &rpc.RemoteError{Method: "image", Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return Image{}, &rpc.TransportError{Method: "image", Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return Image{}, &rpc.TransportError{Method: "image", Status: resp.StatusCode, Err: err}
	}
	ctype := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ctype); err == nil {
		ctype = mt
	} else {
		ctype = http.DetectContentType(data)
	}
	return Image{URL: target, ContentType: ctype, Data: data}, nil
}

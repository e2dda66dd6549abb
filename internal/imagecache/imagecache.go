// Package imagecache memoizes entity images in memory.
package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mycelica/hypha/internal/call"
	"mycelica/hypha/internal/entity"
	"mycelica/hypha/internal/orchestrate"
)

// Fetcher retrieves an image over the network.
type Fetcher interface {
	Image(ctx context.Context, e *entity.Entity) *call.Call[orchestrate.Image]
}

// Config sizes the cache.
type Config struct {
	TTL       time.Duration
	MaxSizeMB int // 0 means unbounded
}

func DefaultConfig() Config {
	return Config{TTL: 30 * time.Minute, MaxSizeMB: 64}
}

// Stats reports cache effectiveness.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Loader serves images from memory and fetches misses. Concurrent misses
// for the same image share one fetch.
type Loader struct {
	fetch  Fetcher
	cache  *bigcache.BigCache
	group  singleflight.Group
	logger *zap.Logger
}

func New(ctx context.Context, fetch Fetcher, cfg Config, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	bc := bigcache.DefaultConfig(cfg.TTL)
	bc.Shards = 64
	bc.CleanWindow = cfg.TTL / 2
	bc.HardMaxCacheSize = cfg.MaxSizeMB
	bc.MaxEntrySize = 256 << 10
	bc.Verbose = false
	cache, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("creating image cache: %w", err)
	}
	return &Loader{fetch: fetch, cache: cache, logger: logger.Named("imagecache")}, nil
}

// key identifies an image by its reference, so entities sharing a URL
// share the entry.
func key(e *entity.Entity) (string, bool) {
	ref, ok := e.ImageURL.Get()
	if !ok || ref == "" {
		return "", false
	}
	return ref, true
}

// Get returns the image of e. Entities without an image fail with
// orchestrate.ErrNoImage without reaching the fetcher.
func (l *Loader) Get(ctx context.Context, e *entity.Entity) (orchestrate.Image, error) {
	k, ok := key(e)
	if !ok {
		return orchestrate.Image{}, fmt.Errorf("%w: %s", orchestrate.ErrNoImage, e.PermID)
	}
	if raw, err := l.cache.Get(k); err == nil {
		if img, ok := decode(raw); ok {
			return img, nil
		}
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		l.logger.Warn("cache read failed", zap.String("key", k), zap.Error(err))
	}

	ch := l.group.DoChan(k, func() (any, error) {
		fctx := call.Detach(ctx)
		img, err := l.fetch.Image(fctx, e).Wait(fctx)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Set(k, encode(img)); err != nil {
			// oversized images are served but not kept
			l.logger.Debug("image not cached", zap.String("key", k), zap.Int("bytes", len(img.Data)), zap.Error(err))
		}
		return img, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return orchestrate.Image{}, ctx.Err()
	}
	if res.Err != nil {
		return orchestrate.Image{}, res.Err
	}
	if res.Shared {
		l.logger.Debug("shared image fetch", zap.String("key", k))
	}
	return res.Val.(orchestrate.Image), nil
}

// Invalidate drops the cached image of e.
func (l *Loader) Invalidate(e *entity.Entity) {
	if k, ok := key(e); ok {
		_ = l.cache.Delete(k)
	}
}

func (l *Loader) Stats() Stats {
	s := l.cache.Stats()
	return Stats{Entries: l.cache.Len(), Hits: s.Hits, Misses: s.Misses}
}

func (l *Loader) Close() error {
	return l.cache.Close()
}

// entry layout: url NUL content-type NUL data
func encode(img orchestrate.Image) []byte {
	var b bytes.Buffer
	b.Grow(len(img.URL) + len(img.ContentType) + len(img.Data) + 2)
	b.WriteString(img.URL)
	b.WriteByte(0)
	b.WriteString(img.ContentType)
	b.WriteByte(0)
	b.Write(img.Data)
	return b.Bytes()
}

func decode(raw []byte) (orchestrate.Image, bool) {
	parts := bytes.SplitN(raw, []byte{0}, 3)
	if len(parts) != 3 {
		return orchestrate.Image{}, false
	}
	return orchestrate.Image{
		URL:         string(parts[0]),
		ContentType: string(parts[1]),
		Data:        bytes.Clone(parts[2]),
	}, true
}

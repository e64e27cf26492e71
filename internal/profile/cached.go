package profile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"risk-pipeline/internal/cache"
	"risk-pipeline/internal/schema"
)

const keyPrefix = "profile:"

// CachedProfiler reads profiles through a cache. Cache failures are logged
// and fall through to the wrapped profiler.
type CachedProfiler struct {
	inner  BatchProfiler
	cache  cache.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedProfiler wraps inner with cache-aside lookups. ttl <= 0 uses
// cache.DefaultTTL.
func NewCachedProfiler(inner BatchProfiler, c cache.Client, ttl time.Duration, logger *slog.Logger) *CachedProfiler {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProfiler{inner: inner, cache: c, ttl: ttl, logger: logger}
}

// CacheKey is the cache key of addr's profile.
func CacheKey(addr string) string {
	return keyPrefix + strings.ToLower(addr)
}

func (p *CachedProfiler) GetProfile(ctx context.Context, addr string) (*schema.AddressProfile, error) {
	if prof, ok := p.lookup(ctx, addr); ok {
		return prof, nil
	}
	prof, err := p.inner.GetProfile(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.store(ctx, addr, prof)
	return prof, nil
}

// Refresh bypasses the cache and replaces the cached entry.
func (p *CachedProfiler) Refresh(ctx context.Context, addr string) (*schema.AddressProfile, error) {
	prof, err := p.inner.Refresh(ctx, addr)
	if err != nil {
		if derr := p.cache.Delete(ctx, CacheKey(addr)); derr != nil {
			p.logger.Warn("profile cache invalidate failed", "address", addr, "error", derr)
		}
		return nil, err
	}
	p.store(ctx, addr, prof)
	return prof, nil
}

func (p *CachedProfiler) GetProfiles(ctx context.Context, addrs []string) (map[string]*schema.AddressProfile, error) {
	out := make(map[string]*schema.AddressProfile, len(addrs))
	var misses []string
	for _, a := range addrs {
		if prof, ok := p.lookup(ctx, a); ok {
			out[a] = prof
			continue
		}
		misses = append(misses, a)
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := p.inner.GetProfiles(ctx, misses)
	if err != nil {
		return nil, err
	}
	for a, prof := range fetched {
		out[a] = prof
		p.store(ctx, a, prof)
	}
	return out, nil
}

func (p *CachedProfiler) lookup(ctx context.Context, addr string) (*schema.AddressProfile, bool) {
	var prof schema.AddressProfile
	err := cache.GetJSON(ctx, p.cache, CacheKey(addr), &prof)
	switch {
	case err == nil:
		return &prof, true
	case errors.Is(err, cache.ErrMiss):
	default:
		p.logger.Warn("profile cache read failed", "address", addr, "error", err)
	}
	return nil, false
}

func (p *CachedProfiler) store(ctx context.Context, addr string, prof *schema.AddressProfile) {
	if prof == nil {
		return
	}
	if err := cache.SetJSON(ctx, p.cache, CacheKey(addr), prof, p.ttl); err != nil {
		p.logger.Warn("profile cache write failed", "address", addr, "error", err)
	}
}

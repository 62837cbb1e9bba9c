// Package recent serves pages of the recent questions listing through a
// short-lived cache.
package recent

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/model"
)

// Lister fetches one page of recent questions from the question service.
type Lister interface {
	GetRecentQuestions(ctx context.Context, page int) (model.RecentQuestionsPage, error)
}

// Provider caches recent question pages. The listing is the same for every
// patient, so entries are keyed by page only. Concurrent misses for the same
// page share one backend call.
type Provider struct {
	lister     Lister
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics

	mu    sync.RWMutex
	cache map[int]cacheEntry
	gen   uint64 // bumped by Invalidate
	group singleflight.Group
}

type cacheEntry struct {
	page      model.RecentQuestionsPage
	expiresAt time.Time
}

// NewProvider creates a Provider. A nil metrics disables instrumentation.
func NewProvider(lister Lister, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *Provider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &Provider{
		lister:     lister,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		cache:      make(map[int]cacheEntry),
	}
}

// Page returns one page of recent questions. cached reports whether the page
// came from the cache.
func (p *Provider) Page(ctx context.Context, page int) (result model.RecentQuestionsPage, cached bool, err error) {
	if page < 1 {
		return model.RecentQuestionsPage{}, false, model.NewBadRequestError(
			fmt.Sprintf("page must be at least 1, got %d", page),
		)
	}

	ctx, span := observability.StartSpan(ctx, "recent.page", observability.AttrPage.Int(page))
	defer func() {
		span.SetAttributes(observability.AttrCacheHit.Bool(cached))
		observability.EndSpanWithError(span, err)
	}()

	if hit, ok := p.getFromCache(page); ok {
		p.metrics.RecordRecentCacheHit()
		return hit, true, nil
	}
	p.metrics.RecordRecentCacheMiss()

	// The shared fetch outlives any one caller's cancellation. Keying it by
	// generation keeps callers arriving after Invalidate off an older fetch.
	gen := p.generation()
	key := strconv.FormatUint(gen, 10) + ":" + strconv.Itoa(page)
	v, err, _ := p.group.Do(key, func() (any, error) {
		fetched, err := p.lister.GetRecentQuestions(context.WithoutCancel(ctx), page)
		if err != nil {
			return nil, fmt.Errorf("recent questions page %d: %w", page, err)
		}
		if fetched.Questions == nil {
			fetched.Questions = []model.Question{}
		}
		p.putInCache(gen, page, fetched)
		return fetched, nil
	})
	if err != nil {
		return model.RecentQuestionsPage{}, false, err
	}
	return copyPage(v.(model.RecentQuestionsPage)), false, nil
}

// getFromCache returns a copy of a cached page if it hasn't expired.
func (p *Provider) getFromCache(page int) (model.RecentQuestionsPage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, exists := p.cache[page]
	if !exists || time.Now().After(entry.expiresAt) {
		return model.RecentQuestionsPage{}, false
	}
	return copyPage(entry.page), true
}

func (p *Provider) generation() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gen
}

// putInCache stores a page with TTL unless the cache was invalidated since
// the fetch of generation gen started.
func (p *Provider) putInCache(gen uint64, page int, result model.RecentQuestionsPage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		return
	}

	if len(p.cache) >= p.maxEntries {
		p.evictExpired()
	}
	// Still full: drop the entry closest to expiry.
	if len(p.cache) >= p.maxEntries {
		oldest, first := 0, true
		for k, v := range p.cache {
			if first || v.expiresAt.Before(p.cache[oldest].expiresAt) {
				oldest, first = k, false
			}
		}
		delete(p.cache, oldest)
	}

	p.cache[page] = cacheEntry{
		page:      copyPage(result),
		expiresAt: time.Now().Add(p.ttl),
	}
}

// evictExpired removes expired entries. Must be called with mu held.
func (p *Provider) evictExpired() {
	now := time.Now()
	for k, v := range p.cache {
		if now.After(v.expiresAt) {
			delete(p.cache, k)
		}
	}
}

// Invalidate drops every cached page. Called after a question is created so
// the next listing shows it.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.cache)
	p.gen++
}

// CacheLen returns the number of entries in the cache. For testing.
func (p *Provider) CacheLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}

func copyPage(pg model.RecentQuestionsPage) model.RecentQuestionsPage {
	pg.Questions = append(make([]model.Question, 0, len(pg.Questions)), pg.Questions...)
	return pg
}

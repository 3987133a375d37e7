// Package loader implements the composed engine (spec §4.5, §4.6): Loader
// owns a PatternPath, rebuilds an ordered PathEntry list from it, services
// resource/class look-ups, and maintains a positive+negative cache.
// DynamicLoader extends it with store-event observation, an expiry index,
// and reconfigure/reinstantiate lifecycle operations.
package loader

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/classrepo/internal/loadermetrics"
	"github.com/edgecomet/classrepo/internal/pathentry"
	"github.com/edgecomet/classrepo/internal/patternpath"
	"github.com/edgecomet/classrepo/internal/resource"
	"github.com/edgecomet/classrepo/pkg/classdefiner"
	"github.com/edgecomet/classrepo/pkg/store"
	"github.com/edgecomet/classrepo/pkg/urlfactory"
)

// Stats is a point-in-time snapshot of a Loader's cache state, exposed for
// monitoring (spec §7 extension).
type Stats struct {
	CacheHits     int
	CacheMisses   int
	PathEntries   int
	ExpiryWitness int
}

// Options configures a Loader or DynamicLoader at construction.
type Options struct {
	Store          store.Store
	URLFactory     urlfactory.Factory
	Definer        classdefiner.ClassDefiner
	Session        any
	AllowExpansion bool
	Logger         *zap.Logger
	Metrics        *loadermetrics.Metrics
}

// Loader is the composed, non-dynamic engine (spec C6). Look-ups
// (FindClass, FindResource, FindResources) may be invoked concurrently
// (spec §5).
type Loader struct {
	opts Options

	pp *patternpath.PatternPath

	cacheMu        sync.Mutex
	cache          map[string]cacheSlot
	cacheHitCount  int
	cacheMissCount int

	expiryMu    sync.Mutex
	expiryIndex map[string]*resource.Resource

	entriesMu      sync.RWMutex
	entries        []*pathentry.PathEntry
	addedEntries   []*pathentry.PathEntry
	patternEntries map[string]*pathentry.PathEntry // keyed by raw expanded-path candidate, for rebuild reuse

	destroyed bool
	destroyMu sync.Mutex
}

// New constructs a Loader bound to pp and immediately builds its
// PathEntry list.
func New(ctx context.Context, pp *patternpath.PatternPath, opts Options) (*Loader, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	l := &Loader{
		opts:        opts,
		pp:          pp,
		cache:       make(map[string]cacheSlot),
		expiryIndex: make(map[string]*resource.Resource),
	}

	if err := l.buildPathEntries(ctx); err != nil {
		return nil, fmt.Errorf("loader: initial build_path_entries: %w", err)
	}
	return l, nil
}

// buildPathEntries expands pp and rebuilds the entry list, reusing any
// prior entry whose path matches (preserving its archive index cache);
// added entries are appended unchanged at the end, then clean_not_found
// runs (spec §4.5).
func (l *Loader) buildPathEntries(ctx context.Context) error {
	paths, err := l.pp.ExpandedPaths(ctx)
	if err != nil {
		return fmt.Errorf("expand pattern path: %w", err)
	}

	l.entriesMu.RLock()
	prior := l.patternEntries
	l.entriesMu.RUnlock()

	start := time.Now()

	fresh := make([]*pathentry.PathEntry, 0, len(paths))
	freshByCandidate := make(map[string]*pathentry.PathEntry, len(paths))
	for _, p := range paths {
		if already, ok := freshByCandidate[p]; ok {
			_ = already
			continue // duplicate candidate from this expansion; keep first occurrence
		}

		if reused, ok := prior[p]; ok {
			fresh = append(fresh, reused)
			freshByCandidate[p] = reused
			continue
		}

		pe, ok := pathentry.New(ctx, p, pathentry.Options{
			Store:          l.opts.Store,
			URLFactory:     l.opts.URLFactory,
			Session:        l.opts.Session,
			AllowExpansion: l.opts.AllowExpansion,
			Logger:         l.opts.Logger,
		})
		if !ok {
			continue
		}
		fresh = append(fresh, pe)
		freshByCandidate[p] = pe
	}

	l.entriesMu.Lock()
	l.patternEntries = freshByCandidate
	fresh = append(fresh, l.addedEntries...)
	l.entries = fresh
	l.entriesMu.Unlock()

	if l.opts.Metrics != nil {
		l.opts.Metrics.RecordPathEntryRebuild(time.Since(start).Seconds())
	}

	l.cleanNotFound()
	return nil
}

// snapshotEntries returns the current entry list under the read lock,
// without holding it during the subsequent walk (spec §5).
func (l *Loader) snapshotEntries() []*pathentry.PathEntry {
	l.entriesMu.RLock()
	defer l.entriesMu.RUnlock()
	out := make([]*pathentry.PathEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// cleanNotFound removes every NOT_FOUND entry from the cache, so names
// that did not exist yet may resolve at the next look-up (spec §4.5,
// §4.6).
func (l *Loader) cleanNotFound() {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	for name, slot := range l.cache {
		if !slot.found {
			delete(l.cache, name)
		}
	}
}

// FindResource returns the URL of the first Resource found along the
// search path, or absent. Populates the cache (spec §4.5).
func (l *Loader) FindResource(ctx context.Context, name string) (*url.URL, bool) {
	if l.isDestroyed() {
		return nil, false
	}

	if slot, ok := l.lookupCache(name); ok {
		if l.opts.Metrics != nil {
			if slot.found {
				l.opts.Metrics.RecordCacheHit()
			} else {
				l.opts.Metrics.RecordCacheNotFound()
			}
		}
		if !slot.found {
			return nil, false
		}
		u, err := slot.res.URL(ctx)
		if err != nil {
			l.opts.Logger.Warn("loader: resolving cached resource URL failed", zap.String("name", name), zap.Error(err))
			return nil, false
		}
		return u, true
	}

	if l.opts.Metrics != nil {
		l.opts.Metrics.RecordCacheMiss()
	}

	res, ok := l.walk(ctx, name)
	if !ok {
		l.storeCache(name, missSlot)
		return nil, false
	}
	l.storeCache(name, hitSlot(res))
	l.recordWitness(res)

	u, err := res.URL(ctx)
	if err != nil {
		l.opts.Logger.Warn("loader: resolving resource URL failed", zap.String("name", name), zap.Error(err))
		return nil, false
	}
	return u, true
}

// FindResources returns URLs for every entry that contains name,
// preserving search-path order. It bypasses the single-name cache: there
// is no multi-hit cache (spec §4.5).
func (l *Loader) FindResources(ctx context.Context, name string) []*url.URL {
	if l.isDestroyed() {
		return nil
	}

	var urls []*url.URL
	for _, e := range l.snapshotEntries() {
		r, ok := e.Resource(ctx, name)
		if !ok {
			continue
		}
		u, err := r.URL(ctx)
		if err != nil {
			l.opts.Logger.Warn("loader: resolving resource URL failed", zap.String("name", name), zap.Error(err))
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

// URLs is the URL-only projection of FindResources: the location of every
// entry that contains name, in search-path order (spec §6 `urls`).
func (l *Loader) URLs(ctx context.Context, name string) []*url.URL {
	return l.FindResources(ctx, name)
}

// HasLookedUp reports whether any name has ever been looked up against this
// Loader, i.e. whether the cache holds at least one entry, positive or
// negative (spec §9).
func (l *Loader) HasLookedUp() bool {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	return len(l.cache) > 0
}

// FindClass converts "a.b.C" to "a/b/C.class", delegates to the resource
// search, and invokes the ClassDefiner with the found bytes and metadata.
// The defined class is cached on the Resource (spec §4.5).
func (l *Loader) FindClass(ctx context.Context, name string) (classdefiner.Class, error) {
	if l.isDestroyed() {
		return nil, ErrNotFound
	}

	resourceName := classNameToResourceName(name)

	res, ok := l.findResourceObject(ctx, resourceName)
	if !ok {
		return nil, ErrNotFound
	}

	if c, ok := res.DefinedClass(); ok {
		return c, nil
	}

	b, err := res.Bytes(ctx)
	if err != nil {
		l.opts.Logger.Warn("loader: reading resource bytes failed", zap.String("name", name), zap.Error(err))
		return nil, ErrNotFound
	}

	codeSourceURL, err := res.CodeSourceURL(ctx)
	if err != nil {
		l.opts.Logger.Warn("loader: resolving code source url failed", zap.String("name", name), zap.Error(err))
	}

	class, err := l.opts.Definer.Define(ctx, name, b, codeSourceURL, res.Manifest())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDefineFailed, name, err)
	}

	res.SetDefinedClass(class)
	return class, nil
}

// findResourceObject is FindResource's logic minus the URL projection, so
// FindClass can reach the underlying Resource (and its bytes/manifest)
// rather than just its URL.
func (l *Loader) findResourceObject(ctx context.Context, name string) (*resource.Resource, bool) {
	if slot, ok := l.lookupCache(name); ok {
		return slot.res, slot.found
	}

	res, ok := l.walk(ctx, name)
	if !ok {
		l.storeCache(name, missSlot)
		return nil, false
	}
	l.storeCache(name, hitSlot(res))
	l.recordWitness(res)
	return res, true
}

func classNameToResourceName(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ".class"
}

// walk performs the uncached search-path scan: first non-absent PathEntry
// wins (spec §4.5 look-up algorithm, step 3).
func (l *Loader) walk(ctx context.Context, name string) (*resource.Resource, bool) {
	for _, e := range l.snapshotEntries() {
		r, ok := e.Resource(ctx, name)
		if ok {
			return r, true
		}
	}
	return nil, false
}

// lookupCache also tallies the cumulative hit/miss counts Stats reports: a
// fresh name (no cache entry at all) is a miss; a cache entry resolving to a
// found Resource is a hit. A negative-cache hit (cached not-found) is
// neither: it avoided a fresh miss without resolving anything.
func (l *Loader) lookupCache(name string) (cacheSlot, bool) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	slot, ok := l.cache[name]
	if !ok {
		l.cacheMissCount++
	} else if slot.found {
		l.cacheHitCount++
	}
	return slot, ok
}

func (l *Loader) storeCache(name string, slot cacheSlot) {
	l.cacheMu.Lock()
	l.cache[name] = slot
	size := len(l.cache)
	l.cacheMu.Unlock()
	if l.opts.Metrics != nil {
		l.opts.Metrics.SetCacheSize(size)
	}
}

// recordWitness populates the ExpiryIndex: only the most recently seen
// Resource per witness path is retained (spec §3).
func (l *Loader) recordWitness(res *resource.Resource) {
	w := res.WitnessPath()
	if w == "" {
		return
	}
	l.expiryMu.Lock()
	l.expiryIndex[w] = res
	l.expiryMu.Unlock()
}

// AddPath constructs a new PathEntry for path and appends it; the entry is
// also remembered separately so reconfigure/reinstantiate can re-add it
// (spec §4.5).
func (l *Loader) AddPath(ctx context.Context, path string) error {
	if l.isDestroyed() {
		return ErrDestroyed
	}

	pe, ok := pathentry.New(ctx, path, pathentry.Options{
		Store:          l.opts.Store,
		URLFactory:     l.opts.URLFactory,
		Session:        l.opts.Session,
		AllowExpansion: l.opts.AllowExpansion,
		Logger:         l.opts.Logger,
	})
	if !ok {
		return fmt.Errorf("loader: add_path: %s: %w", path, store.ErrDenied)
	}

	l.entriesMu.Lock()
	l.addedEntries = append(l.addedEntries, pe)
	l.entries = append(l.entries, pe)
	l.entriesMu.Unlock()
	return nil
}

// Destroy is idempotent: clears caches and the expiry index, and drops the
// PathEntry list. The store handle in the Loader's options is kept, not
// cleared. After Destroy, every accessor reports absent/empty (spec §4.5).
func (l *Loader) Destroy() {
	l.destroyMu.Lock()
	if l.destroyed {
		l.destroyMu.Unlock()
		return
	}
	l.destroyed = true
	l.destroyMu.Unlock()

	l.cacheMu.Lock()
	l.cache = make(map[string]cacheSlot)
	l.cacheHitCount = 0
	l.cacheMissCount = 0
	l.cacheMu.Unlock()

	l.expiryMu.Lock()
	l.expiryIndex = make(map[string]*resource.Resource)
	l.expiryMu.Unlock()

	l.entriesMu.Lock()
	l.entries = nil
	l.addedEntries = nil
	l.entriesMu.Unlock()
}

func (l *Loader) isDestroyed() bool {
	l.destroyMu.Lock()
	defer l.destroyMu.Unlock()
	return l.destroyed
}

// Stats returns a point-in-time snapshot of this Loader's cache state.
func (l *Loader) Stats() Stats {
	l.cacheMu.Lock()
	hits, misses := l.cacheHitCount, l.cacheMissCount
	l.cacheMu.Unlock()

	l.entriesMu.RLock()
	entryCount := len(l.entries)
	l.entriesMu.RUnlock()

	l.expiryMu.Lock()
	witnessCount := len(l.expiryIndex)
	l.expiryMu.Unlock()

	return Stats{CacheHits: hits, CacheMisses: misses, PathEntries: entryCount, ExpiryWitness: witnessCount}
}

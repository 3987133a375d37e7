package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecomet/classrepo/internal/pathentry"
	"github.com/edgecomet/classrepo/internal/patternpath"
	"github.com/edgecomet/classrepo/pkg/classdefiner"
	"github.com/edgecomet/classrepo/pkg/pattern"
	"github.com/edgecomet/classrepo/pkg/store"
)

func rawPatternStrings(patterns []pattern.Pattern) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.Original
	}
	return out
}

// DynamicLoader extends Loader with store-event observation, an expiry
// index, and the reconfigure/reinstantiate lifecycle (spec §4.6, C7).
//
// It is simultaneously a Store-event listener (for resource expiry) and a
// DynamicPatternPath listener (for search-path changes); these are kept
// as two distinct callback surfaces rather than conflated (spec §9).
type DynamicLoader struct {
	*Loader

	dynPPMu      sync.RWMutex
	dynPP        *patternpath.DynamicPatternPath
	ppListenerID int
	storeSub     store.Subscription

	dirty atomic.Bool

	// generation identifies this DynamicLoader instance across a
	// reinstantiate chain, for embedders that want to correlate logs
	// across a reload (spec §7 extension).
	generation uuid.UUID
}

// NewDynamic constructs a DynamicLoader over patterns, subscribing to both
// its DynamicPatternPath's change notifications and the store's raw event
// stream.
func NewDynamic(ctx context.Context, st store.Store, patterns []string, opts Options) (*DynamicLoader, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Store = st

	dynPP := patternpath.NewDynamic(st, patterns)

	inner, err := New(ctx, dynPP.PatternPath, opts)
	if err != nil {
		return nil, err
	}

	dl := &DynamicLoader{
		Loader:     inner,
		dynPP:      dynPP,
		generation: uuid.New(),
	}

	id, err := dynPP.AddListener(patternpath.ListenerFunc(dl.onPathChanged))
	if err != nil {
		return nil, fmt.Errorf("loader: subscribing to pattern path changes: %w", err)
	}
	dl.ppListenerID = id

	sub, err := st.Subscribe(store.MaskAll, "/", store.ListenerFunc(dl.handleStoreEvents))
	if err != nil {
		return nil, fmt.Errorf("loader: subscribing to store events: %w", err)
	}
	dl.storeSub = sub

	return dl, nil
}

// Generation identifies this DynamicLoader instance, stable across its
// lifetime and distinct from any loader produced by Reinstantiate.
func (dl *DynamicLoader) Generation() uuid.UUID { return dl.generation }

// onPathChanged implements the DynamicPatternPath listener contract:
// rebuild the PathEntry list and set the dirty flag unconditionally — a
// loaded resource may now belong to a different entry, or a loaded class
// may be shadowed by a new earlier entry (spec §4.6).
func (dl *DynamicLoader) onPathChanged() {
	if err := dl.Loader.buildPathEntries(context.Background()); err != nil {
		dl.Loader.opts.Logger.Warn("loader: rebuild after path change failed", zap.Error(err))
	}
	dl.dirty.Store(true)
	if dl.Loader.opts.Metrics != nil {
		dl.Loader.opts.Metrics.RecordDirty()
	}
}

// handleStoreEvents implements store.Listener. For each event: if its path
// is present in the ExpiryIndex, mark that Resource expired (and, if
// realized, raise the dirty flag); otherwise, an ADD event runs
// clean_not_found since a previously-absent name may now resolve (spec
// §4.6).
func (dl *DynamicLoader) handleStoreEvents(events []store.Event) {
	for _, ev := range events {
		dl.Loader.expiryMu.Lock()
		res, ok := dl.Loader.expiryIndex[ev.Path]
		dl.Loader.expiryMu.Unlock()

		if ok {
			res.MarkExpired()
			if dl.Loader.opts.Metrics != nil {
				dl.Loader.opts.Metrics.RecordExpiredResource()
			}
			if res.IsRealized() {
				dl.setDirty()
			}
			continue
		}

		if ev.Type == store.NodeAdded || ev.Type == store.PropertyAdded {
			dl.Loader.cleanNotFound()
		}
	}
}

func (dl *DynamicLoader) setDirty() {
	dl.dirty.Store(true)
	if dl.Loader.opts.Metrics != nil {
		dl.Loader.opts.Metrics.RecordDirty()
	}
}

// ShouldReload reports whether name should be reloaded: true if the
// loader is destroyed; false if name has no cached Resource; true
// unconditionally (forcing dirty) if force is set; otherwise the cached
// Resource's expiry predicate, which also raises the dirty flag when the
// resource has been realized into a defined class (spec §4.6).
func (dl *DynamicLoader) ShouldReload(ctx context.Context, name string, force bool) bool {
	if dl.Loader.isDestroyed() {
		return true
	}

	slot, ok := dl.Loader.lookupCache(name)
	if !ok || !slot.found {
		return false
	}

	if force {
		dl.setDirty()
		return true
	}

	expired := slot.res.Expired(ctx)
	if expired {
		if dl.Loader.opts.Metrics != nil {
			dl.Loader.opts.Metrics.RecordExpiredResource()
		}
		if slot.res.IsRealized() {
			dl.setDirty()
		}
	}
	return expired
}

// ShouldReloadAny reports whether this loader should be reloaded: true if
// already dirty; otherwise it scans every cached Resource, raising dirty
// (for realized resources) on the first one whose expiry predicate is
// true (spec §4.6).
func (dl *DynamicLoader) ShouldReloadAny(ctx context.Context) bool {
	if dl.IsDirty() {
		return true
	}

	dl.Loader.cacheMu.Lock()
	slots := make([]cacheSlot, 0, len(dl.Loader.cache))
	for _, slot := range dl.Loader.cache {
		if slot.found {
			slots = append(slots, slot)
		}
	}
	dl.Loader.cacheMu.Unlock()

	for _, slot := range slots {
		if slot.res.Expired(ctx) {
			if dl.Loader.opts.Metrics != nil {
				dl.Loader.opts.Metrics.RecordExpiredResource()
			}
			if slot.res.IsRealized() {
				dl.setDirty()
			}
			return true
		}
	}
	return false
}

// IsDirty reports destroyed ∨ dirty-flag ∨ ¬session_alive() (spec §3).
func (dl *DynamicLoader) IsDirty() bool {
	return dl.Loader.isDestroyed() || dl.dirty.Load() || !dl.Loader.opts.Store.SessionAlive()
}

// Destroy detaches this loader from the store's event stream and from its
// DynamicPatternPath before delegating to Loader.Destroy. Without this
// override, the embedded Loader.Destroy alone would leave storeSub and the
// pattern-path listener live, so a store event arriving after Destroy could
// still invoke onPathChanged and repopulate the entry list on a loader that
// is supposed to be terminal (spec §3 Lifecycle, §4.5 "detaches listeners").
// Idempotent, like Loader.Destroy.
func (dl *DynamicLoader) Destroy() {
	dl.dynPPMu.Lock()
	if dl.storeSub != nil {
		dl.storeSub.Unsubscribe()
		dl.storeSub = nil
	}
	if dl.dynPP != nil {
		dl.dynPP.RemoveListener(dl.ppListenerID)
		dl.dynPP.Close()
	}
	dl.dynPPMu.Unlock()

	dl.Loader.Destroy()
}

// Reconfigure replaces this loader's pattern path with newPatterns: a
// no-op if already destroyed; otherwise detaches the old
// DynamicPatternPath, installs a new one, rebuilds the entry list, and
// marks dirty if the cache held any positive entries (spec §4.6).
func (dl *DynamicLoader) Reconfigure(ctx context.Context, newPatterns []string) error {
	if dl.Loader.isDestroyed() {
		return nil
	}

	dl.dynPPMu.Lock()
	oldPP := dl.dynPP
	oldID := dl.ppListenerID
	newPP := patternpath.NewDynamic(dl.Loader.opts.Store, newPatterns)
	newID, err := newPP.AddListener(patternpath.ListenerFunc(dl.onPathChanged))
	if err != nil {
		dl.dynPPMu.Unlock()
		return fmt.Errorf("loader: reconfigure: subscribing new pattern path: %w", err)
	}
	dl.dynPP = newPP
	dl.ppListenerID = newID
	dl.Loader.pp = newPP.PatternPath
	dl.dynPPMu.Unlock()

	oldPP.RemoveListener(oldID)
	oldPP.Close()

	if err := dl.Loader.buildPathEntries(ctx); err != nil {
		return fmt.Errorf("loader: reconfigure: rebuild: %w", err)
	}

	dl.Loader.cacheMu.Lock()
	hasPositive := false
	for _, slot := range dl.Loader.cache {
		if slot.found {
			hasPositive = true
			break
		}
	}
	dl.Loader.cacheMu.Unlock()

	if hasPositive {
		dl.setDirty()
	}
	return nil
}

// Reinstantiate constructs a new DynamicLoader with the same pattern list
// and the separately-tracked added paths (re-cloned via PathEntry.Copy),
// bound to newSession and parentDefiner, then destroys this loader and
// returns the new one. Precondition: not already destroyed — calling it
// on a destroyed loader is fatal (spec §4.6, §7).
func (dl *DynamicLoader) Reinstantiate(ctx context.Context, newSession any, parentDefiner classdefiner.ClassDefiner) (*DynamicLoader, error) {
	if dl.Loader.isDestroyed() {
		return nil, fmt.Errorf("loader: reinstantiate: %w", ErrDestroyed)
	}

	dl.dynPPMu.RLock()
	patterns := rawPatternStrings(dl.dynPP.PatternPath.Patterns())
	dl.dynPPMu.RUnlock()

	newOpts := dl.Loader.opts
	newOpts.Session = newSession
	if parentDefiner != nil {
		newOpts.Definer = parentDefiner
	}

	newDL, err := NewDynamic(ctx, dl.Loader.opts.Store, patterns, newOpts)
	if err != nil {
		return nil, fmt.Errorf("loader: reinstantiate: %w", err)
	}

	dl.Loader.entriesMu.RLock()
	cloned := make([]*pathentry.PathEntry, 0, len(dl.Loader.addedEntries))
	for _, pe := range dl.Loader.addedEntries {
		cloned = append(cloned, pe.Copy())
	}
	dl.Loader.entriesMu.RUnlock()

	newDL.Loader.entriesMu.Lock()
	newDL.Loader.addedEntries = append(newDL.Loader.addedEntries, cloned...)
	newDL.Loader.entries = append(newDL.Loader.entries, cloned...)
	newDL.Loader.entriesMu.Unlock()

	dl.Destroy()
	return newDL, nil
}

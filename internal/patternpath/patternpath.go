// Package patternpath implements PatternPath and DynamicPatternPath (spec
// §4.1, §4.2): an ordered list of path patterns that expands against a live
// Store, optionally re-notifying observers when the expansion would
// change.
package patternpath

import (
	"context"
	"strings"
	"sync"

	"github.com/edgecomet/classrepo/pkg/pattern"
	"github.com/edgecomet/classrepo/pkg/store"
)

// PatternPath holds an ordered list of path patterns and expands them
// against a Store on demand.
//
// Equality is deliberately by instance identity only (Go's default pointer
// comparison already gives this): content equality is wrong here because
// expansion is time-varying (spec §4.1).
type PatternPath struct {
	store    store.Store
	patterns []pattern.Pattern
}

// New constructs a PatternPath. Empty pattern strings are discarded;
// whitespace-only strings are kept and compiled like any other.
func New(st store.Store, raw []string) *PatternPath {
	pp := &PatternPath{store: st}
	for _, r := range raw {
		if r == "" {
			continue
		}
		pp.patterns = append(pp.patterns, pattern.Compile(r))
	}
	return pp
}

// Patterns returns the compiled pattern list, in order.
func (pp *PatternPath) Patterns() []pattern.Pattern {
	out := make([]pattern.Pattern, len(pp.patterns))
	copy(out, pp.patterns)
	return out
}

// ExpandedPaths returns a fresh ordered list of store paths: literal
// patterns are returned verbatim (so not-yet-existing paths can be
// requested); all others are expanded against the store's current state,
// and only paths that currently exist are included (spec §4.1).
func (pp *PatternPath) ExpandedPaths(ctx context.Context) ([]string, error) {
	var out []string
	for _, p := range pp.patterns {
		if p.IsLiteral {
			out = append(out, p.Trimmed)
			continue
		}
		expanded, err := pp.expandOne(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// expandOne runs the segment-by-segment expansion algorithm for a single
// pattern (spec §4.1): start at the store root; for each non-final
// segment, replace the candidate set with matching child nodes; for the
// final segment, include matching child nodes and properties.
func (pp *PatternPath) expandOne(ctx context.Context, p pattern.Pattern) ([]string, error) {
	if len(p.Segments) == 0 {
		return nil, nil
	}

	root, err := pp.store.Root(ctx)
	if err != nil {
		return nil, err
	}
	candidates := []store.Item{root}

	for i, seg := range p.Segments {
		final := i == len(p.Segments)-1
		var next []store.Item

		for _, cand := range candidates {
			if cand.IsProperty() {
				// A property has no children; it cannot
				// contribute to a further segment.
				continue
			}

			iter, err := pp.store.Children(ctx, cand, seg.Match)
			if err != nil {
				return nil, err
			}
			for item, ok := iter.Next(); ok; item, ok = iter.Next() {
				if !final && item.IsProperty() {
					continue
				}
				next = append(next, item)
			}
		}

		candidates = next
	}

	paths := make([]string, 0, len(candidates))
	for _, c := range candidates {
		paths = append(paths, c.Path())
	}
	return paths, nil
}

// matchesPath reports whether path (a "/"-separated absolute store path)
// matches any pattern in pp segment-by-segment. Literal patterns match
// only their own exact path.
func (pp *PatternPath) matchesPath(path string) bool {
	parts := splitPath(path)
	for _, p := range pp.patterns {
		if p.IsLiteral {
			if p.Trimmed == path {
				return true
			}
			continue
		}
		if len(p.Segments) != len(parts) {
			continue
		}
		matched := true
		for i, seg := range p.Segments {
			if !seg.Match(parts[i]) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Listener observes PatternPath expansion changes.
type Listener interface {
	PathChanged()
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func()

func (f ListenerFunc) PathChanged() { f() }

// DynamicPatternPath wraps a PatternPath with event-driven change
// notification (spec §4.2): it subscribes to the store lazily, only while
// it has at least one listener, and fires PathChanged at most once per
// batch of store events.
//
// Listeners are tracked by an opaque registration id rather than by the
// Listener value itself: a ListenerFunc closure is not a comparable Go
// value, so removal-by-equality would panic at runtime.
type DynamicPatternPath struct {
	*PatternPath

	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
	sub       store.Subscription
}

// NewDynamic wraps st/raw in a DynamicPatternPath.
func NewDynamic(st store.Store, raw []string) *DynamicPatternPath {
	return &DynamicPatternPath{PatternPath: New(st, raw), listeners: map[int]Listener{}}
}

// AddListener registers l to be notified of expansion changes, returning a
// registration id for later removal. Subscribes to the underlying store on
// the 0→1 listener transition.
func (dp *DynamicPatternPath) AddListener(l Listener) (int, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	dp.nextID++
	id := dp.nextID
	dp.listeners[id] = l

	if len(dp.listeners) > 1 {
		return id, nil
	}

	sub, err := dp.store.Subscribe(store.MaskAll, "/", store.ListenerFunc(dp.handleEvents))
	if err != nil {
		delete(dp.listeners, id)
		return 0, err
	}
	dp.sub = sub
	return id, nil
}

// RemoveListener unregisters the listener with the given id. Unsubscribes
// from the store on the 1→0 transition.
func (dp *DynamicPatternPath) RemoveListener(id int) {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	delete(dp.listeners, id)
	if len(dp.listeners) == 0 && dp.sub != nil {
		dp.sub.Unsubscribe()
		dp.sub = nil
	}
}

// handleEvents is the store.Listener callback. Property changes alone never
// indicate a path-expansion change (a property's bytes changing doesn't add
// or remove a store path), so they are ignored; any other event whose path
// matches one of this path's patterns fires PathChanged at most once for
// the whole batch.
func (dp *DynamicPatternPath) handleEvents(events []store.Event) {
	changed := false
	for _, ev := range events {
		if ev.Type == store.PropertyChanged {
			continue
		}
		if dp.matchesPath(ev.Path) {
			changed = true
			break
		}
	}
	if !changed {
		return
	}

	dp.mu.Lock()
	listeners := make([]Listener, 0, len(dp.listeners))
	for _, l := range dp.listeners {
		listeners = append(listeners, l)
	}
	dp.mu.Unlock()

	for _, l := range listeners {
		l.PathChanged()
	}
}

// Close unsubscribes from the store, if currently subscribed.
func (dp *DynamicPatternPath) Close() {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.sub != nil {
		dp.sub.Unsubscribe()
		dp.sub = nil
	}
	dp.listeners = nil
}

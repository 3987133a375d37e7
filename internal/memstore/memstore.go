// Package memstore is an in-memory store.Store reference implementation.
// It exists for tests and examples; production deployments plug in
// internal/redisstore or an embedder-supplied Store instead.
package memstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgecomet/classrepo/pkg/store"
)

type node struct {
	path     string
	isProp   bool
	bytes    []byte
	modMs    int64
	children map[string]*node
}

// Store is a thread-safe in-memory tree.
type Store struct {
	mu   sync.RWMutex
	root *node

	subMu sync.Mutex
	subs  map[*subscription]struct{}

	alive bool
}

// New returns an empty Store with just a root node.
func New() *Store {
	return &Store{
		root:  &node{path: "/", children: map[string]*node{}},
		subs:  map[*subscription]struct{}{},
		alive: true,
	}
}

// PutNode ensures a node exists at path (creating intermediate nodes as
// needed) and fires NodeAdded for any node actually created.
func (s *Store) PutNode(path string) {
	s.mu.Lock()
	created := s.ensureNode(path)
	s.mu.Unlock()
	for _, p := range created {
		s.publish(store.Event{Type: store.NodeAdded, Path: p})
	}
}

// PutProperty sets a property's bytes at path (creating the parent node
// path if needed), stamps its modification time to now, and fires
// NodeAdded for any parent node actually created, then PropertyAdded or
// PropertyChanged as appropriate.
func (s *Store) PutProperty(path string, content []byte) {
	parent, name := splitParent(path)

	s.mu.Lock()
	created := s.ensureNode(parent)
	p := s.root
	for _, seg := range segments(parent) {
		p = p.children[seg]
	}
	existing, existed := p.children[name]
	now := time.Now().UnixMilli()
	if existed {
		existing.bytes = content
		existing.modMs = now
	} else {
		p.children[name] = &node{
			path:   path,
			isProp: true,
			bytes:  content,
			modMs:  now,
		}
	}
	s.mu.Unlock()

	for _, p := range created {
		s.publish(store.Event{Type: store.NodeAdded, Path: p})
	}

	evType := store.PropertyAdded
	if existed {
		evType = store.PropertyChanged
	}
	s.publish(store.Event{Type: evType, Path: path})
}

// RemoveProperty deletes the property at path, firing PropertyRemoved if it
// existed.
func (s *Store) RemoveProperty(path string) {
	parent, name := splitParent(path)

	s.mu.Lock()
	existed := false
	if p := s.lookupNode(parent); p != nil {
		if _, ok := p.children[name]; ok {
			delete(p.children, name)
			existed = true
		}
	}
	s.mu.Unlock()

	if existed {
		s.publish(store.Event{Type: store.PropertyRemoved, Path: path})
	}
}

// RemoveNode deletes the node at path (and everything beneath it), firing
// NodeRemoved if it existed.
func (s *Store) RemoveNode(path string) {
	parent, name := splitParent(path)

	s.mu.Lock()
	existed := false
	if p := s.lookupNode(parent); p != nil {
		if _, ok := p.children[name]; ok {
			delete(p.children, name)
			existed = true
		}
	}
	s.mu.Unlock()

	if existed {
		s.publish(store.Event{Type: store.NodeRemoved, Path: path})
	}
}

// SetAlive toggles SessionAlive()'s return value, for simulating a dropped
// repository session.
func (s *Store) SetAlive(alive bool) {
	s.mu.Lock()
	s.alive = alive
	s.mu.Unlock()
}

// ensureNode creates every missing node along path, returning the paths of
// nodes it actually created, in creation order. Caller holds s.mu.
func (s *Store) ensureNode(path string) []string {
	if path == "/" || path == "" {
		return nil
	}
	var created []string
	cur := s.root
	built := ""
	for _, seg := range segments(path) {
		built += "/" + seg
		child, ok := cur.children[seg]
		if !ok {
			child = &node{path: built, children: map[string]*node{}}
			cur.children[seg] = child
			created = append(created, built)
		}
		cur = child
	}
	return created
}

func (s *Store) lookupNode(path string) *node {
	if path == "/" || path == "" {
		return s.root
	}
	cur := s.root
	for _, seg := range segments(path) {
		child, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

func segments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func splitParent(path string) (parent, name string) {
	trimmed := strings.Trim(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 {
		return "/", trimmed
	}
	return "/" + trimmed[:idx], trimmed[idx+1:]
}

// item adapts *node to store.Item.
type item struct {
	n *node
}

func (it item) Path() string      { return it.n.path }
func (it item) IsProperty() bool  { return it.n.isProp }

func (it item) PropertyStream(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(it.n.bytes)), nil
}

func (it item) PropertySize(ctx context.Context) (int64, error) {
	return int64(len(it.n.bytes)), nil
}

func (it item) PropertyLastModifiedMs(ctx context.Context) (int64, error) {
	return it.n.modMs, nil
}

// ReadPermission always grants access; memstore has no ACL model.
func (s *Store) ReadPermission(ctx context.Context, path string) (bool, error) {
	return true, nil
}

// GetItem fetches the item at path.
func (s *Store) GetItem(ctx context.Context, path string) (store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.lookupNode(path)
	if n == nil {
		return nil, store.ErrNotFound
	}
	return item{n}, nil
}

// Root returns the repository root node.
func (s *Store) Root(ctx context.Context) (store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return item{s.root}, nil
}

// Children enumerates parent's direct children whose name matches
// namePredicate, in sorted name order for deterministic test assertions.
func (s *Store) Children(ctx context.Context, parent store.Item, namePredicate func(string) bool) (store.ItemIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.lookupNode(parent.Path())
	if n == nil {
		return store.NewSliceIterator(nil), nil
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	var matched []store.Item
	for _, name := range names {
		if namePredicate(name) {
			matched = append(matched, item{n.children[name]})
		}
	}
	return store.NewSliceIterator(matched), nil
}

type subscription struct {
	s        *Store
	mask     store.EventMask
	rootPath string
	listener store.Listener
}

func (sub *subscription) Unsubscribe() {
	sub.s.subMu.Lock()
	delete(sub.s.subs, sub)
	sub.s.subMu.Unlock()
}

// Subscribe registers listener for events under rootPath matching mask.
// Delivery is synchronous and immediate: every mutation method above calls
// publish directly on the goroutine that made the change, matching the
// store.Listener contract's "must not block on further store I/O" rule.
func (s *Store) Subscribe(mask store.EventMask, rootPath string, listener store.Listener) (store.Subscription, error) {
	sub := &subscription{s: s, mask: mask, rootPath: rootPath, listener: listener}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

// SessionAlive reports the liveness flag toggled by SetAlive (true by
// default).
func (s *Store) SessionAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

func (s *Store) publish(ev store.Event) {
	s.subMu.Lock()
	var targets []*subscription
	for sub := range s.subs {
		if !sub.mask.Matches(ev.Type) {
			continue
		}
		if !strings.HasPrefix(ev.Path, sub.rootPath) && sub.rootPath != "/" {
			continue
		}
		targets = append(targets, sub)
	}
	s.subMu.Unlock()

	for _, sub := range targets {
		sub.listener.HandleEvents([]store.Event{ev})
	}
}

// Package redisstore is a Redis-backed store.Store implementation: nodes
// and properties are modeled as Redis hashes, child names as Redis sets
// (so child iteration order is whatever SMEMBERS returns),
// and repository change events as a single pub/sub channel every Store
// handle subscribes to and dispatches in-process.
package redisstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/classrepo/pkg/store"
)

// Config configures a Store's connection to Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key this Store touches, so one Redis
	// database can back more than one repository.
	Prefix string
}

// Store is a store.Store backed by a Redis instance.
type Store struct {
	rdb    redis.UniversalClient
	keys   *keyGenerator
	logger *zap.Logger

	mu    sync.Mutex
	subs  map[*subscription]struct{}
	subCh chan struct{} // closed once the dispatch goroutine has started
}

// New connects to Redis per cfg and starts the event dispatch loop. The
// returned Store owns rdb and will Close it along with itself.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("redisstore: logger is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: connect: %w", err)
	}

	return newWithClient(rdb, cfg.Prefix, logger), nil
}

// newWithClient builds a Store over an already-connected client, so tests
// can point it at a miniredis instance without going through New's dial
// logic.
func newWithClient(rdb redis.UniversalClient, prefix string, logger *zap.Logger) *Store {
	s := &Store{
		rdb:    rdb,
		keys:   newKeyGenerator(prefix),
		logger: logger,
		subs:   map[*subscription]struct{}{},
	}
	s.startDispatch()
	return s
}

func (s *Store) startDispatch() {
	pubsub := s.rdb.Subscribe(context.Background(), s.keys.channel())
	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			ev, err := decodeEvent(msg.Payload)
			if err != nil {
				s.logger.Warn("redisstore: dropping malformed event", zap.Error(err))
				continue
			}
			s.dispatch(ev)
		}
	}()
}

func (s *Store) dispatch(ev store.Event) {
	s.mu.Lock()
	var targets []*subscription
	for sub := range s.subs {
		if !sub.mask.Matches(ev.Type) {
			continue
		}
		if sub.rootPath != "/" && !strings.HasPrefix(ev.Path, sub.rootPath) {
			continue
		}
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.listener.HandleEvents([]store.Event{ev})
	}
}

func encodeEvent(ev store.Event) string {
	return strconv.Itoa(int(ev.Type)) + "\x00" + ev.Path
}

func decodeEvent(payload string) (store.Event, error) {
	idx := strings.IndexByte(payload, 0)
	if idx == -1 {
		return store.Event{}, fmt.Errorf("redisstore: malformed event payload")
	}
	n, err := strconv.Atoi(payload[:idx])
	if err != nil {
		return store.Event{}, fmt.Errorf("redisstore: malformed event type: %w", err)
	}
	return store.Event{Type: store.EventType(n), Path: payload[idx+1:]}, nil
}

func (s *Store) publish(ctx context.Context, ev store.Event) error {
	return s.rdb.Publish(ctx, s.keys.channel(), encodeEvent(ev)).Err()
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// PutNode ensures a node exists at path, creating intermediate nodes as
// needed, and publishes NodeAdded for each node actually created.
func (s *Store) PutNode(ctx context.Context, path string) error {
	created, err := s.ensureNode(ctx, path)
	if err != nil {
		return err
	}
	for _, p := range created {
		if err := s.publish(ctx, store.Event{Type: store.NodeAdded, Path: p}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureNode(ctx context.Context, path string) ([]string, error) {
	if isRoot(path) {
		return nil, nil
	}

	trimmed := strings.Trim(path, "/")
	var created []string
	built := ""
	for _, seg := range strings.Split(trimmed, "/") {
		parent := built
		if parent == "" {
			parent = "/"
		}
		built += "/" + seg
		exists, err := s.rdb.Exists(ctx, s.keys.nodeKey(built)).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: exists check: %w", err)
		}
		if exists == 0 {
			if err := s.rdb.HSet(ctx, s.keys.nodeKey(built), "exists", "1").Err(); err != nil {
				return nil, fmt.Errorf("redisstore: create node: %w", err)
			}
			if err := s.rdb.SAdd(ctx, s.keys.childrenKey(parent), seg).Err(); err != nil {
				return nil, fmt.Errorf("redisstore: register child: %w", err)
			}
			created = append(created, built)
		}
	}
	return created, nil
}

// PutProperty sets a property's bytes at path, creating parent nodes as
// needed, and publishes NodeAdded for each parent node actually created,
// then PropertyAdded or PropertyChanged as appropriate.
func (s *Store) PutProperty(ctx context.Context, path string, content []byte) error {
	parent, name := splitParent(path)
	created, err := s.ensureNode(ctx, parent)
	if err != nil {
		return err
	}
	for _, p := range created {
		if err := s.publish(ctx, store.Event{Type: store.NodeAdded, Path: p}); err != nil {
			return err
		}
	}

	propKey := s.keys.propertyKey(path)
	existed, err := s.rdb.Exists(ctx, propKey).Result()
	if err != nil {
		return fmt.Errorf("redisstore: exists check: %w", err)
	}

	now := time.Now().UnixMilli()
	if err := s.rdb.HSet(ctx, propKey, "bytes", content, "mod_ms", now).Err(); err != nil {
		return fmt.Errorf("redisstore: set property: %w", err)
	}
	if err := s.rdb.SAdd(ctx, s.keys.childrenKey(parent), name).Err(); err != nil {
		return fmt.Errorf("redisstore: register child: %w", err)
	}

	evType := store.PropertyAdded
	if existed == 1 {
		evType = store.PropertyChanged
	}
	return s.publish(ctx, store.Event{Type: evType, Path: path})
}

// RemoveProperty deletes the property at path, publishing PropertyRemoved
// if it existed.
func (s *Store) RemoveProperty(ctx context.Context, path string) error {
	parent, name := splitParent(path)
	propKey := s.keys.propertyKey(path)

	n, err := s.rdb.Del(ctx, propKey).Result()
	if err != nil {
		return fmt.Errorf("redisstore: delete property: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := s.rdb.SRem(ctx, s.keys.childrenKey(parent), name).Err(); err != nil {
		return fmt.Errorf("redisstore: unregister child: %w", err)
	}
	return s.publish(ctx, store.Event{Type: store.PropertyRemoved, Path: path})
}

// item adapts a fetched Redis hash to store.Item.
type item struct {
	path       string
	isProperty bool
	bytes      []byte
	modMs      int64
}

func (it item) Path() string     { return it.path }
func (it item) IsProperty() bool { return it.isProperty }

func (it item) PropertyStream(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(it.bytes)), nil
}

func (it item) PropertySize(ctx context.Context) (int64, error) {
	return int64(len(it.bytes)), nil
}

func (it item) PropertyLastModifiedMs(ctx context.Context) (int64, error) {
	return it.modMs, nil
}

// ReadPermission always grants access; access control is the embedder's
// concern, layered in front of this Store (spec §6, Non-goals).
func (s *Store) ReadPermission(ctx context.Context, path string) (bool, error) {
	return true, nil
}

// GetItem fetches the item at path, trying it first as a property then as
// a node.
func (s *Store) GetItem(ctx context.Context, path string) (store.Item, error) {
	if isRoot(path) {
		return s.Root(ctx)
	}

	propVals, err := s.rdb.HGetAll(ctx, s.keys.propertyKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get property: %w", err)
	}
	if len(propVals) > 0 {
		modMs, _ := strconv.ParseInt(propVals["mod_ms"], 10, 64)
		return item{path: path, isProperty: true, bytes: []byte(propVals["bytes"]), modMs: modMs}, nil
	}

	exists, err := s.rdb.Exists(ctx, s.keys.nodeKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get node: %w", err)
	}
	if exists == 0 {
		return nil, store.ErrNotFound
	}
	return item{path: path, isProperty: false}, nil
}

// Root returns the repository root node. The root always exists.
func (s *Store) Root(ctx context.Context) (store.Item, error) {
	return item{path: "/", isProperty: false}, nil
}

// Children enumerates parent's direct children whose name matches
// namePredicate.
func (s *Store) Children(ctx context.Context, parent store.Item, namePredicate func(string) bool) (store.ItemIterator, error) {
	names, err := s.rdb.SMembers(ctx, s.keys.childrenKey(parent.Path())).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list children: %w", err)
	}

	var matched []store.Item
	for _, name := range names {
		if !namePredicate(name) {
			continue
		}
		childPath := parent.Path()
		if childPath == "/" {
			childPath += name
		} else {
			childPath += "/" + name
		}
		child, err := s.GetItem(ctx, childPath)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		matched = append(matched, child)
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
	sub.s.mu.Lock()
	delete(sub.s.subs, sub)
	sub.s.mu.Unlock()
}

// Subscribe registers listener for events under rootPath matching mask.
// Dispatch happens on this Store's single pub/sub goroutine, so a slow
// listener delays every other subscriber on the same process.
func (s *Store) Subscribe(mask store.EventMask, rootPath string, listener store.Listener) (store.Subscription, error) {
	sub := &subscription{s: s, mask: mask, rootPath: rootPath, listener: listener}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

// SessionAlive reports whether the Redis connection responds to PING.
func (s *Store) SessionAlive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err() == nil
}

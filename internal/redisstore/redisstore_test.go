package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/classrepo/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := newWithClient(rdb, "test", zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutPropertyCreatesIntermediateNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutProperty(ctx, "/a/b/C.class", []byte("bytes")))

	it, err := s.GetItem(ctx, "/a/b/C.class")
	require.NoError(t, err)
	assert.True(t, it.IsProperty())

	size, err := it.PropertySize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	node, err := s.GetItem(ctx, "/a/b")
	require.NoError(t, err)
	assert.False(t, node.IsProperty())
}

func TestGetItemNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem(context.Background(), "/missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChildrenFiltersByPredicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutProperty(ctx, "/a/x.txt", []byte("x")))
	require.NoError(t, s.PutProperty(ctx, "/a/y.txt", []byte("y")))
	require.NoError(t, s.PutNode(ctx, "/a/z"))

	parent, err := s.GetItem(ctx, "/a")
	require.NoError(t, err)

	iter, err := s.Children(ctx, parent, func(name string) bool { return name == "x.txt" })
	require.NoError(t, err)

	var got []string
	for it, ok := iter.Next(); ok; it, ok = iter.Next() {
		got = append(got, it.Path())
	}
	assert.Equal(t, []string{"/a/x.txt"}, got)
}

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	received := make(chan store.Event, 8)
	_, err := s.Subscribe(store.MaskAll, "/", store.ListenerFunc(func(events []store.Event) {
		for _, ev := range events {
			received <- ev
		}
	}))
	require.NoError(t, err)

	require.NoError(t, s.PutProperty(ctx, "/a/b.txt", []byte("1")))
	require.NoError(t, s.PutProperty(ctx, "/a/b.txt", []byte("2")))
	require.NoError(t, s.RemoveProperty(ctx, "/a/b.txt"))

	var got []store.Event
	for i := 0; i < 4; i++ {
		select {
		case ev := <-received:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d, got %d so far", i, len(got))
		}
	}

	assert.Equal(t, store.NodeAdded, got[0].Type)
	assert.Equal(t, store.PropertyAdded, got[1].Type)
	assert.Equal(t, store.PropertyChanged, got[2].Type)
	assert.Equal(t, store.PropertyRemoved, got[3].Type)
}

func TestSessionAlive(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.SessionAlive())
}

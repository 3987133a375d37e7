package loader

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/classrepo/internal/memstore"
	"github.com/edgecomet/classrepo/internal/patternpath"
	"github.com/edgecomet/classrepo/pkg/classdefiner"
)

// fakeURLFactory builds a deterministic mem:// URL from a session-relative
// path, so tests can assert on resolved locations without a real embedder.
type fakeURLFactory struct{}

func (fakeURLFactory) MakeURL(session any, path string) (*url.URL, error) {
	return url.Parse("mem://" + strings.TrimPrefix(path, "/"))
}

// fakeClass is the Class a fakeDefiner returns.
type fakeClass struct{ name string }

func (c *fakeClass) Name() string { return c.name }

// fakeDefiner records every Define call and always succeeds, unless failNext
// is set.
type fakeDefiner struct {
	calls    int
	failNext bool
}

func (d *fakeDefiner) Define(ctx context.Context, name string, b []byte, codeSourceURL *url.URL, m *classdefiner.Manifest) (classdefiner.Class, error) {
	d.calls++
	if d.failNext {
		d.failNext = false
		return nil, assertErr
	}
	return &fakeClass{name: name}, nil
}

var assertErr = errDefineBoom{}

type errDefineBoom struct{}

func (errDefineBoom) Error() string { return "defining class failed" }

func newTestLoader(t *testing.T, st *memstore.Store, paths []string) (*Loader, *fakeDefiner) {
	t.Helper()
	def := &fakeDefiner{}
	pp := patternpath.New(st, paths)
	l, err := New(context.Background(), pp, Options{
		Store:      st,
		URLFactory: fakeURLFactory{},
		Definer:    def,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return l, def
}

func TestFindResource_HitAndCache(t *testing.T) {
	st := memstore.New()
	st.PutProperty("/lib/a/b/C.class", []byte("bytecode"))

	l, _ := newTestLoader(t, st, []string{"/lib/"})

	u, ok := l.FindResource(context.Background(), "a/b/C.class")
	require.True(t, ok)
	assert.Equal(t, "mem://lib/a/b/C.class", u.String())

	stats := l.Stats()
	assert.Equal(t, 0, stats.CacheHits)
	assert.Equal(t, 1, stats.CacheMisses)

	// Second lookup should come from cache.
	_, ok = l.FindResource(context.Background(), "a/b/C.class")
	require.True(t, ok)

	stats = l.Stats()
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, 1, stats.CacheMisses)
}

func TestFindResource_NotFoundIsCachedNegative(t *testing.T) {
	st := memstore.New()
	st.PutNode("/lib")

	l, _ := newTestLoader(t, st, []string{"/lib/"})

	_, ok := l.FindResource(context.Background(), "missing/Thing.class")
	assert.False(t, ok)

	stats := l.Stats()
	assert.Equal(t, 1, stats.CacheMisses)

	_, ok = l.FindResource(context.Background(), "missing/Thing.class")
	assert.False(t, ok)

	stats = l.Stats()
	assert.Equal(t, 1, stats.CacheMisses, "second lookup is a negative cache hit, not a fresh miss")
}

func TestFindClass_DefinesAndCachesOnResource(t *testing.T) {
	st := memstore.New()
	st.PutProperty("/lib/a/b/C.class", []byte("bytecode"))

	l, def := newTestLoader(t, st, []string{"/lib/"})

	class, err := l.FindClass(context.Background(), "a.b.C")
	require.NoError(t, err)
	assert.Equal(t, "a.b.C", class.Name())
	assert.Equal(t, 1, def.calls)

	// Second FindClass reuses the cached defined class; Define is not
	// called again.
	class2, err := l.FindClass(context.Background(), "a.b.C")
	require.NoError(t, err)
	assert.Same(t, class, class2)
	assert.Equal(t, 1, def.calls)
}

func TestFindClass_DefineFailureWraps(t *testing.T) {
	st := memstore.New()
	st.PutProperty("/lib/a/B.class", []byte("garbage"))

	l, def := newTestLoader(t, st, []string{"/lib/"})
	def.failNext = true

	_, err := l.FindClass(context.Background(), "a.B")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDefineFailed)
}

func TestFindClass_NotFound(t *testing.T) {
	st := memstore.New()
	st.PutNode("/lib")

	l, _ := newTestLoader(t, st, []string{"/lib/"})

	_, err := l.FindClass(context.Background(), "a.Missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindResources_PreservesSearchPathOrder(t *testing.T) {
	st := memstore.New()
	st.PutProperty("/first/shared.txt", []byte("one"))
	st.PutProperty("/second/shared.txt", []byte("two"))

	l, _ := newTestLoader(t, st, []string{"/first/", "/second/"})

	urls := l.FindResources(context.Background(), "shared.txt")
	require.Len(t, urls, 2)
	assert.Equal(t, "mem://first/shared.txt", urls[0].String())
	assert.Equal(t, "mem://second/shared.txt", urls[1].String())
}

func TestAddPath_ExtendsSearchPath(t *testing.T) {
	st := memstore.New()
	st.PutProperty("/extra/X.class", []byte("x"))

	l, _ := newTestLoader(t, st, nil)

	_, ok := l.FindResource(context.Background(), "X.class")
	assert.False(t, ok)

	require.NoError(t, l.AddPath(context.Background(), "/extra/"))

	u, ok := l.FindResource(context.Background(), "X.class")
	require.True(t, ok)
	assert.Equal(t, "mem://extra/X.class", u.String())
}

func TestDestroy_IsIdempotentAndClearsState(t *testing.T) {
	st := memstore.New()
	st.PutProperty("/lib/A.class", []byte("a"))

	l, _ := newTestLoader(t, st, []string{"/lib/"})

	_, ok := l.FindResource(context.Background(), "A.class")
	require.True(t, ok)

	l.Destroy()
	l.Destroy() // must not panic

	_, ok = l.FindResource(context.Background(), "A.class")
	assert.False(t, ok)

	stats := l.Stats()
	assert.Equal(t, 0, stats.PathEntries)
	assert.Equal(t, 0, stats.CacheHits+stats.CacheMisses)

	err := l.AddPath(context.Background(), "/lib/")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestBuildPathEntries_ReusesEntryAcrossRebuild(t *testing.T) {
	st := memstore.New()
	st.PutProperty("/classes/a/A.class", []byte("a"))

	l, _ := newTestLoader(t, st, []string{"/classes/"})

	_, ok := l.FindResource(context.Background(), "a/A.class")
	require.True(t, ok)

	// A second rebuild over an unchanged store must keep resolving the
	// same names: the prior PathEntry is reused by candidate path rather
	// than reconstructed from scratch.
	require.NoError(t, l.buildPathEntries(context.Background()))

	_, ok = l.FindResource(context.Background(), "a/A.class")
	assert.True(t, ok)
}

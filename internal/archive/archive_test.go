package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestProbe_ValidArchive(t *testing.T) {
	b := buildZip(t, map[string][]byte{"a/B.class": []byte("bytecode")})

	idx, err := Probe(ReaderAt(b), int64(len(b)))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a/B.class"}, idx.Names())
}

func TestProbe_EmptyArchiveIsNotAnArchive(t *testing.T) {
	b := buildZip(t, nil)

	_, err := Probe(ReaderAt(b), int64(len(b)))
	assert.ErrorIs(t, err, ErrNotArchive)
}

func TestProbe_GarbageIsNotAnArchive(t *testing.T) {
	b := []byte("not a zip file at all")

	_, err := Probe(ReaderAt(b), int64(len(b)))
	assert.ErrorIs(t, err, ErrNotArchive)
}

func TestIndex_LookupAndOpen(t *testing.T) {
	b := buildZip(t, map[string][]byte{"org/x/Y.class": []byte("member-bytes")})
	idx, err := Probe(ReaderAt(b), int64(len(b)))
	require.NoError(t, err)

	_, ok := idx.Lookup("missing")
	assert.False(t, ok)

	f, ok := idx.Lookup("org/x/Y.class")
	require.True(t, ok)
	assert.Equal(t, "org/x/Y.class", f.Name)

	rc, size, err := idx.Open("org/x/Y.class")
	require.NoError(t, err)
	defer rc.Close()
	assert.EqualValues(t, len("member-bytes"), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "member-bytes", string(got))
}

func TestIndex_OpenMissingMember(t *testing.T) {
	b := buildZip(t, map[string][]byte{"a.class": []byte("a")})
	idx, err := Probe(ReaderAt(b), int64(len(b)))
	require.NoError(t, err)

	_, _, err = idx.Open("missing.class")
	assert.Error(t, err)
}

func TestSpool_ReadsEveryMember(t *testing.T) {
	members := map[string][]byte{
		"a.class": []byte("aaa"),
		"b.class": []byte("bb"),
	}
	b := buildZip(t, members)
	idx, err := Probe(ReaderAt(b), int64(len(b)))
	require.NoError(t, err)

	spooled, err := Spool(idx)
	require.NoError(t, err)
	assert.Equal(t, members, spooled)
}

func TestIndex_CloneSharesReaderButNotMapState(t *testing.T) {
	b := buildZip(t, map[string][]byte{"a.class": []byte("a")})
	idx, err := Probe(ReaderAt(b), int64(len(b)))
	require.NoError(t, err)

	// Force idx to index itself, then clone — the clone must rebuild its
	// own member map independently rather than share idx's.
	idx.ensureIndexed()
	clone := idx.Clone()
	assert.Nil(t, clone.members)

	_, ok := clone.Lookup("a.class")
	assert.True(t, ok)
}

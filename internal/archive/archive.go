// Package archive parses the packed-bundle container format Archive and
// ExpandedArchive PathEntry variants resolve members from (spec §6): a
// magic-tagged header followed by length-prefixed members plus a central
// directory — the ZIP container. Probing a stream for this format is just
// attempting to read the central directory; on any failure the caller
// falls back to treating the path as a Directory (spec §4.3).
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
)

// ErrNotArchive is returned by Probe when the stream does not parse as the
// supported archive container.
var ErrNotArchive = errors.New("archive: stream is not a valid archive")

// Index is the lazily-built name→member index of an archive's central
// directory (spec §4.3, Archive entry operations).
type Index struct {
	reader  *zip.Reader
	members map[string]*zip.File
}

// Probe attempts to open r (size bytes long) as an archive. It registers
// klauspost/compress's deflate implementation as the decompressor so
// member reads use the faster decoder the rest of this codebase standardizes
// on for compressed payloads, rather than compress/flate directly.
//
// Probing reads only the central directory (at the end of the stream);
// it does not read member bytes.
func Probe(r io.ReaderAt, size int64) (*Index, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, ErrNotArchive
	}
	zr.RegisterDecompressor(zip.Deflate, newFlateReader)

	if len(zr.File) == 0 {
		// An empty archive is structurally valid but has no first
		// entry to peek at; treat it as "not an archive" so callers
		// fall back to a Directory entry, matching the spec's
		// "peek at it as an archive (look for the first archive
		// entry)" probing rule.
		return nil, ErrNotArchive
	}

	return &Index{reader: zr}, nil
}

func newFlateReader(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}

// ensureIndexed builds the name→member map on first use.
func (idx *Index) ensureIndexed() {
	if idx.members != nil {
		return
	}
	idx.members = make(map[string]*zip.File, len(idx.reader.File))
	for _, f := range idx.reader.File {
		idx.members[f.Name] = f
	}
}

// Lookup returns the member named name, or (nil, false).
func (idx *Index) Lookup(name string) (*zip.File, bool) {
	idx.ensureIndexed()
	f, ok := idx.members[name]
	return f, ok
}

// Open opens a member for reading. The caller must Close the reader.
func (idx *Index) Open(name string) (io.ReadCloser, int64, error) {
	f, ok := idx.Lookup(name)
	if !ok {
		return nil, 0, errors.New("archive: member not found: " + name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, 0, err
	}
	return rc, int64(f.UncompressedSize64), nil
}

// Names returns every member name, in central-directory order.
func (idx *Index) Names() []string {
	idx.ensureIndexed()
	names := make([]string, 0, len(idx.members))
	for _, f := range idx.reader.File {
		names = append(names, f.Name)
	}
	return names
}

// Clone returns an Index sharing the same underlying zip.Reader but with
// independent map state — used by PathEntry.Copy() to hand a new owning
// Loader its own index cache (spec §4.3: "copy() clones the index
// ownership for a new owning loader").
func (idx *Index) Clone() *Index {
	return &Index{reader: idx.reader}
}

// Spool reads every member's bytes eagerly into memory, for the
// ExpandedArchive variant (spec §4.3: "spools the archive's member bytes
// into an in-memory map name→bytes").
func Spool(idx *Index) (map[string][]byte, error) {
	idx.ensureIndexed()
	out := make(map[string][]byte, len(idx.members))
	for name, f := range idx.members {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		b, err := io.ReadAll(rc)
		closeErr := rc.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
		out[name] = b
	}
	return out, nil
}

// ReaderAt adapts a []byte to io.ReaderAt, for stores that hand back
// already-buffered property bytes rather than a seekable stream.
func ReaderAt(b []byte) io.ReaderAt {
	return bytes.NewReader(b)
}

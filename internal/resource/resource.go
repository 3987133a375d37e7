// Package resource implements the located-bytes-plus-metadata handle the
// loader returns from a successful look-up (spec §3, §4.4).
package resource

import (
	"context"
	"crypto/x509"
	"net/url"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/edgecomet/classrepo/pkg/classdefiner"
)

// Origin identifies where a Resource's bytes came from.
type Origin int

const (
	// OriginPropertyStream is a Resource backed directly by a store
	// property (Directory entries).
	OriginPropertyStream Origin = iota
	// OriginArchiveMember is a Resource backed by a member of an archive
	// whose bytes were read from the archive property when the entry was
	// built; member bytes are decompressed on demand (Archive entries).
	OriginArchiveMember
	// OriginExpandedArchiveCache is a Resource backed by bytes already
	// spooled into an in-memory map (ExpandedArchive entries).
	OriginExpandedArchiveCache
)

func (o Origin) String() string {
	switch o {
	case OriginPropertyStream:
		return "property_stream"
	case OriginArchiveMember:
		return "archive_member"
	case OriginExpandedArchiveCache:
		return "expanded_archive_cache"
	default:
		return "unknown"
	}
}

// Owner is the non-owning back-reference a Resource holds to the PathEntry
// that produced it. PathEntry implements this; resource never imports
// pathentry, which keeps the dependency edge one-directional per the
// design notes (spec §9).
type Owner interface {
	// EntryURL is the code-source identifier: the URL of the owning
	// entry itself (e.g. the archive's URL, not a member's URL).
	EntryURL(ctx context.Context) (*url.URL, error)
	// ResourceURL is the concrete location of a named resource within
	// the owning entry.
	ResourceURL(ctx context.Context, name string) (*url.URL, error)
	// Manifest returns sealing/signing metadata, or nil if the entry
	// kind does not carry one (Directory entries never do).
	Manifest() *classdefiner.Manifest
	// Certificates returns signing certificates, or nil.
	Certificates() []*x509.Certificate
}

// WitnessReader reads the current last-modification time (Unix ms) of a
// Resource's expiry witness property. ok is false if the witness could not
// be read, in which case the caller treats the witness time as "now"
// (spec §4.4), which makes the resource expire.
type WitnessReader func(ctx context.Context) (lastModMs int64, ok bool)

// BytesReader lazily produces a Resource's bytes.
type BytesReader func(ctx context.Context) ([]byte, error)

// Resource is an opaque handle to a located resource.
type Resource struct {
	mu sync.Mutex

	name        string
	origin      Origin
	owner       Owner
	loadTimeMs  int64
	size        int64
	witnessPath string
	witnessRead WitnessReader
	bytesRead   BytesReader

	expired      bool
	definedClass classdefiner.Class
	realized     bool

	bytesCached  []byte
	bytesLoaded  bool
	contentHash  uint64
	hashComputed bool
}

// New constructs a Resource. witnessPath may be empty if the resource has
// no expiry witness (e.g. a literal-pattern placeholder); witnessRead must
// be non-nil whenever witnessPath is non-empty.
func New(name string, origin Origin, owner Owner, loadTimeMs, size int64, witnessPath string, witnessRead WitnessReader, bytesRead BytesReader) *Resource {
	return &Resource{
		name:        name,
		origin:      origin,
		owner:       owner,
		loadTimeMs:  loadTimeMs,
		size:        size,
		witnessPath: witnessPath,
		witnessRead: witnessRead,
		bytesRead:   bytesRead,
	}
}

// Name returns the resource's search name (the relative name it was
// looked up by, e.g. "a/b/C.class").
func (r *Resource) Name() string { return r.name }

// Origin reports where the resource's bytes are sourced from.
func (r *Resource) Origin() Origin { return r.origin }

// Size returns the resource's byte length.
func (r *Resource) Size() int64 { return r.size }

// LoadTimeMs is the Unix-ms timestamp taken when this Resource was
// constructed.
func (r *Resource) LoadTimeMs() int64 { return r.loadTimeMs }

// WitnessPath returns the store path whose modification time decides
// expiry, or "" if this resource has none.
func (r *Resource) WitnessPath() string { return r.witnessPath }

// Bytes returns the resource's bytes, reading and caching them on first
// call.
func (r *Resource) Bytes(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bytesLoaded {
		return r.bytesCached, nil
	}
	b, err := r.bytesRead(ctx)
	if err != nil {
		return nil, err
	}
	r.bytesCached = b
	r.bytesLoaded = true
	return b, nil
}

// ContentHash returns an xxhash fingerprint of the resource's bytes,
// reading them if necessary. Useful for detecting byte-identical reloads
// across a reinstantiate() (spec expansion §7).
func (r *Resource) ContentHash(ctx context.Context) (uint64, error) {
	b, err := r.Bytes(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hashComputed {
		r.contentHash = xxhash.Sum64(b)
		r.hashComputed = true
	}
	return r.contentHash, nil
}

// CodeSourceURL returns the owning entry's URL (spec scenario 3: equal to
// the archive's URL, not a member's URL, for Archive/ExpandedArchive
// entries).
func (r *Resource) CodeSourceURL(ctx context.Context) (*url.URL, error) {
	return r.owner.EntryURL(ctx)
}

// URL returns this resource's own location.
func (r *Resource) URL(ctx context.Context) (*url.URL, error) {
	return r.owner.ResourceURL(ctx, r.name)
}

// Manifest returns sealing metadata from the owning entry, or nil.
func (r *Resource) Manifest() *classdefiner.Manifest { return r.owner.Manifest() }

// Certificates returns signing certificates from the owning entry, or nil.
func (r *Resource) Certificates() []*x509.Certificate { return r.owner.Certificates() }

// Expired evaluates the expiry predicate: let w be the witness property's
// last-modification time (or now, if it cannot be read); the resource is
// expired iff w > load_time_ms. Once true, it latches (spec §4.4,
// idempotent).
func (r *Resource) Expired(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expired {
		return true
	}
	if r.witnessRead == nil {
		return false
	}
	w, ok := r.witnessRead(ctx)
	if !ok {
		w = time.Now().UnixMilli()
	}
	if w > r.loadTimeMs {
		r.expired = true
	}
	return r.expired
}

// MarkExpired force-latches the expiry flag, used by the loader's
// event-driven ExpiryIndex when a matching store event arrives (spec
// §4.6) rather than waiting for an on-demand witness read.
func (r *Resource) MarkExpired() {
	r.mu.Lock()
	r.expired = true
	r.mu.Unlock()
}

// SetDefinedClass records that the Loader used this resource's bytes to
// define a class. Only realized resources contribute to the loader's dirty
// flag on expiry (spec §4.4 invariant).
func (r *Resource) SetDefinedClass(c classdefiner.Class) {
	r.mu.Lock()
	r.definedClass = c
	r.realized = true
	r.mu.Unlock()
}

// DefinedClass returns the class defined from this resource, if any.
func (r *Resource) DefinedClass() (classdefiner.Class, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.definedClass, r.realized
}

// IsRealized reports whether SetDefinedClass has been called.
func (r *Resource) IsRealized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.realized
}

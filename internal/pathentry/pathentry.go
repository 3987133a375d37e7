// Package pathentry implements the search-path element abstraction (spec
// §4.3): a single Directory, Archive, or ExpandedArchive entry that
// resolves a relative resource name to a Resource, or reports absent.
//
// PathEntry operations never propagate a store failure across the API
// boundary to the Loader: any retrieval failure, deleted item, or
// permission loss after construction is reported as "absent" (spec §4.3,
// §7). Only failures seen during construction (New) are logged; a failed
// Resource look-up is not.
package pathentry

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/classrepo/internal/archive"
	"github.com/edgecomet/classrepo/internal/resource"
	"github.com/edgecomet/classrepo/pkg/classdefiner"
	"github.com/edgecomet/classrepo/pkg/store"
	"github.com/edgecomet/classrepo/pkg/urlfactory"
)

// Kind identifies which PathEntry variant an entry resolved to.
type Kind int

const (
	Directory Kind = iota
	Archive
	ExpandedArchive
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case Archive:
		return "archive"
	case ExpandedArchive:
		return "expanded_archive"
	default:
		return "unknown"
	}
}

// backend is the small per-kind operation set PathEntry dispatches to — a
// tag-dispatched interface rather than a deep type hierarchy, per the
// design notes (spec §9).
type backend interface {
	resource(ctx context.Context, name string) (*resource.Resource, bool)
	copy() backend
	entryURL(ctx context.Context) (*url.URL, error)
	resourceURL(ctx context.Context, name string) (*url.URL, error)
	manifest() *classdefiner.Manifest
	certificates() []*x509.Certificate
}

// PathEntry is one element of a Loader's search path.
type PathEntry struct {
	path    string
	kind    Kind
	session any
	store   store.Store
	urls    urlfactory.Factory
	logger  *zap.Logger

	backend backend

	urlOnce  sync.Once
	urlCache *url.URL
	urlErr   error
}

// Options controls how a PathEntry is constructed for a candidate path.
type Options struct {
	Store          store.Store
	URLFactory     urlfactory.Factory
	Session        any
	AllowExpansion bool // runtime willing/able to expand archives in memory
	Logger         *zap.Logger
}

// New probes candidatePath and constructs the appropriate PathEntry
// variant, or reports absent (spec §4.3):
//
//  1. If the session cannot read candidatePath, absent.
//  2. If candidatePath ends in "/", a Directory entry.
//  3. Otherwise, try to read it as a property and probe it as an archive.
//     A successful probe with AllowExpansion yields ExpandedArchive;
//     without, Archive. Any probe failure falls back to a Directory entry
//     at candidatePath+"/".
func New(ctx context.Context, candidatePath string, opts Options) (*PathEntry, bool) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	allowed, err := opts.Store.ReadPermission(ctx, candidatePath)
	if err != nil {
		logger.Warn("path entry permission check failed, treating as absent",
			zap.String("path", candidatePath),
			zap.Error(fmt.Errorf("%w: %v", store.ErrStoreFailure, err)))
		return nil, false
	}
	if !allowed {
		logger.Debug("path entry read denied", zap.String("path", candidatePath), zap.Error(store.ErrDenied))
		return nil, false
	}

	pe := &PathEntry{
		path:    candidatePath,
		session: opts.Session,
		store:   opts.Store,
		urls:    opts.URLFactory,
		logger:  logger,
	}

	if strings.HasSuffix(candidatePath, "/") {
		pe.kind = Directory
		pe.backend = newDirectoryBackend(candidatePath, opts.Store, opts.URLFactory, opts.Session)
		return pe, true
	}

	item, err := opts.Store.GetItem(ctx, candidatePath)
	if err != nil || !item.IsProperty() {
		dirPath := candidatePath + "/"
		pe.path = dirPath
		pe.kind = Directory
		pe.backend = newDirectoryBackend(dirPath, opts.Store, opts.URLFactory, opts.Session)
		return pe, true
	}

	raw, probeErr := readAndProbe(ctx, item)
	if probeErr != nil {
		logger.Debug("path entry is not an archive, falling back to directory",
			zap.String("path", candidatePath), zap.Error(probeErr))
		dirPath := candidatePath + "/"
		pe.path = dirPath
		pe.kind = Directory
		pe.backend = newDirectoryBackend(dirPath, opts.Store, opts.URLFactory, opts.Session)
		return pe, true
	}

	idx, err := archive.Probe(archive.ReaderAt(raw), int64(len(raw)))
	if err != nil {
		dirPath := candidatePath + "/"
		pe.path = dirPath
		pe.kind = Directory
		pe.backend = newDirectoryBackend(dirPath, opts.Store, opts.URLFactory, opts.Session)
		return pe, true
	}

	if opts.AllowExpansion {
		members, err := archive.Spool(idx)
		if err != nil {
			logger.Warn("failed to expand archive, falling back to non-expanding archive entry",
				zap.String("path", candidatePath), zap.Error(err))
			pe.kind = Archive
			pe.backend = newArchiveBackend(candidatePath, opts.Store, opts.URLFactory, opts.Session, idx)
			return pe, true
		}
		pe.kind = ExpandedArchive
		pe.backend = newExpandedArchiveBackend(candidatePath, opts.Store, opts.URLFactory, opts.Session, idx, members)
		return pe, true
	}

	pe.kind = Archive
	pe.backend = newArchiveBackend(candidatePath, opts.Store, opts.URLFactory, opts.Session, idx)
	return pe, true
}

func readAndProbe(ctx context.Context, item store.Item) ([]byte, error) {
	rc, err := item.PropertyStream(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Path returns the store path this entry was built from (Directory paths
// always end in "/").
func (pe *PathEntry) Path() string { return pe.path }

// Kind reports which variant this entry resolved to. The variant is
// stable for the lifetime of the entry (spec §8 invariant).
func (pe *PathEntry) Kind() Kind { return pe.kind }

// Resource resolves name against this entry, or reports absent.
func (pe *PathEntry) Resource(ctx context.Context, name string) (*resource.Resource, bool) {
	r, ok := pe.backend.resource(ctx, name)
	if !ok {
		return nil, false
	}
	return r, true
}

// Copy produces an entry with independent mutable sub-state (archive
// indices) but shared identity of the referenced store path (spec §3).
func (pe *PathEntry) Copy() *PathEntry {
	return &PathEntry{
		path:    pe.path,
		kind:    pe.kind,
		session: pe.session,
		store:   pe.store,
		urls:    pe.urls,
		logger:  pe.logger,
		backend: pe.backend.copy(),
	}
}

// EntryURL returns (and caches) this entry's base URL.
func (pe *PathEntry) EntryURL(ctx context.Context) (*url.URL, error) {
	pe.urlOnce.Do(func() {
		pe.urlCache, pe.urlErr = pe.backend.entryURL(ctx)
	})
	return pe.urlCache, pe.urlErr
}

// ResourceURL implements resource.Owner.
func (pe *PathEntry) ResourceURL(ctx context.Context, name string) (*url.URL, error) {
	return pe.backend.resourceURL(ctx, name)
}

// Manifest implements resource.Owner.
func (pe *PathEntry) Manifest() *classdefiner.Manifest { return pe.backend.manifest() }

// Certificates implements resource.Owner.
func (pe *PathEntry) Certificates() []*x509.Certificate { return pe.backend.certificates() }

// --- Directory ---

type directoryBackend struct {
	path  string
	store store.Store
	urls  urlfactory.Factory
	sess  any
}

func newDirectoryBackend(path string, st store.Store, uf urlfactory.Factory, sess any) *directoryBackend {
	return &directoryBackend{path: path, store: st, urls: uf, sess: sess}
}

func (d *directoryBackend) resource(ctx context.Context, name string) (*resource.Resource, bool) {
	itemPath := d.path + name
	item, err := d.store.GetItem(ctx, itemPath)
	if err != nil || !item.IsProperty() {
		return nil, false
	}

	size, err := item.PropertySize(ctx)
	if err != nil {
		return nil, false
	}

	loadTime := time.Now().UnixMilli()
	witnessRead := func(ctx context.Context) (int64, bool) {
		fresh, err := d.store.GetItem(ctx, itemPath)
		if err != nil {
			return 0, false
		}
		ms, err := fresh.PropertyLastModifiedMs(ctx)
		if err != nil {
			return 0, false
		}
		return ms, true
	}
	bytesRead := func(ctx context.Context) ([]byte, error) {
		fresh, err := d.store.GetItem(ctx, itemPath)
		if err != nil {
			return nil, fmt.Errorf("pathentry: re-reading %s: %w", itemPath, err)
		}
		rc, err := fresh.PropertyStream(ctx)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	return resource.New(name, resource.OriginPropertyStream, d, loadTime, size, itemPath, witnessRead, bytesRead), true
}

func (d *directoryBackend) copy() backend { return d }

func (d *directoryBackend) entryURL(ctx context.Context) (*url.URL, error) {
	return d.urls.MakeURL(d.sess, d.path)
}

func (d *directoryBackend) resourceURL(ctx context.Context, name string) (*url.URL, error) {
	return d.urls.MakeURL(d.sess, d.path+name)
}

func (d *directoryBackend) manifest() *classdefiner.Manifest   { return nil }
func (d *directoryBackend) certificates() []*x509.Certificate { return nil }

// --- Archive ---

type archiveBackend struct {
	path  string
	store store.Store
	urls  urlfactory.Factory
	sess  any
	idx   *archive.Index
}

func newArchiveBackend(path string, st store.Store, uf urlfactory.Factory, sess any, idx *archive.Index) *archiveBackend {
	return &archiveBackend{path: path, store: st, urls: uf, sess: sess, idx: idx}
}

func (a *archiveBackend) resource(ctx context.Context, name string) (*resource.Resource, bool) {
	if _, ok := a.idx.Lookup(name); !ok {
		return nil, false
	}

	loadTime := time.Now().UnixMilli()
	witnessRead := func(ctx context.Context) (int64, bool) {
		item, err := a.store.GetItem(ctx, a.path)
		if err != nil {
			return 0, false
		}
		ms, err := item.PropertyLastModifiedMs(ctx)
		if err != nil {
			return 0, false
		}
		return ms, true
	}
	bytesRead := func(ctx context.Context) ([]byte, error) {
		rc, _, err := a.idx.Open(name)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	f, _ := a.idx.Lookup(name)
	size := int64(f.UncompressedSize64)

	return resource.New(name, resource.OriginArchiveMember, a, loadTime, size, a.path, witnessRead, bytesRead), true
}

func (a *archiveBackend) copy() backend {
	return &archiveBackend{path: a.path, store: a.store, urls: a.urls, sess: a.sess, idx: a.idx.Clone()}
}

func (a *archiveBackend) entryURL(ctx context.Context) (*url.URL, error) {
	return a.urls.MakeURL(a.sess, a.path)
}

func (a *archiveBackend) resourceURL(ctx context.Context, name string) (*url.URL, error) {
	// Members of an archive are not separately addressable in this
	// abstraction; the code source is the archive itself (spec
	// scenario 3).
	return a.entryURL(ctx)
}

func (a *archiveBackend) manifest() *classdefiner.Manifest {
	return readManifest(a.idx)
}

func (a *archiveBackend) certificates() []*x509.Certificate {
	// Signed-archive verification is explicitly out of scope (spec §1
	// Non-goals: signed/sealed-package policy enforcement).
	return nil
}

// --- ExpandedArchive ---

type expandedArchiveBackend struct {
	path    string
	store   store.Store
	urls    urlfactory.Factory
	sess    any
	idx     *archive.Index
	members map[string][]byte
}

func newExpandedArchiveBackend(path string, st store.Store, uf urlfactory.Factory, sess any, idx *archive.Index, members map[string][]byte) *expandedArchiveBackend {
	return &expandedArchiveBackend{path: path, store: st, urls: uf, sess: sess, idx: idx, members: members}
}

func (e *expandedArchiveBackend) resource(ctx context.Context, name string) (*resource.Resource, bool) {
	b, ok := e.members[name]
	if !ok {
		return nil, false
	}

	loadTime := time.Now().UnixMilli()
	witnessRead := func(ctx context.Context) (int64, bool) {
		item, err := e.store.GetItem(ctx, e.path)
		if err != nil {
			return 0, false
		}
		ms, err := item.PropertyLastModifiedMs(ctx)
		if err != nil {
			return 0, false
		}
		return ms, true
	}
	bytesRead := func(ctx context.Context) ([]byte, error) {
		return b, nil
	}

	return resource.New(name, resource.OriginExpandedArchiveCache, e, loadTime, int64(len(b)), e.path, witnessRead, bytesRead), true
}

func (e *expandedArchiveBackend) copy() backend { return e }

func (e *expandedArchiveBackend) entryURL(ctx context.Context) (*url.URL, error) {
	return e.urls.MakeURL(e.sess, e.path)
}

func (e *expandedArchiveBackend) resourceURL(ctx context.Context, name string) (*url.URL, error) {
	return e.entryURL(ctx)
}

func (e *expandedArchiveBackend) manifest() *classdefiner.Manifest {
	return readManifest(e.idx)
}

func (e *expandedArchiveBackend) certificates() []*x509.Certificate { return nil }

// readManifest extracts the small set of manifest attributes this loader
// cares about from META-INF/MANIFEST.MF, if present. Full manifest
// semantics (per-entry sealing sections, digests) are out of scope; sealing
// *policy* is the ClassDefiner's responsibility (spec §6).
func readManifest(idx *archive.Index) *classdefiner.Manifest {
	rc, _, err := idx.Open("META-INF/MANIFEST.MF")
	if err != nil {
		return nil
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}

	attrs := map[string]string{}
	for _, line := range strings.Split(string(bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))), "\n") {
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	m := &classdefiner.Manifest{Attributes: attrs}
	if strings.EqualFold(attrs["Sealed"], "true") {
		m.SealedPackages = []string{"*"}
	}
	return m
}

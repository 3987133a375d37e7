// Package classdefiner defines the host-runtime callback the loader invokes
// to turn resolved class bytes into a usable class object. The loader core
// never interprets bytecode itself; it only carries bytes and metadata to
// this boundary.
package classdefiner

import (
	"context"
	"net/url"
)

// Manifest carries the sealing/signing metadata a ClassDefiner may need to
// enforce package-sealing policy. The loader supplies it when the
// originating PathEntry is an archive that has one; sealing policy itself
// is the definer's responsibility (spec §6).
type Manifest struct {
	// SealedPackages lists package names the archive declares sealed.
	SealedPackages []string
	// Attributes holds the raw manifest key/value pairs, for definers
	// that need more than sealing.
	Attributes map[string]string
}

// Class is an opaque handle to a class object defined in the host runtime.
// The loader core never dereferences it; it only stores it on the Resource
// that produced it.
type Class interface {
	// Name is the fully-qualified class name, e.g. "a.b.C".
	Name() string
}

// ClassDefiner converts resolved class bytes into a defined class. A
// definition failure (malformed bytes, a sealing conflict) is reported as
// an error; the Loader surfaces it as ErrDefineFailed from FindClass with
// the underlying cause attached (spec §7).
type ClassDefiner interface {
	Define(ctx context.Context, name string, bytes []byte, codeSourceURL *url.URL, manifest *Manifest) (Class, error)
}

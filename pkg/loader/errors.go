package loader

import "errors"

// Error taxonomy (spec §7). store.ErrDenied and store.ErrStoreFailure
// (declared in pkg/store, at the permission-check and read points that
// detect them) never escape a look-up directly — they are logged and
// collapse to ErrNotFound/absent at this layer. AddPath is the one
// operation that does surface store.ErrDenied to its caller, since a
// denied path is a distinct, actionable outcome from the other look-up
// operations' uniform "absent" collapse.
var (
	// ErrNotFound is returned by FindClass when no Resource resolves the
	// requested name after a full search-path walk.
	ErrNotFound = errors.New("loader: not found")

	// ErrDefineFailed is returned by FindClass when a Resource was found
	// but the ClassDefiner rejected its bytes (malformed bytecode, a
	// sealing conflict). The underlying cause is wrapped with %w.
	ErrDefineFailed = errors.New("loader: class definition failed")

	// ErrDestroyed is returned by AddPath and Reinstantiate when invoked on
	// a destroyed Loader/DynamicLoader. Look-ups on a destroyed loader do
	// not return it: FindResource/FindResources report absent and
	// FindClass returns ErrNotFound (spec §4.6, §7).
	ErrDestroyed = errors.New("loader: destroyed")
)

package intercept

import (
	"errors"

	"github.com/azuliani/node-service/internal/pathtree"
)

// ErrReadOnly is returned by every mutating ReadOnly method.
var ErrReadOnly = errors.New("intercept: value is read-only")

// ReadOnly presents root for reads only (§4.C). Go's map/slice types are
// already reference types, so "wrapping nested containers lazily" has no
// work to do beyond what Get already provides; ReadOnly exists to give
// callers (SharedObject clients) a type that cannot be handed to
// Interceptor by mistake and that fails loudly if misused for writes.
type ReadOnly struct {
	root interface{}
}

func NewReadOnly(root interface{}) *ReadOnly {
	return &ReadOnly{root: root}
}

// Get reads the value at path. Primitives and already-immutable values
// pass through unwrapped.
func (r *ReadOnly) Get(path pathtree.Path) (interface{}, bool) {
	return get(r.root, path)
}

// Data returns the whole underlying value for reads.
func (r *ReadOnly) Data() interface{} { return r.root }

// Set always fails: ReadOnly forbids mutation.
func (r *ReadOnly) Set(pathtree.Path, interface{}) error { return ErrReadOnly }

// Delete always fails: ReadOnly forbids mutation.
func (r *ReadOnly) Delete(pathtree.Path) error { return ErrReadOnly }

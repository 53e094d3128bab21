// Package intercept provides the write-capture façade of spec.md §4.B/§4.C
// and the explicit builder API called for by §9's design note: Go has no
// transparent object proxies, so instead of wrapping every container on
// first read, mutations are made exclusively through Interceptor methods
// that emit the mutated path to a sink before applying the change.
//
// Reads stay ordinary Go: since the underlying value is built out of
// map[string]interface{} / []interface{}, any container obtained from
// Get is already a live, shared reference into root — no separate
// read-wrapper is needed to keep reads "transparent".
package intercept

import (
	"fmt"

	"github.com/azuliani/node-service/internal/pathtree"
)

// Sink receives the path of a mutation before it is applied. Sinks must
// not block; the interceptor is synchronous.
type Sink func(pathtree.Path)

// Interceptor wraps a root JSON-like value (map[string]interface{},
// []interface{}, or a scalar) and funnels every mutation through Sink.
type Interceptor struct {
	root interface{}
	sink Sink
}

// New wraps root. root must be a *plain object or array at the top level
// per spec.md §3 — callers that need the invariant enforced should check
// before calling New; the interceptor itself is agnostic to the root's
// container kind so it can also wrap subtrees.
func New(root interface{}, sink Sink) *Interceptor {
	return &Interceptor{root: root, sink: sink}
}

// Data returns the live underlying value for reads.
func (ic *Interceptor) Data() interface{} { return ic.root }

// Get navigates to path and returns the value there, transparently.
func (ic *Interceptor) Get(path pathtree.Path) (interface{}, bool) {
	return get(ic.root, path)
}

// Set assigns value at path: the container at path[:-1] must already
// exist and be an object (string segment) or array (index segment, which
// must be in range — use ArrayPush to extend). Emits path before
// mutating.
func (ic *Interceptor) Set(path pathtree.Path, value interface{}) error {
	if len(path) == 0 {
		ic.emit(path)
		ic.root = value
		return nil
	}
	parent, last, err := ic.navigateParent(path)
	if err != nil {
		return err
	}
	ic.emit(path)
	return assignInto(parent, last, value)
}

// Delete removes the key at path from its parent object. Deleting marks
// the key absent, distinct from setting it to nil/undefined.
func (ic *Interceptor) Delete(path pathtree.Path) error {
	if len(path) == 0 {
		return fmt.Errorf("intercept: cannot delete root")
	}
	parent, last, err := ic.navigateParent(path)
	if err != nil {
		return err
	}
	if !last.IsKey {
		return fmt.Errorf("intercept: Delete requires an object key, got array index %d", last.Index)
	}
	obj, ok := parent.(map[string]interface{})
	if !ok {
		return fmt.Errorf("intercept: Delete parent at %v is not an object", path[:len(path)-1])
	}
	ic.emit(path)
	delete(obj, last.Key)
	return nil
}

// ArrayPush appends values to the array at path. Emits path (the whole
// array is subject to replay, since array edits diff the full array per
// spec.md §4.E).
func (ic *Interceptor) ArrayPush(path pathtree.Path, values ...interface{}) error {
	arr, err := ic.navigateArray(path)
	if err != nil {
		return err
	}
	ic.emit(path)
	*arr = append(*arr, values...)
	return ic.writeBack(path, *arr)
}

// ArrayPop removes and returns the last element of the array at path.
func (ic *Interceptor) ArrayPop(path pathtree.Path) (interface{}, error) {
	arr, err := ic.navigateArray(path)
	if err != nil {
		return nil, err
	}
	if len(*arr) == 0 {
		return nil, nil
	}
	ic.emit(path)
	last := (*arr)[len(*arr)-1]
	*arr = (*arr)[:len(*arr)-1]
	return last, ic.writeBack(path, *arr)
}

// ArraySplice removes deleteCount elements starting at start and inserts
// items in their place, JS-Array.splice style.
func (ic *Interceptor) ArraySplice(path pathtree.Path, start, deleteCount int, items ...interface{}) error {
	arr, err := ic.navigateArray(path)
	if err != nil {
		return err
	}
	if start < 0 || start > len(*arr) {
		return fmt.Errorf("intercept: splice start %d out of range (len %d)", start, len(*arr))
	}
	end := start + deleteCount
	if end > len(*arr) {
		end = len(*arr)
	}
	ic.emit(path)
	tail := append([]interface{}{}, (*arr)[end:]...)
	next := append((*arr)[:start:start], items...)
	next = append(next, tail...)
	return ic.writeBack(path, next)
}

// ArrayIndexSet replaces the element at index idx of the array at path.
func (ic *Interceptor) ArrayIndexSet(path pathtree.Path, idx int, value interface{}) error {
	arr, err := ic.navigateArray(path)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(*arr) {
		return fmt.Errorf("intercept: index %d out of range (len %d)", idx, len(*arr))
	}
	ic.emit(path)
	(*arr)[idx] = value
	return nil
}

// Mutate runs fn with access to ic, for batching several writes under one
// cooperative turn. It is a thin convenience: each call fn makes still
// emits its own path individually, so batching is realized by whatever
// flush scheduler observes the sink (see sharedobject.Server).
func (ic *Interceptor) Mutate(fn func(*Interceptor)) {
	fn(ic)
}

func (ic *Interceptor) emit(path pathtree.Path) {
	if ic.sink != nil {
		ic.sink(path)
	}
}

func (ic *Interceptor) navigateParent(path pathtree.Path) (parent interface{}, last pathtree.Segment, err error) {
	parent, ok := get(ic.root, path[:len(path)-1])
	if !ok {
		return nil, pathtree.Segment{}, fmt.Errorf("intercept: path %v does not exist", path[:len(path)-1])
	}
	return parent, path[len(path)-1], nil
}

func (ic *Interceptor) navigateArray(path pathtree.Path) (*[]interface{}, error) {
	v, ok := get(ic.root, path)
	if !ok {
		return nil, fmt.Errorf("intercept: path %v does not exist", path)
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("intercept: value at %v is not an array", path)
	}
	return &arr, nil
}

// writeBack stores a (possibly reallocated) array slice back at path,
// since append may not mutate in place.
func (ic *Interceptor) writeBack(path pathtree.Path, arr []interface{}) error {
	if len(path) == 0 {
		ic.root = arr
		return nil
	}
	parent, last, err := ic.navigateParent(path)
	if err != nil {
		return err
	}
	return assignInto(parent, last, arr)
}

func assignInto(parent interface{}, seg pathtree.Segment, value interface{}) error {
	if seg.IsKey {
		obj, ok := parent.(map[string]interface{})
		if !ok {
			return fmt.Errorf("intercept: parent is not an object, cannot set key %q", seg.Key)
		}
		obj[seg.Key] = value
		return nil
	}
	arr, ok := parent.([]interface{})
	if !ok {
		return fmt.Errorf("intercept: parent is not an array, cannot set index %d", seg.Index)
	}
	if seg.Index < 0 || seg.Index >= len(arr) {
		return fmt.Errorf("intercept: index %d out of range (len %d)", seg.Index, len(arr))
	}
	arr[seg.Index] = value
	return nil
}

func get(root interface{}, path pathtree.Path) (interface{}, bool) {
	cur := root
	for _, seg := range path {
		if seg.IsKey {
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			cur, ok = obj[seg.Key]
			if !ok {
				return nil, false
			}
		} else {
			arr, ok := cur.([]interface{})
			if !ok || seg.Index < 0 || seg.Index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.Index]
		}
	}
	return cur, true
}

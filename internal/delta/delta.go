// Package delta implements component E: computing and applying the
// minimal structural edit scripts that carry SharedObject mutations over
// the wire.
package delta

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/azuliani/node-service/internal/pathtree"
)

// Op is the kind of a single Entry.
type Op string

const (
	OpReplace Op = "replace"
	OpDelete  Op = "delete"
	OpNested  Op = "nested"
)

// Entry is one edit in a Delta. Path is relative to whatever scope the
// Entry appears in: top-level entries are relative to the value Delta
// was computed against; entries inside a Nested entry are relative to
// that entry's own Path.
type Entry struct {
	Op      Op          `json:"op"`
	Path    pathtree.Path `json:"path"`
	Value   interface{} `json:"value,omitempty"`
	Entries Delta       `json:"entries,omitempty"`
}

// Delta is an ordered list of edits. apply(baseline, delta) == target;
// apply(apply(x, d1), d2) == apply(x, compose(d1, d2)) where compose is
// concatenation (see Compose).
type Delta []Entry

// IsEmpty reports whether the delta changes nothing.
func (d Delta) IsEmpty() bool { return len(d) == 0 }

// Compose concatenates deltas in application order.
func Compose(deltas ...Delta) Delta {
	var out Delta
	for _, d := range deltas {
		out = append(out, d...)
	}
	return out
}

// ComputeDelta produces a delta that, applied to oldVal, yields newVal.
func ComputeDelta(oldVal, newVal interface{}) Delta {
	if deepEqual(oldVal, newVal) {
		return nil
	}

	oldObj, oldIsObj := oldVal.(map[string]interface{})
	newObj, newIsObj := newVal.(map[string]interface{})
	if oldIsObj && newIsObj {
		return diffObjects(oldObj, newObj)
	}

	_, oldIsArr := oldVal.([]interface{})
	_, newIsArr := newVal.([]interface{})
	if oldIsArr && newIsArr {
		// Array edits diff the whole parent: tail-strict replacement.
		return Delta{{Op: OpReplace, Path: pathtree.Path{}, Value: newVal}}
	}

	return Delta{{Op: OpReplace, Path: pathtree.Path{}, Value: newVal}}
}

func diffObjects(oldObj, newObj map[string]interface{}) Delta {
	keys := unionKeys(oldObj, newObj)

	var changed []string
	for _, k := range keys {
		oldV, oldOk := oldObj[k]
		newV, newOk := newObj[k]
		if oldOk == newOk && (!oldOk || deepEqual(oldV, newV)) {
			continue
		}
		changed = append(changed, k)
	}
	if len(changed) == 0 {
		return nil
	}

	entries := make(Delta, 0, len(changed))
	for _, k := range changed {
		newV, newOk := newObj[k]
		if !newOk {
			entries = append(entries, Entry{Op: OpDelete, Path: pathtree.Path{pathtree.Key(k)}})
			continue
		}
		entries = append(entries, Entry{Op: OpReplace, Path: pathtree.Path{pathtree.Key(k)}, Value: newV})
	}
	return entries
}

func unionKeys(a, b map[string]interface{}) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var keys []string
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// WrapDeltaAtPath lifts a subtree delta computed for the value at path
// into a root-level delta via the Nested entry kind. An empty inner
// delta, or an empty path, is handled without introducing a pointless
// wrapper.
func WrapDeltaAtPath(path pathtree.Path, inner Delta) Delta {
	if inner.IsEmpty() {
		return nil
	}
	if len(path) == 0 {
		return inner
	}
	return Delta{{Op: OpNested, Path: append(pathtree.Path{}, path...), Entries: inner}}
}

// ComputeDeltaForPath implements the four rules (and fallback) of §4.E:
// it diffs only as much of snapshot/state as the path requires, instead
// of the whole tree.
func ComputeDeltaForPath(snapshot, state interface{}, path pathtree.Path) Delta {
	if len(path) == 0 {
		return ComputeDelta(snapshot, state)
	}

	oldVal, oldOk := getValue(snapshot, path)
	newVal, newOk := getValue(state, path)
	if oldOk && newOk && sameContainerKind(oldVal, newVal) {
		return WrapDeltaAtPath(path, ComputeDelta(oldVal, newVal))
	}

	parentPath := path[:len(path)-1]
	oldParent, oldParentOk := getValue(snapshot, parentPath)
	newParent, newParentOk := getValue(state, parentPath)
	if oldParentOk && newParentOk {
		if oldArr, isArr := oldParent.([]interface{}); isArr {
			if newArr, isArr2 := newParent.([]interface{}); isArr2 {
				return WrapDeltaAtPath(parentPath, ComputeDelta(oldArr, newArr))
			}
		}
		if oldObjParent, isObj := oldParent.(map[string]interface{}); isObj {
			if newObjParent, isObj2 := newParent.(map[string]interface{}); isObj2 {
				last := path[len(path)-1]
				if last.IsKey {
					oldWrap := map[string]interface{}{}
					if v, ok := oldObjParent[last.Key]; ok {
						oldWrap[last.Key] = v
					}
					newWrap := map[string]interface{}{}
					if v, ok := newObjParent[last.Key]; ok {
						newWrap[last.Key] = v
					}
					return WrapDeltaAtPath(parentPath, ComputeDelta(oldWrap, newWrap))
				}
			}
		}
	}

	return ComputeDelta(snapshot, state)
}

func sameContainerKind(a, b interface{}) bool {
	_, aObj := a.(map[string]interface{})
	_, bObj := b.(map[string]interface{})
	if aObj && bObj {
		return true
	}
	_, aArr := a.([]interface{})
	_, bArr := b.([]interface{})
	return aArr && bArr
}

// ApplyDelta mutates *root in place according to delta.
func ApplyDelta(root *interface{}, d Delta) error {
	return applyEntries(root, pathtree.Path{}, d)
}

func applyEntries(root *interface{}, base pathtree.Path, entries Delta) error {
	for _, e := range entries {
		abs := append(append(pathtree.Path{}, base...), e.Path...)
		switch e.Op {
		case OpReplace:
			if err := setAt(root, abs, e.Value); err != nil {
				return err
			}
		case OpDelete:
			if err := deleteAt(root, abs); err != nil {
				return err
			}
		case OpNested:
			if err := applyEntries(root, abs, e.Entries); err != nil {
				return err
			}
		default:
			return fmt.Errorf("delta: unknown op %q", e.Op)
		}
	}
	return nil
}

func setAt(root *interface{}, path pathtree.Path, value interface{}) error {
	if len(path) == 0 {
		*root = value
		return nil
	}
	parent, ok := getValue(*root, path[:len(path)-1])
	if !ok {
		return fmt.Errorf("delta: parent of %v does not exist", path)
	}
	last := path[len(path)-1]
	if last.IsKey {
		obj, ok := parent.(map[string]interface{})
		if !ok {
			return fmt.Errorf("delta: parent of %v is not an object", path)
		}
		obj[last.Key] = value
		return nil
	}
	arr, ok := parent.([]interface{})
	if !ok || last.Index < 0 || last.Index >= len(arr) {
		return fmt.Errorf("delta: index %d out of range at %v", last.Index, path)
	}
	arr[last.Index] = value
	return nil
}

func deleteAt(root *interface{}, path pathtree.Path) error {
	if len(path) == 0 {
		return fmt.Errorf("delta: cannot delete root")
	}
	parent, ok := getValue(*root, path[:len(path)-1])
	if !ok {
		return fmt.Errorf("delta: parent of %v does not exist", path)
	}
	last := path[len(path)-1]
	if !last.IsKey {
		return fmt.Errorf("delta: cannot delete array index at %v, replace the array instead", path)
	}
	obj, ok := parent.(map[string]interface{})
	if !ok {
		return fmt.Errorf("delta: parent of %v is not an object", path)
	}
	delete(obj, last.Key)
	return nil
}

// GetValue reads the value at path within root.
func GetValue(root interface{}, path pathtree.Path) (interface{}, bool) {
	return getValue(root, path)
}

// SetValue assigns value at path within *root, creating no intermediate
// containers — path's parent must already exist.
func SetValue(root *interface{}, path pathtree.Path, value interface{}) error {
	return setAt(root, path, value)
}

func getValue(root interface{}, path pathtree.Path) (interface{}, bool) {
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

func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// DeepClone returns an independent copy of v, assuming v is built only
// out of map[string]interface{}, []interface{}, and JSON scalars — the
// shape every SharedObject value must have per spec.md §9 (cyclic or
// shared references are not supported).
func DeepClone(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = DeepClone(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = DeepClone(val)
		}
		return out
	default:
		return vv
	}
}

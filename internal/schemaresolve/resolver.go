package schemaresolve

import (
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/azuliani/node-service/internal/pathtree"
)

// Kind classifies a resolved subtree for the delta engine (§4.D).
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindDate      Kind = "date"
	KindComplex   Kind = "complex"
)

// Resolved is the memoized result of walking the root schema to a path.
type Resolved struct {
	Kind      Kind
	Validator *jsonschema.Schema // nil only if the root schema itself never compiled a node for this path
	Schema    *jsonschema.Schema
}

// Validate runs the resolved validator, if any, against v. A nil
// Validator (root unlocatable) always accepts — there is nothing more
// specific to check than what full-state validation already covers.
func (r *Resolved) Validate(v interface{}) error {
	if r.Validator == nil {
		return nil
	}
	return r.Validator.Validate(v)
}

// Resolver memoizes Resolve by path.
type Resolver struct {
	root *jsonschema.Schema

	mu    sync.Mutex
	cache map[string]*Resolved
}

func NewResolver(root *jsonschema.Schema) *Resolver {
	return &Resolver{root: root, cache: make(map[string]*Resolved)}
}

// Resolve returns the cached or newly computed classification for path.
func (r *Resolver) Resolve(path pathtree.Path) *Resolved {
	key := cacheKey(path)

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	node := walk(r.root, path)
	resolved := classify(node, r.root)

	r.mu.Lock()
	r.cache[key] = resolved
	r.mu.Unlock()
	return resolved
}

func cacheKey(path pathtree.Path) string {
	var b strings.Builder
	for _, seg := range path {
		b.WriteByte('/')
		if seg.IsKey {
			b.WriteByte('k')
			b.WriteString(seg.Key)
		} else {
			b.WriteByte('i')
			b.WriteString(strconv.Itoa(seg.Index))
		}
	}
	return b.String()
}

// walk descends schema along path, returning nil the moment the location
// can no longer be statically determined (e.g. additionalProperties:true,
// a dynamic item union it can't commit to, or an out-of-schema branch).
func walk(schema *jsonschema.Schema, path pathtree.Path) *jsonschema.Schema {
	cur := schema
	for _, seg := range path {
		if cur == nil {
			return nil
		}
		cur = stepInto(cur, seg)
	}
	return cur
}

func stepInto(schema *jsonschema.Schema, seg pathtree.Segment) *jsonschema.Schema {
	schema = pickBranch(schema, seg)
	if schema == nil {
		return nil
	}

	if seg.IsKey {
		if schema.Properties != nil {
			if prop, ok := schema.Properties[seg.Key]; ok {
				return prop
			}
		}
		for pattern, prop := range schema.PatternProperties {
			if pattern.MatchString(seg.Key) {
				return prop
			}
		}
		if sub, ok := schema.AdditionalProperties.(*jsonschema.Schema); ok {
			return sub
		}
		// additionalProperties true/nil/false: can't commit to a concrete
		// subschema (true/nil means "anything", false means the key
		// shouldn't exist at all — either way there's no schema node to
		// return statically).
		return nil
	}

	// Array index.
	if len(schema.PrefixItems) > 0 {
		if seg.Index < len(schema.PrefixItems) {
			return schema.PrefixItems[seg.Index]
		}
		if sub, ok := schema.Items.(*jsonschema.Schema); ok {
			return sub
		}
		return nil
	}
	switch items := schema.Items.(type) {
	case *jsonschema.Schema:
		return items
	case []*jsonschema.Schema:
		if seg.Index < len(items) {
			return items[seg.Index]
		}
		if sub, ok := schema.AdditionalItems.(*jsonschema.Schema); ok {
			return sub
		}
		return nil
	}
	if schema.Items2020 != nil {
		return schema.Items2020
	}
	return nil
}

// pickBranch handles allOf/anyOf/oneOf best-effort: if schema has no
// direct properties/items of its own, try each branch in turn and use
// the first that looks like it describes an object or array (the caller
// is about to step into a key or index, so a scalar branch can't match).
func pickBranch(schema *jsonschema.Schema, seg pathtree.Segment) *jsonschema.Schema {
	if hasOwnShape(schema) {
		return schema
	}
	branches := append(append(append([]*jsonschema.Schema{}, schema.AllOf...), schema.AnyOf...), schema.OneOf...)
	for _, b := range branches {
		if b == nil {
			continue
		}
		if seg.IsKey && (b.Properties != nil || isAdditionalPropertiesSchema(b)) {
			return b
		}
		if !seg.IsKey && (b.Items != nil || b.Items2020 != nil || len(b.PrefixItems) > 0) {
			return b
		}
	}
	if len(branches) > 0 {
		return nil // couldn't commit to a branch
	}
	return schema
}

func isAdditionalPropertiesSchema(s *jsonschema.Schema) bool {
	_, ok := s.AdditionalProperties.(*jsonschema.Schema)
	return ok
}

func hasOwnShape(schema *jsonschema.Schema) bool {
	return schema.Properties != nil || schema.Items != nil || schema.Items2020 != nil || len(schema.PrefixItems) > 0
}

func classify(node, root *jsonschema.Schema) *Resolved {
	if node == nil {
		return &Resolved{Kind: KindComplex, Validator: root, Schema: root}
	}
	if isDateFormat(node.Format) {
		return &Resolved{Kind: KindDate, Validator: node, Schema: node}
	}
	if isContainer(node) {
		return &Resolved{Kind: KindComplex, Validator: node, Schema: node}
	}
	return &Resolved{Kind: KindPrimitive, Validator: node, Schema: node}
}

func isDateFormat(format string) bool {
	return format == "date" || format == "date-time"
}

func isContainer(s *jsonschema.Schema) bool {
	if hasOwnShape(s) {
		return true
	}
	for _, t := range s.Types {
		if t == "object" || t == "array" {
			return true
		}
	}
	if len(s.AllOf) > 0 || len(s.AnyOf) > 0 || len(s.OneOf) > 0 {
		// Ambiguous union at the leaf: treat conservatively as complex
		// rather than risk diffing a container as a scalar.
		return true
	}
	return false
}

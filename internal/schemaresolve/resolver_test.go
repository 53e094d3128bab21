package schemaresolve

import (
	"encoding/json"
	"testing"

	"github.com/azuliani/node-service/internal/pathtree"
)

const testSchema = `{
  "type": "object",
  "properties": {
    "value": {"type": "number"},
    "lastUpdated": {"type": "string", "format": "date-time"},
    "nested": {
      "type": "object",
      "properties": {
        "items": {"type": "array", "items": {"type": "number"}}
      }
    },
    "freeform": {"type": "object", "additionalProperties": true}
  }
}`

func resolverFor(t *testing.T, raw string) *Resolver {
	t.Helper()
	schema, err := Compile(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return NewResolver(schema)
}

func TestResolvePrimitive(t *testing.T) {
	r := resolverFor(t, testSchema)
	got := r.Resolve(pathtree.Path{pathtree.Key("value")})
	if got.Kind != KindPrimitive {
		t.Fatalf("expected primitive, got %v", got.Kind)
	}
}

func TestResolveDateFormat(t *testing.T) {
	r := resolverFor(t, testSchema)
	got := r.Resolve(pathtree.Path{pathtree.Key("lastUpdated")})
	if got.Kind != KindDate {
		t.Fatalf("expected date, got %v", got.Kind)
	}
}

func TestResolveNestedContainer(t *testing.T) {
	r := resolverFor(t, testSchema)
	got := r.Resolve(pathtree.Path{pathtree.Key("nested")})
	if got.Kind != KindComplex {
		t.Fatalf("expected complex, got %v", got.Kind)
	}
}

func TestResolveArrayElement(t *testing.T) {
	r := resolverFor(t, testSchema)
	got := r.Resolve(pathtree.Path{pathtree.Key("nested"), pathtree.Key("items"), pathtree.Index(0)})
	if got.Kind != KindPrimitive {
		t.Fatalf("expected primitive array element, got %v", got.Kind)
	}
}

func TestResolveUnlocatableFallsBackToComplex(t *testing.T) {
	r := resolverFor(t, testSchema)
	got := r.Resolve(pathtree.Path{pathtree.Key("freeform"), pathtree.Key("anything")})
	if got.Kind != KindComplex {
		t.Fatalf("expected complex fallback, got %v", got.Kind)
	}
	if got.Validator == nil {
		t.Fatal("expected a general fallback validator")
	}
}

func TestResolveIsMemoized(t *testing.T) {
	r := resolverFor(t, testSchema)
	path := pathtree.Path{pathtree.Key("value")}
	a := r.Resolve(path)
	b := r.Resolve(path)
	if a != b {
		t.Fatal("expected cached pointer to be reused")
	}
}

package delta

import (
	"testing"

	deep "github.com/go-test/deep"

	"github.com/azuliani/node-service/internal/pathtree"
)

func apply(t *testing.T, base interface{}, d Delta) interface{} {
	t.Helper()
	root := DeepClone(base)
	if err := ApplyDelta(&root, d); err != nil {
		t.Fatalf("apply: %v", err)
	}
	return root
}

func TestComputeDeltaRoundTrips(t *testing.T) {
	cases := []struct {
		name string
		old  interface{}
		new  interface{}
	}{
		{"scalar change", map[string]interface{}{"value": float64(0)}, map[string]interface{}{"value": float64(10)}},
		{"add key", map[string]interface{}{"a": float64(1)}, map[string]interface{}{"a": float64(1), "b": float64(2)}},
		{"delete key", map[string]interface{}{"a": float64(1), "b": float64(2)}, map[string]interface{}{"a": float64(1)}},
		{"array replace", map[string]interface{}{"xs": []interface{}{float64(1)}}, map[string]interface{}{"xs": []interface{}{float64(1), float64(2)}}},
		{"no change", map[string]interface{}{"a": float64(1)}, map[string]interface{}{"a": float64(1)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := ComputeDelta(tc.old, tc.new)
			if tc.name == "no change" {
				if !d.IsEmpty() {
					t.Fatalf("expected empty delta, got %v", d)
				}
				return
			}
			got := apply(t, tc.old, d)
			if diff := deep.Equal(got, tc.new); diff != nil {
				t.Fatalf("apply mismatch: %v", diff)
			}
		})
	}
}

func TestEmptyDeltaIffEqual(t *testing.T) {
	a := map[string]interface{}{"a": float64(1), "b": []interface{}{float64(1)}}
	b := map[string]interface{}{"a": float64(1), "b": []interface{}{float64(1)}}
	if d := ComputeDelta(a, b); !d.IsEmpty() {
		t.Fatalf("expected empty delta for equal values, got %v", d)
	}

	c := map[string]interface{}{"a": float64(2), "b": []interface{}{float64(1)}}
	if d := ComputeDelta(a, c); d.IsEmpty() {
		t.Fatal("expected non-empty delta for unequal values")
	}
}

func TestWrapDeltaAtPath(t *testing.T) {
	inner := Delta{{Op: OpReplace, Path: pathtree.Path{pathtree.Key("y")}, Value: float64(5)}}
	wrapped := WrapDeltaAtPath(pathtree.Path{pathtree.Key("x")}, inner)

	root := map[string]interface{}{"x": map[string]interface{}{"y": float64(1)}}
	var rootVal interface{} = root
	if err := ApplyDelta(&rootVal, wrapped); err != nil {
		t.Fatal(err)
	}
	got := rootVal.(map[string]interface{})["x"].(map[string]interface{})["y"]
	if got != float64(5) {
		t.Fatalf("expected y=5, got %v", got)
	}
}

func TestComputeDeltaForPathSingleProperty(t *testing.T) {
	snapshot := map[string]interface{}{"value": float64(0), "lastUpdated": "1970-01-01T00:00:00.000Z"}
	state := map[string]interface{}{"value": float64(10), "lastUpdated": "1970-01-01T00:00:00.000Z"}

	d := ComputeDeltaForPath(snapshot, state, pathtree.Path{pathtree.Key("value")})
	if d.IsEmpty() {
		t.Fatal("expected a non-empty delta")
	}
	got := apply(t, snapshot, d)
	if diff := deep.Equal(got, state); diff != nil {
		t.Fatalf("apply mismatch: %v", diff)
	}
}

func TestComputeDeltaForPathObjectReplacedByNull(t *testing.T) {
	snapshot := map[string]interface{}{"x": map[string]interface{}{"y": float64(1)}}
	state := map[string]interface{}{"x": nil}

	d := ComputeDeltaForPath(snapshot, state, pathtree.Path{pathtree.Key("x")})
	got := apply(t, snapshot, d)
	if diff := deep.Equal(got, state); diff != nil {
		t.Fatalf("apply mismatch: %v", diff)
	}
}

func TestComputeDeltaForPathEmptyPathDiffsRoots(t *testing.T) {
	snapshot := []interface{}{float64(1)}
	state := []interface{}{float64(1), float64(2)}

	d := ComputeDeltaForPath(snapshot, state, pathtree.Path{})
	got := apply(t, snapshot, d)
	if diff := deep.Equal(got, state); diff != nil {
		t.Fatalf("apply mismatch: %v", diff)
	}
}

func TestComposeMatchesSequentialApply(t *testing.T) {
	base := map[string]interface{}{"a": float64(1)}
	mid := map[string]interface{}{"a": float64(2)}
	final := map[string]interface{}{"a": float64(2), "b": float64(3)}

	d1 := ComputeDelta(base, mid)
	d2 := ComputeDelta(mid, final)

	sequential := apply(t, base, d1)
	if err := ApplyDelta(&sequential, d2); err != nil {
		t.Fatal(err)
	}

	composed := apply(t, base, Compose(d1, d2))

	if diff := deep.Equal(sequential, composed); diff != nil {
		t.Fatalf("compose mismatch: %v", diff)
	}
}

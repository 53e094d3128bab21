package pathtree

import "testing"

func pathsEqual(a, b []Path) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func TestEmptyTree(t *testing.T) {
	tr := New()
	if !tr.IsEmpty() {
		t.Fatal("new tree should be empty")
	}
	if got := tr.GetPaths(); len(got) != 0 {
		t.Fatalf("expected no paths, got %v", got)
	}
}

func TestSiblingPathsKeptDistinct(t *testing.T) {
	tr := New()
	tr.Add(Path{Key("a")})
	tr.Add(Path{Key("b")})

	got := tr.GetPaths()
	want := []Path{{Key("a")}, {Key("b")}}
	if !pathsEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestSubsumptionByAncestor(t *testing.T) {
	tr := New()
	tr.Add(Path{Key("x"), Key("y")})
	tr.Add(Path{Key("x")})

	got := tr.GetPaths()
	want := []Path{{Key("x")}}
	if !pathsEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestAddingUnderExistingTerminalIsNoop(t *testing.T) {
	tr := New()
	tr.Add(Path{Key("x")})
	tr.Add(Path{Key("x"), Key("y")})

	got := tr.GetPaths()
	want := []Path{{Key("x")}}
	if !pathsEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestEmptyPathSubsumesEverything(t *testing.T) {
	tr := New()
	tr.Add(Path{Key("a")})
	tr.Add(Path{})
	tr.Add(Path{Key("b")})

	got := tr.GetPaths()
	want := []Path{{}}
	if !pathsEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestBreadthFirstOrdering(t *testing.T) {
	tr := New()
	tr.Add(Path{Key("a"), Key("b"), Key("c")})
	tr.Add(Path{Key("z")})

	got := tr.GetPaths()
	want := []Path{{Key("z")}, {Key("a"), Key("b"), Key("c")}}
	if !pathsEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestClear(t *testing.T) {
	tr := New()
	tr.Add(Path{Key("a")})
	tr.Clear()
	if !tr.IsEmpty() {
		t.Fatal("expected empty after Clear")
	}
}

func TestNoPrefixPairsInvariant(t *testing.T) {
	tr := New()
	tr.Add(Path{Key("a"), Index(0)})
	tr.Add(Path{Key("a"), Index(1)})
	tr.Add(Path{Key("b")})

	got := tr.GetPaths()
	for i, p := range got {
		for j, q := range got {
			if i == j {
				continue
			}
			if isProperPrefix(p, q) {
				t.Fatalf("%v is a proper prefix of %v", p, q)
			}
		}
	}
}

func isProperPrefix(p, q Path) bool {
	if len(p) >= len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

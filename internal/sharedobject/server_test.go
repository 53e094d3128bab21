package sharedobject

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/azuliani/node-service/internal/delta"
	"github.com/azuliani/node-service/internal/intercept"
	"github.com/azuliani/node-service/internal/pathtree"
	"github.com/azuliani/node-service/internal/protocol"
	"github.com/azuliani/node-service/internal/schemaresolve"
)

const counterSchemaJSON = `{
	"type": "object",
	"properties": {
		"value": {"type": "number"},
		"lastUpdated": {"type": "string", "format": "date-time"},
		"a": {"type": "number"},
		"b": {"type": "number"},
		"x": {
			"type": ["object", "null"],
			"properties": {"y": {"type": "number"}}
		}
	}
}`

type recordedBroadcast struct {
	endpoint protocol.Name
	frame    protocol.UpdateFrame
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	got  []recordedBroadcast
	wake chan struct{}
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{wake: make(chan struct{}, 64)}
}

func (f *fakeBroadcaster) Broadcast(endpoint protocol.Name, frame interface{}) error {
	uf, ok := frame.(protocol.UpdateFrame)
	if !ok {
		return nil
	}
	f.mu.Lock()
	f.got = append(f.got, recordedBroadcast{endpoint: endpoint, frame: uf})
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeBroadcaster) waitForCount(t *testing.T, n int) []recordedBroadcast {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		got := len(f.got)
		f.mu.Unlock()
		if got >= n {
			f.mu.Lock()
			out := append([]recordedBroadcast{}, f.got...)
			f.mu.Unlock()
			return out
		}
		select {
		case <-f.wake:
		case <-deadline:
			t.Fatalf("timed out waiting for %d broadcasts, got %d", n, got)
		}
	}
}

func newCounterServer(t *testing.T) (*Server, *fakeBroadcaster) {
	t.Helper()
	schema, err := schemaresolve.Compile(json.RawMessage(counterSchemaJSON))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	bc := newFakeBroadcaster()
	initial := map[string]interface{}{"value": float64(0), "lastUpdated": "1970-01-01T00:00:00.000Z"}
	srv, err := NewServer("counter", schema, initial, bc, true, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, bc
}

func TestNotifyHintSingleProperty(t *testing.T) {
	srv, bc := newCounterServer(t)
	srv.autoNotify = false // exercise the explicit path deterministically

	if err := srv.Data().Set(pathtree.Path{pathtree.Key("value")}, float64(10)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := srv.NotifyHint(pathtree.Path{pathtree.Key("value")}); err != nil {
		t.Fatalf("NotifyHint: %v", err)
	}

	got := bc.waitForCount(t, 1)
	if got[0].frame.V != 1 {
		t.Fatalf("expected v=1, got %d", got[0].frame.V)
	}
	var d delta.Delta
	if err := json.Unmarshal(got[0].frame.Delta, &d); err != nil {
		t.Fatal(err)
	}
	if len(d) != 1 || d[0].Op != delta.OpReplace {
		t.Fatalf("expected single replace entry, got %v", d)
	}
}

func TestAutoNotifyBatchesSiblingWrites(t *testing.T) {
	srv, bc := newCounterServer(t)

	data := srv.Data()
	if err := data.Set(pathtree.Path{pathtree.Key("a")}, float64(1)); err != nil {
		t.Fatal(err)
	}
	if err := data.Set(pathtree.Path{pathtree.Key("b")}, float64(2)); err != nil {
		t.Fatal(err)
	}
	if err := data.Set(pathtree.Path{pathtree.Key("a")}, float64(3)); err != nil {
		t.Fatal(err)
	}

	got := bc.waitForCount(t, 1)
	if got[0].frame.V != 1 {
		t.Fatalf("expected exactly one broadcast at v=1, got %d broadcasts", len(got))
	}

	var d delta.Delta
	if err := json.Unmarshal(got[0].frame.Delta, &d); err != nil {
		t.Fatal(err)
	}
	vals := map[string]interface{}{}
	for _, e := range d {
		if e.Op == delta.OpReplace && len(e.Path) == 1 {
			vals[e.Path[0].Key] = e.Value
		}
	}
	if vals["a"] != float64(3) || vals["b"] != float64(2) {
		t.Fatalf("expected a=3 b=2, got %v", vals)
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(bc.got); got != 1 {
		t.Fatalf("expected no further broadcasts, got %d", got)
	}
}

// TestMutateIsAtomicAgainstFlush pins down the same guarantee as
// TestAutoNotifyBatchesSiblingWrites, but through Mutate instead of bare
// Data().Set() calls: the server lock stays held for fn's whole duration,
// so the flush dispatcher cannot run between two of fn's writes no matter
// how the scheduler interleaves the two goroutines.
func TestMutateIsAtomicAgainstFlush(t *testing.T) {
	srv, bc := newCounterServer(t)

	srv.Mutate(func(ic *intercept.Interceptor) {
		if err := ic.Set(pathtree.Path{pathtree.Key("a")}, float64(1)); err != nil {
			t.Fatal(err)
		}
		if err := ic.Set(pathtree.Path{pathtree.Key("b")}, float64(2)); err != nil {
			t.Fatal(err)
		}
		if err := ic.Set(pathtree.Path{pathtree.Key("a")}, float64(3)); err != nil {
			t.Fatal(err)
		}
	})

	got := bc.waitForCount(t, 1)
	if got[0].frame.V != 1 {
		t.Fatalf("expected exactly one broadcast at v=1, got %d broadcasts", len(got))
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(bc.got); got != 1 {
		t.Fatalf("expected no further broadcasts, got %d", got)
	}
}

func TestAutoNotifyPathSubsumption(t *testing.T) {
	srv, bc := newCounterServer(t)

	data := srv.Data()
	if err := data.Set(pathtree.Path{pathtree.Key("x")}, map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}
	bc.waitForCount(t, 1) // the object-creation write flushes on its own turn

	if err := data.Set(pathtree.Path{pathtree.Key("x"), pathtree.Key("y")}, float64(1)); err != nil {
		t.Fatal(err)
	}
	if err := data.Set(pathtree.Path{pathtree.Key("x")}, nil); err != nil {
		t.Fatal(err)
	}

	got := bc.waitForCount(t, 2)
	var d delta.Delta
	if err := json.Unmarshal(got[1].frame.Delta, &d); err != nil {
		t.Fatal(err)
	}
	if len(d) != 1 || d[0].Op != delta.OpReplace || d[0].Value != nil {
		t.Fatalf("expected single replace-at [x] with nil, got %v", d)
	}
}

func TestNotifyHintDateLeafAcceptsTimestamp(t *testing.T) {
	srv, bc := newCounterServer(t)
	srv.autoNotify = false

	if err := srv.Data().Set(pathtree.Path{pathtree.Key("lastUpdated")}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	if err := srv.NotifyHint(pathtree.Path{pathtree.Key("lastUpdated")}); err != nil {
		t.Fatalf("NotifyHint: %v", err)
	}
	bc.waitForCount(t, 1)
}

func TestNotifyReturnsWithoutBroadcastWhenDeltaEmpty(t *testing.T) {
	srv, bc := newCounterServer(t)
	srv.autoNotify = false

	if err := srv.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(bc.got); got != 0 {
		t.Fatalf("expected no broadcast for an empty delta, got %d", got)
	}
	if v := srv.Version(); v != 0 {
		t.Fatalf("expected v to stay 0, got %d", v)
	}
}

func TestInitReturnsCurrentStateAndVersion(t *testing.T) {
	srv, _ := newCounterServer(t)
	srv.autoNotify = false

	if err := srv.Data().Set(pathtree.Path{pathtree.Key("value")}, float64(100)); err != nil {
		t.Fatal(err)
	}
	if err := srv.NotifyHint(pathtree.Path{pathtree.Key("value")}); err != nil {
		t.Fatal(err)
	}

	raw, v, err := srv.Init()
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("expected v=1, got %d", v)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatal(err)
	}
	if data["value"] != float64(100) {
		t.Fatalf("expected value=100 in init payload, got %v", data["value"])
	}
}

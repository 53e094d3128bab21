package sharedobject

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/azuliani/node-service/internal/dateformat"
	"github.com/azuliani/node-service/internal/delta"
	"github.com/azuliani/node-service/internal/pathtree"
	"github.com/azuliani/node-service/internal/protocol"
	"github.com/azuliani/node-service/internal/schemaresolve"
)

func pathPath(key string) pathtree.Path { return pathtree.Path{pathtree.Key(key)} }

type fakeMux struct {
	mu       sync.Mutex
	subCount int
	unsubs   int
}

func (m *fakeMux) Sub(protocol.Name) error {
	m.mu.Lock()
	m.subCount++
	m.mu.Unlock()
	return nil
}

func (m *fakeMux) Unsub(protocol.Name) error {
	m.mu.Lock()
	m.unsubs++
	m.mu.Unlock()
	return nil
}

func (m *fakeMux) subs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subCount
}

func newCounterClient(t *testing.T, events Events) (*Client, *fakeMux) {
	t.Helper()
	schema, err := schemaresolve.Compile(json.RawMessage(counterSchemaJSON))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	mux := &fakeMux{}
	c := NewClient("counter", schema, mux, 100*time.Millisecond, events, nil, nil)
	t.Cleanup(c.Close)
	return c, mux
}

func TestSubscribeBlocksUntilInit(t *testing.T) {
	c, mux := newCounterClient(t, Events{})

	done := make(chan struct{})
	var v uint64
	var data interface{}
	go func() {
		v, data, _ = c.Subscribe()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if mux.subs() != 1 {
		t.Fatalf("expected exactly one sub frame sent, got %d", mux.subs())
	}

	payload, _ := json.Marshal(map[string]interface{}{"value": float64(0), "lastUpdated": "1970-01-01T00:00:00.000Z"})
	c.HandleInit(payload, 100)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe never returned")
	}
	if v != 100 {
		t.Fatalf("expected v=100, got %d", v)
	}
	if data.(map[string]interface{})["value"] != float64(0) {
		t.Fatalf("unexpected init data: %v", data)
	}
	if !c.Ready() {
		t.Fatal("expected client to be ready after init")
	}
}

func TestLateSubscriberFirstFrameIsInit(t *testing.T) {
	c, _ := newCounterClient(t, Events{})

	go c.Subscribe()
	time.Sleep(10 * time.Millisecond)

	// An update before init must be dropped, not applied.
	d := delta.Delta{{Op: delta.OpReplace, Value: map[string]interface{}{"value": float64(1)}}}
	raw, _ := json.Marshal(d)
	c.HandleUpdate(raw, 101, dateformat.Format(time.Now()))
	if c.Ready() {
		t.Fatal("client should not be ready before an init frame")
	}

	payload, _ := json.Marshal(map[string]interface{}{"value": float64(0), "lastUpdated": "1970-01-01T00:00:00.000Z"})
	c.HandleInit(payload, 100)
	if v := c.Version(); v != 100 {
		t.Fatalf("expected v_local=100 from init, got %d", v)
	}
}

func TestVersionGapTriggersDivergenceAndResubscribe(t *testing.T) {
	var disconnected int
	c, mux := newCounterClient(t, Events{OnDisconnected: func() { disconnected++ }})

	payload, _ := json.Marshal(map[string]interface{}{"value": float64(0), "lastUpdated": "1970-01-01T00:00:00.000Z"})
	c.HandleInit(payload, 5)
	baseSubs := mux.subs()

	d := delta.Delta{{Op: delta.OpReplace, Path: nil, Value: map[string]interface{}{"value": float64(1), "lastUpdated": "1970-01-01T00:00:00.000Z"}}}
	raw, _ := json.Marshal(d)
	c.HandleUpdate(raw, 8, dateformat.Format(time.Now())) // expected 6, got 8: a gap

	time.Sleep(20 * time.Millisecond)
	if c.Ready() {
		t.Fatal("client should have reset to not-ready on version gap")
	}
	if disconnected != 1 {
		t.Fatalf("expected exactly one disconnected event, got %d", disconnected)
	}
	if mux.subs() <= baseSubs {
		t.Fatal("expected a re-subscribe sub frame after divergence")
	}

	freshPayload, _ := json.Marshal(map[string]interface{}{"value": float64(1), "lastUpdated": "1970-01-01T00:00:00.000Z"})
	c.HandleInit(freshPayload, 9)
	if v := c.Version(); v != 9 {
		t.Fatalf("expected fresh init to land at v=9, got %d", v)
	}
}

func TestDateLeafRoundTripsThroughUpdate(t *testing.T) {
	c, _ := newCounterClient(t, Events{})
	payload, _ := json.Marshal(map[string]interface{}{"value": float64(0), "lastUpdated": "1970-01-01T00:00:00.000Z"})
	c.HandleInit(payload, 1)

	d := delta.Delta{{Op: delta.OpReplace, Path: pathPath("lastUpdated"), Value: "2026-01-01T00:00:00Z"}}
	raw, _ := json.Marshal(d)
	c.HandleUpdate(raw, 2, dateformat.Format(time.Now()))

	view, err := c.Data()
	if err != nil {
		t.Fatal(err)
	}
	got, _ := view.Get(pathPath("lastUpdated"))
	if _, ok := got.(time.Time); !ok {
		t.Fatalf("expected lastUpdated to parse back to time.Time, got %T", got)
	}
}

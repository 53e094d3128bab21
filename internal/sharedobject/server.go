// Package sharedobject implements components F and G: the SharedObject
// server that owns a replicated value and the client that keeps a local
// mirror of it in sync.
package sharedobject

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/azuliani/node-service/internal/dateformat"
	"github.com/azuliani/node-service/internal/delta"
	"github.com/azuliani/node-service/internal/intercept"
	"github.com/azuliani/node-service/internal/metrics"
	"github.com/azuliani/node-service/internal/pathtree"
	"github.com/azuliani/node-service/internal/protocol"
	"github.com/azuliani/node-service/internal/schemaresolve"
)

// Broadcaster is the multiplexer-side collaborator a Server publishes
// update frames through. Satisfied structurally by multiplex.Server —
// this package never imports multiplex.
type Broadcaster interface {
	Broadcast(endpoint protocol.Name, frame interface{}) error
}

// Server owns one SharedObject endpoint's authoritative value (§4.F). Its
// state, snapshot, v, and pending tree are touched only by its own
// methods and its write interceptor's sink, per §5's shared-resource
// policy.
type Server struct {
	endpoint   protocol.Name
	schema     *jsonschema.Schema
	resolver   *schemaresolve.Resolver
	bc         Broadcaster
	logger     *log.Logger
	autoNotify bool
	metrics    *metrics.Metrics

	mu                 sync.Mutex
	state              interface{}
	snapshot           interface{}
	version            uint64
	pending            *pathtree.Tree
	flushScheduled     bool
	batching           bool
	warnedManualNotify bool

	ic *intercept.Interceptor

	flushSignal chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewServer validates initial against schema before constructing the
// Server, so no subscriber can ever observe an invalid initial value.
// snapshot starts as deepClone(initial), v=0. m is optional; a nil
// *metrics.Metrics disables instrumentation the same way
// natsbridge.NewBridge treats a nil m.
func NewServer(endpoint protocol.Name, schema *jsonschema.Schema, initial interface{}, bc Broadcaster, autoNotify bool, logger *log.Logger, m *metrics.Metrics) (*Server, error) {
	if err := schema.Validate(initial); err != nil {
		return nil, protocol.NewError(protocol.CodeValidationFailed, endpoint, "initial value: %v", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		endpoint:    endpoint,
		schema:      schema,
		resolver:    schemaresolve.NewResolver(schema),
		bc:          bc,
		logger:      logger,
		autoNotify:  autoNotify,
		metrics:     m,
		state:       initial,
		snapshot:    delta.DeepClone(initial),
		pending:     pathtree.New(),
		flushSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	s.ic = intercept.New(s.state, s.onWrite)

	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// Close stops the auto-notify dispatcher goroutine. Any flush already
// signaled runs to completion first.
func (s *Server) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Server) onWrite(path pathtree.Path) {
	if !s.autoNotify {
		return
	}
	if s.batching {
		// Mutate already holds s.mu for the whole write group; recording
		// the path here just extends that single critical section.
		s.pending.Add(path)
		return
	}
	s.mu.Lock()
	s.pending.Add(path)
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// Mutate runs fn against the write-capture façade while holding the
// server's lock for fn's entire duration, instead of per call as a bare
// Data().Set() sequence would. The flush dispatcher goroutine needs s.mu
// to run flush(), so it cannot observe the batch half-written and emit a
// broadcast for only some of fn's writes.
func (s *Server) Mutate(fn func(*intercept.Interceptor)) {
	s.mu.Lock()
	s.batching = true
	fn(s.ic)
	s.batching = false
	if s.autoNotify {
		s.scheduleFlushLocked()
	}
	s.mu.Unlock()
}

// scheduleFlushLocked is the "single dispatcher task with a boolean
// flush-scheduled flag" §9 calls for on a multi-threaded runtime: the
// channel send is non-blocking because at most one flush needs to be
// outstanding at a time.
func (s *Server) scheduleFlushLocked() {
	if s.flushScheduled {
		return
	}
	s.flushScheduled = true
	select {
	case s.flushSignal <- struct{}{}:
	default:
	}
}

func (s *Server) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.flushSignal:
			if err := s.flush(); err != nil {
				s.logger.Printf("sharedobject %s: auto-notify flush: %v", s.endpoint, err)
			}
		case <-s.done:
			select {
			case <-s.flushSignal:
				if err := s.flush(); err != nil {
					s.logger.Printf("sharedobject %s: auto-notify flush: %v", s.endpoint, err)
				}
			default:
			}
			return
		}
	}
}

// Data returns the write-interceptor façade over state (§6 "data").
func (s *Server) Data() *intercept.Interceptor { return s.ic }

// RawData bypasses the write interceptor entirely (§6 "rawData");
// mutations made through it are invisible to auto-notify and require an
// explicit Notify/NotifyHint call.
func (s *Server) RawData() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the current v.
func (s *Server) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Notify is the explicit publish contract with no hint: the entire state
// is validated and diffed against the snapshot.
func (s *Server) Notify() error { return s.notify(nil) }

// NotifyHint restricts validation and diffing to the subtree at hint.
func (s *Server) NotifyHint(hint pathtree.Path) error { return s.notify(hint) }

func (s *Server) notify(hint pathtree.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.autoNotify && !s.warnedManualNotify {
		s.warnedManualNotify = true
		s.logger.Printf("sharedobject %s: notify called explicitly while autoNotify is enabled", s.endpoint)
	}

	var d delta.Delta
	if len(hint) > 0 {
		resolved := s.resolver.Resolve(hint)
		subtree, _ := delta.GetValue(s.state, hint)
		if err := validateSubtree(resolved, subtree); err != nil {
			return protocol.NewError(protocol.CodeValidationFailed, s.endpoint, "%v", err)
		}
		d = delta.ComputeDeltaForPath(s.snapshot, s.state, hint)
	} else {
		if err := s.schema.Validate(validationView(s.state)); err != nil {
			return protocol.NewError(protocol.CodeValidationFailed, s.endpoint, "%v", err)
		}
		d = delta.ComputeDelta(s.snapshot, s.state)
	}

	return s.publishLocked(d)
}

// validationView deep-clones v, rewriting any native time.Time leaf to
// its wire date-time string first. schema.Validate otherwise rejects a
// time.Time against a format:date-time leaf, even though validateDateLeaf
// accepts one directly for the hinted path. This keeps the no-hint
// Notify/flush path agreeing with NotifyHint on what counts as valid.
func validationView(v interface{}) interface{} {
	switch vv := v.(type) {
	case time.Time:
		return dateformat.Format(vv)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = validationView(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = validationView(val)
		}
		return out
	default:
		return vv
	}
}

func validateSubtree(resolved *schemaresolve.Resolved, v interface{}) error {
	if resolved.Kind == schemaresolve.KindDate {
		return validateDateLeaf(v)
	}
	return resolved.Validate(v)
}

// validateDateLeaf accepts either a native time.Time (the value a server
// assigns in Go code) or a parseable date-time string, per the scenario
// in §8(6): "validation accepts the timestamp without requiring prior
// string coercion."
func validateDateLeaf(v interface{}) error {
	switch vv := v.(type) {
	case time.Time, nil:
		return nil
	case string:
		if _, err := dateformat.Parse(vv); err != nil {
			return fmt.Errorf("value %q is not a valid date-time: %w", vv, err)
		}
		return nil
	default:
		return fmt.Errorf("value of type %T is not a valid date-time", v)
	}
}

// flush implements the auto-notify batching algorithm of §4.F.
func (s *Server) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushScheduled = false
	paths := s.pending.GetPaths()
	s.pending.Clear()
	if len(paths) == 0 {
		return nil
	}

	var combined delta.Delta
	for _, p := range paths {
		var pd delta.Delta
		if len(p) == 0 {
			if err := s.schema.Validate(validationView(s.state)); err != nil {
				return protocol.NewError(protocol.CodeValidationFailed, s.endpoint, "%v", err)
			}
			pd = delta.ComputeDelta(s.snapshot, s.state)
		} else {
			resolved := s.resolver.Resolve(p)
			subtree, _ := delta.GetValue(s.state, p)
			if err := validateSubtree(resolved, subtree); err != nil {
				return protocol.NewError(protocol.CodeValidationFailed, s.endpoint, "%v", err)
			}
			pd = delta.ComputeDeltaForPath(s.snapshot, s.state, p)
		}
		if pd.IsEmpty() {
			continue
		}
		// Apply against the snapshot immediately so later paths in
		// this batch diff from the updated baseline (§4.F step 2).
		if err := delta.ApplyDelta(&s.snapshot, pd); err != nil {
			return fmt.Errorf("sharedobject: applying batched delta at %v: %w", p, err)
		}
		combined = append(combined, pd...)
	}

	if combined.IsEmpty() {
		return nil
	}
	return s.broadcastLocked(combined)
}

// publishLocked applies an already-computed delta to the snapshot and
// broadcasts it. Unlike flush, which must apply each path's delta before
// computing the next, a single explicit Notify/NotifyHint call only ever
// has one delta to apply.
func (s *Server) publishLocked(d delta.Delta) error {
	if d.IsEmpty() {
		return nil
	}
	if err := delta.ApplyDelta(&s.snapshot, d); err != nil {
		return fmt.Errorf("sharedobject: applying delta to snapshot: %w", err)
	}
	return s.broadcastLocked(d)
}

func (s *Server) broadcastLocked(d delta.Delta) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("sharedobject: marshaling delta: %w", err)
	}
	s.version++
	frame := protocol.UpdateFrame{
		Type:     protocol.FrameUpdate,
		Endpoint: s.endpoint,
		Delta:    raw,
		V:        s.version,
		Now:      dateformat.Format(time.Now().UTC()),
	}
	if s.metrics != nil {
		s.metrics.RecordBroadcast(string(s.endpoint), len(raw))
		s.metrics.SetEndpointVersion(string(s.endpoint), s.version)
	}
	return s.bc.Broadcast(s.endpoint, frame)
}

// Init returns the data/v pair the multiplexer must send to a newly
// subscribed connection before adding it to the broadcast set. Satisfies
// multiplex's InitSource interface structurally.
func (s *Server) Init() (json.RawMessage, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(delta.DeepClone(s.state))
	if err != nil {
		return nil, 0, fmt.Errorf("sharedobject: marshaling init data: %w", err)
	}
	return raw, s.version, nil
}

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

// Muxer is the multiplexer-side collaborator a Client sends sub/unsub
// frames through. Satisfied structurally by multiplex.Client.
type Muxer interface {
	Sub(endpoint protocol.Name) error
	Unsub(endpoint protocol.Name) error
}

// Events is the set of observers a Client reports to, mirroring §6's
// "events init|update|connected|disconnected|error|timing". Any field
// left nil is simply not called.
type Events struct {
	OnInit         func(v uint64)
	OnUpdate       func(d delta.Delta)
	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
	OnTiming       func(avg time.Duration)
}

type readyState int

const (
	stateIdle readyState = iota
	stateSubscribing
	stateReady
)

type initResult struct {
	v    uint64
	data interface{}
	err  error
}

// Client keeps a local mirror of one SharedObject endpoint in sync with
// its server (§4.G).
type Client struct {
	endpoint    protocol.Name
	schema      *jsonschema.Schema
	resolver    *schemaresolve.Resolver
	mux         Muxer
	logger      *log.Logger
	initTimeout time.Duration
	events      Events
	metrics     *metrics.Metrics

	mu          sync.Mutex
	st          readyState
	local       interface{}
	vLocal      uint64
	readOnly    *intercept.ReadOnly
	initWaiters []chan initResult
	initTimer   *time.Timer
	latencies   []time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// m is optional; a nil *metrics.Metrics disables instrumentation the
// same way natsbridge.NewBridge treats a nil m.
func NewClient(endpoint protocol.Name, schema *jsonschema.Schema, mux Muxer, initTimeout time.Duration, events Events, logger *log.Logger, m *metrics.Metrics) *Client {
	if initTimeout <= 0 {
		initTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		endpoint:    endpoint,
		schema:      schema,
		resolver:    schemaresolve.NewResolver(schema),
		mux:         mux,
		logger:      logger,
		initTimeout: initTimeout,
		events:      events,
		metrics:     m,
		done:        make(chan struct{}),
	}
	c.wg.Add(1)
	go c.timingLoop()
	return c
}

// Close stops the latency-reporting ticker. It does not unsubscribe.
func (c *Client) Close() {
	close(c.done)
	c.wg.Wait()
}

// Subscribe is idempotent: the first caller triggers a sub frame and
// starts the init-timeout; every caller (the first and any concurrent
// ones) blocks until the first init arrives, or returns immediately if
// already ready.
func (c *Client) Subscribe() (uint64, interface{}, error) {
	c.mu.Lock()
	if c.st == stateReady {
		v, data := c.vLocal, c.local
		c.mu.Unlock()
		return v, data, nil
	}

	ch := make(chan initResult, 1)
	c.initWaiters = append(c.initWaiters, ch)

	first := c.st == stateIdle
	if first {
		c.st = stateSubscribing
	}
	if c.initTimer == nil {
		c.armInitTimeoutLocked()
	}
	c.mu.Unlock()

	if first {
		if err := c.mux.Sub(c.endpoint); err != nil {
			c.mu.Lock()
			c.st = stateIdle
			c.stopInitTimeoutLocked()
			c.rejectWaitersLocked(err)
			c.mu.Unlock()
			return 0, nil, err
		}
	}

	res := <-ch
	return res.v, res.data, res.err
}

// Unsubscribe sends unsub, tears down the init-timeout, resets local
// state, and rejects any caller still waiting on Subscribe.
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	c.stopInitTimeoutLocked()
	c.rejectWaitersLocked(fmt.Errorf("sharedobject %s: unsubscribed", c.endpoint))
	c.st = stateIdle
	c.local = nil
	c.vLocal = 0
	c.readOnly = nil
	c.mu.Unlock()
	return c.mux.Unsub(c.endpoint)
}

// Data returns a read-only view over local state. It errors until ready.
func (c *Client) Data() (*intercept.ReadOnly, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateReady {
		return nil, fmt.Errorf("sharedobject %s: not ready", c.endpoint)
	}
	return c.readOnly, nil
}

// Ready reports whether the first init has been installed.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateReady
}

// Version returns v_local.
func (c *Client) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vLocal
}

// HandleInit processes a server init frame. Satisfies multiplex's
// SharedObjectHandler interface.
func (c *Client) HandleInit(data json.RawMessage, v uint64) {
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		c.emitError(fmt.Errorf("sharedobject %s: decoding init: %w", c.endpoint, err))
		return
	}
	if err := c.schema.Validate(parsed); err != nil {
		c.emitError(fmt.Errorf("sharedobject %s: init failed validation: %w", c.endpoint, err))
		return
	}
	convertDates(c.resolver, &parsed, pathtree.Path{})

	c.mu.Lock()
	c.stopInitTimeoutLocked()
	c.local = parsed
	c.vLocal = v
	c.st = stateReady
	c.readOnly = intercept.NewReadOnly(c.local)
	c.resolveWaitersLocked(initResult{v: v, data: c.local})
	c.mu.Unlock()

	if c.events.OnInit != nil {
		c.events.OnInit(v)
	}
}

// HandleUpdate processes a server update frame. Updates received before
// the first init is installed are dropped, preserving the init-before-
// updates ordering guarantee from the multiplexer's side too.
func (c *Client) HandleUpdate(deltaRaw json.RawMessage, v uint64, now string) {
	c.mu.Lock()
	if c.st != stateReady {
		c.mu.Unlock()
		return
	}

	if v != c.vLocal+1 {
		c.resetForDivergenceLocked()
		c.mu.Unlock()
		c.recoverFromDivergence()
		return
	}

	var entries delta.Delta
	if err := json.Unmarshal(deltaRaw, &entries); err != nil {
		c.resetForDivergenceLocked()
		c.mu.Unlock()
		c.recoverFromDivergence()
		return
	}
	convertDeltaDates(c.resolver, entries, pathtree.Path{})

	if err := delta.ApplyDelta(&c.local, entries); err != nil {
		c.resetForDivergenceLocked()
		c.mu.Unlock()
		c.recoverFromDivergence()
		return
	}
	c.readOnly = intercept.NewReadOnly(c.local)
	c.vLocal = v
	if sentAt, err := dateformat.Parse(now); err == nil {
		c.latencies = append(c.latencies, time.Since(sentAt))
	}
	c.mu.Unlock()

	if c.events.OnUpdate != nil {
		c.events.OnUpdate(entries)
	}
}

// HandleDisconnect is called when the multiplexer's heartbeat watchdog
// declares the connection dead, or on transport close. Local state can
// no longer be trusted; the multiplexer resends the sub frame itself
// once a new connection is up, which drives a fresh HandleInit.
func (c *Client) HandleDisconnect() {
	c.mu.Lock()
	wasActive := c.st != stateIdle
	if wasActive {
		c.resetForDivergenceLocked()
	}
	c.mu.Unlock()

	if wasActive && c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
}

// HandleConnected is called when the multiplexer's connection comes up
// (including after a reconnect). If a subscription is outstanding, the
// init-timeout needs to be running again now that the transport can
// actually carry the resent sub frame.
func (c *Client) HandleConnected() {
	c.mu.Lock()
	if c.st == stateSubscribing {
		c.armInitTimeoutLocked()
	}
	c.mu.Unlock()

	if c.events.OnConnected != nil {
		c.events.OnConnected()
	}
}

func (c *Client) recoverFromDivergence() {
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
	c.mu.Lock()
	c.armInitTimeoutLocked()
	c.mu.Unlock()
	// Duplicate sub is permitted and is exactly how a client forces the
	// server to dispatch a fresh init (§4.H).
	_ = c.mux.Sub(c.endpoint)
}

func (c *Client) resetForDivergenceLocked() {
	c.st = stateSubscribing
	c.local = nil
	c.vLocal = 0
	c.readOnly = nil
	if c.metrics != nil {
		c.metrics.RecordDivergence(string(c.endpoint))
	}
}

func (c *Client) armInitTimeoutLocked() {
	c.stopInitTimeoutLocked()
	c.initTimer = time.AfterFunc(c.initTimeout, c.onInitTimeout)
}

func (c *Client) stopInitTimeoutLocked() {
	if c.initTimer != nil {
		c.initTimer.Stop()
		c.initTimer = nil
	}
}

// onInitTimeout fires when init hasn't arrived in time. It does not tear
// down the transport — it just re-requests init and rearms.
func (c *Client) onInitTimeout() {
	c.mu.Lock()
	if c.st != stateSubscribing {
		c.mu.Unlock()
		return
	}
	c.armInitTimeoutLocked()
	c.mu.Unlock()
	_ = c.mux.Sub(c.endpoint)
}

func (c *Client) resolveWaitersLocked(res initResult) {
	for _, ch := range c.initWaiters {
		ch <- res
	}
	c.initWaiters = nil
}

func (c *Client) rejectWaitersLocked(err error) {
	for _, ch := range c.initWaiters {
		ch <- initResult{err: err}
	}
	c.initWaiters = nil
}

func (c *Client) emitError(err error) {
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}

func (c *Client) timingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if len(c.latencies) == 0 {
				c.mu.Unlock()
				continue
			}
			var sum time.Duration
			for _, d := range c.latencies {
				sum += d
			}
			avg := sum / time.Duration(len(c.latencies))
			c.latencies = nil
			c.mu.Unlock()
			if c.events.OnTiming != nil {
				c.events.OnTiming(avg)
			}
		case <-c.done:
			return
		}
	}
}

// convertDates walks v alongside the schema, replacing date-format
// string leaves with parsed time.Time values in place.
func convertDates(resolver *schemaresolve.Resolver, v *interface{}, path pathtree.Path) {
	resolved := resolver.Resolve(path)
	switch resolved.Kind {
	case schemaresolve.KindDate:
		if s, ok := (*v).(string); ok {
			if t, err := dateformat.Parse(s); err == nil {
				*v = t
			}
		}
	case schemaresolve.KindPrimitive:
		return
	default:
		switch vv := (*v).(type) {
		case map[string]interface{}:
			for k, child := range vv {
				cv := child
				convertDates(resolver, &cv, append(append(pathtree.Path{}, path...), pathtree.Key(k)))
				vv[k] = cv
			}
		case []interface{}:
			for i, child := range vv {
				cv := child
				convertDates(resolver, &cv, append(append(pathtree.Path{}, path...), pathtree.Index(i)))
				vv[i] = cv
			}
		}
	}
}

// convertDeltaDates applies the same date-leaf conversion to an inbound
// delta's replace values before it is applied to local state.
func convertDeltaDates(resolver *schemaresolve.Resolver, entries delta.Delta, base pathtree.Path) {
	for i := range entries {
		e := &entries[i]
		abs := append(append(pathtree.Path{}, base...), e.Path...)
		switch e.Op {
		case delta.OpReplace:
			if e.Value == nil {
				continue
			}
			v := e.Value
			convertDates(resolver, &v, abs)
			e.Value = v
		case delta.OpNested:
			convertDeltaDates(resolver, e.Entries, abs)
		}
	}
}

// Package multiplex implements component H: one descriptor's worth of
// RPC/PubSub/PushPull/SharedObject endpoints fanned out over persistent
// bidirectional connections. Server is grounded on the teacher's
// pkg/websocket.Hub (one dispatcher goroutine owning client registration
// and broadcast); Client is grounded on its pkg/websocket.Client
// read/write split, with reconnect-with-backoff layered on top.
package multiplex

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/azuliani/node-service/internal/metrics"
	"github.com/azuliani/node-service/internal/protocol"
	"github.com/azuliani/node-service/internal/transport"
)

// InitSource is what a SharedObject server exposes to the multiplexer so
// it can send init before adding a connection to the broadcast set.
// Satisfied structurally by sharedobject.Server.
type InitSource interface {
	Init() (data json.RawMessage, v uint64, err error)
}

// RPCHandler serves one rpc:req. A returned error is converted to the
// rpc:res err field; a panic is recovered the same way, so one bad
// handler can never take the server down.
type RPCHandler func(endpoint protocol.Name, input json.RawMessage) (json.RawMessage, error)

type connHandle struct {
	conn transport.Conn
	subs map[protocol.Name]struct{}
	seq  uint64 // admission order, for a stable PushPull rotation
}

type frameEvent struct {
	h   *connHandle
	raw []byte
}

// Server owns the connection set, the endpoint->subscriber sets, and the
// per-SharedObject init handlers (§4.H, §5's "multiplexer's maps are
// owned by the multiplexer").
type Server struct {
	descriptor     *protocol.Descriptor
	descriptorHash string
	heartbeatMs    int64
	logger         *log.Logger
	metrics        *metrics.Metrics

	mu              sync.Mutex
	conns           map[*connHandle]struct{}
	subscribers     map[protocol.Name]map[*connHandle]struct{}
	pushPullCursor  map[protocol.Name]int
	initSources     map[protocol.Name]InitSource
	rpcHandlers     map[protocol.Name]RPCHandler
	connSeq         uint64

	register   chan *connHandle
	unregister chan *connHandle
	inbound    chan frameEvent

	wg sync.WaitGroup
}

// m is optional; a nil *metrics.Metrics disables instrumentation the same
// way natsbridge.NewBridge treats a nil m, so tests can omit it.
func NewServer(descriptor *protocol.Descriptor, heartbeatMs int64, logger *log.Logger, m *metrics.Metrics) (*Server, error) {
	if heartbeatMs <= 0 {
		heartbeatMs = 5000
	}
	if logger == nil {
		logger = log.Default()
	}
	hash, err := descriptor.Hash()
	if err != nil {
		return nil, fmt.Errorf("multiplex: hashing descriptor: %w", err)
	}

	s := &Server{
		descriptor:     descriptor,
		descriptorHash: hash,
		heartbeatMs:    heartbeatMs,
		logger:         logger,
		metrics:        m,
		conns:          make(map[*connHandle]struct{}),
		subscribers:    make(map[protocol.Name]map[*connHandle]struct{}),
		pushPullCursor: make(map[protocol.Name]int),
		initSources:    make(map[protocol.Name]InitSource),
		rpcHandlers:    make(map[protocol.Name]RPCHandler),
		register:       make(chan *connHandle, 64),
		unregister:     make(chan *connHandle, 64),
		inbound:        make(chan frameEvent, 256),
	}
	s.rpcHandlers[protocol.ReservedDescriptorEndpoint] = s.handleDescriptorRPC
	return s, nil
}

func (s *Server) handleDescriptorRPC(protocol.Name, json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"hash": s.descriptorHash})
}

// RegisterSharedObject wires a SharedObject endpoint's init handler in,
// for use by the `sub` dispatch path.
func (s *Server) RegisterSharedObject(endpoint protocol.Name, src InitSource) {
	s.mu.Lock()
	s.initSources[endpoint] = src
	s.mu.Unlock()
}

// RegisterRPCHandler wires an RPC endpoint's handler in.
func (s *Server) RegisterRPCHandler(endpoint protocol.Name, h RPCHandler) {
	s.mu.Lock()
	s.rpcHandlers[endpoint] = h
	s.mu.Unlock()
}

// Serve admits conn into the multiplexer: registers it, then relays its
// inbound frames into the dispatcher loop until it closes.
func (s *Server) Serve(conn transport.Conn) {
	s.mu.Lock()
	s.connSeq++
	seq := s.connSeq
	s.mu.Unlock()
	h := &connHandle{conn: conn, subs: make(map[protocol.Name]struct{}), seq: seq}
	s.register <- h
	go func() {
		for raw := range conn.Recv() {
			s.inbound <- frameEvent{h: h, raw: raw}
		}
		s.unregister <- h
	}()
}

// Run is the single dispatcher goroutine: it applies every change to the
// connection and subscriber sets and handles every inbound frame; it must
// be started once and kept running for the lifetime of the multiplexer.
func (s *Server) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.heartbeatMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case h := <-s.register:
			s.mu.Lock()
			s.conns[h] = struct{}{}
			s.mu.Unlock()
		case h := <-s.unregister:
			s.cleanupConn(h)
		case ev := <-s.inbound:
			s.dispatch(ev.h, ev.raw)
		case <-ticker.C:
			s.broadcastHeartbeat()
		}
	}
}

// Wait blocks until Run has returned (e.g. after ctx cancellation).
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) cleanupConn(h *connHandle) {
	s.mu.Lock()
	delete(s.conns, h)
	counts := make(map[protocol.Name]int, len(h.subs))
	for ep := range h.subs {
		if set := s.subscribers[ep]; set != nil {
			delete(set, h)
			counts[ep] = len(set)
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DecrementConnections()
		for ep, count := range counts {
			s.metrics.SetSubscriberCount(string(ep), count)
		}
	}
}

// dispatch decodes and routes one inbound frame (§6: malformed JSON is a
// fatal protocol error on that connection; unknown frame types are
// dropped).
func (s *Server) dispatch(h *connHandle, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.conn.Close()
		return
	}

	switch env.Type {
	case protocol.FrameSub:
		var f protocol.SubFrame
		if json.Unmarshal(raw, &f) == nil {
			s.handleSub(h, f.Endpoint)
		}
	case protocol.FrameUnsub:
		var f protocol.SubFrame
		if json.Unmarshal(raw, &f) == nil {
			s.handleUnsub(h, f.Endpoint)
		}
	case protocol.FrameRPCRequest:
		var f protocol.RPCRequestFrame
		if json.Unmarshal(raw, &f) == nil {
			s.handleRPC(h, f)
		}
	default:
		// Unknown frame type: ignore per §6.
	}
}

// handleSub implements the init-before-subscription ordering guarantee:
// a SharedObject's init handler runs before the connection is added to
// the broadcast set, so no update can ever interleave before it.
func (s *Server) handleSub(h *connHandle, endpoint protocol.Name) {
	ep, ok := s.descriptor.Lookup(endpoint)
	if !ok {
		return
	}

	if ep.Kind == protocol.KindSharedObject {
		s.mu.Lock()
		src := s.initSources[endpoint]
		s.mu.Unlock()
		if src != nil {
			data, v, err := src.Init()
			if err != nil {
				s.logger.Printf("multiplex: init for %s: %v", endpoint, err)
				return
			}
			s.sendFrame(h, protocol.InitFrame{Type: protocol.FrameInit, Endpoint: endpoint, Data: data, V: v})
		}
	}

	s.mu.Lock()
	set, ok := s.subscribers[endpoint]
	if !ok {
		set = make(map[*connHandle]struct{})
		s.subscribers[endpoint] = set
	}
	set[h] = struct{}{}
	h.subs[endpoint] = struct{}{}
	count := len(set)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetSubscriberCount(string(endpoint), count)
	}
}

func (s *Server) handleUnsub(h *connHandle, endpoint protocol.Name) {
	s.mu.Lock()
	set := s.subscribers[endpoint]
	if set != nil {
		delete(set, h)
	}
	delete(h.subs, endpoint)
	count := len(set)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetSubscriberCount(string(endpoint), count)
	}
}

func (s *Server) handleRPC(h *connHandle, f protocol.RPCRequestFrame) {
	s.mu.Lock()
	handler, ok := s.rpcHandlers[f.Endpoint]
	s.mu.Unlock()

	if !ok {
		missing := protocol.NewError(protocol.CodeMissingHandler, f.Endpoint, "no RPC handler registered")
		if s.metrics != nil {
			s.metrics.RecordRPC(string(f.Endpoint), 0, string(missing.Code))
		}
		s.sendFrame(h, protocol.RPCResponseFrame{
			Type:     protocol.FrameRPCResponse,
			ID:       f.ID,
			Endpoint: f.Endpoint,
			Err:      protocol.ToRPCError(missing),
		})
		return
	}

	// RPC handlers run off the dispatcher goroutine so one slow or
	// blocking handler can't stall sub/unsub/broadcast processing for
	// every other connection.
	go func() {
		start := time.Now()
		res, err := safeCallRPC(handler, f.Endpoint, f.Input)
		resp := protocol.RPCResponseFrame{Type: protocol.FrameRPCResponse, ID: f.ID, Endpoint: f.Endpoint}
		errCode := ""
		if err != nil {
			resp.Err = protocol.ToRPCError(err)
			errCode = resp.Err.Code
		} else {
			resp.Res = res
		}
		if s.metrics != nil {
			s.metrics.RecordRPC(string(f.Endpoint), time.Since(start), errCode)
		}
		s.sendFrame(h, resp)
	}()
}

func safeCallRPC(handler RPCHandler, endpoint protocol.Name, input json.RawMessage) (res json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc handler for %s panicked: %v", endpoint, r)
		}
	}()
	return handler(endpoint, input)
}

func (s *Server) sendFrame(h *connHandle, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Printf("multiplex: marshaling frame: %v", err)
		return
	}
	_ = h.conn.Send(raw)
}

// Broadcast serializes frame once and sends it to every subscriber of
// endpoint. Satisfies sharedobject.Broadcaster structurally. No
// transport in this stack exposes a native topic publish, so fan-out is
// always a plain iteration (§4.H).
func (s *Server) Broadcast(endpoint protocol.Name, frame interface{}) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("multiplex: marshaling broadcast: %w", err)
	}

	s.mu.Lock()
	set := s.subscribers[endpoint]
	targets := make([]*connHandle, 0, len(set))
	for h := range set {
		targets = append(targets, h)
	}
	s.mu.Unlock()

	for _, h := range targets {
		_ = h.conn.Send(raw)
	}
	return nil
}

// Publish fans a PubSub message out to every subscriber of endpoint, the
// same all-subscribers shape as Broadcast, just wrapped in the wire
// envelope PubSub endpoints use.
func (s *Server) Publish(endpoint protocol.Name, message json.RawMessage) error {
	return s.Broadcast(endpoint, protocol.EndpointMessageFrame{
		Type:     protocol.FrameEndpointMsg,
		Endpoint: endpoint,
		Message:  message,
	})
}

// Dispatch hands one PushPull work item to exactly one subscriber of
// endpoint, rotating through the subscriber set so repeated calls spread
// work out rather than piling it on the first connection. Same
// client-set iteration the teacher's hub.broadcastMessage does for
// PubSub, narrowed from "every client" to "the next client in turn".
func (s *Server) Dispatch(endpoint protocol.Name, message json.RawMessage) error {
	raw, err := json.Marshal(protocol.EndpointMessageFrame{
		Type:     protocol.FrameEndpointMsg,
		Endpoint: endpoint,
		Message:  message,
	})
	if err != nil {
		return fmt.Errorf("multiplex: marshaling dispatch: %w", err)
	}

	s.mu.Lock()
	set := s.subscribers[endpoint]
	targets := make([]*connHandle, 0, len(set))
	for h := range set {
		targets = append(targets, h)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })
	var target *connHandle
	if len(targets) > 0 {
		cursor := s.pushPullCursor[endpoint] % len(targets)
		target = targets[cursor]
		s.pushPullCursor[endpoint] = cursor + 1
	}
	s.mu.Unlock()

	if target == nil {
		return protocol.NewError(protocol.CodeMissingHandler, endpoint, "no subscribers to dispatch to")
	}
	return target.conn.Send(raw)
}

func (s *Server) broadcastHeartbeat() {
	raw, err := json.Marshal(protocol.HeartbeatFrame{Type: protocol.FrameHeartbeat, FrequencyMs: s.heartbeatMs})
	if err != nil {
		return
	}
	s.mu.Lock()
	targets := make([]*connHandle, 0, len(s.conns))
	for h := range s.conns {
		targets = append(targets, h)
	}
	s.mu.Unlock()
	for _, h := range targets {
		_ = h.conn.Send(raw)
	}
}

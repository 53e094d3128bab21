package multiplex

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/azuliani/node-service/internal/protocol"
	"github.com/azuliani/node-service/internal/transport"
)

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// DialFunc opens a new transport connection. transport.Dial satisfies
// this; tests substitute an in-memory fake.
type DialFunc func(url string, logger *log.Logger) (transport.Conn, error)

// SharedObjectHandler is what a SharedObject client exposes to the
// multiplexer so inbound init/update frames and connectivity changes can
// reach it. Satisfied structurally by sharedobject.Client.
type SharedObjectHandler interface {
	HandleInit(data json.RawMessage, v uint64)
	HandleUpdate(deltaRaw json.RawMessage, v uint64, now string)
	HandleDisconnect()
	HandleConnected()
}

// EndpointMessageHandler receives PubSub/PushPull endpointMessage frames.
type EndpointMessageHandler func(message json.RawMessage)

// ClientEvents mirrors sharedobject.Events for the multiplexer's own
// connectivity lifecycle.
type ClientEvents struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
}

// Client is a single reconnecting connection with resend-subs-on-
// reconnect and RPC correlation by id (§4.H).
type Client struct {
	url            string
	dial           DialFunc
	logger         *log.Logger
	rpcTimeout     time.Duration
	events         ClientEvents
	descriptorHash string

	mu              sync.Mutex
	conn            transport.Conn
	connected       bool
	subscribed      map[protocol.Name]struct{}
	soHandlers      map[protocol.Name]SharedObjectHandler
	msgHandlers     map[protocol.Name]EndpointMessageHandler
	pendingRPC      map[string]chan protocol.RPCResponseFrame
	rpcCounter      uint64
	heartbeatFreqMs int64
	lastMessage     time.Time

	wg sync.WaitGroup
}

// descriptorHash, when non-empty, is compared against the server's
// "_descriptor" RPC response on every connect; a mismatch raises
// CodeDescriptorMismatch through events.OnError instead of proceeding
// (§6). Pass "" to skip the check, e.g. in tests against a fake server
// that doesn't register the reserved endpoint.
func NewClient(url string, dial DialFunc, logger *log.Logger, rpcTimeout time.Duration, events ClientEvents, descriptorHash string) *Client {
	if dial == nil {
		dial = transport.Dial
	}
	if logger == nil {
		logger = log.Default()
	}
	if rpcTimeout <= 0 {
		rpcTimeout = 5 * time.Second
	}
	return &Client{
		url:            url,
		dial:           dial,
		logger:         logger,
		rpcTimeout:     rpcTimeout,
		events:         events,
		descriptorHash: descriptorHash,
		subscribed:     make(map[protocol.Name]struct{}),
		soHandlers:     make(map[protocol.Name]SharedObjectHandler),
		msgHandlers:    make(map[protocol.Name]EndpointMessageHandler),
		pendingRPC:     make(map[string]chan protocol.RPCResponseFrame),
	}
}

// RegisterSharedObjectHandler wires a SharedObject endpoint's client-side
// handler in, for init/update/connectivity dispatch.
func (c *Client) RegisterSharedObjectHandler(endpoint protocol.Name, h SharedObjectHandler) {
	c.mu.Lock()
	c.soHandlers[endpoint] = h
	c.mu.Unlock()
}

// RegisterMessageHandler wires a PubSub/PushPull endpoint's handler in.
func (c *Client) RegisterMessageHandler(endpoint protocol.Name, h EndpointMessageHandler) {
	c.mu.Lock()
	c.msgHandlers[endpoint] = h
	c.mu.Unlock()
}

// Sub records endpoint as subscribed and sends the sub frame immediately
// if connected; otherwise it is sent as soon as a connection comes up
// (resendSubsLocked), matching "resends all sub frames on every
// reconnect." A duplicate Sub call always sends again, since the
// protocol treats that as the client forcing a fresh init.
func (c *Client) Sub(endpoint protocol.Name) error {
	c.mu.Lock()
	c.subscribed[endpoint] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return sendFrame(conn, protocol.NewSubFrame(endpoint))
}

// Unsub stops tracking endpoint and sends unsub if connected.
func (c *Client) Unsub(endpoint protocol.Name) error {
	c.mu.Lock()
	delete(c.subscribed, endpoint)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return sendFrame(conn, protocol.NewUnsubFrame(endpoint))
}

// RPC sends an rpc:req and waits for the correlated rpc:res, or ctx
// cancellation / timeout, whichever comes first.
func (c *Client) RPC(ctx context.Context, endpoint protocol.Name, input json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeConnectionFailed, endpoint, "not connected")
	}
	c.rpcCounter++
	id := fmt.Sprintf("rpc-%d", c.rpcCounter)
	ch := make(chan protocol.RPCResponseFrame, 1)
	c.pendingRPC[id] = ch
	c.mu.Unlock()

	req := protocol.RPCRequestFrame{Type: protocol.FrameRPCRequest, ID: id, Endpoint: endpoint, Input: input}
	if err := sendFrame(conn, req); err != nil {
		c.mu.Lock()
		delete(c.pendingRPC, id)
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeConnectionFailed, endpoint, "%v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, &protocol.Error{Code: protocol.Code(resp.Err.Code), Message: resp.Err.Message, Endpoint: endpoint}
		}
		return resp.Res, nil
	case <-timeoutCtx.Done():
		c.mu.Lock()
		delete(c.pendingRPC, id)
		c.mu.Unlock()
		if ctx.Err() != nil {
			return nil, protocol.NewError(protocol.CodeTimeout, endpoint, "rpc canceled: %v", ctx.Err())
		}
		return nil, protocol.NewError(protocol.CodeTimeout, endpoint, "rpc timed out after %s", c.rpcTimeout)
	}
}

// Flush is a barrier confirming the server has processed every sub frame
// sent before this call: it round-trips an RPC to the reserved
// descriptor endpoint, which the server only answers after draining its
// single-goroutine dispatch queue in arrival order.
func (c *Client) Flush(ctx context.Context) error {
	_, err := c.RPC(ctx, protocol.ReservedDescriptorEndpoint, nil)
	return err
}

// Run dials, serves, and reconnects with exponential backoff and jitter
// until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	backoff := initialBackoff
	for ctx.Err() == nil {
		conn, err := c.dial(c.url, c.logger)
		if err != nil {
			if c.events.OnError != nil {
				c.events.OnError(fmt.Errorf("multiplex client: dial %s: %w", c.url, err))
			}
			if !sleepCtx(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		done := make(chan struct{})
		go func() {
			c.runConnection(ctx, conn)
			close(done)
		}()
		if !c.onConnect(ctx, conn) {
			conn.Close()
		}
		<-done
		c.onDisconnect()
	}
}

// Wait blocks until Run returns.
func (c *Client) Wait() { c.wg.Wait() }

// onConnect wires the new connection in and, if a descriptor hash was
// configured, verifies it against the server's reserved "_descriptor"
// RPC before resending subscriptions or notifying any handler. It
// returns false if the descriptor check failed, in which case the
// caller closes the connection immediately rather than using it.
func (c *Client) onConnect(ctx context.Context, conn transport.Conn) bool {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastMessage = time.Now()
	c.mu.Unlock()

	if c.descriptorHash != "" {
		if err := c.checkDescriptor(ctx); err != nil {
			if c.events.OnError != nil {
				c.events.OnError(err)
			}
			return false
		}
	}

	c.mu.Lock()
	subs := make([]protocol.Name, 0, len(c.subscribed))
	for ep := range c.subscribed {
		subs = append(subs, ep)
	}
	handlers := make([]SharedObjectHandler, 0, len(c.soHandlers))
	for _, h := range c.soHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, ep := range subs {
		_ = sendFrame(conn, protocol.NewSubFrame(ep))
	}
	if c.events.OnConnected != nil {
		c.events.OnConnected()
	}
	for _, h := range handlers {
		h.HandleConnected()
	}
	return true
}

// checkDescriptor round-trips the reserved descriptor RPC and compares
// the server's hash against the one this client was built with.
func (c *Client) checkDescriptor(ctx context.Context) error {
	res, err := c.RPC(ctx, protocol.ReservedDescriptorEndpoint, nil)
	if err != nil {
		return fmt.Errorf("multiplex client: descriptor check: %w", err)
	}
	var payload struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(res, &payload); err != nil {
		return fmt.Errorf("multiplex client: descriptor check: %w", err)
	}
	if payload.Hash != c.descriptorHash {
		return protocol.NewError(protocol.CodeDescriptorMismatch, protocol.ReservedDescriptorEndpoint,
			"server descriptor hash %s does not match client's %s", payload.Hash, c.descriptorHash)
	}
	return nil
}

func (c *Client) onDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.conn = nil
	failed := make([]chan protocol.RPCResponseFrame, 0, len(c.pendingRPC))
	for _, ch := range c.pendingRPC {
		failed = append(failed, ch)
	}
	c.pendingRPC = make(map[string]chan protocol.RPCResponseFrame)
	handlers := make([]SharedObjectHandler, 0, len(c.soHandlers))
	for _, h := range c.soHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	connErr := protocol.ToRPCError(protocol.NewError(protocol.CodeConnectionFailed, "", "connection closed"))
	for _, ch := range failed {
		ch <- protocol.RPCResponseFrame{Err: connErr}
	}
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
	for _, h := range handlers {
		h.HandleDisconnect()
	}
}

func (c *Client) runConnection(ctx context.Context, conn transport.Conn) {
	watchdogDone := make(chan struct{})
	go c.heartbeatWatchdog(conn, watchdogDone)
	defer close(watchdogDone)

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-conn.Closed():
			return
		case raw, ok := <-conn.Recv():
			if !ok {
				return
			}
			c.mu.Lock()
			c.lastMessage = time.Now()
			c.mu.Unlock()
			c.handleFrame(raw)
		}
	}
}

// heartbeatWatchdog enforces now - lastMessageTime <= 3 x frequencyMs
// (§4.H), polling every 250ms rather than once per frequencyMs; exceeding
// it closes the connection, which drives onDisconnect and a subsequent
// reconnect.
func (c *Client) heartbeatWatchdog(conn transport.Conn, done <-chan struct{}) {
	const pollInterval = 250 * time.Millisecond
	for {
		select {
		case <-done:
			return
		case <-time.After(pollInterval):
		}

		c.mu.Lock()
		freq := c.heartbeatFreqMs
		last := c.lastMessage
		c.mu.Unlock()
		if freq <= 0 {
			continue
		}
		if time.Since(last) > 3*time.Duration(freq)*time.Millisecond {
			conn.Close()
			return
		}
	}
}

func (c *Client) handleFrame(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Malformed JSON is a fatal protocol error on this connection
		// (§6); closing it here drives the normal reconnect path.
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	switch env.Type {
	case protocol.FrameHeartbeat:
		var f protocol.HeartbeatFrame
		if json.Unmarshal(raw, &f) == nil {
			c.mu.Lock()
			c.heartbeatFreqMs = f.FrequencyMs
			c.mu.Unlock()
		}
	case protocol.FrameRPCResponse:
		var f protocol.RPCResponseFrame
		if json.Unmarshal(raw, &f) == nil {
			c.mu.Lock()
			ch, ok := c.pendingRPC[f.ID]
			if ok {
				delete(c.pendingRPC, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	case protocol.FrameInit:
		var f protocol.InitFrame
		if json.Unmarshal(raw, &f) == nil {
			c.mu.Lock()
			h := c.soHandlers[f.Endpoint]
			c.mu.Unlock()
			if h != nil {
				h.HandleInit(f.Data, f.V)
			}
		}
	case protocol.FrameUpdate:
		var f protocol.UpdateFrame
		if json.Unmarshal(raw, &f) == nil {
			c.mu.Lock()
			h := c.soHandlers[f.Endpoint]
			c.mu.Unlock()
			if h != nil {
				h.HandleUpdate(f.Delta, f.V, f.Now)
			}
		}
	case protocol.FrameEndpointMsg:
		var f protocol.EndpointMessageFrame
		if json.Unmarshal(raw, &f) == nil {
			c.mu.Lock()
			h := c.msgHandlers[f.Endpoint]
			c.mu.Unlock()
			if h != nil {
				h(f.Message)
			}
		}
	default:
		// Unknown frame type: ignore per §6.
	}
}

func sendFrame(conn transport.Conn, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Send(raw)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// jitter mirrors pkg/nats/client.go's ReconnectJitter field: a random
// fraction of backoff is added so many clients reconnecting at once
// don't all retry in lockstep.
func jitter(backoff time.Duration) time.Duration {
	return backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
}

package multiplex

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/azuliani/node-service/internal/protocol"
)

type fakeConn struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		out:    make(chan []byte, 16),
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}
func (c *fakeConn) Recv() <-chan []byte     { return c.in }
func (c *fakeConn) Closed() <-chan struct{} { return c.closed }
func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
		close(c.in)
	}
	return nil
}

var errConnClosed = &protocol.Error{Code: protocol.CodeConnectionFailed, Message: "closed"}

func (c *fakeConn) recvFrame(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case f := <-c.out:
		return f
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

type fakeInitSource struct {
	data json.RawMessage
	v    uint64
}

func (f *fakeInitSource) Init() (json.RawMessage, uint64, error) { return f.data, f.v, nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	descriptor, err := protocol.NewDescriptor(
		protocol.DescriptorEndpoint{Name: "counter", Kind: protocol.KindSharedObject},
		protocol.DescriptorEndpoint{Name: "echo", Kind: protocol.KindRPC},
		protocol.DescriptorEndpoint{Name: "notifications", Kind: protocol.KindPubSub},
		protocol.DescriptorEndpoint{Name: "jobs", Kind: protocol.KindPushPull},
	)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	s, err := NewServer(descriptor, 50, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
	return s
}

func subscribe(t *testing.T, s *Server, conn *fakeConn, endpoint protocol.Name) {
	t.Helper()
	raw, _ := json.Marshal(protocol.NewSubFrame(endpoint))
	conn.in <- raw
	// handleSub always sends nothing for non-SharedObject endpoints, so
	// give the dispatcher loop a moment to process the sub before the
	// caller starts publishing/dispatching.
	time.Sleep(20 * time.Millisecond)
}

func TestSubSendsInitBeforeSubscribing(t *testing.T) {
	s := newTestServer(t)
	src := &fakeInitSource{data: json.RawMessage(`{"value":1}`), v: 7}
	s.RegisterSharedObject("counter", src)

	conn := newFakeConn()
	s.Serve(conn)

	raw, _ := json.Marshal(protocol.NewSubFrame("counter"))
	conn.in <- raw

	frame := conn.recvFrame(t, time.Second)
	var init protocol.InitFrame
	if err := json.Unmarshal(frame, &init); err != nil {
		t.Fatalf("unmarshal init frame: %v", err)
	}
	if init.Type != protocol.FrameInit || init.V != 7 {
		t.Fatalf("expected init frame at v=7, got %+v", init)
	}

	if err := s.Broadcast("counter", protocol.UpdateFrame{Type: protocol.FrameUpdate, Endpoint: "counter", V: 8}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	frame = conn.recvFrame(t, time.Second)
	var upd protocol.UpdateFrame
	if err := json.Unmarshal(frame, &upd); err != nil || upd.V != 8 {
		t.Fatalf("expected update frame v=8, got %s (err=%v)", frame, err)
	}
}

func TestRPCRoundTrip(t *testing.T) {
	s := newTestServer(t)
	s.RegisterRPCHandler("echo", func(_ protocol.Name, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	})

	conn := newFakeConn()
	s.Serve(conn)

	req, _ := json.Marshal(protocol.RPCRequestFrame{Type: protocol.FrameRPCRequest, ID: "r1", Endpoint: "echo", Input: json.RawMessage(`{"n":1}`)})
	conn.in <- req

	frame := conn.recvFrame(t, time.Second)
	var resp protocol.RPCResponseFrame
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != "r1" || resp.Err != nil {
		t.Fatalf("unexpected rpc response: %+v", resp)
	}
}

func TestUnknownRPCEndpointReturnsMissingHandler(t *testing.T) {
	s := newTestServer(t)
	conn := newFakeConn()
	s.Serve(conn)

	req, _ := json.Marshal(protocol.RPCRequestFrame{Type: protocol.FrameRPCRequest, ID: "r2", Endpoint: "nope"})
	conn.in <- req

	frame := conn.recvFrame(t, time.Second)
	var resp protocol.RPCResponseFrame
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Err == nil || resp.Err.Code != string(protocol.CodeMissingHandler) {
		t.Fatalf("expected missing-handler error, got %+v", resp.Err)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	s := newTestServer(t)
	conn := newFakeConn()
	s.Serve(conn)

	conn.in <- []byte("not json")

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("expected connection to be closed on malformed frame")
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	s := newTestServer(t)
	a, b := newFakeConn(), newFakeConn()
	s.Serve(a)
	s.Serve(b)
	subscribe(t, s, a, "notifications")
	subscribe(t, s, b, "notifications")

	if err := s.Publish("notifications", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, conn := range []*fakeConn{a, b} {
		frame := conn.recvFrame(t, time.Second)
		var msg protocol.EndpointMessageFrame
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != protocol.FrameEndpointMsg {
			t.Fatalf("unexpected publish frame: %s (err=%v)", frame, err)
		}
	}
}

func TestDispatchRoundRobinsAcrossSubscribers(t *testing.T) {
	s := newTestServer(t)
	a, b := newFakeConn(), newFakeConn()
	s.Serve(a)
	s.Serve(b)
	subscribe(t, s, a, "jobs")
	subscribe(t, s, b, "jobs")

	if err := s.Dispatch("jobs", json.RawMessage(`{"id":1}`)); err != nil {
		t.Fatalf("dispatch 1: %v", err)
	}
	if err := s.Dispatch("jobs", json.RawMessage(`{"id":2}`)); err != nil {
		t.Fatalf("dispatch 2: %v", err)
	}

	first := a.recvFrame(t, time.Second)
	second := b.recvFrame(t, time.Second)
	var firstMsg, secondMsg protocol.EndpointMessageFrame
	json.Unmarshal(first, &firstMsg)
	json.Unmarshal(second, &secondMsg)
	if string(firstMsg.Message) != `{"id":1}` || string(secondMsg.Message) != `{"id":2}` {
		t.Fatalf("expected each subscriber to get exactly one job in turn, got %s then %s", first, second)
	}
}

func TestDispatchWithNoSubscribersReturnsError(t *testing.T) {
	s := newTestServer(t)
	if err := s.Dispatch("jobs", json.RawMessage(`{"id":1}`)); err == nil {
		t.Fatal("expected an error dispatching to an endpoint with no subscribers")
	}
}

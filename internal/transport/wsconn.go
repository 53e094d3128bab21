package transport

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
	recvBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a *websocket.Conn to Conn, running the read/write pump
// pair adapted from the teacher's pkg/websocket/client.go: a ping ticker
// on the write side, a read deadline reset on every pong.
type wsConn struct {
	conn   *websocket.Conn
	logger *log.Logger

	send   chan []byte
	recv   chan []byte
	closed chan struct{}

	closeOnce sync.Once
}

// Accept upgrades an inbound HTTP request to a websocket connection and
// starts its pumps. Used by the multiplexer server's HTTP handler.
func Accept(w http.ResponseWriter, r *http.Request, logger *log.Logger) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, logger), nil
}

// Dial opens an outbound websocket connection and starts its pumps. Used
// by the multiplexer client.
func Dial(url string, logger *log.Logger) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, logger), nil
}

func newWSConn(conn *websocket.Conn, logger *log.Logger) *wsConn {
	if logger == nil {
		logger = log.Default()
	}
	c := &wsConn{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		recv:   make(chan []byte, recvBuffer),
		closed: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.readPump()
	go c.writePump()
	return c
}

func (c *wsConn) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		c.forceClose()
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) Recv() <-chan []byte      { return c.recv }
func (c *wsConn) Closed() <-chan struct{}  { return c.closed }

func (c *wsConn) Close() error {
	c.forceClose()
	return c.conn.Close()
}

func (c *wsConn) forceClose() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *wsConn) readPump() {
	defer func() {
		c.forceClose()
		close(c.recv)
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.recv <- message:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.forceClose()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.forceClose()
				return
			}
		case <-c.closed:
			return
		}
	}
}

package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsChannel adapts a WebSocket connection to Channel. A single reader
// goroutine pulls frames so Receive can honour its context.
type wsChannel struct {
	conn *websocket.Conn

	mu sync.Mutex // guards writes; gorilla allows one concurrent writer

	incoming chan []byte
	readErr  error
	readDone chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	c := &wsChannel{
		conn:     conn,
		incoming: make(chan []byte, pipeBuffer),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsChannel) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.incoming <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kind := websocket.BinaryMessage
	if utf8.Valid(data) {
		kind = websocket.TextMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	default:
	}
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.readDone:
		// readErr is written before readDone closes.
		select {
		case data := <-c.incoming:
			return data, nil
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, c.readErr)
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		close(c.closed)
		err = c.conn.Close()
		<-c.readDone
	})
	return err
}

// Connect dials a signaling server, e.g. "ws://host:port/ws?pin=123456".
func Connect(ctx context.Context, url string) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return newWSChannel(conn), nil
}

// Package ddptest provides in-memory and websocket fakes for driving a session
// from the server side in tests.
package ddptest

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ddpctl/internal/protocol"
	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("ddptest: conn closed")

// DefaultWait bounds every blocking helper.
const DefaultWait = 2 * time.Second

type inbound struct {
	typ  int
	data []byte
}

type sent struct {
	typ  int
	data []byte
}

// Conn is an in-memory frame.Conn. Deliver queues frames for the session to
// read; frames the session writes are returned by Next.
type Conn struct {
	in   chan inbound
	out  chan sent
	stop chan struct{}

	mu      sync.Mutex
	readErr error
	closed  bool
}

func NewConn() *Conn {
	return &Conn{
		in:   make(chan inbound, 64),
		out:  make(chan sent, 64),
		stop: make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.typ, m.data, nil
	case <-c.stop:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(typ int, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.out <- sent{typ: typ, data: append([]byte(nil), data...)}
	return nil
}

func (c *Conn) Close() error {
	c.Drop(nil)
	return nil
}

// Drop simulates the server side going away; pending reads return err.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	close(c.stop)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deliver queues one text frame.
func (c *Conn) Deliver(frame string) {
	c.in <- inbound{typ: websocket.TextMessage, data: []byte(frame)}
}

// DeliverJSON marshals v and queues it as a text frame.
func (c *Conn) DeliverJSON(t testing.TB, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("ddptest: marshal frame: %v", err)
	}
	c.in <- inbound{typ: websocket.TextMessage, data: data}
}

func (c *Conn) DeliverBinary(data []byte) {
	c.in <- inbound{typ: websocket.BinaryMessage, data: data}
}

// Next returns the next text frame written by the session.
func (c *Conn) Next(t testing.TB) []byte {
	t.Helper()
	timer := time.NewTimer(DefaultWait)
	defer timer.Stop()
	for {
		select {
		case m := <-c.out:
			if m.typ != websocket.TextMessage {
				continue
			}
			return m.data
		case <-timer.C:
			t.Fatalf("ddptest: no outbound frame within %s", DefaultWait)
			return nil
		}
	}
}

// NextMessage decodes the next outbound frame.
func (c *Conn) NextMessage(t testing.TB) protocol.Message {
	t.Helper()
	msg, err := protocol.Decode(c.Next(t))
	if err != nil {
		t.Fatalf("ddptest: decode outbound frame: %v", err)
	}
	return msg
}

// ExpectSilence fails if the session writes a text frame within d.
func (c *Conn) ExpectSilence(t testing.TB, d time.Duration) {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case m := <-c.out:
			if m.typ != websocket.TextMessage {
				continue
			}
			t.Fatalf("ddptest: unexpected outbound frame: %s", m.data)
		case <-timer.C:
			return
		}
	}
}

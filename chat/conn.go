package chat

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pingInterval     = 30 * time.Second
	maxFrameSize     = 1 << 20
	eventBuffer      = 64
)

// ErrNotOpen is returned by Send when the connection is not open. Sends are
// never queued; the caller decides what to do with the failure.
var ErrNotOpen = errors.New("connection not open")

// Status is the lifecycle state of one connection instance. Closed is
// terminal; reconnecting means dialing a new instance.
type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates the events a connection delivers.
type EventKind int

const (
	// EventStatus reports a state transition. Err is set when the
	// transition to Closed was caused by a dial or transport error.
	EventStatus EventKind = iota
	// EventMessage carries a parsed inbound chat message.
	EventMessage
	// EventRaw carries an inbound payload that failed to parse as a
	// message. Surfaced rather than dropped so the owner can display it.
	EventRaw
)

// Event is one item of the inbound stream. Events arrive in order, one at a
// time, on the single channel returned by Events.
type Event struct {
	Kind    EventKind
	Status  Status
	Err     error
	Message Message
	Raw     string
}

// Conn manages exactly one websocket instance from dial to teardown. It
// holds no message history; it only bridges transport signals into events.
type Conn struct {
	url    string
	events chan Event
	status atomic.Int32

	wsMu     sync.Mutex
	ws       *websocket.Conn
	shutdown bool // owner called Close; suppresses the error on teardown
}

// Dial starts opening a connection to url and returns immediately. The
// Connecting event is queued before any network activity happens.
func Dial(url string) *Conn {
	c := &Conn{
		url:    url,
		events: make(chan Event, eventBuffer),
	}
	c.status.Store(int32(StatusConnecting))
	c.events <- Event{Kind: EventStatus, Status: StatusConnecting}
	go c.run()
	return c
}

// Events returns the inbound stream. It has a single consumer and is closed
// once the connection reaches Closed; consumers should drain it fully.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	return Status(c.status.Load())
}

// IsOpen reports whether Send would currently be accepted.
func (c *Conn) IsOpen() bool {
	return c.Status() == StatusOpen
}

// Send writes one text frame. It fails fast with ErrNotOpen instead of
// queueing when the connection is not open.
func (c *Conn) Send(payload []byte) error {
	if !c.IsOpen() {
		return ErrNotOpen
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil || c.shutdown {
		return ErrNotOpen
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the connection down. Idempotent; pending inbound events still
// drain to the consumer, followed by a Closed event without an error.
func (c *Conn) Close() {
	c.wsMu.Lock()
	already := c.shutdown
	c.shutdown = true
	ws := c.ws
	c.wsMu.Unlock()
	if already {
		return
	}
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = ws.Close()
	}
}

// run owns the transport for its whole life: dial, read loop, teardown.
// It is the only goroutine that emits events after Dial returns, so event
// order is the transport's arrival order.
func (c *Conn) run() {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.Dial(c.url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		log.Debug().Err(err).Str("url", c.url).Msg("[chat] dial")
		c.finish(err)
		return
	}

	c.wsMu.Lock()
	if c.shutdown {
		c.wsMu.Unlock()
		_ = ws.Close()
		c.finish(nil)
		return
	}
	c.ws = ws
	c.wsMu.Unlock()

	c.status.Store(int32(StatusOpen))
	c.events <- Event{Kind: EventStatus, Status: StatusOpen}

	ws.SetReadLimit(maxFrameSize)
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(ws, pingDone)

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			c.wsMu.Lock()
			deliberate := c.shutdown
			c.wsMu.Unlock()
			if deliberate || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish(nil)
			} else {
				log.Debug().Err(err).Msg("[chat] read message")
				c.finish(err)
			}
			return
		}
		msg, err := ParseMessage(payload)
		if err != nil {
			c.events <- Event{Kind: EventRaw, Raw: string(payload)}
			continue
		}
		c.events <- Event{Kind: EventMessage, Message: msg}
	}
}

// pingLoop keeps intermediaries from idling the connection out.
func (c *Conn) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.wsMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wsMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// finish transitions to Closed, emits the terminal event, and closes the
// event channel. Called exactly once, from run.
func (c *Conn) finish(err error) {
	c.status.Store(int32(StatusClosed))
	c.wsMu.Lock()
	if c.shutdown {
		err = nil
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()
	c.events <- Event{Kind: EventStatus, Status: StatusClosed, Err: err}
	close(c.events)
}

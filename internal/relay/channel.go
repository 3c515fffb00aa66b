package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds individual frame writes so a stalled transport cannot
// wedge the session loop indefinitely.
const writeTimeout = 15 * time.Second

// inboundEvent is one occurrence on the transport, delivered to the session
// loop in arrival order. Either data is non-nil, or closed is set.
type inboundEvent struct {
	data   []byte
	closed bool
	clean  bool // normal closure, as opposed to an error close
	err    error
}

// transport is the subset of Channel the session state machine drives.
// Tests substitute an in-memory implementation.
type transport interface {
	WriteControl(f ControlFrame) error
	WriteData(p []byte) error
	Events() <-chan inboundEvent
	SessionID() string
	Close() error
}

// Channel owns the single bidirectional WebSocket to the relay endpoint.
// It frames control messages as JSON text and terminal bytes as binary, and
// feeds inbound traffic to the session loop as events.
type Channel struct {
	conn      *websocket.Conn
	sessionID string
	events    chan inboundEvent

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// DialChannel opens the relay channel. The header must carry the operator's
// ambient credential (session cookie); the relay performs its authoritative
// access check during this upgrade, before any bytes flow.
func DialChannel(ctx context.Context, url string, header http.Header) (*Channel, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	var sessionID string
	if resp != nil {
		sessionID = resp.Header.Get(SessionIDHeader)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:      conn,
		sessionID: sessionID,
		events:    make(chan inboundEvent, 32),
		ctx:       cctx,
		cancel:    cancel,
	}
	go c.readPump()
	return c, nil
}

// SessionID returns the relay-assigned session identifier, or "" when the
// relay did not provide one.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// WriteControl sends a control frame as a JSON text message.
func (c *Channel) WriteControl(f ControlFrame) error {
	payload, err := f.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Op, err)
	}
	return nil
}

// WriteData sends raw terminal bytes as a binary message.
func (c *Channel) WriteData(p []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageBinary, p); err != nil {
		return fmt.Errorf("write data frame: %w", err)
	}
	return nil
}

// Events returns the inbound event stream. Events arrive in wire order and
// end with exactly one closed event.
func (c *Channel) Events() <-chan inboundEvent {
	return c.events
}

// Close performs a clean shutdown of the channel. Safe to call more than
// once; later calls return the first result.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return c.closeErr
}

// readPump delivers inbound frames to the event channel until the
// connection terminates. Both binary and text inbound messages carry
// terminal bytes on this side; the relay endpoint never sends control
// frames to the client.
func (c *Channel) readPump() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			clean := status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
			select {
			case c.events <- inboundEvent{closed: true, clean: clean, err: err}:
			case <-c.ctx.Done():
			}
			return
		}
		select {
		case c.events <- inboundEvent{data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

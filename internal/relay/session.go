package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a relay session.
type State string

const (
	StateIdle        State = "idle"
	StateHandshaking State = "handshaking"
	StateStreaming   State = "streaming"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CloseReason classifies why a session ended.
type CloseReason string

const (
	ReasonOperatorClose    CloseReason = "closed"
	ReasonRemoteClose      CloseReason = "remote_closed"
	ReasonTransportError   CloseReason = "transport_error"
	ReasonHandshakeTimeout CloseReason = "handshake_timeout"
)

// Human-readable terminal notices. A clean close and an error close render
// differently so the operator can tell whether retrying might help.
const (
	noticeDisconnected = "\r\n[Disconnected]\r\n"
	noticeError        = "\r\n[Error] connection dropped\r\n"
	noticeTimeout      = "\r\n[Error] relay handshake timed out\r\n"
)

// DefaultHandshakeTimeout bounds the wait for the first inbound data frame.
const DefaultHandshakeTimeout = 30 * time.Second

// Events are the lifecycle callbacks the presentation layer subscribes to.
// Callbacks fire from the session's event loop goroutine (from the caller
// when a session is closed before Open); OnClosed fires exactly once per
// session lifecycle.
type Events struct {
	OnStreaming func()
	OnData      func(p []byte)
	OnClosed    func(reason CloseReason, notice string)
}

// Session drives one transport channel through the relay lifecycle:
//
//	Idle → Handshaking → Streaming → Closing → Closed
//
// with Failed reachable from Handshaking and Streaming. A single event-loop
// goroutine serializes every transition; SubmitInput, RequestResize and
// Close never block the caller. A Failed or Closed session never reopens;
// a new session requires a fresh negotiation, because the access decision
// must be re-validated.
type Session struct {
	Ticket Ticket

	// HandshakeTimeout overrides DefaultHandshakeTimeout when set before
	// Open.
	HandshakeTimeout time.Duration

	events Events

	mu     sync.Mutex
	state  State
	reason CloseReason
	id     string

	input    chan []byte
	resize   chan Dimensions
	closeReq chan struct{}
	done     chan struct{}
}

// NewSession creates a session for a negotiated ticket. The session owns no
// channel until Open.
func NewSession(ticket Ticket, events Events) *Session {
	return &Session{
		Ticket:   ticket,
		events:   events,
		state:    StateIdle,
		input:    make(chan []byte, 256),
		resize:   make(chan Dimensions, 1),
		closeReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the relay-assigned session identifier, available after Open.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session ended; zero until a terminal state.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done returns a channel closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Open attaches the channel and starts the event loop. The entry action of
// the Handshaking state sends exactly one auth frame carrying the current
// terminal dimensions; it is the first frame on the channel. A session holds
// at most one live channel: a second Open fails fast instead of replacing
// the first.
func (s *Session) Open(ctx context.Context, ch *Channel, dims Dimensions) error {
	return s.open(ctx, ch, dims)
}

func (s *Session) open(ctx context.Context, ch transport, dims Dimensions) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session already opened (state %s)", state)
	}
	s.state = StateHandshaking
	s.id = ch.SessionID()
	s.mu.Unlock()

	go s.run(ctx, ch, dims)
	return nil
}

// SubmitInput queues keystroke bytes for the remote host. Fire-and-forget:
// it never blocks, and after closure it is a no-op rather than an error.
func (s *Session) SubmitInput(p []byte) {
	if len(p) == 0 || s.State().Terminal() {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case s.input <- buf:
	case <-s.done:
	default:
		// Transport badly stalled; dropping input beats blocking the
		// presentation thread.
	}
}

// RequestResize records a dimension change. Latest-wins: changes arriving
// within one scheduling tick coalesce into a single resize frame. Resizes
// before handshake completion or after closure are dropped, not queued.
func (s *Session) RequestResize(cols, rows int) {
	if s.State().Terminal() {
		return
	}
	d := Dimensions{Cols: cols, Rows: rows}
	for {
		select {
		case s.resize <- d:
			return
		case <-s.done:
			return
		default:
		}
		// Discard the stale pending dimensions; only the latest matters.
		select {
		case <-s.resize:
		default:
		}
	}
}

// Close requests an operator-initiated teardown. Idempotent: closing an
// already-closing or closed session is a no-op. A session closed before
// Open finishes on the spot, since no event loop exists yet to serve the
// request; a later Open then fails like any open on a terminal session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateClosed
		s.reason = ReasonOperatorClose
		s.mu.Unlock()
		if s.events.OnClosed != nil {
			s.events.OnClosed(ReasonOperatorClose, noticeDisconnected)
		}
		close(s.done)
		return
	}
	s.mu.Unlock()
	select {
	case s.closeReq <- struct{}{}:
	default:
	}
}

// run is the single consumer serializing all state transitions.
func (s *Session) run(ctx context.Context, ch transport, dims Dimensions) {
	if err := ch.WriteControl(AuthFrame(dims)); err != nil {
		ch.Close()
		s.finish(StateFailed, ReasonTransportError, noticeError)
		return
	}

	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	events := ch.Events()
	for {
		// Flush queued input ahead of everything else so a resize
		// submitted after byte N can never overtake byte N.
		select {
		case p := <-s.input:
			if err := ch.WriteData(p); err != nil {
				ch.Close()
				s.finish(StateFailed, ReasonTransportError, noticeError)
				return
			}
			continue
		default:
		}

		select {
		case p := <-s.input:
			if err := ch.WriteData(p); err != nil {
				ch.Close()
				s.finish(StateFailed, ReasonTransportError, noticeError)
				return
			}

		case ev := <-events:
			if ev.closed {
				ch.Close()
				if ev.clean {
					s.finish(StateClosed, ReasonRemoteClose, noticeDisconnected)
				} else {
					s.finish(StateFailed, ReasonTransportError, noticeError)
				}
				return
			}
			s.onDataFrame(ev.data, timer)

		case d := <-s.resize:
			if s.State() != StateStreaming {
				continue // dropped, not queued
			}
			if err := ch.WriteControl(ResizeFrame(d)); err != nil {
				ch.Close()
				s.finish(StateFailed, ReasonTransportError, noticeError)
				return
			}

		case <-s.closeReq:
			s.setState(StateClosing)
			ch.Close()
			s.finish(StateClosed, ReasonOperatorClose, noticeDisconnected)
			return

		case <-timer.C:
			if s.State() != StateHandshaking {
				continue // raced with the transition to Streaming
			}
			ch.Close()
			s.finish(StateFailed, ReasonHandshakeTimeout, noticeTimeout)
			return

		case <-ctx.Done():
			s.setState(StateClosing)
			ch.Close()
			s.finish(StateClosed, ReasonOperatorClose, noticeDisconnected)
			return
		}
	}
}

// onDataFrame forwards an inbound data frame to the presentation sink. The
// first data frame completes the handshake: the relay signals readiness
// implicitly, and that frame becomes the initial screen content.
func (s *Session) onDataFrame(p []byte, timer *time.Timer) {
	if s.State() == StateHandshaking {
		timer.Stop()
		s.setState(StateStreaming)
		if s.events.OnStreaming != nil {
			s.events.OnStreaming()
		}
	}
	if s.events.OnData != nil {
		s.events.OnData(p)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// finish moves the session to a terminal state and emits the one terminal
// notification. Later calls are no-ops, which is what makes Close and
// failure paths idempotent with respect to each other.
func (s *Session) finish(state State, reason CloseReason, notice string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.reason = reason
	s.mu.Unlock()

	if s.events.OnClosed != nil {
		s.events.OnClosed(reason, notice)
	}
	close(s.done)
}

package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory stand-in for Channel so the state machine
// can be driven without a WebSocket.
type fakeTransport struct {
	mu       sync.Mutex
	controls []ControlFrame
	data     [][]byte
	closed   bool

	events chan inboundEvent
	wrote  chan struct{} // one tick per successful write

	// gate, when non-nil, blocks control writes until released.
	gate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan inboundEvent, 16),
		wrote:  make(chan struct{}, 64),
	}
}

func (f *fakeTransport) WriteControl(fr ControlFrame) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil && fr.Op == OpResize {
		<-gate
	}
	f.mu.Lock()
	f.controls = append(f.controls, fr)
	f.mu.Unlock()
	f.wrote <- struct{}{}
	return nil
}

func (f *fakeTransport) WriteData(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	f.mu.Lock()
	f.data = append(f.data, buf)
	f.mu.Unlock()
	f.wrote <- struct{}{}
	return nil
}

func (f *fakeTransport) Events() <-chan inboundEvent { return f.events }
func (f *fakeTransport) SessionID() string           { return "sess-test" }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) controlFrames() []ControlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ControlFrame, len(f.controls))
	copy(out, f.controls)
	return out
}

func (f *fakeTransport) dataFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.data))
	copy(out, f.data)
	return out
}

func waitWrite(t *testing.T, f *fakeTransport) {
	t.Helper()
	select {
	case <-f.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport write")
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}
}

type recorder struct {
	mu        sync.Mutex
	streaming int
	closed    int
	reason    CloseReason
	notice    string
	output    []byte
}

func (r *recorder) events() Events {
	return Events{
		OnStreaming: func() {
			r.mu.Lock()
			r.streaming++
			r.mu.Unlock()
		},
		OnData: func(p []byte) {
			r.mu.Lock()
			r.output = append(r.output, p...)
			r.mu.Unlock()
		},
		OnClosed: func(reason CloseReason, notice string) {
			r.mu.Lock()
			r.closed++
			r.reason = reason
			r.notice = notice
			r.mu.Unlock()
		},
	}
}

func testTicket() Ticket {
	return Ticket{
		Host:        Host{ID: 1, Name: "web-1", Address: "10.0.0.5"},
		ConnectUser: "ubuntu",
	}
}

func TestOpenSendsAuthFrameFirst(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 120, Rows: 32}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitWrite(t, ft)

	frames := ft.controlFrames()
	if len(frames) != 1 {
		t.Fatalf("control frames = %d, want 1", len(frames))
	}
	if frames[0].Op != OpAuth {
		t.Errorf("first frame op = %q, want %q", frames[0].Op, OpAuth)
	}
	if frames[0].Cols != 120 || frames[0].Rows != 32 {
		t.Errorf("auth dims = %dx%d, want 120x32", frames[0].Cols, frames[0].Rows)
	}
	if s.State() != StateHandshaking {
		t.Errorf("state = %s, want %s", s.State(), StateHandshaking)
	}
	if s.ID() != "sess-test" {
		t.Errorf("session ID = %q, want %q", s.ID(), "sess-test")
	}

	s.Close()
	waitDone(t, s)
}

func TestFirstDataFrameStartsStreaming(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitWrite(t, ft) // auth

	ft.events <- inboundEvent{data: []byte("welcome\n")}

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateStreaming {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), StateStreaming)
		}
		time.Sleep(time.Millisecond)
	}

	rec.mu.Lock()
	streaming, output := rec.streaming, string(rec.output)
	rec.mu.Unlock()
	if streaming != 1 {
		t.Errorf("OnStreaming fired %d times, want 1", streaming)
	}
	if output != "welcome\n" {
		t.Errorf("output = %q, want %q", output, "welcome\n")
	}

	// Later frames do not re-fire OnStreaming.
	ft.events <- inboundEvent{data: []byte("$ ")}
	deadline = time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		output = string(rec.output)
		rec.mu.Unlock()
		if strings.HasSuffix(output, "$ ") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want prompt appended", output)
		}
		time.Sleep(time.Millisecond)
	}
	rec.mu.Lock()
	streaming = rec.streaming
	rec.mu.Unlock()
	if streaming != 1 {
		t.Errorf("OnStreaming fired %d times after second frame, want 1", streaming)
	}

	s.Close()
	waitDone(t, s)
}

func TestInputForwarded(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitWrite(t, ft) // auth

	s.SubmitInput([]byte("ls\n"))
	waitWrite(t, ft)

	data := ft.dataFrames()
	if len(data) != 1 || string(data[0]) != "ls\n" {
		t.Fatalf("forwarded data = %q, want [\"ls\\n\"]", data)
	}

	s.Close()
	waitDone(t, s)
}

func TestResizeCoalescing(t *testing.T) {
	ft := newFakeTransport()
	gate := make(chan struct{})
	ft.gate = gate
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitWrite(t, ft) // auth

	ft.events <- inboundEvent{data: []byte("ready")}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateStreaming {
		if time.Now().After(deadline) {
			t.Fatal("never reached streaming")
		}
		time.Sleep(time.Millisecond)
	}

	// First resize reaches the (gated) transport write; the next two arrive
	// while the loop is busy and must collapse into one frame.
	s.RequestResize(90, 30)
	time.Sleep(20 * time.Millisecond) // let the loop pick it up and block
	s.RequestResize(100, 40)
	s.RequestResize(132, 43)
	close(gate)

	waitWrite(t, ft) // 90x30
	waitWrite(t, ft) // 132x43

	var resizes []ControlFrame
	for _, f := range ft.controlFrames() {
		if f.Op == OpResize {
			resizes = append(resizes, f)
		}
	}
	if len(resizes) != 2 {
		t.Fatalf("resize frames = %d, want 2 (coalesced)", len(resizes))
	}
	if resizes[0].Cols != 90 || resizes[0].Rows != 30 {
		t.Errorf("first resize = %dx%d, want 90x30", resizes[0].Cols, resizes[0].Rows)
	}
	if resizes[1].Cols != 132 || resizes[1].Rows != 43 {
		t.Errorf("coalesced resize = %dx%d, want 132x43", resizes[1].Cols, resizes[1].Rows)
	}

	s.Close()
	waitDone(t, s)
}

func TestResizeDroppedBeforeStreaming(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitWrite(t, ft) // auth

	s.RequestResize(200, 50)
	time.Sleep(20 * time.Millisecond)

	for _, f := range ft.controlFrames() {
		if f.Op == OpResize {
			t.Fatal("resize frame sent during handshake, want dropped")
		}
	}

	s.Close()
	waitDone(t, s)
}

func TestCloseIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitWrite(t, ft)

	s.Close()
	s.Close()
	s.Close()
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Errorf("state = %s, want %s", s.State(), StateClosed)
	}
	if s.Reason() != ReasonOperatorClose {
		t.Errorf("reason = %s, want %s", s.Reason(), ReasonOperatorClose)
	}

	rec.mu.Lock()
	closed, notice := rec.closed, rec.notice
	rec.mu.Unlock()
	if closed != 1 {
		t.Errorf("OnClosed fired %d times, want 1", closed)
	}
	if !strings.Contains(notice, "[Disconnected]") {
		t.Errorf("notice = %q, want disconnect notice", notice)
	}

	ft.mu.Lock()
	transportClosed := ft.closed
	ft.mu.Unlock()
	if !transportClosed {
		t.Error("transport not closed")
	}

	// Terminal state: everything is a no-op now.
	s.SubmitInput([]byte("x"))
	s.RequestResize(1, 1)
	s.Close()
	if s.State() != StateClosed {
		t.Errorf("state changed after terminal, now %s", s.State())
	}
}

func TestRemoteCleanClose(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitWrite(t, ft)

	ft.events <- inboundEvent{data: []byte("bye\n")}
	ft.events <- inboundEvent{closed: true, clean: true}
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Errorf("state = %s, want %s", s.State(), StateClosed)
	}
	if s.Reason() != ReasonRemoteClose {
		t.Errorf("reason = %s, want %s", s.Reason(), ReasonRemoteClose)
	}
	rec.mu.Lock()
	notice := rec.notice
	rec.mu.Unlock()
	if !strings.Contains(notice, "[Disconnected]") {
		t.Errorf("notice = %q, want disconnect notice", notice)
	}
}

func TestTransportErrorClose(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitWrite(t, ft)

	ft.events <- inboundEvent{closed: true, clean: false}
	waitDone(t, s)

	if s.State() != StateFailed {
		t.Errorf("state = %s, want %s", s.State(), StateFailed)
	}
	if s.Reason() != ReasonTransportError {
		t.Errorf("reason = %s, want %s", s.Reason(), ReasonTransportError)
	}
	rec.mu.Lock()
	notice := rec.notice
	rec.mu.Unlock()
	if !strings.Contains(notice, "[Error]") {
		t.Errorf("notice = %q, want error notice", notice)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())
	s.HandshakeTimeout = 30 * time.Millisecond

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, s)

	if s.State() != StateFailed {
		t.Errorf("state = %s, want %s", s.State(), StateFailed)
	}
	if s.Reason() != ReasonHandshakeTimeout {
		t.Errorf("reason = %s, want %s", s.Reason(), ReasonHandshakeTimeout)
	}
}

func TestSecondOpenFails(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	if err := s.open(context.Background(), ft, Dimensions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.open(context.Background(), newFakeTransport(), Dimensions{Cols: 80, Rows: 24}); err == nil {
		t.Fatal("second open succeeded, want error")
	}

	s.Close()
	waitDone(t, s)

	// Terminal sessions never reopen either.
	if err := s.open(context.Background(), newFakeTransport(), Dimensions{Cols: 80, Rows: 24}); err == nil {
		t.Fatal("open after close succeeded, want error")
	}
}

func TestCloseBeforeOpen(t *testing.T) {
	rec := &recorder{}
	s := NewSession(testTicket(), rec.events())

	// No channel was ever attached; Close must still finish the session
	// rather than leave Done waiters hanging.
	s.Close()
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Errorf("state = %s, want %s", s.State(), StateClosed)
	}
	if s.Reason() != ReasonOperatorClose {
		t.Errorf("reason = %s, want %s", s.Reason(), ReasonOperatorClose)
	}

	rec.mu.Lock()
	closed := rec.closed
	rec.mu.Unlock()
	if closed != 1 {
		t.Errorf("OnClosed fired %d times, want 1", closed)
	}

	s.Close()
	if err := s.open(context.Background(), newFakeTransport(), Dimensions{Cols: 80, Rows: 24}); err == nil {
		t.Fatal("open after close succeeded, want error")
	}
}

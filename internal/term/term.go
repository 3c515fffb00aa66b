// Package term wraps local terminal control for the CLI: raw mode while a
// session streams, size queries, and window-change notifications.
package term

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// Size is the local terminal geometry in character cells.
type Size struct {
	Cols int
	Rows int
}

// RawMode puts stdin into raw mode so keystrokes pass through to the
// remote shell unprocessed.
type RawMode struct {
	fd    int
	state *term.State
}

// EnterRaw switches stdin to raw mode. Callers must Restore before the
// process prints anything user-facing.
func EnterRaw() (*RawMode, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enter raw mode: %w", err)
	}
	return &RawMode{fd: fd, state: state}, nil
}

// Restore returns the terminal to its previous mode. Safe to call more
// than once.
func (r *RawMode) Restore() {
	if r == nil || r.state == nil {
		return
	}
	term.Restore(r.fd, r.state)
	r.state = nil
}

// CurrentSize reports the terminal size of stdout, falling back to 80x24
// when stdout is not a terminal.
func CurrentSize() Size {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return Size{Cols: 80, Rows: 24}
	}
	return Size{Cols: cols, Rows: rows}
}

// WatchResize delivers the new terminal size on every SIGWINCH until stop
// is called.
func WatchResize() (sizes <-chan Size, stop func()) {
	sigCh := make(chan os.Signal, 1)
	out := make(chan Size, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)

	go func() {
		defer close(out)
		for range sigCh {
			sz := CurrentSize()
			// Latest size wins if the reader is behind.
			select {
			case out <- sz:
			default:
				select {
				case <-out:
				default:
				}
				out <- sz
			}
		}
	}()

	return out, func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

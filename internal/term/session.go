// Package term owns PTY-backed shell sessions: spawning the child on a
// pseudo-terminal, parsing shell-integration sequences out of its output,
// and fanning typed events out to any number of subscribers.
package term

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/cove-ide/cove/internal/osc"
)

const (
	replayBufSize = 100 * 1024 // tail of visible output kept for reconnects

	defaultCols uint16 = 120
	defaultRows uint16 = 40

	// How long Close waits for a SIGTERM'd child before escalating.
	killEscalation = 2 * time.Second
)

// Session is one PTY-backed child process, its parser, and its reader loop.
// All parsed state (CWD, exit codes, command blocks) is mutated only by the
// reader goroutine; Write and Resize are independent fd operations and may
// be called from any goroutine.
type Session struct {
	ID string

	cmd    *exec.Cmd
	ptmx   *os.File
	parser *osc.Parser

	// done is closed after the final exited event has been delivered and
	// all subscriber channels are closed. Nothing is ever delivered for
	// this session afterwards.
	done chan struct{}

	mu      sync.Mutex
	stopped bool

	stateMu      sync.Mutex
	cwd          string
	lastExit     int
	lastExitSet  bool
	blockID      string
	blockStarted time.Time

	replayMu  sync.Mutex
	replayBuf []byte

	subMu       sync.Mutex
	subsEnded   bool
	subscribers map[chan Event]struct{}

	cleanupFiles []string
}

// spawn forks the child attached to a fresh PTY and starts the reader loop.
func spawn(id string, opts Options) (*Session, error) {
	if opts.Command == "" {
		return nil, errors.New("spawn: empty command")
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	} else {
		cmd.Env = os.Environ()
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &Session{
		ID:           id,
		cmd:          cmd,
		ptmx:         ptmx,
		parser:       osc.NewParser(),
		done:         make(chan struct{}),
		cwd:          opts.Dir,
		subscribers:  make(map[chan Event]struct{}),
		cleanupFiles: opts.CleanupFiles,
	}

	go s.readLoop()
	return s, nil
}

// Write sends data to the child's stdin via the PTY master.
func (s *Session) Write(data []byte) (int, error) {
	if s.isStopped() {
		return 0, ErrSessionClosed
	}
	return s.ptmx.Write(data)
}

// Resize updates the PTY window size. The kernel delivers SIGWINCH to the
// child; no cooperation is awaited.
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return ErrInvalidSize
	}
	if s.isStopped() {
		return ErrSessionClosed
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Kill requests termination of the child's process group, so subprocesses
// started by the shell (pagers, editors) go down with it. Calling it after
// the process has exited is a no-op.
func (s *Session) Kill() {
	s.signalGroup(syscall.SIGTERM)
}

// Close kills the session, unblocks the reader by closing the PTY master,
// and waits until the final exited event has been delivered. Once Close
// returns, no further events for this session are ever delivered. Safe to
// call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	s.mu.Unlock()

	if !alreadyStopped {
		s.signalGroup(syscall.SIGTERM)
		// Unblocks a pending Read with EIO/EOF.
		s.ptmx.Close()
	}

	select {
	case <-s.done:
	case <-time.After(killEscalation):
		s.signalGroup(syscall.SIGKILL)
		<-s.done
	}
	return nil
}

// Done is closed when the session has fully ended: child reaped, exited
// event delivered, subscriber channels closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// PID returns the child process ID.
func (s *Session) PID() int {
	if s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// CWD returns the last working directory reported by the shell via OSC 7,
// or the spawn directory before any report arrives.
func (s *Session) CWD() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.cwd
}

// LastExitCode returns the exit code of the most recently finished command.
func (s *Session) LastExitCode() (int, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastExit, s.lastExitSet
}

// Replay returns a copy of the retained visible output.
func (s *Session) Replay() []byte {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	cp := make([]byte, len(s.replayBuf))
	copy(cp, s.replayBuf)
	return cp
}

// Subscribe registers an event channel. The channel is closed when the
// session ends; subscribing to an ended session yields an already-closed
// channel. Slow subscribers drop events rather than stall the reader.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)

	s.subMu.Lock()
	if s.subsEnded {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	unsub := func() {
		s.subMu.Lock()
		delete(s.subscribers, ch)
		s.subMu.Unlock()
	}
	return ch, unsub
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) signalGroup(sig syscall.Signal) {
	if s.cmd.Process == nil {
		return
	}
	// The child is its session (and group) leader: pty start sets Setsid.
	if err := syscall.Kill(-s.cmd.Process.Pid, sig); err != nil {
		s.cmd.Process.Signal(sig)
	}
}

func (s *Session) appendReplay(data []byte) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	s.replayBuf = append(s.replayBuf, data...)
	if len(s.replayBuf) > replayBufSize {
		s.replayBuf = s.replayBuf[len(s.replayBuf)-replayBufSize:]
	}
}

func (s *Session) broadcast(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop. Termination is still observable via
			// the channel close and Done.
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subsEnded = true
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}

// readLoop runs on the session's private goroutine for the session's whole
// life. It never propagates a panic; unexpected conditions degrade to an
// io_error event followed by the exited event.
func (s *Session) readLoop() {
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("term: session %s reader panic: %v", s.ID, r)
				s.broadcast(Event{Kind: EventIOError, Error: fmt.Sprintf("reader panic: %v", r)})
			}
		}()
		s.pump()
	}()

	s.cmd.Wait()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.ptmx.Close()

	var exitCode *int
	if st := s.cmd.ProcessState; st != nil {
		if code := st.ExitCode(); code >= 0 {
			exitCode = &code
		}
	}
	s.broadcast(Event{Kind: EventExited, ExitCode: exitCode})
	s.closeSubscribers()

	s.parser.Reset()
	for _, path := range s.cleanupFiles {
		os.Remove(path)
	}

	close(s.done)
}

func (s *Session) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			visible, events := s.parser.Feed(buf[:n])
			if len(visible) > 0 {
				s.appendReplay(visible)
				s.broadcast(Event{Kind: EventOutput, Data: visible})
			}
			for _, ev := range events {
				s.handleIntegration(ev)
			}
		}
		if err != nil {
			// EOF and EIO are how PTY masters report child exit; anything
			// else on a live session is a genuine I/O failure.
			if !s.isStopped() && !errors.Is(err, io.EOF) &&
				!errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				log.Printf("term: session %s read error: %v", s.ID, err)
				s.broadcast(Event{Kind: EventIOError, Error: err.Error()})
			}
			return
		}
	}
}

// handleIntegration converts a parser event into a session event, updating
// tracked state along the way. Runs only on the reader goroutine.
func (s *Session) handleIntegration(ev osc.Event) {
	switch ev.Kind {
	case osc.PromptStart:
		s.broadcast(Event{Kind: EventPromptStart})

	case osc.CommandStart:
		blockID := uuid.New().String()
		s.stateMu.Lock()
		s.blockID = blockID
		s.blockStarted = time.Now()
		s.stateMu.Unlock()
		s.broadcast(Event{Kind: EventCommandStart, BlockID: blockID})

	case osc.CommandEnd:
		code := ev.ExitCode
		s.stateMu.Lock()
		blockID := s.blockID
		var durationMs int64
		if !s.blockStarted.IsZero() {
			durationMs = time.Since(s.blockStarted).Milliseconds()
		}
		s.blockID = ""
		s.blockStarted = time.Time{}
		s.lastExit = code
		s.lastExitSet = true
		s.stateMu.Unlock()
		s.broadcast(Event{
			Kind:       EventCommandEnd,
			BlockID:    blockID,
			ExitCode:   &code,
			DurationMs: durationMs,
		})

	case osc.DirectoryChanged:
		s.stateMu.Lock()
		s.cwd = ev.Path
		s.stateMu.Unlock()
		s.broadcast(Event{Kind: EventCwdChanged, Path: ev.Path})
	}
}

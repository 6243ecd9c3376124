// Package keeper implements the detached session-keeper daemon and its
// client. The keeper owns PTY sessions in a long-lived process separate
// from the Cove server, so shell sessions survive server restarts; the
// client side implements term.Manager by proxying over a Unix socket
// multiplexed with yamux.
package keeper

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/hashicorp/yamux"

	"github.com/cove-ide/cove/internal/term"
)

// SocketPath returns the path to the keeper's Unix domain socket.
func SocketPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cove", "keeper.sock"), nil
}

// PIDPath returns the path to the keeper's PID file.
func PIDPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cove", "keeper.pid"), nil
}

// Keeper is the daemon state: a session registry plus the set of connected
// clients' event streams.
type Keeper struct {
	registry *term.Registry

	eventsMu sync.Mutex
	events   map[*json.Encoder]*sync.Mutex // encoder -> its write lock
}

// New returns a keeper with an empty registry.
func New() *Keeper {
	return &Keeper{
		registry: term.NewRegistry(),
		events:   make(map[*json.Encoder]*sync.Mutex),
	}
}

// Run starts the keeper daemon at the default socket and blocks until it is
// signalled to shut down.
func Run() error {
	socketPath, err := SocketPath()
	if err != nil {
		return fmt.Errorf("socket path: %w", err)
	}
	pidPath, err := PIDPath()
	if err != nil {
		return fmt.Errorf("pid path: %w", err)
	}
	return RunAt(socketPath, pidPath)
}

// RunAt starts the keeper on an explicit socket path.
func RunAt(socketPath, pidPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(socketPath, pidPath); err != nil {
		return fmt.Errorf("clean stale socket: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	k := New()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("keeper: shutting down...")
		listener.Close()
		k.registry.CloseAll()
		os.Remove(socketPath)
		os.Remove(pidPath)
		os.Exit(0)
	}()

	log.Printf("keeper: listening on %s (pid %d)", socketPath, os.Getpid())
	return k.Serve(listener)
}

// Serve accepts client connections until the listener closes.
func (k *Keeper) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return nil // listener closed
		}
		go k.handleConn(conn)
	}
}

// Registry exposes the keeper's session registry (used in tests).
func (k *Keeper) Registry() *term.Registry {
	return k.registry
}

func (k *Keeper) handleConn(conn net.Conn) {
	defer conn.Close()

	mux, err := yamux.Server(conn, nil)
	if err != nil {
		log.Printf("keeper: yamux server: %v", err)
		return
	}
	defer mux.Close()

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return // client gone
		}
		go k.handleStream(stream)
	}
}

func (k *Keeper) handleStream(stream net.Conn) {
	dec := json.NewDecoder(stream)

	var hello Hello
	if err := dec.Decode(&hello); err != nil {
		stream.Close()
		return
	}

	switch hello.Stream {
	case streamControl:
		k.controlLoop(stream, dec)
	case streamEvents:
		k.eventsLoop(stream)
	case streamAttach:
		k.attachLoop(stream, hello.SessionID)
	default:
		stream.Close()
	}
}

// controlLoop answers request/response pairs until the stream closes.
func (k *Keeper) controlLoop(stream net.Conn, dec *json.Decoder) {
	defer stream.Close()
	enc := json.NewEncoder(stream)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF {
				log.Printf("keeper: control decode: %v", err)
			}
			return
		}
		if err := enc.Encode(k.handleRequest(req)); err != nil {
			return
		}
	}
}

func (k *Keeper) handleRequest(req Request) Response {
	switch req.Op {
	case opPing:
		return Response{OK: true}

	case opCreate:
		if req.Options == nil {
			return Response{Error: "create: missing options"}
		}
		handle, pid, err := k.registry.Create(req.SessionID, *req.Options)
		if err != nil {
			return errorResponse(err)
		}
		go k.watchExit(req.SessionID, handle)
		return Response{OK: true, PID: pid}

	case opWrite:
		if err := k.registry.Write(req.SessionID, req.Data); err != nil {
			return errorResponse(err)
		}
		return Response{OK: true}

	case opResize:
		if err := k.registry.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
			return errorResponse(err)
		}
		return Response{OK: true}

	case opClose:
		if err := k.registry.Close(req.SessionID); err != nil {
			return errorResponse(err)
		}
		return Response{OK: true}

	case opCloseAll:
		k.registry.CloseAll()
		return Response{OK: true}

	case opList:
		return Response{OK: true, Sessions: k.registry.List()}

	case opReplay:
		handle := k.registry.Get(req.SessionID)
		if handle == nil {
			return Response{Error: term.ErrUnknownSession.Error()}
		}
		return Response{OK: true, Replay: handle.Replay()}

	case opInfo:
		handle := k.registry.Get(req.SessionID)
		if handle == nil {
			return Response{OK: true, Exists: false}
		}
		code, set := handle.LastExitCode()
		return Response{OK: true, Exists: true, CWD: handle.CWD(), LastExit: code, LastExitSet: set}

	default:
		return Response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// watchExit removes ended sessions from the registry and notifies every
// connected client's events stream.
func (k *Keeper) watchExit(id string, handle term.Handle) {
	<-handle.Done()
	k.registry.Close(id)
	k.notifyExited(id)
	log.Printf("keeper: session %s exited", id)
}

// eventsLoop registers the stream for exit notifications and parks until
// the client goes away.
func (k *Keeper) eventsLoop(stream net.Conn) {
	enc := json.NewEncoder(stream)
	var mu sync.Mutex

	k.eventsMu.Lock()
	k.events[enc] = &mu
	k.eventsMu.Unlock()

	defer func() {
		k.eventsMu.Lock()
		delete(k.events, enc)
		k.eventsMu.Unlock()
		stream.Close()
	}()

	// The client never writes after the hello; a read only returns when
	// the stream is torn down.
	io.Copy(io.Discard, stream)
}

func (k *Keeper) notifyExited(id string) {
	note := Notification{Kind: "exited", SessionID: id}

	k.eventsMu.Lock()
	encoders := make(map[*json.Encoder]*sync.Mutex, len(k.events))
	for enc, mu := range k.events {
		encoders[enc] = mu
	}
	k.eventsMu.Unlock()

	for enc, mu := range encoders {
		mu.Lock()
		enc.Encode(note)
		mu.Unlock()
	}
}

// attachLoop forwards one session's events onto the stream until the
// session ends or the client closes the stream.
func (k *Keeper) attachLoop(stream net.Conn, sessionID string) {
	defer stream.Close()

	handle := k.registry.Get(sessionID)
	if handle == nil {
		json.NewEncoder(stream).Encode(term.Event{
			Kind:  term.EventIOError,
			Error: term.ErrUnknownSession.Error(),
		})
		return
	}

	events, unsub := handle.Subscribe()
	defer unsub()

	// Detect client-side stream closure so an abandoned attach does not
	// leak this goroutine while the session stays quiet.
	clientGone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, stream)
		close(clientGone)
	}()

	enc := json.NewEncoder(stream)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// cleanStaleSocket removes a leftover socket file if no keeper is running.
func cleanStaleSocket(socketPath, pidPath string) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	// A live socket means a keeper already owns it.
	if conn, err := net.Dial("unix", socketPath); err == nil {
		conn.Close()
		return fmt.Errorf("keeper already running (socket active)")
	}

	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(string(pidData)); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("keeper already running (pid %d)", pid)
				}
			}
		}
	}

	log.Printf("keeper: removing stale socket %s", socketPath)
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}

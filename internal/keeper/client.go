package keeper

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/cove-ide/cove/internal/term"
)

// Client connects to the keeper and implements term.Manager by proxying
// every operation over the multiplexed socket.
type Client struct {
	mux *yamux.Session

	// Control stream: one request/response in flight at a time.
	ctrlMu  sync.Mutex
	ctrlEnc *json.Encoder
	ctrlDec *json.Decoder

	// Done channels per session, closed on exit notifications.
	doneMu sync.Mutex
	done   map[string]chan struct{}

	closed chan struct{}
}

// NewClient connects to the keeper at the given socket path and sets up the
// control and events streams.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to keeper: %w", err)
	}

	mux, err := yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}

	ctrl, err := openStream(mux, Hello{Stream: streamControl})
	if err != nil {
		mux.Close()
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	events, err := openStream(mux, Hello{Stream: streamEvents})
	if err != nil {
		mux.Close()
		return nil, fmt.Errorf("open events stream: %w", err)
	}

	c := &Client{
		mux:     mux,
		ctrlEnc: json.NewEncoder(ctrl),
		ctrlDec: json.NewDecoder(ctrl),
		done:    make(map[string]chan struct{}),
		closed:  make(chan struct{}),
	}
	go c.eventsLoop(events)
	return c, nil
}

func openStream(mux *yamux.Session, hello Hello) (net.Conn, error) {
	stream, err := mux.OpenStream()
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(stream).Encode(hello); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Disconnect disconnects from the keeper. Sessions keep running in the keeper.
func (c *Client) Disconnect() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.mux.Close()
}

// Ping checks that the keeper is responsive.
func (c *Client) Ping() error {
	resp, err := c.request(Request{Op: opPing})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("keeper: %s", resp.Error)
	}
	return nil
}

func (c *Client) request(req Request) (Response, error) {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	select {
	case <-c.closed:
		return Response{}, fmt.Errorf("keeper client closed")
	default:
	}

	if err := c.ctrlEnc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := c.ctrlDec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// eventsLoop closes per-session done channels as exit notifications arrive.
func (c *Client) eventsLoop(stream net.Conn) {
	dec := json.NewDecoder(stream)
	for {
		var note Notification
		if err := dec.Decode(&note); err != nil {
			select {
			case <-c.closed:
			default:
				if err != io.EOF {
					log.Printf("keeper client: events stream: %v", err)
				}
			}
			return
		}
		if note.Kind == "exited" {
			c.markDone(note.SessionID)
		}
	}
}

func (c *Client) markDone(id string) {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	if done, ok := c.done[id]; ok {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}

// Done returns a channel closed when the given session exits.
func (c *Client) Done(id string) <-chan struct{} {
	c.doneMu.Lock()
	defer c.doneMu.Unlock()
	ch, ok := c.done[id]
	if !ok {
		ch = make(chan struct{})
		c.done[id] = ch
	}
	return ch
}

// ListSessions returns the IDs of all sessions alive in the keeper.
func (c *Client) ListSessions() ([]string, error) {
	resp, err := c.request(Request{Op: opList})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("keeper: %s", resp.Error)
	}
	return resp.Sessions, nil
}

// Create implements term.Manager.
func (c *Client) Create(id string, opts term.Options) (term.Handle, int, error) {
	// Pre-create the done channel so a fast exit is not missed.
	c.doneMu.Lock()
	if _, ok := c.done[id]; !ok {
		c.done[id] = make(chan struct{})
	}
	c.doneMu.Unlock()

	resp, err := c.request(Request{Op: opCreate, SessionID: id, Options: &opts})
	if err == nil && !resp.OK {
		err = fmt.Errorf("keeper: %s", resp.Error)
	}
	if err != nil {
		c.doneMu.Lock()
		delete(c.done, id)
		c.doneMu.Unlock()
		return nil, 0, err
	}
	return &proxyHandle{client: c, id: id}, resp.PID, nil
}

// Get implements term.Manager.
func (c *Client) Get(id string) term.Handle {
	resp, err := c.request(Request{Op: opInfo, SessionID: id})
	if err != nil || !resp.OK || !resp.Exists {
		return nil
	}
	// Make sure exit tracking exists for adopted sessions.
	c.Done(id)
	return &proxyHandle{client: c, id: id}
}

// Write implements term.Manager.
func (c *Client) Write(id string, data []byte) error {
	resp, err := c.request(Request{Op: opWrite, SessionID: id, Data: data})
	if err != nil {
		return err
	}
	if !resp.OK {
		return keeperError(resp.Error)
	}
	return nil
}

// Resize implements term.Manager.
func (c *Client) Resize(id string, cols, rows uint16) error {
	resp, err := c.request(Request{Op: opResize, SessionID: id, Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	if !resp.OK {
		return keeperError(resp.Error)
	}
	return nil
}

// Close implements term.Manager.
func (c *Client) Close(id string) error {
	resp, err := c.request(Request{Op: opClose, SessionID: id})
	if err != nil {
		return err
	}
	if !resp.OK {
		return keeperError(resp.Error)
	}
	c.markDone(id)
	c.doneMu.Lock()
	delete(c.done, id)
	c.doneMu.Unlock()
	return nil
}

// CloseAll implements term.Manager.
func (c *Client) CloseAll() {
	c.request(Request{Op: opCloseAll})
	c.doneMu.Lock()
	for id, done := range c.done {
		select {
		case <-done:
		default:
			close(done)
		}
		delete(c.done, id)
	}
	c.doneMu.Unlock()
}

// List implements term.Manager.
func (c *Client) List() []string {
	ids, err := c.ListSessions()
	if err != nil {
		return nil
	}
	return ids
}

// keeperError maps wire errors back to the registry's sentinels where the
// caller is expected to branch on them.
func keeperError(msg string) error {
	if msg == term.ErrUnknownSession.Error() {
		return term.ErrUnknownSession
	}
	if msg == term.ErrSessionClosed.Error() {
		return term.ErrSessionClosed
	}
	return fmt.Errorf("keeper: %s", msg)
}

// proxyHandle implements term.Handle against a keeper-owned session.
type proxyHandle struct {
	client *Client
	id     string
}

func (p *proxyHandle) Replay() []byte {
	resp, err := p.client.request(Request{Op: opReplay, SessionID: p.id})
	if err != nil || !resp.OK {
		return nil
	}
	return resp.Replay
}

// Subscribe opens an attach stream and decodes its events into a channel.
// Closing the stream is the unsubscribe.
func (p *proxyHandle) Subscribe() (<-chan term.Event, func()) {
	ch := make(chan term.Event, 256)

	stream, err := openStream(p.client.mux, Hello{Stream: streamAttach, SessionID: p.id})
	if err != nil {
		close(ch)
		return ch, func() {}
	}

	go func() {
		defer close(ch)
		dec := json.NewDecoder(stream)
		for {
			var ev term.Event
			if err := dec.Decode(&ev); err != nil {
				return
			}
			select {
			case ch <- ev:
			default:
				// Slow consumer, drop; mirrors in-process semantics.
			}
		}
	}()

	return ch, func() { stream.Close() }
}

func (p *proxyHandle) Write(data []byte) (int, error) {
	if err := p.client.Write(p.id, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (p *proxyHandle) Done() <-chan struct{} {
	return p.client.Done(p.id)
}

func (p *proxyHandle) CWD() string {
	resp, err := p.client.request(Request{Op: opInfo, SessionID: p.id})
	if err != nil || !resp.OK {
		return ""
	}
	return resp.CWD
}

func (p *proxyHandle) LastExitCode() (int, bool) {
	resp, err := p.client.request(Request{Op: opInfo, SessionID: p.id})
	if err != nil || !resp.OK {
		return 0, false
	}
	return resp.LastExit, resp.LastExitSet
}

// Compile-time interface checks.
var (
	_ term.Manager = (*Client)(nil)
	_ term.Handle  = (*proxyHandle)(nil)
)

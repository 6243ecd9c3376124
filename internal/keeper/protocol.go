package keeper

import "github.com/cove-ide/cove/internal/term"

// The keeper speaks JSON over yamux streams. Every stream starts with a
// Hello naming its role:
//
//   control — request/response pairs, one in flight per stream
//   events  — keeper→client exit notifications for all sessions
//   attach  — keeper→client stream of one session's events
//
// A client opens one control and one events stream when it connects, and
// one attach stream per subscription.
const (
	streamControl = "control"
	streamEvents  = "events"
	streamAttach  = "attach"
)

// Control operations.
const (
	opPing     = "ping"
	opCreate   = "create"
	opWrite    = "write"
	opResize   = "resize"
	opClose    = "close"
	opCloseAll = "close_all"
	opList     = "list"
	opReplay   = "replay"
	opInfo     = "info"
)

// Hello identifies a freshly opened stream.
type Hello struct {
	Stream    string `json:"stream"`
	SessionID string `json:"session_id,omitempty"`
}

// Request is a control-stream request.
type Request struct {
	Op        string `json:"op"`
	SessionID string `json:"session_id,omitempty"`

	// Create
	Options *term.Options `json:"options,omitempty"`

	// Write
	Data []byte `json:"data,omitempty"`

	// Resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// Response is a control-stream response.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Create
	PID int `json:"pid,omitempty"`

	// List
	Sessions []string `json:"sessions,omitempty"`

	// Replay
	Replay []byte `json:"replay,omitempty"`

	// Info
	Exists      bool   `json:"exists,omitempty"`
	CWD         string `json:"cwd,omitempty"`
	LastExit    int    `json:"last_exit,omitempty"`
	LastExitSet bool   `json:"last_exit_set,omitempty"`
}

// Notification is an events-stream message.
type Notification struct {
	Kind      string `json:"kind"` // "exited"
	SessionID string `json:"session_id"`
}

func errorResponse(err error) Response {
	return Response{Error: err.Error()}
}

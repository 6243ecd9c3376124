package term

// EventKind identifies a session event delivered to subscribers.
type EventKind string

const (
	// EventOutput carries visible terminal bytes (OSC sequences stripped).
	EventOutput EventKind = "output"
	// EventPromptStart marks the beginning of a shell prompt.
	EventPromptStart EventKind = "prompt_start"
	// EventCommandStart marks the start of a command block.
	EventCommandStart EventKind = "command_start"
	// EventCommandEnd marks the end of a command block.
	EventCommandEnd EventKind = "command_end"
	// EventCwdChanged reports the shell's working directory.
	EventCwdChanged EventKind = "cwd_changed"
	// EventIOError reports a PTY read/write failure. The session reports
	// EventExited afterwards and delivers nothing further.
	EventIOError EventKind = "io_error"
	// EventExited is the final event of every session. After it the
	// subscriber channel is closed.
	EventExited EventKind = "exited"
)

// Event is a single session event. Events for one session are delivered in
// the order the PTY produced them.
type Event struct {
	Kind EventKind `json:"kind"`

	// Data is the visible output for EventOutput.
	Data []byte `json:"data,omitempty"`

	// BlockID correlates EventCommandStart with its EventCommandEnd.
	BlockID string `json:"block_id,omitempty"`

	// Path is the new working directory for EventCwdChanged.
	Path string `json:"path,omitempty"`

	// ExitCode is the command exit code for EventCommandEnd, or the
	// process exit code for EventExited (nil when killed by a signal).
	ExitCode *int `json:"exit_code,omitempty"`

	// DurationMs is how long the command block ran, for EventCommandEnd.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Error describes the failure for EventIOError.
	Error string `json:"error,omitempty"`
}

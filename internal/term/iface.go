package term

// Options describes the child process for a new session. The command line
// and environment arrive prepared by the shell layer (or any other caller);
// the session treats them as opaque.
type Options struct {
	Command string
	Args    []string
	Env     []string // nil means inherit the parent environment
	Dir     string
	Cols    uint16
	Rows    uint16

	// CleanupFiles are removed after the session ends (rc-file wrappers
	// written by the shell layer).
	CleanupFiles []string
}

// Handle is a live session as seen by consumers.
type Handle interface {
	// Replay returns the tail of visible output, for reconnecting consumers.
	Replay() []byte
	// Subscribe returns a channel of session events and an unsubscribe
	// function. The channel is closed when the session ends.
	Subscribe() (<-chan Event, func())
	// Write sends input to the child's stdin.
	Write(data []byte) (int, error)
	// Done is closed when the session's child process has exited.
	Done() <-chan struct{}
	// CWD returns the last working directory reported via OSC 7.
	CWD() string
	// LastExitCode returns the most recent command exit code reported via
	// OSC 133;D, and whether any command has finished yet.
	LastExitCode() (int, bool)
}

// Manager manages session lifecycles. Implemented by the in-process
// Registry and by the keeper client.
type Manager interface {
	Create(id string, opts Options) (Handle, int /* pid */, error)
	Get(id string) Handle
	Write(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	Close(id string) error
	CloseAll()
	List() []string
}

package models

import "time"

// Session is the persisted record of a terminal session.
type Session struct {
	ID           string     `json:"id"`
	WorkspaceID  *int64     `json:"workspace_id"`
	Shell        string     `json:"shell"`
	Status       string     `json:"status"` // running | stopped
	PID          *int       `json:"pid"`
	CWD          string     `json:"cwd"`
	LastExitCode *int       `json:"last_exit_code"`
	CreatedAt    time.Time  `json:"created_at"`
	StoppedAt    *time.Time `json:"stopped_at"`
}

// Workspace is a folder the user has opened in the shell.
type Workspace struct {
	ID         int64     `json:"id"`
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	LastOpened time.Time `json:"last_opened"`
	CreatedAt  time.Time `json:"created_at"`
}

// ShellStatus reports whether a known shell is installed.
type ShellStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

// SCMInfo describes version-control state for a directory.
type SCMInfo struct {
	Repo   bool   `json:"repo"`
	Root   string `json:"root,omitempty"`
	Branch string `json:"branch,omitempty"`
	Dirty  int    `json:"dirty"`
}

// HealthResponse is the payload of GET /api/health.
type HealthResponse struct {
	Status string        `json:"status"`
	Shells []ShellStatus `json:"shells"`
	Git    bool          `json:"git"`
}

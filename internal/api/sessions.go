package api

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cove-ide/cove/internal/git"
	"github.com/cove-ide/cove/internal/models"
	"github.com/cove-ide/cove/internal/shell"
	"github.com/cove-ide/cove/internal/term"
)

// SessionDefaults fills in request fields the client left out.
type SessionDefaults struct {
	Shell string
	Cols  uint16
	Rows  uint16
}

type SessionsHandler struct {
	db       *sql.DB
	manager  term.Manager
	defaults SessionDefaults
}

func NewSessionsHandler(db *sql.DB, manager term.Manager, defaults SessionDefaults) *SessionsHandler {
	return &SessionsHandler{db: db, manager: manager, defaults: defaults}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	rows, err := h.db.Query(`SELECT id, workspace_id, shell, status, pid, cwd, last_exit_code, created_at, stopped_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.WorkspaceID, &s.Shell, &s.Status, &s.PID, &s.CWD, &s.LastExitCode, &s.CreatedAt, &s.StoppedAt); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Live sessions report their tracked working directory, not the
		// one they started in.
		if s.Status == "running" {
			if handle := h.manager.Get(s.ID); handle != nil {
				if cwd := handle.CWD(); cwd != "" {
					s.CWD = cwd
				}
				if code, ok := handle.LastExitCode(); ok {
					s.LastExitCode = &code
				}
			}
		}
		sessions = append(sessions, s)
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID *int64 `json:"workspace_id"`
		Shell       string `json:"shell"`
		CWD         string `json:"cwd"`
		Cols        uint16 `json:"cols"`
		Rows        uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	cwd := body.CWD
	if body.WorkspaceID != nil {
		var path string
		err := h.db.QueryRow(`SELECT path FROM workspaces WHERE id = ?`, *body.WorkspaceID).Scan(&path)
		if err == sql.ErrNoRows {
			WriteError(w, http.StatusNotFound, "workspace not found")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if cwd == "" {
			cwd = path
		}
		h.db.Exec(`UPDATE workspaces SET last_opened = ? WHERE id = ?`, time.Now(), *body.WorkspaceID)
	}
	if cwd == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		cwd = home
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("not a directory: %s", cwd))
		return
	}

	shellPath := body.Shell
	if shellPath == "" {
		shellPath = h.defaults.Shell
	}
	cols, rows := body.Cols, body.Rows
	if cols == 0 {
		cols = h.defaults.Cols
	}
	if rows == 0 {
		rows = h.defaults.Rows
	}

	spec, err := shell.Prepare(shellPath, cwd)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("prepare shell: %v", err))
		return
	}

	sessionID := uuid.New().String()[:8]
	_, pid, err := h.manager.Create(sessionID, term.Options{
		Command:      spec.Path,
		Args:         spec.Args,
		Env:          spec.Env,
		Dir:          spec.Dir,
		Cols:         cols,
		Rows:         rows,
		CleanupFiles: spec.TempFiles,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("start session: %v", err))
		return
	}

	now := time.Now()
	h.db.Exec(`INSERT INTO sessions (id, workspace_id, shell, status, pid, cwd, created_at)
		VALUES (?, ?, ?, 'running', ?, ?, ?)`,
		sessionID, body.WorkspaceID, spec.Path, pid, cwd, now)

	go h.monitorExit(sessionID)

	WriteJSON(w, http.StatusCreated, models.Session{
		ID:          sessionID,
		WorkspaceID: body.WorkspaceID,
		Shell:       spec.Path,
		Status:      "running",
		PID:         &pid,
		CWD:         cwd,
		CreatedAt:   now,
	})
}

// monitorExit marks the session stopped once its process ends, recording the
// last foreground exit code the session observed.
func (h *SessionsHandler) monitorExit(sessionID string) {
	handle := h.manager.Get(sessionID)
	if handle == nil {
		return
	}
	<-handle.Done()

	var lastExit *int
	if code, ok := handle.LastExitCode(); ok {
		lastExit = &code
	}
	h.db.Exec(`UPDATE sessions SET status = 'stopped', stopped_at = ?, last_exit_code = ? WHERE id = ?`,
		time.Now(), lastExit, sessionID)
	log.Printf("session %s stopped", sessionID)
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var status string
	err := h.db.QueryRow(`SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Closing an already-ended session is a no-op in the registry.
	if err := h.manager.Close(id); err != nil && err != term.ErrUnknownSession {
		log.Printf("close session %s: %v", id, err)
	}

	h.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSCM reports version-control state for the session's current
// working directory.
func (h *SessionsHandler) HandleSCM(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var cwd string
	if handle := h.manager.Get(id); handle != nil {
		cwd = handle.CWD()
	}
	if cwd == "" {
		err := h.db.QueryRow(`SELECT cwd FROM sessions WHERE id = ?`, id).Scan(&cwd)
		if err == sql.ErrNoRows {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	root := git.Root(cwd)
	if root == "" {
		WriteJSON(w, http.StatusOK, models.SCMInfo{Repo: false})
		return
	}

	info := models.SCMInfo{Repo: true, Root: root}
	if branch, err := git.Branch(cwd); err == nil {
		info.Branch = branch
	}
	if dirty, err := git.DirtyCount(cwd); err == nil {
		info.Dirty = dirty
	}
	WriteJSON(w, http.StatusOK, info)
}

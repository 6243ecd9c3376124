package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cove-ide/cove/internal/models"
)

type WorkspacesHandler struct {
	db *sql.DB
}

func NewWorkspacesHandler(db *sql.DB) *WorkspacesHandler {
	return &WorkspacesHandler{db: db}
}

func (h *WorkspacesHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	rows, err := h.db.Query(`SELECT id, path, name, last_opened, created_at
		FROM workspaces ORDER BY last_opened DESC`)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	workspaces := []models.Workspace{}
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(&ws.ID, &ws.Path, &ws.Name, &ws.LastOpened, &ws.CreatedAt); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		workspaces = append(workspaces, ws)
	}
	WriteJSON(w, http.StatusOK, workspaces)
}

func (h *WorkspacesHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Path == "" {
		WriteError(w, http.StatusBadRequest, "path is required")
		return
	}

	path, err := filepath.Abs(body.Path)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		WriteError(w, http.StatusBadRequest, "not a directory: "+path)
		return
	}

	name := body.Name
	if name == "" {
		name = filepath.Base(path)
	}

	now := time.Now()
	result, err := h.db.Exec(
		`INSERT INTO workspaces (path, name, last_opened, created_at) VALUES (?, ?, ?, ?)`,
		path, name, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			WriteError(w, http.StatusConflict, "workspace already added")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, _ := result.LastInsertId()
	WriteJSON(w, http.StatusCreated, models.Workspace{
		ID:         id,
		Path:       path,
		Name:       name,
		LastOpened: now,
		CreatedAt:  now,
	})
}

func (h *WorkspacesHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}

	// Refuse while sessions still reference the workspace.
	var count int
	h.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE workspace_id = ? AND status = 'running'`, id).Scan(&count)
	if count > 0 {
		WriteError(w, http.StatusConflict, "workspace has running sessions")
		return
	}

	result, err := h.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		WriteError(w, http.StatusNotFound, "workspace not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

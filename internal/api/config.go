package api

import (
	"encoding/json"
	"net/http"

	"github.com/cove-ide/cove/internal/config"
)

// Keys the config API accepts. Anything else in the file is left alone but
// cannot be changed over HTTP.
var configKeys = map[string]struct{}{
	"port":           {},
	"shell":          {},
	"terminal.cols":  {},
	"terminal.rows":  {},
	"keeper.enabled": {},
}

type ConfigHandler struct {
	path string
}

func NewConfigHandler(path string) *ConfigHandler {
	return &ConfigHandler{path: path}
}

func (h *ConfigHandler) HandleGet(w http.ResponseWriter, _ *http.Request) {
	cfg, err := config.Load(h.path)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"port":           cfg.Port,
		"shell":          cfg.Shell,
		"terminal.cols":  cfg.Cols,
		"terminal.rows":  cfg.Rows,
		"keeper.enabled": cfg.UseKeeper,
	})
}

func (h *ConfigHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := configKeys[key]; !ok {
		WriteError(w, http.StatusBadRequest, "unknown config key: "+key)
		return
	}

	var body struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Value == nil {
		WriteError(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := config.Set(h.path, key, body.Value); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Changes apply on next use; port and keeper.enabled on next start.
	WriteJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

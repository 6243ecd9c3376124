// Package config reads the Cove configuration file, ~/.cove/config.json.
// A missing file yields the defaults; individual keys can be updated in
// place without disturbing unknown keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Defaults.
const (
	DefaultPort = 8800
	DefaultCols = 120
	DefaultRows = 40
)

// Config is the resolved Cove configuration.
type Config struct {
	Port      int    // HTTP listen port
	Shell     string // shell override; empty means login shell
	Cols      uint16 // initial terminal width
	Rows      uint16 // initial terminal height
	UseKeeper bool   // keep sessions alive in the keeper daemon
}

// Path returns the config file location under the given data dir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}

// Load reads the config file at path. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:      DefaultPort,
		Cols:      DefaultCols,
		Rows:      DefaultRows,
		UseKeeper: true,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return cfg, fmt.Errorf("config %s is not valid JSON", path)
	}

	doc := gjson.ParseBytes(data)
	if v := doc.Get("port"); v.Exists() {
		cfg.Port = int(v.Int())
	}
	if v := doc.Get("shell"); v.Exists() {
		cfg.Shell = v.String()
	}
	if v := doc.Get("terminal.cols"); v.Exists() {
		cfg.Cols = uint16(v.Int())
	}
	if v := doc.Get("terminal.rows"); v.Exists() {
		cfg.Rows = uint16(v.Int())
	}
	if v := doc.Get("keeper.enabled"); v.Exists() {
		cfg.UseKeeper = v.Bool()
	}
	return cfg, nil
}

// Set updates one key in the config file, creating the file if needed.
// Unknown keys already present in the file are preserved.
func Set(path, key string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}
	if len(data) == 0 {
		data = []byte("{}")
	}

	updated, err := sjson.SetBytes(data, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

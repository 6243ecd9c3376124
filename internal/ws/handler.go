// Package ws bridges a terminal session to a WebSocket consumer. Output
// travels as binary frames, integration and lifecycle events as JSON text
// frames; input arrives as binary frames and resize requests as JSON text
// frames. Any number of consumers may attach to one session.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cove-ide/cove/internal/term"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type controlMsg struct {
	Type string `json:"type"`
	Data struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	} `json:"data"`
}

type Handler struct {
	manager term.Manager
}

func NewHandler(manager term.Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	sess := h.manager.Get(sessionID)
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for %s: %v", sessionID, err)
		return
	}
	defer conn.Close()

	log.Printf("ws: client attached to session %s", sessionID)

	// writeMu serializes the event goroutine and the close frame below.
	var writeMu sync.Mutex
	writeBinary := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}
	writeJSON := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	// Replay retained output first so a reconnecting view catches up.
	if replay := sess.Replay(); len(replay) > 0 {
		if err := writeBinary(replay); err != nil {
			return
		}
	}

	events, unsub := sess.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	clientGone := make(chan struct{})
	quit := make(chan struct{})

	// Session events -> WebSocket. The quit channel unparks this goroutine
	// when the client goes away while the session is idle.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				var err error
				if ev.Kind == term.EventOutput {
					err = writeBinary(ev.Data)
				} else {
					err = writeJSON(ev)
				}
				if err != nil {
					return
				}
			case <-quit:
				return
			}
		}
	}()

	// WebSocket -> session (binary = input, text = control).
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(clientGone)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if err := h.manager.Write(sessionID, msg); err != nil {
					log.Printf("ws: input to %s failed: %v", sessionID, err)
				}
			case websocket.TextMessage:
				var ctl controlMsg
				if json.Unmarshal(msg, &ctl) == nil && ctl.Type == "resize" {
					h.manager.Resize(sessionID, ctl.Data.Cols, ctl.Data.Rows)
				}
			}
		}
	}()

	select {
	case <-clientGone:
		log.Printf("ws: client detached from session %s", sessionID)
	case <-sess.Done():
		log.Printf("ws: session %s ended", sessionID)
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
		writeMu.Unlock()
	}

	close(quit)
	conn.Close()
	wg.Wait()
}

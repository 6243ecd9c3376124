package keeper

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cove-ide/cove/internal/term"
)

// startTestKeeper runs a keeper on a throwaway Unix socket and returns a
// connected client.
func startTestKeeper(t *testing.T) *Client {
	t.Helper()

	dir, err := os.MkdirTemp("", "cove-keeper")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	socketPath := filepath.Join(dir, "k.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	k := New()
	go k.Serve(listener)
	t.Cleanup(k.Registry().CloseAll)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func requireCat(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
}

func TestClientPing(t *testing.T) {
	client := startTestKeeper(t)
	if err := client.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestClientSessionRoundTrip(t *testing.T) {
	requireCat(t)
	client := startTestKeeper(t)

	handle, pid, err := client.Create("s1", term.Options{Command: "cat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pid <= 0 {
		t.Errorf("expected real pid, got %d", pid)
	}

	ids, err := client.ListSessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("expected [s1], got %v", ids)
	}

	events, unsub := handle.Subscribe()
	defer unsub()

	if err := client.Write("s1", []byte("over-the-wire\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var output bytes.Buffer
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(output.Bytes(), []byte("over-the-wire")) {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream ended early, got %q", output.String())
			}
			if ev.Kind == term.EventOutput {
				output.Write(ev.Data)
			}
		case <-deadline:
			t.Fatalf("never saw echoed input, got %q", output.String())
		}
	}

	if replay := handle.Replay(); !bytes.Contains(replay, []byte("over-the-wire")) {
		t.Errorf("replay missing output, got %q", replay)
	}

	if err := client.Close("s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Error("done channel not closed after Close")
	}
}

func TestClientUnknownSession(t *testing.T) {
	client := startTestKeeper(t)

	if err := client.Write("ghost", []byte("x")); err != term.ErrUnknownSession {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
	if h := client.Get("ghost"); h != nil {
		t.Errorf("expected nil handle for unknown session, got %v", h)
	}
}

func TestClientExitNotification(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	client := startTestKeeper(t)

	handle, _, err := client.Create("quick", term.Options{
		Command: "sh",
		Args:    []string{"-c", "exit 0"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exit notification never arrived")
	}

	// The keeper reaps ended sessions.
	deadline := time.After(5 * time.Second)
	for {
		ids, err := client.ListSessions()
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ids) == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session still listed after exit: %v", ids)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestClientAdoptExistingSession(t *testing.T) {
	requireCat(t)
	client := startTestKeeper(t)

	if _, _, err := client.Create("held", term.Options{Command: "cat"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A restarted server adopts the session by ID via Get.
	adopted := client.Get("held")
	if adopted == nil {
		t.Fatal("expected to adopt the live session")
	}
	if _, err := adopted.Write([]byte("hi\n")); err != nil {
		t.Errorf("adopted handle write: %v", err)
	}
}

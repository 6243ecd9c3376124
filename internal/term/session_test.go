package term

import (
	"bytes"
	"os/exec"
	"testing"
	"time"
)

const eventTimeout = 5 * time.Second

// collectUntil drains events from ch until pred returns true or the timeout
// expires. It returns everything received, and whether pred matched.
func collectUntil(t *testing.T, ch <-chan Event, pred func(Event) bool) ([]Event, bool) {
	t.Helper()
	var got []Event
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got, false
			}
			got = append(got, ev)
			if pred(ev) {
				return got, true
			}
		case <-deadline:
			return got, false
		}
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestSpawnFailure(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Create("s1", Options{Command: "/nonexistent/definitely-not-a-binary"})
	if err == nil {
		t.Fatal("expected spawn error for missing executable")
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("failed spawn must not be registered, got %v", got)
	}
}

func TestSessionOutputAndExit(t *testing.T) {
	requireShell(t)
	r := NewRegistry()
	defer r.CloseAll()

	h, pid, err := r.Create("s1", Options{
		Command: "sh",
		Args:    []string{"-c", "printf 'marker-output'; exit 42"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pid <= 0 {
		t.Errorf("expected a real pid, got %d", pid)
	}

	ch, unsub := h.Subscribe()
	defer unsub()

	var output bytes.Buffer
	events, matched := collectUntil(t, ch, func(ev Event) bool {
		if ev.Kind == EventOutput {
			output.Write(ev.Data)
		}
		return ev.Kind == EventExited
	})
	if !matched {
		t.Fatalf("never saw exited event; got %d events", len(events))
	}

	last := events[len(events)-1]
	if last.ExitCode == nil || *last.ExitCode != 42 {
		t.Errorf("expected exit code 42, got %v", last.ExitCode)
	}
	if !bytes.Contains(output.Bytes(), []byte("marker-output")) {
		t.Errorf("expected output to contain marker, got %q", output.String())
	}
}

func TestSessionIntegrationEvents(t *testing.T) {
	requireShell(t)
	r := NewRegistry()
	defer r.CloseAll()

	script := `printf '\033]133;A\007'; printf '\033]133;B\007'; printf 'body'; printf '\033]133;D;7\007'; printf '\033]7;file://h/tmp/x%%20y\007'`
	h, _, err := r.Create("s1", Options{Command: "sh", Args: []string{"-c", script}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, unsub := h.Subscribe()
	defer unsub()

	events, matched := collectUntil(t, ch, func(ev Event) bool {
		return ev.Kind == EventExited
	})
	if !matched {
		t.Fatal("never saw exited event")
	}

	kinds := make(map[EventKind]Event)
	var order []EventKind
	for _, ev := range events {
		if _, seen := kinds[ev.Kind]; !seen {
			order = append(order, ev.Kind)
		}
		kinds[ev.Kind] = ev
	}

	if _, ok := kinds[EventPromptStart]; !ok {
		t.Error("missing prompt_start event")
	}
	start, ok := kinds[EventCommandStart]
	if !ok {
		t.Fatal("missing command_start event")
	}
	if start.BlockID == "" {
		t.Error("command_start must carry a block ID")
	}
	end, ok := kinds[EventCommandEnd]
	if !ok {
		t.Fatal("missing command_end event")
	}
	if end.ExitCode == nil || *end.ExitCode != 7 {
		t.Errorf("expected command exit code 7, got %v", end.ExitCode)
	}
	if end.BlockID != start.BlockID {
		t.Errorf("block IDs must match: start %q end %q", start.BlockID, end.BlockID)
	}
	cwd, ok := kinds[EventCwdChanged]
	if !ok {
		t.Fatal("missing cwd_changed event")
	}
	if cwd.Path != "/tmp/x y" {
		t.Errorf("expected decoded path '/tmp/x y', got %q", cwd.Path)
	}
	if h.CWD() != "/tmp/x y" {
		t.Errorf("session CWD not tracked, got %q", h.CWD())
	}
	if code, set := h.LastExitCode(); !set || code != 7 {
		t.Errorf("last exit code not tracked, got %d/%v", code, set)
	}

	// Lifecycle markers must arrive in stream order.
	seen := map[EventKind]int{}
	for i, k := range order {
		seen[k] = i
	}
	if seen[EventPromptStart] > seen[EventCommandStart] || seen[EventCommandStart] > seen[EventCommandEnd] {
		t.Errorf("event order violated: %v", order)
	}
}

func TestSessionEscapesStrippedFromOutput(t *testing.T) {
	requireShell(t)
	r := NewRegistry()
	defer r.CloseAll()

	h, _, err := r.Create("s1", Options{
		Command: "sh",
		Args:    []string{"-c", `printf 'a\033]133;A\007b'`},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, unsub := h.Subscribe()
	defer unsub()

	var output bytes.Buffer
	collectUntil(t, ch, func(ev Event) bool {
		if ev.Kind == EventOutput {
			output.Write(ev.Data)
		}
		return ev.Kind == EventExited
	})

	if bytes.Contains(output.Bytes(), []byte{0x1b, ']'}) {
		t.Errorf("OSC introducer leaked into visible output: %q", output.String())
	}
	if !bytes.Contains(output.Bytes(), []byte("ab")) {
		t.Errorf("expected 'ab' in output, got %q", output.String())
	}
}

func TestSessionWriteAndEcho(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	r := NewRegistry()
	defer r.CloseAll()

	h, _, err := r.Create("s1", Options{Command: "cat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, unsub := h.Subscribe()
	defer unsub()

	if _, err := h.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var output bytes.Buffer
	_, matched := collectUntil(t, ch, func(ev Event) bool {
		if ev.Kind == EventOutput {
			output.Write(ev.Data)
		}
		return bytes.Contains(output.Bytes(), []byte("ping"))
	})
	if !matched {
		t.Fatalf("never saw echoed input, got %q", output.String())
	}
}

func TestSessionReplay(t *testing.T) {
	requireShell(t)
	r := NewRegistry()
	defer r.CloseAll()

	h, _, err := r.Create("s1", Options{
		Command: "sh",
		Args:    []string{"-c", "printf 'replayed'"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-h.Done()

	if !bytes.Contains(h.Replay(), []byte("replayed")) {
		t.Errorf("replay buffer missing output, got %q", h.Replay())
	}
}

func TestSessionWriteAfterCloseFails(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	r := NewRegistry()

	h, _, err := r.Create("s1", Options{Command: "cat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Close("s1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := h.Write([]byte("x")); err == nil {
		t.Error("write after close must fail")
	}
}

func TestResizeInvalidSize(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	r := NewRegistry()
	defer r.CloseAll()

	if _, _, err := r.Create("s1", Options{Command: "cat"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Resize("s1", 0, 24); err != ErrInvalidSize {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
	if err := r.Resize("s1", 100, 30); err != nil {
		t.Errorf("resize failed: %v", err)
	}
}

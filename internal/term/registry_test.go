package term

import (
	"bytes"
	"os/exec"
	"testing"
	"time"
)

func requireCat(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
}

func TestRegistryUnknownSession(t *testing.T) {
	r := NewRegistry()

	if err := r.Write("nope", []byte("x")); err != ErrUnknownSession {
		t.Errorf("expected ErrUnknownSession from Write, got %v", err)
	}
	if err := r.Resize("nope", 80, 24); err != ErrUnknownSession {
		t.Errorf("expected ErrUnknownSession from Resize, got %v", err)
	}
	if h := r.Get("nope"); h != nil {
		t.Errorf("expected nil handle, got %v", h)
	}
	if err := r.Close("nope"); err != nil {
		t.Errorf("closing an unknown session must be a no-op, got %v", err)
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	requireCat(t)
	r := NewRegistry()
	defer r.CloseAll()

	if _, _, err := r.Create("dup", Options{Command: "cat"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := r.Create("dup", Options{Command: "cat"}); err == nil {
		t.Error("duplicate session ID must be rejected")
	}
}

// Racing creates for one ID must yield exactly one live session; the losers
// are rejected and their children cleaned up, never silently overwritten.
func TestRegistryConcurrentCreateSameID(t *testing.T) {
	requireCat(t)
	r := NewRegistry()
	defer r.CloseAll()

	const attempts = 8
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, _, err := r.Create("dup", Options{Command: "cat"})
			results <- err
		}()
	}

	created := 0
	for i := 0; i < attempts; i++ {
		if err := <-results; err == nil {
			created++
		}
	}
	if created != 1 {
		t.Errorf("expected exactly one successful create, got %d", created)
	}
	if got := r.List(); len(got) != 1 || got[0] != "dup" {
		t.Errorf("expected registry to hold [dup], got %v", got)
	}
}

// Two sessions must not cross-talk: writing to one never surfaces on the
// other, and closing one leaves the other fully functional.
func TestRegistryIsolation(t *testing.T) {
	requireCat(t)
	r := NewRegistry()
	defer r.CloseAll()

	a, _, err := r.Create("a", Options{Command: "cat"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, _, err := r.Create("b", Options{Command: "cat"})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	chA, unsubA := a.Subscribe()
	defer unsubA()
	chB, unsubB := b.Subscribe()
	defer unsubB()

	if err := r.Write("a", []byte("only-for-a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var outA bytes.Buffer
	_, matched := collectUntil(t, chA, func(ev Event) bool {
		if ev.Kind == EventOutput {
			outA.Write(ev.Data)
		}
		return bytes.Contains(outA.Bytes(), []byte("only-for-a"))
	})
	if !matched {
		t.Fatalf("session a never echoed its input, got %q", outA.String())
	}

	select {
	case ev := <-chB:
		t.Errorf("session b received an event meant for a: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	// Closing a must not disturb b.
	if err := r.Close("a"); err != nil {
		t.Fatalf("close a: %v", err)
	}
	if err := r.Write("b", []byte("b-still-alive\n")); err != nil {
		t.Fatalf("write to b after closing a: %v", err)
	}
	var outB bytes.Buffer
	_, matched = collectUntil(t, chB, func(ev Event) bool {
		if ev.Kind == EventOutput {
			outB.Write(ev.Data)
		}
		return bytes.Contains(outB.Bytes(), []byte("b-still-alive"))
	})
	if !matched {
		t.Fatalf("session b stopped working after closing a, got %q", outB.String())
	}
}

// Close is idempotent, and once it returns no further events are delivered:
// the subscriber channel must already be closed.
func TestRegistryCloseIdempotentAndFinal(t *testing.T) {
	requireCat(t)
	r := NewRegistry()

	h, _, err := r.Create("s1", Options{Command: "cat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch, unsub := h.Subscribe()
	defer unsub()

	if err := r.Close("s1"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := r.Close("s1"); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// Drain whatever was delivered before close completed; the channel must
	// be closed without blocking.
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(eventTimeout):
			t.Fatal("subscriber channel still open after Close returned")
		}
	}
}

func TestRegistryCloseAllJoins(t *testing.T) {
	requireCat(t)
	r := NewRegistry()

	var handles []Handle
	for _, id := range []string{"x", "y", "z"} {
		h, _, err := r.Create(id, Options{Command: "cat"})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		handles = append(handles, h)
	}

	r.CloseAll()

	for i, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Errorf("session %d still running after CloseAll returned", i)
		}
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("expected empty registry after CloseAll, got %v", got)
	}
}

func TestSubscribeAfterEndYieldsClosedChannel(t *testing.T) {
	requireShell(t)
	r := NewRegistry()
	defer r.CloseAll()

	h, _, err := r.Create("s1", Options{Command: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-h.Done()

	ch, unsub := h.Subscribe()
	defer unsub()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel for ended session")
		}
	case <-time.After(time.Second):
		t.Error("channel from ended session must be closed immediately")
	}
}

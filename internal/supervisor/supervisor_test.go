package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRingAppendEvictsOldestFIFO(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.append(ConsoleLine{Text: string(rune('a' + i))})
	}
	got := r.tail(10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"c", "d", "e"}
	for i, l := range got {
		if l.Text != want[i] {
			t.Errorf("line[%d] = %q, want %q", i, l.Text, want[i])
		}
	}
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCollector) waitFor(t *testing.T, pred func(Event) bool, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range c.snapshot() {
			if pred(e) {
				return e
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for matching event; got %+v", c.snapshot())
	return Event{}
}

func TestSupervisorStartStopLifecycle(t *testing.T) {
	s := New(nil, nil)
	collector := &eventCollector{}

	if err := s.Start("srv1", "/bin/sh", []string{"-c", "sleep 5"}, false, collector.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}

	collector.waitFor(t, func(e Event) bool {
		return e.Type == EventStateChanged && e.State == StateRunning
	}, 2*time.Second)

	if state, ok := s.State("srv1"); !ok || state != StateRunning {
		t.Fatalf("State = %v, %v; want running, true", state, ok)
	}

	if err := s.Stop(context.Background(), "srv1", true); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	collector.waitFor(t, func(e Event) bool {
		return e.Type == EventStateChanged && e.State == StateStopped
	}, 2*time.Second)
}

func TestSupervisorDoubleStartRejected(t *testing.T) {
	s := New(nil, nil)
	collector := &eventCollector{}

	if err := s.Start("srv1", "/bin/sh", []string{"-c", "sleep 5"}, false, collector.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background(), "srv1", true)

	collector.waitFor(t, func(e Event) bool {
		return e.Type == EventStateChanged && e.State == StateRunning
	}, 2*time.Second)

	if err := s.Start("srv1", "/bin/sh", []string{"-c", "sleep 5"}, false, collector.handle); err == nil {
		t.Error("expected error starting an already-running process")
	}
}

func TestSupervisorPlayerDetection(t *testing.T) {
	s := New(nil, nil)
	collector := &eventCollector{}

	script := `echo "Player connected: Steve, xuid: 123456789"; sleep 0.1; echo "Player disconnected: Steve, xuid: 123456789, reason: disconnect"`
	if err := s.Start("srv1", "/bin/sh", []string{"-c", script}, false, collector.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Cleanup("srv1")

	joined := collector.waitFor(t, func(e Event) bool { return e.Type == EventPlayerJoined }, 2*time.Second)
	if joined.Player.Name != "Steve" || joined.Player.XUID != "123456789" {
		t.Errorf("joined player = %+v, want Steve/123456789", joined.Player)
	}

	left := collector.waitFor(t, func(e Event) bool { return e.Type == EventPlayerLeft }, 2*time.Second)
	if left.Player.Name != "Steve" || left.Player.XUID != "123456789" {
		t.Errorf("left player = %+v, want Steve/123456789", left.Player)
	}
}

func TestSupervisorSendCommandRejectedWhenNotRunning(t *testing.T) {
	s := New(nil, nil)
	if err := s.SendCommand("unknown", "say hi"); err == nil {
		t.Error("expected error sending command to unknown process")
	}
}

func TestSupervisorCrashWithoutAutoRestartReachesErrorState(t *testing.T) {
	s := New(nil, nil)
	collector := &eventCollector{}

	if err := s.Start("srv1", "/bin/sh", []string{"-c", "exit 1"}, false, collector.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Cleanup("srv1")

	collector.waitFor(t, func(e Event) bool {
		return e.Type == EventStateChanged && e.State == StateError
	}, 2*time.Second)
}

func TestGetConsoleOutputUnknownID(t *testing.T) {
	s := New(nil, nil)
	if out := s.GetConsoleOutput("nope", 10); out != nil {
		t.Errorf("expected nil console output for unknown id, got %v", out)
	}
}

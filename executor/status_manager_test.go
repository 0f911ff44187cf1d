package executor

import (
	"fmt"
	"testing"
)

func TestStatusManagerInitialState(t *testing.T) {
	sm := NewStatusManager([]string{"a", "b"})

	for _, name := range []string{"a", "b"} {
		if got := sm.Status(name); got != StatusQueued {
			t.Errorf("Status(%s) = %s, want %s", name, got, StatusQueued)
		}
	}
}

func TestStatusManagerTransitions(t *testing.T) {
	sm := NewStatusManager([]string{"a"})

	sm.SetStatus("a", StatusBuilding)
	snapshot := sm.Snapshot()["a"]
	if snapshot.StartTime.IsZero() {
		t.Error("Building should record a start time")
	}
	if !snapshot.EndTime.IsZero() {
		t.Error("Building should clear the end time")
	}

	sm.SetStatus("a", StatusBuilt)
	snapshot = sm.Snapshot()["a"]
	if snapshot.EndTime.IsZero() {
		t.Error("Built should record an end time")
	}
}

func TestStatusManagerLogRetention(t *testing.T) {
	sm := NewStatusManager([]string{"a"})

	for i := 0; i < maxLogLines+50; i++ {
		sm.AppendLog("a", fmt.Sprintf("line %d", i))
	}

	lines := sm.Snapshot()["a"].LogLines
	if len(lines) != maxLogLines {
		t.Errorf("log retention should cap at %d lines, got %d", maxLogLines, len(lines))
	}
	if lines[len(lines)-1] != fmt.Sprintf("line %d", maxLogLines+49) {
		t.Errorf("retention should keep the newest lines, last = %s", lines[len(lines)-1])
	}
}

func TestStatusManagerSnapshotIsIsolated(t *testing.T) {
	sm := NewStatusManager([]string{"a"})
	sm.AppendLog("a", "one")

	snapshot := sm.Snapshot()["a"]
	snapshot.LogLines[0] = "mutated"

	if sm.Snapshot()["a"].LogLines[0] != "one" {
		t.Error("mutating a snapshot must not affect the manager's state")
	}
}

func TestStatusManagerConcurrency(t *testing.T) {
	sm := NewStatusManager([]string{"a"})

	go func() {
		for i := 0; i < 1000; i++ {
			sm.AppendLog("a", "line")
		}
	}()

	for i := 0; i < 1000; i++ {
		sm.Snapshot()
	}

	// Passes if the race detector stays quiet.
}

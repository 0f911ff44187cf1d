package executor

import (
	"sync"
	"time"
)

const (
	StatusQueued   = "Queued"
	StatusBuilding = "Building"
	StatusBuilt    = "Built"
	StatusSkipped  = "Skipped"
	StatusFailed   = "Failed"
)

// maxLogLines bounds per-target log retention for the status view.
const maxLogLines = 100

type TargetStatus struct {
	Status    string
	StartTime time.Time
	EndTime   time.Time
	LogLines  []string
}

// StatusManager tracks per-target execution state for reporting. It is the
// only piece of loop state shared with other goroutines (the TUI and the
// output forwarders), so it carries its own lock.
type StatusManager interface {
	SetStatus(name, status string)
	AppendLog(name, line string)
	Status(name string) string
	Snapshot() map[string]TargetStatus
}

type statusManager struct {
	statusMap map[string]*TargetStatus
	mu        sync.Mutex
}

func NewStatusManager(names []string) StatusManager {
	statusMap := make(map[string]*TargetStatus, len(names))
	for _, name := range names {
		statusMap[name] = &TargetStatus{Status: StatusQueued}
	}
	return &statusManager{statusMap: statusMap}
}

func (sm *statusManager) SetStatus(name, status string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ts := sm.get(name)
	ts.Status = status
	switch status {
	case StatusBuilding:
		ts.StartTime = time.Now()
		ts.EndTime = time.Time{}
	case StatusBuilt, StatusSkipped, StatusFailed:
		ts.EndTime = time.Now()
	}
}

func (sm *statusManager) AppendLog(name, line string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ts := sm.get(name)
	ts.LogLines = append(ts.LogLines, line)
	if len(ts.LogLines) > maxLogLines {
		ts.LogLines = ts.LogLines[len(ts.LogLines)-maxLogLines:]
	}
}

func (sm *statusManager) Status(name string) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.get(name).Status
}

func (sm *statusManager) Snapshot() map[string]TargetStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	snapshot := make(map[string]TargetStatus, len(sm.statusMap))
	for name, ts := range sm.statusMap {
		copied := *ts
		copied.LogLines = append([]string(nil), ts.LogLines...)
		snapshot[name] = copied
	}
	return snapshot
}

func (sm *statusManager) get(name string) *TargetStatus {
	ts, ok := sm.statusMap[name]
	if !ok {
		ts = &TargetStatus{Status: StatusQueued}
		sm.statusMap[name] = ts
	}
	return ts
}

package executor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZacxDev/buildloop/fs/mock"
	"github.com/ZacxDev/buildloop/target"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const testWorkingDir = "/work"

type mockCommandExecutor struct {
	mu            sync.Mutex
	executed      []string
	failCommands  map[string]error
	blockers      map[string]chan struct{}
	current       map[string]int
	maxConcurrent map[string]int
}

func newMockCommandExecutor() *mockCommandExecutor {
	return &mockCommandExecutor{
		failCommands:  make(map[string]error),
		blockers:      make(map[string]chan struct{}),
		current:       make(map[string]int),
		maxConcurrent: make(map[string]int),
	}
}

func (m *mockCommandExecutor) ExecuteBuild(name, command string, sink LogSink) error {
	m.mu.Lock()
	m.executed = append(m.executed, name)
	m.current[name]++
	if m.current[name] > m.maxConcurrent[name] {
		m.maxConcurrent[name] = m.current[name]
	}
	blocker := m.blockers[command]
	err := m.failCommands[command]
	m.mu.Unlock()

	if blocker != nil {
		<-blocker
	}

	m.mu.Lock()
	m.current[name]--
	m.mu.Unlock()
	return err
}

func (m *mockCommandExecutor) executions(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, executed := range m.executed {
		if executed == name {
			count++
		}
	}
	return count
}

func (m *mockCommandExecutor) order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executed...)
}

type mockProcessManager struct {
	mu       sync.Mutex
	restarts map[string]int
	stopped  bool
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{restarts: make(map[string]int)}
}

func (m *mockProcessManager) Restart(t *target.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts[t.Name]++
}

func (m *mockProcessManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockProcessManager) restartCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[name]
}

type mockWatchManager struct {
	events chan fsnotify.Event
	errs   chan error
}

func newMockWatchManager() *mockWatchManager {
	return &mockWatchManager{
		events: make(chan fsnotify.Event, 16),
		errs:   make(chan error, 1),
	}
}

func (m *mockWatchManager) Watch(g target.Graph) error       { return nil }
func (m *mockWatchManager) AddPath(path string) error        { return nil }
func (m *mockWatchManager) Events() <-chan fsnotify.Event    { return m.events }
func (m *mockWatchManager) Errors() <-chan error             { return m.errs }
func (m *mockWatchManager) Close() error                     { return nil }

func (m *mockWatchManager) emitWrite(relPath string) {
	m.events <- fsnotify.Event{Name: filepath.Join(testWorkingDir, relPath), Op: fsnotify.Write}
}

type loopFixture struct {
	graph     target.Graph
	fsys      *mock.MockFileSystem
	commands  *mockCommandExecutor
	processes *mockProcessManager
	watcher   *mockWatchManager
	statuses  StatusManager
	loop      *BuildLoop
	loopErr   chan error
	cancel    context.CancelFunc
}

func newLoopFixture(t *testing.T, graph target.Graph) *loopFixture {
	t.Helper()
	f := &loopFixture{
		graph:     graph,
		fsys:      mock.NewMockFileSystem(),
		commands:  newMockCommandExecutor(),
		processes: newMockProcessManager(),
		watcher:   newMockWatchManager(),
		statuses:  NewStatusManager(graph.Names()),
		loopErr:   make(chan error, 1),
	}
	f.loop = NewBuildLoop(
		graph,
		NewChecksumManager(f.fsys, testChecksumDir),
		f.processes,
		f.statuses,
		f.watcher,
		f.commands,
		StdoutSink(f.statuses, false),
		testWorkingDir,
	)
	f.loop.PollInterval = time.Millisecond
	return f
}

func (f *loopFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		f.loopErr <- f.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.loopErr:
		case <-time.After(5 * time.Second):
			t.Error("build loop did not stop")
		}
	})
}

func (f *loopFixture) stop(t *testing.T) error {
	t.Helper()
	f.cancel()
	select {
	case err := <-f.loopErr:
		f.loopErr <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("build loop did not stop")
		return nil
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func buildTargets(specs map[string]*target.Target) target.Graph {
	g := make(target.Graph)
	for name, t := range specs {
		t.Name = name
		g[name] = t
	}
	return g
}

func TestIsTargetToBuild(t *testing.T) {
	tgt := &target.Target{Name: "b", DependsOn: []string{"a"}, Incremental: true}
	nonIncremental := &target.Target{Name: "n", Incremental: false}

	cases := []struct {
		name     string
		target   *target.Target
		built    map[string]bool
		building map[string]bool
		changed  map[string]bool
		want     bool
	}{
		{"dependency not built", tgt, map[string]bool{}, map[string]bool{}, map[string]bool{}, false},
		{"dependency built", tgt, map[string]bool{"a": true}, map[string]bool{}, map[string]bool{}, true},
		{"already building", tgt, map[string]bool{"a": true}, map[string]bool{"b": true}, map[string]bool{}, false},
		{"built and unchanged", tgt, map[string]bool{"a": true, "b": true}, map[string]bool{}, map[string]bool{}, false},
		{"built and changed", tgt, map[string]bool{"a": true, "b": true}, map[string]bool{}, map[string]bool{"b": true}, true},
		{"non-incremental changed", nonIncremental, map[string]bool{"n": true}, map[string]bool{}, map[string]bool{"n": true}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := isTargetToBuild(tc.target, tc.built, tc.building, tc.changed)
			if got != tc.want {
				t.Errorf("isTargetToBuild = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildLoopOrdersDependencies(t *testing.T) {
	f := newLoopFixture(t, buildTargets(map[string]*target.Target{
		"a": {BuildList: []string{"echo hi"}, Incremental: true},
		"b": {DependsOn: []string{"a"}, BuildList: []string{"echo bye"}, Incremental: true},
	}))
	f.start(t)

	waitUntil(t, "both targets built", func() bool {
		return f.commands.executions("a") == 1 && f.commands.executions("b") == 1
	})

	order := f.commands.order()
	if order[0] != "a" || order[1] != "b" {
		t.Errorf("b must build after a, got order %v", order)
	}

	if err := f.stop(t); !errors.Is(err, context.Canceled) {
		t.Errorf("loop should only stop on cancellation, got: %v", err)
	}
}

func TestBuildLoopFailureIsFatal(t *testing.T) {
	f := newLoopFixture(t, buildTargets(map[string]*target.Target{
		"a": {BuildList: []string{"false"}, Incremental: true},
		"b": {DependsOn: []string{"a"}, BuildList: []string{"echo bye"}, Incremental: true},
	}))
	f.commands.failCommands["false"] = errors.New("exit status 1")
	f.start(t)

	var err error
	waitUntil(t, "loop to terminate", func() bool {
		select {
		case err = <-f.loopErr:
			f.loopErr <- err
			return true
		default:
			return false
		}
	})

	if err == nil || !strings.Contains(err.Error(), "build failed for target a") {
		t.Errorf("loop error should name the failed target, got: %v", err)
	}
	if f.commands.executions("b") != 0 {
		t.Error("a dependent of the failed target must never build")
	}
}

func TestBuildLoopRebuildsOnlyChangedTarget(t *testing.T) {
	f := newLoopFixture(t, buildTargets(map[string]*target.Target{
		"x": {WatchPaths: []string{"src"}, BuildList: []string{"make x"}, Incremental: true},
		"y": {WatchPaths: []string{"lib"}, BuildList: []string{"make y"}, Incremental: true},
	}))
	f.start(t)

	waitUntil(t, "initial builds", func() bool {
		return f.commands.executions("x") == 1 && f.commands.executions("y") == 1
	})

	f.watcher.emitWrite(filepath.Join("src", "thing.go"))

	waitUntil(t, "x to rebuild", func() bool {
		return f.commands.executions("x") == 2
	})

	time.Sleep(20 * time.Millisecond)
	if got := f.commands.executions("y"); got != 1 {
		t.Errorf("y must not rebuild for a change under src, built %d times", got)
	}
}

func TestBuildLoopNonIncrementalNeverRebuilds(t *testing.T) {
	f := newLoopFixture(t, buildTargets(map[string]*target.Target{
		"x": {WatchPaths: []string{"src"}, BuildList: []string{"make x"}, Incremental: false},
	}))
	f.start(t)

	waitUntil(t, "initial build", func() bool {
		return f.commands.executions("x") == 1
	})

	f.watcher.emitWrite(filepath.Join("src", "thing.go"))

	time.Sleep(50 * time.Millisecond)
	if got := f.commands.executions("x"); got != 1 {
		t.Errorf("a built non-incremental target must not rebuild, built %d times", got)
	}
}

func TestBuildLoopAtMostOneInFlightPerTarget(t *testing.T) {
	f := newLoopFixture(t, buildTargets(map[string]*target.Target{
		"slow": {WatchPaths: []string{"src"}, BuildList: []string{"make slow"}, Incremental: true},
	}))
	release := make(chan struct{})
	f.commands.blockers["make slow"] = release
	f.start(t)

	waitUntil(t, "build to start", func() bool {
		return f.commands.executions("slow") == 1
	})

	// Events while building mark the target changed but must not dispatch
	// a second concurrent build.
	for i := 0; i < 5; i++ {
		f.watcher.emitWrite(filepath.Join("src", "thing.go"))
	}
	time.Sleep(30 * time.Millisecond)
	close(release)

	waitUntil(t, "rebuild after release", func() bool {
		return f.commands.executions("slow") == 2
	})

	f.commands.mu.Lock()
	maxConcurrent := f.commands.maxConcurrent["slow"]
	f.commands.mu.Unlock()
	if maxConcurrent > 1 {
		t.Errorf("target had %d concurrent builds in flight", maxConcurrent)
	}
}

func TestBuildLoopRunProcessLifecycle(t *testing.T) {
	f := newLoopFixture(t, buildTargets(map[string]*target.Target{
		"srv": {
			WatchPaths:  []string{"src"},
			BuildList:   []string{"make srv"},
			RunList:     []string{"./srv"},
			Incremental: true,
		},
	}))
	f.fsys.WriteFile(filepath.Join("src", "server.go"), []byte("package main"), 0644)
	f.start(t)

	waitUntil(t, "run process started", func() bool {
		return f.processes.restartCount("srv") == 1
	})

	// An event without an actual content change skips the build and must
	// leave the running process untouched.
	f.watcher.emitWrite(filepath.Join("src", "server.go"))
	waitUntil(t, "skip result", func() bool {
		return f.statuses.Status("srv") == StatusSkipped
	})
	if got := f.processes.restartCount("srv"); got != 1 {
		t.Errorf("a skip must not restart the run process, got %d restarts", got)
	}

	// A real change rebuilds and restarts.
	f.fsys.WriteFile(filepath.Join("src", "server.go"), []byte("package main // v2"), 0644)
	f.watcher.emitWrite(filepath.Join("src", "server.go"))
	waitUntil(t, "run process restarted", func() bool {
		return f.processes.restartCount("srv") == 2
	})
}

func TestBuildLoopWatchErrorIsFatal(t *testing.T) {
	f := newLoopFixture(t, buildTargets(map[string]*target.Target{
		"a": {BuildList: []string{"echo hi"}, Incremental: true},
	}))
	f.start(t)

	f.watcher.errs <- errors.New("inotify overflow")

	var err error
	waitUntil(t, "loop to terminate", func() bool {
		select {
		case err = <-f.loopErr:
			f.loopErr <- err
			return true
		default:
			return false
		}
	})

	if err == nil || !strings.Contains(err.Error(), "filesystem watch error") {
		t.Errorf("watch errors should be fatal, got: %v", err)
	}
}

func TestBuildLoopClosedWatchChannelIsFatal(t *testing.T) {
	f := newLoopFixture(t, buildTargets(map[string]*target.Target{
		"a": {BuildList: []string{"echo hi"}, Incremental: true},
	}))
	f.start(t)

	close(f.watcher.events)

	var err error
	waitUntil(t, "loop to terminate", func() bool {
		select {
		case err = <-f.loopErr:
			f.loopErr <- err
			return true
		default:
			return false
		}
	})

	if !errors.Is(err, ErrWatchChannelClosed) {
		t.Errorf("expected ErrWatchChannelClosed, got: %v", err)
	}
}

package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZacxDev/buildloop/target"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Closed message-passing endpoints mean a broken loop invariant; they are
// surfaced as distinct fatal errors rather than crashing from a worker.
var (
	ErrWatchChannelClosed  = errors.New("filesystem watch channel closed unexpectedly")
	ErrResultChannelClosed = errors.New("build result channel closed unexpectedly")
)

type BuildResultState int

const (
	BuildSuccess BuildResultState = iota
	BuildFail
	BuildSkip
)

// BuildResult is the message a build task sends back to the loop.
type BuildResult struct {
	Target string
	State  BuildResultState
	Err    error
}

// BuildLoop is the central scheduler. It owns all runtime scheduling state
// (built, building, changed); worker goroutines communicate exclusively
// through the result channel and never touch that state.
type BuildLoop struct {
	targets    target.Graph
	checksums  ChecksumManager
	processes  ProcessManager
	statuses   StatusManager
	watcher    WatchManager
	commands   CommandExecutor
	sink       LogSink
	workingDir string

	// PollInterval bounds the busy-poll latency; it does not affect
	// correctness.
	PollInterval time.Duration
}

func NewBuildLoop(
	targets target.Graph,
	checksums ChecksumManager,
	processes ProcessManager,
	statuses StatusManager,
	watcher WatchManager,
	commands CommandExecutor,
	sink LogSink,
	workingDir string,
) *BuildLoop {
	return &BuildLoop{
		targets:      targets,
		checksums:    checksums,
		processes:    processes,
		statuses:     statuses,
		watcher:      watcher,
		commands:     commands,
		sink:         sink,
		workingDir:   workingDir,
		PollInterval: 10 * time.Millisecond,
	}
}

// Run drives the build loop until a fatal error or context cancellation.
// It never returns nil: in watch mode the loop has no natural end.
func (bl *BuildLoop) Run(ctx context.Context) error {
	if err := bl.watcher.Watch(bl.targets); err != nil {
		return errors.Wrap(err, "failed to set up filesystem watches")
	}
	defer bl.watcher.Close()
	defer bl.processes.StopAll()

	built := make(map[string]bool)
	building := make(map[string]bool)
	changed := make(map[string]bool)

	// Buffered so a build task never blocks sending its result.
	results := make(chan BuildResult, len(bl.targets))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := bl.drainWatchEvents(changed); err != nil {
			return err
		}

		for _, name := range bl.pendingTargets(built, building, changed) {
			building[name] = true
			delete(changed, name)
			bl.statuses.SetStatus(name, StatusBuilding)
			bl.sink(name, "building")
			go bl.buildTarget(bl.targets[name], results)
		}

		if err := bl.drainResults(results, built, building); err != nil {
			return err
		}

		time.Sleep(bl.PollInterval)
	}
}

// drainWatchEvents consumes every currently available filesystem event and
// marks each target whose watch paths prefix-match the event's path,
// relative to the working directory.
func (bl *BuildLoop) drainWatchEvents(changed map[string]bool) error {
	for {
		select {
		case event, ok := <-bl.watcher.Events():
			if !ok {
				return ErrWatchChannelClosed
			}
			if event.Op&fsnotify.Create != 0 {
				if err := bl.watcher.AddPath(event.Name); err != nil {
					return errors.Wrapf(err, "failed to watch created path %s", event.Name)
				}
			}
			relPath, err := filepath.Rel(bl.workingDir, event.Name)
			if err != nil {
				continue
			}
			for name, t := range bl.targets {
				if watchPathsMatch(t.WatchPaths, relPath) {
					changed[name] = true
				}
			}
		case err, ok := <-bl.watcher.Errors():
			if !ok {
				return ErrWatchChannelClosed
			}
			return errors.Wrap(err, "filesystem watch error")
		default:
			return nil
		}
	}
}

func watchPathsMatch(watchPaths []string, relPath string) bool {
	for _, watchPath := range watchPaths {
		if strings.HasPrefix(relPath, watchPath) {
			return true
		}
	}
	return false
}

// isTargetToBuild decides eligibility: all dependencies built, not already
// in flight, and a target already built only goes again when it is
// incremental and has changed files. A non-incremental target, once built,
// never rebuilds automatically.
func isTargetToBuild(t *target.Target, built, building, changed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !built[dep] {
			return false
		}
	}
	if building[t.Name] {
		return false
	}
	if built[t.Name] {
		if !t.Incremental {
			return false
		}
		if !changed[t.Name] {
			return false
		}
	}
	return true
}

func (bl *BuildLoop) pendingTargets(built, building, changed map[string]bool) []string {
	var pending []string
	for _, name := range bl.targets.Names() {
		if isTargetToBuild(bl.targets[name], built, building, changed) {
			pending = append(pending, name)
		}
	}
	return pending
}

// buildTarget runs in its own goroutine, one per in-flight target. The
// building-set gate guarantees at most one of these per target, so the
// checksum record is never written concurrently.
func (bl *BuildLoop) buildTarget(t *target.Target, results chan<- BuildResult) {
	result, err := bl.checksums.Run(t, func() error {
		for _, command := range t.BuildList {
			bl.sink(t.Name, "running build command: "+command)
			if err := bl.commands.ExecuteBuild(t.Name, command, bl.sink); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		results <- BuildResult{Target: t.Name, State: BuildFail, Err: err}
		return
	}
	if result.Skipped {
		results <- BuildResult{Target: t.Name, State: BuildSkip}
		return
	}
	if result.Err != nil {
		results <- BuildResult{Target: t.Name, State: BuildFail, Err: result.Err}
		return
	}
	results <- BuildResult{Target: t.Name, State: BuildSuccess}
}

// drainResults consumes every currently available build result. A skip
// counts as done for scheduling purposes; a failure aborts the whole loop.
func (bl *BuildLoop) drainResults(results <-chan BuildResult, built, building map[string]bool) error {
	for {
		select {
		case result, ok := <-results:
			if !ok {
				return ErrResultChannelClosed
			}
			delete(building, result.Target)
			built[result.Target] = true

			switch result.State {
			case BuildSuccess:
				bl.statuses.SetStatus(result.Target, StatusBuilt)
				bl.sink(result.Target, "done")
				t := bl.targets[result.Target]
				if len(t.RunList) > 0 {
					bl.processes.Restart(t)
				}
			case BuildSkip:
				// No file changes, so any previous run process keeps
				// running untouched; nothing starts on a skip.
				bl.statuses.SetStatus(result.Target, StatusSkipped)
				bl.sink(result.Target, "skipped (not modified)")
			case BuildFail:
				bl.statuses.SetStatus(result.Target, StatusFailed)
				if result.Err != nil {
					return errors.Wrapf(result.Err, "build failed for target %s", result.Target)
				}
				return errors.Errorf("build failed for target %s", result.Target)
			default:
				return errors.Errorf("unknown build result state %d for target %s", result.State, result.Target)
			}
		default:
			return nil
		}
	}
}

// StdoutSink returns a LogSink that records lines for the status view and,
// when echo is set, prints them prefixed with the target name.
func StdoutSink(statuses StatusManager, echo bool) LogSink {
	return func(name, line string) {
		statuses.AppendLog(name, line)
		if echo {
			fmt.Printf("[%s] %s\n", name, line)
		}
	}
}

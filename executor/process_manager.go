package executor

import (
	"bufio"
	"io"
	"log"
	"os/exec"
	"sync"

	"github.com/ZacxDev/buildloop/target"
)

// RunSignal is the control message delivered to a run supervisor. It is a
// closed enum so the channel contract can grow (restart, pause) without
// changing shape.
type RunSignal int

const (
	SignalKill RunSignal = iota
)

func (s RunSignal) String() string {
	switch s {
	case SignalKill:
		return "KILL"
	}
	return "UNKNOWN"
}

// ProcessManager supervises the long-running run commands of targets. At
// most one live supervised run exists per target: Restart cancels the
// previous run (fire-and-continue, not a blocking join) before starting
// the next, so the old and new processes may briefly overlap.
type ProcessManager interface {
	Restart(t *target.Target)
	StopAll()
}

type processManager struct {
	sink     LogSink
	mu       sync.Mutex
	channels map[string]chan RunSignal
	wg       sync.WaitGroup
}

func NewProcessManager(sink LogSink) ProcessManager {
	return &processManager{
		sink:     sink,
		channels: make(map[string]chan RunSignal),
	}
}

func (pm *processManager) Restart(t *target.Target) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if prev, ok := pm.channels[t.Name]; ok {
		// Buffered channel: if a kill is already pending the supervisor
		// will see it; a supervisor that already exited never receives.
		select {
		case prev <- SignalKill:
		default:
		}
	}

	signals := make(chan RunSignal, 1)
	pm.channels[t.Name] = signals

	pm.wg.Add(1)
	go pm.supervise(t, signals)
}

// StopAll signals every supervised run and waits for the supervisors to
// finish. Used on shutdown so no orphaned processes outlive the loop.
func (pm *processManager) StopAll() {
	pm.mu.Lock()
	for _, signals := range pm.channels {
		select {
		case signals <- SignalKill:
		default:
		}
	}
	pm.mu.Unlock()

	pm.wg.Wait()
}

// supervise executes the run list sequentially: command i+1 starts only
// after command i exits. While a command is active it blocks awaiting
// either natural exit or a signal on the dedicated channel.
func (pm *processManager) supervise(t *target.Target, signals <-chan RunSignal) {
	defer pm.wg.Done()

	for _, command := range t.RunList {
		pm.sink(t.Name, "running: "+command)

		cmd := exec.Command("sh", "-c", command)
		configureRunProc(cmd)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Printf("[%s] failed to pipe run command output: %v", t.Name, err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Printf("[%s] failed to pipe run command output: %v", t.Name, err)
			return
		}

		if err := cmd.Start(); err != nil {
			log.Printf("[%s] failed to start run command %s: %v", t.Name, command, err)
			return
		}

		go pm.forwardOutput(t.Name, stdout)
		go pm.forwardOutput(t.Name, stderr)

		done := make(chan error, 1)
		go func() {
			done <- cmd.Wait()
		}()

		select {
		case sig := <-signals:
			if sig != SignalKill {
				log.Printf("[%s] unexpected run signal %s", t.Name, sig)
			}
			if err := killRunProc(cmd); err != nil {
				// The previous process may be leaked; make it visible.
				log.Printf("[%s] FAILED TO KILL run process for %s: %v", t.Name, command, err)
			}
			<-done
			return
		case err := <-done:
			if err != nil {
				log.Printf("[%s] run command exited: %v", t.Name, err)
				return
			}
		}
	}
}

func (pm *processManager) forwardOutput(name string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		pm.sink(name, scanner.Text())
	}
}

package executor

import (
	"bufio"
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// LogSink receives one line of subprocess output at a time, tagged with the
// originating target. Implementations must be safe for concurrent use.
type LogSink func(targetName, line string)

// CommandExecutor runs a single build command to completion. Build commands
// are not cancellable; they run until natural exit or failure.
type CommandExecutor interface {
	ExecuteBuild(targetName, command string, sink LogSink) error
}

// RealCommandExecutor runs commands through the shell.
type RealCommandExecutor struct{}

func (RealCommandExecutor) ExecuteBuild(targetName, command string, sink LogSink) error {
	cmd := exec.Command("sh", "-c", command)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "failed to pipe stdout for command %s", command)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrapf(err, "failed to pipe stderr for command %s", command)
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start command %s", command)
	}

	done := make(chan struct{}, 2)
	scan := func(pipe io.Reader) {
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			sink(targetName, scanner.Text())
		}
		done <- struct{}{}
	}
	go scan(stdout)
	go scan(stderr)
	<-done
	<-done

	if err := cmd.Wait(); err != nil {
		return errors.Wrapf(err, "command failed: %s", command)
	}
	return nil
}

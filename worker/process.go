package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

type process struct {
	cmd   *exec.Cmd
	start time.Time

	// exited is closed once the process has been reaped; state is valid after that.
	exited  chan struct{}
	state   *os.ProcessState
	waitErr error
}

func startProcess(executable string, args, env []string, stdout, stderr io.Writer) (*process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p := &process{cmd: cmd, start: time.Now(), exited: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}

	go func() {
		p.waitErr = cmd.Wait()
		p.state = cmd.ProcessState
		close(p.exited)
	}()

	return p, nil
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}

// kill kills the process. Killing a process that already exited is not an error.
func (p *process) kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// wait waits for the process to be reaped.
func (p *process) wait(ctx context.Context) (*os.ProcessState, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
		if p.state == nil {
			return nil, p.waitErr
		}
		return p.state, nil
	}
}

// killAndReap kills the process and waits for it to exit. The returned state is nil if it could not be reaped.
func (p *process) killAndReap() (*os.ProcessState, error) {
	killErr := p.kill()
	if killErr != nil {
		select {
		case <-p.exited:
		default:
			return nil, fmt.Errorf("killing worker process: %w", killErr)
		}
	}
	return p.wait(context.Background())
}

func (p *process) describeExit() string {
	select {
	case <-p.exited:
	default:
		return "running"
	}
	if p.state == nil {
		return fmt.Sprintf("unknown (%s)", p.waitErr)
	}
	return fmt.Sprintf("%s after %s", p.state, time.Since(p.start).Round(time.Millisecond))
}

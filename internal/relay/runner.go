package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Process is a spawned relay.
type Process interface {
	// Wait blocks until the process exits and all output has been delivered.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
}

// Runner spawns relay processes. onLine receives every output line.
type Runner interface {
	Start(ctx context.Context, cmd Command, onLine func(string)) (Process, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Start launches cmd. The process is not bound to ctx; it lives until it
// exits or Kill is called.
func (ExecRunner) Start(_ context.Context, c Command, onLine func(string)) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(scanLines)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				onLine(line)
			}
		}
		// Keep draining after a scan error so the child never blocks on stderr.
		_, _ = io.Copy(io.Discard, stderr)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// scanLines splits on LF or CR so ffmpeg's carriage-return progress updates
// arrive as separate lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

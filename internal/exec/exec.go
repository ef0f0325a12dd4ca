package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// processManager tracks all running child processes for cleanup
var (
	runningProcesses = make(map[int]*exec.Cmd)
	processMu        sync.Mutex
)

func trackProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		processMu.Lock()
		runningProcesses[cmd.Process.Pid] = cmd
		processMu.Unlock()
	}
}

func untrackProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		processMu.Lock()
		delete(runningProcesses, cmd.Process.Pid)
		processMu.Unlock()
	}
}

// KillAllProcesses terminates all tracked child processes and their process groups
func KillAllProcesses() {
	processMu.Lock()
	defer processMu.Unlock()

	for pid, cmd := range runningProcesses {
		if cmd.Process != nil {
			// Kill the entire process group (negative PID)
			syscall.Kill(-pid, syscall.SIGKILL)
			cmd.Process.Kill()
		}
	}
	runningProcesses = make(map[int]*exec.Cmd)
}

// StartError reports a process that never started (binary missing,
// permission denied). Distinct from a non-zero exit so interactive callers
// can fail synchronously.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Result is the outcome of a finished scanner process
type Result struct {
	Stdout   string
	ExitCode int
	Duration time.Duration
	Pid      int
	Err      error // wait error for non-clean exits, nil on exit code 0
}

// Proc is a started scanner process. Stdout and stderr are tee'd to the log
// file in arrival order while stdout is additionally buffered for parsing.
type Proc struct {
	cmd   *exec.Cmd
	pid   int
	start time.Time

	log    *os.File
	stdout *teeBuffer
	copyWg *sync.WaitGroup
}

// Start spawns a scanner binary with stdin closed. The log file is created
// (truncated) before spawn so a crash before any output still leaves an
// inspectable empty file. On spawn failure it returns a *StartError and no
// Proc.
func Start(name string, args []string, logPath string) (*Proc, error) {
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.Command(name, args...)

	// New process group so the whole tree can be killed together
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Scanners must never block waiting for input
	cmd.Stdin = nil

	sink := &logSink{f: logFile}
	stdout := &teeBuffer{sink: sink}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &StartError{Name: name, Err: err}
	}
	trackProcess(cmd)

	p := &Proc{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		start:  time.Now(),
		log:    logFile,
		stdout: stdout,
		copyWg: &sync.WaitGroup{},
	}

	p.copyWg.Add(2)
	go func() {
		defer p.copyWg.Done()
		io.Copy(stdout, stdoutPipe)
	}()
	go func() {
		defer p.copyWg.Done()
		io.Copy(sink, stderrPipe)
	}()

	return p, nil
}

// Pid returns the OS process id, available immediately after Start so a
// stop request issued before exit can target it.
func (p *Proc) Pid() int { return p.pid }

// Wait blocks until the process exits (or ctx is cancelled, which kills the
// process group first). The log file is fully written and closed before
// Wait returns.
func (p *Proc) Wait(ctx context.Context) *Result {
	done := make(chan error, 1)
	go func() {
		p.copyWg.Wait()
		done <- p.cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		p.Kill()
		waitErr = <-done
	}

	untrackProcess(p.cmd)
	p.log.Close()

	r := &Result{
		Stdout:   p.stdout.String(),
		Duration: time.Since(p.start),
		Pid:      p.pid,
	}
	if waitErr != nil {
		r.Err = waitErr
		r.ExitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			r.ExitCode = exitErr.ExitCode()
		}
	}
	return r
}

// Kill terminates the process group. Killing an already-exited process is a
// success, not an error.
func (p *Proc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the group; ESRCH means already gone
	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		if err := p.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
			return err
		}
	}
	return nil
}

// KillPid sends SIGKILL to a pid recorded for a scan whose Proc handle is
// gone (e.g. after restart). A dead or reused-and-gone pid degrades to a
// successful no-op.
func KillPid(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return err
		}
	}
	return nil
}

// logSink serializes interleaved stdout/stderr writes into the log file
type logSink struct {
	mu sync.Mutex
	f  *os.File
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Write(p)
}

// teeBuffer accumulates stdout in memory while forwarding it to the log.
// Output volume is bounded by scan scope, so buffering the full stream is
// acceptable.
type teeBuffer struct {
	mu   sync.Mutex
	buf  strings.Builder
	sink *logSink
}

func (t *teeBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf.Write(p)
	t.mu.Unlock()
	return t.sink.Write(p)
}

func (t *teeBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// WriteTempFile writes content to a temp file (target lists for -l flags)
func WriteTempFile(content, suffix string) (string, error) {
	f, err := os.CreateTemp("", "cnm-*"+suffix)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	f.Close()
	return f.Name(), nil
}

// TempFile writes content to a temp file and returns a cleanup func
func TempFile(content, suffix string) (string, func(), error) {
	path, err := WriteTempFile(content, suffix)
	if err != nil {
		return "", nil, err
	}
	return path, func() { os.Remove(path) }, nil
}

// Lines splits s into trimmed non-empty lines
func Lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Phase is the lifecycle phase of an agent process.
type Phase string

const (
	PhaseSpawned Phase = "spawned"
	PhaseRunning Phase = "running"
	PhaseExiting Phase = "exiting"
	PhaseExited  Phase = "exited"
	PhaseKilled  Phase = "killed"
)

const (
	tailLines = 50
	// waitDelay bounds how long Wait blocks on output pipes held open by
	// grandchildren after the agent itself exits.
	waitDelay = 2 * time.Second
)

// SpawnError reports that an agent could not be started.
type SpawnError struct {
	Binary   string
	NotFound bool
	Output   string
	Err      error
}

func (e *SpawnError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("agent binary %q not found on PATH; install it or set the binary path in config", e.Binary)
	}
	msg := fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Options describes one agent launch.
type Options struct {
	Binary         string
	WorkDir        string
	CallbackURL    string
	Prompt         string
	Model          string
	PermissionMode string
	Args           []string
	Env            map[string]string
}

// Argv returns the agent command line, minus the binary.
func (o Options) Argv() []string {
	args := []string{
		"--sdk-url", o.CallbackURL,
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	args = append(args, o.Args...)
	// --print takes its prompt positionally, and one is required even when
	// the first turn arrives over the socket.
	return append(args, o.Prompt)
}

// Exit describes how a process ended.
type Exit struct {
	Phase     Phase
	Code      int
	Requested bool
	Err       error
}

// Process is one supervised agent process.
type Process struct {
	sessionID string
	cmd       *exec.Cmd
	tail      *Tail
	logger    *zap.Logger
	done      chan struct{}

	mu        sync.Mutex
	phase     Phase
	requested bool
	forced    bool
	exit      Exit
}

// Start launches the agent described by opts. It does not wait for the
// agent to connect back.
func Start(sessionID string, opts Options, logger *zap.Logger) (*Process, error) {
	path, err := exec.LookPath(opts.Binary)
	if err != nil {
		return nil, &SpawnError{Binary: opts.Binary, NotFound: true, Err: err}
	}

	cmd := exec.Command(path, opts.Argv()...)
	cmd.Dir = opts.WorkDir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, &SpawnError{Binary: opts.Binary, Err: err}
	}

	p := &Process{
		sessionID: sessionID,
		cmd:       cmd,
		tail:      NewTail(tailLines),
		logger:    logger.With(zap.String("session", sessionID), zap.Int("pid", cmd.Process.Pid)),
		done:      make(chan struct{}),
		phase:     PhaseSpawned,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(stdoutR, "stdout", &wg)
	go p.scan(stderrR, "stderr", &wg)
	go p.wait(stdoutW, stderrW, &wg)

	p.logger.Info("agent process started", zap.String("binary", path), zap.String("workDir", opts.WorkDir))
	return p, nil
}

func (p *Process) scan(r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.tail.Write(line)
		if stream == "stderr" {
			p.logger.Info("agent stderr", zap.String("line", line))
		} else {
			p.logger.Debug("agent stdout", zap.String("line", line))
		}
	}
	// Keep draining so the writer side never blocks.
	io.Copy(io.Discard, r)
}

func (p *Process) wait(stdoutW, stderrW *io.PipeWriter, wg *sync.WaitGroup) {
	err := p.cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	if p.forced {
		p.phase = PhaseKilled
	} else {
		p.phase = PhaseExited
	}
	p.exit = Exit{Phase: p.phase, Code: code, Requested: p.requested, Err: err}
	p.mu.Unlock()

	close(p.done)
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Phase returns the current lifecycle phase.
func (p *Process) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Exit returns how the process ended. Valid once Done is closed.
func (p *Process) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Output returns the most recent output lines.
func (p *Process) Output() string {
	return p.tail.String()
}

func (p *Process) markRunning() {
	p.mu.Lock()
	if p.phase == PhaseSpawned {
		p.phase = PhaseRunning
	}
	p.mu.Unlock()
}

// Terminate asks the process group to exit, escalating to SIGKILL if it is
// still alive after grace. It returns once exit is observed or ctx is done,
// and reports whether the forced kill was needed.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) (bool, error) {
	p.mu.Lock()
	if p.phase == PhaseExited || p.phase == PhaseKilled {
		p.mu.Unlock()
		return false, nil
	}
	p.phase = PhaseExiting
	p.requested = true
	p.mu.Unlock()

	p.signal(syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return false, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.forced = true
	p.mu.Unlock()
	p.logger.Warn("agent ignored SIGTERM, sending SIGKILL", zap.Duration("grace", grace))
	p.signal(syscall.SIGKILL)

	select {
	case <-p.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (p *Process) signal(sig syscall.Signal) {
	err := signalGroup(p.cmd.Process, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	// Group signalling can fail if the agent moved itself to another group.
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("signal failed", zap.Stringer("signal", sig), zap.Error(err))
	}
}

// CheckAvailable verifies that binary is on PATH and supports --sdk-url.
func CheckAvailable(ctx context.Context, binary string) error {
	path, err := exec.LookPath(binary)
	if err != nil {
		return &SpawnError{Binary: binary, NotFound: true, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--help").CombinedOutput()
	if err != nil && len(out) == 0 {
		return &SpawnError{Binary: binary, Err: err}
	}
	if !strings.Contains(string(out), "--sdk-url") {
		return &SpawnError{Binary: binary, Err: errors.New("binary does not support --sdk-url")}
	}
	return nil
}

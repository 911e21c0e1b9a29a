// Package supervisor launches agent processes, watches them and tears them
// down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"claude-bridge/internal/control"
	"claude-bridge/internal/session"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotRunning is returned when a session has no supervised process.
var ErrNotRunning = errors.New("no agent process for session")

// ExitFunc is called once a supervised process has exited and the session
// status has been updated.
type ExitFunc func(sessionID string, status session.Status)

// Supervisor owns the agent processes spawned by the bridge.
type Supervisor struct {
	registry *session.Registry
	logger   *zap.Logger
	grace    time.Duration
	probe    time.Duration

	mu     sync.Mutex
	procs  map[string]*Process
	onExit ExitFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. grace is the SIGTERM to SIGKILL delay; probe is
// how long a fresh process must survive before Spawn reports success.
func New(registry *session.Registry, grace, probe time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		registry: registry,
		logger:   logger,
		grace:    grace,
		probe:    probe,
		procs:    make(map[string]*Process),
	}
}

// OnExit installs the exit hook.
func (s *Supervisor) OnExit(fn ExitFunc) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Spawn starts an agent for sessionID and begins monitoring it. A process
// that exits within the startup probe window is reported as a SpawnError.
func (s *Supervisor) Spawn(sessionID string, opts Options) (*Process, error) {
	p, err := Start(sessionID, opts, s.logger)
	if err != nil {
		return nil, err
	}

	if s.probe > 0 {
		select {
		case <-p.Done():
			exit := p.Exit()
			return nil, &SpawnError{
				Binary: opts.Binary,
				Output: p.Output(),
				Err:    fmt.Errorf("exited during startup (code %d): %w", exit.Code, exitCause(exit)),
			}
		case <-time.After(s.probe):
		}
	}
	p.markRunning()

	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()

	s.registry.Update(sessionID, func(sess *session.Session) {
		sess.Pid = p.Pid()
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Monitor(sessionID, p)
	}()
	return p, nil
}

func exitCause(e Exit) error {
	if e.Err != nil {
		return e.Err
	}
	return errors.New("no error reported")
}

// Monitor blocks until p exits, then records the outcome on the session,
// rejects its pending control requests and calls the exit hook.
func (s *Supervisor) Monitor(sessionID string, p *Process) {
	<-p.Done()
	exit := p.Exit()
	status := StatusFor(exit)

	s.mu.Lock()
	if s.procs[sessionID] == p {
		delete(s.procs, sessionID)
	}
	onExit := s.onExit
	s.mu.Unlock()

	if err := s.registry.SetStatus(sessionID, status); err == nil {
		if table, err := s.registry.Pending(sessionID); err == nil {
			table.RejectAll(control.ErrSessionTerminated)
		}
	}

	fields := []zap.Field{
		zap.String("session", sessionID),
		zap.String("phase", string(exit.Phase)),
		zap.Int("code", exit.Code),
		zap.Stringer("status", status),
	}
	if status.State == session.StateError {
		s.logger.Warn("agent process exited", append(fields, zap.String("output", p.Output()))...)
	} else {
		s.logger.Info("agent process exited", fields...)
	}

	if onExit != nil {
		onExit(sessionID, status)
	}
}

// StatusFor projects a process exit onto a session status. Exits the bridge
// asked for, and clean exits, are terminated; anything else is an error.
func StatusFor(e Exit) session.Status {
	if e.Requested || e.Phase == PhaseKilled {
		return session.Status{State: session.StateTerminated}
	}
	if e.Code == 0 && e.Err == nil {
		return session.Status{State: session.StateTerminated}
	}
	detail := fmt.Sprintf("exit code %d", e.Code)
	if e.Err != nil {
		detail = e.Err.Error()
	}
	return session.Status{State: session.StateError, Detail: detail}
}

// Process returns the supervised process for sessionID.
func (s *Supervisor) Process(sessionID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[sessionID]
	return p, ok
}

// Kill terminates the session's agent: SIGTERM, then SIGKILL after the
// grace period. It returns once the exit has been observed.
func (s *Supervisor) Kill(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}

	forced, err := p.Terminate(ctx, s.grace)
	s.logger.Info("agent process killed",
		zap.String("session", sessionID),
		zap.Bool("forced", forced),
	)
	return err
}

// Shutdown kills every supervised process and waits for their monitors.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := s.Kill(gctx, id)
			if errors.Is(err, ErrNotRunning) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	s.wg.Wait()
	return err
}

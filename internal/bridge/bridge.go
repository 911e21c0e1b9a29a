// Package bridge composes the registry, agent ingress, UI gateway, process
// supervisor and file watcher into one service.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"claude-bridge/internal/bus"
	"claude-bridge/internal/config"
	"claude-bridge/internal/control"
	"claude-bridge/internal/gateway"
	"claude-bridge/internal/ingress"
	"claude-bridge/internal/protocol"
	"claude-bridge/internal/session"
	"claude-bridge/internal/supervisor"
	"claude-bridge/internal/watcher"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidWorkDir is returned by Spawn for a missing or non-directory
// working directory.
var ErrInvalidWorkDir = errors.New("invalid working directory")

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Bridge is the service facade.
type Bridge struct {
	cfg    config.Config
	logger *zap.Logger

	registry   *session.Registry
	bus        *bus.Bus
	ingress    *ingress.Server
	gateway    *gateway.Server
	supervisor *supervisor.Supervisor
	watcher    *watcher.Watcher
	issuer     *control.Issuer

	mu          sync.Mutex
	ingressAddr string
	mounts      map[string]http.Handler
}

// New wires a bridge from cfg.
func New(cfg config.Config, logger *zap.Logger) *Bridge {
	reg := session.NewRegistry()
	b := bus.New(logger.Named("bus"))

	br := &Bridge{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		bus:      b,
		ingress:  ingress.New(reg, b, logger.Named("ingress")),
		gateway: gateway.New(gateway.Config{
			AgentID:            cfg.AgentID,
			Description:        cfg.Description,
			ProtocolVersion:    cfg.ProtocolVersion,
			DiscoveryInterval:  cfg.DiscoveryInterval,
			DiscoveryAttempts:  cfg.DiscoveryAttempts,
			ScopeRunsToSession: cfg.ScopeRunsToSession,
		}, reg, b, logger.Named("gateway")),
		supervisor: supervisor.New(reg, cfg.KillGrace, cfg.StartupProbe, logger.Named("supervisor")),
		issuer:     control.NewIssuer(reg, cfg.ControlTimeout, logger.Named("control")),
	}

	br.watcher = watcher.New(func(sessionID string, fileCount int) {
		reg.Update(sessionID, func(s *session.Session) {
			s.FileCount = fileCount
		})
	}, logger.Named("watcher"))

	br.supervisor.OnExit(br.onProcessExit)
	br.ingress.OnAdopt(br.onAdopt)
	return br
}

// Mount serves h under pattern on the gateway listener, next to the UI
// routes. Call before Run.
func (b *Bridge) Mount(pattern string, h http.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mounts == nil {
		b.mounts = make(map[string]http.Handler)
	}
	b.mounts[pattern] = h
}

// Handler returns the gateway listener's handler: the UI routes plus
// anything mounted, all behind the same CORS policy.
func (b *Bridge) Handler() http.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.mounts) == 0 {
		return b.gateway.Handler()
	}
	mux := http.NewServeMux()
	for pattern, h := range b.mounts {
		mux.Handle(pattern, h)
	}
	mux.Handle("/", b.gateway.Routes())
	return gateway.CORS(mux)
}

// IngressHandler returns the agent socket handler.
func (b *Bridge) IngressHandler() http.Handler {
	return b.ingress.Handler()
}

// Run listens on the configured addresses and serves until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", b.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.HTTPAddr, err)
	}
	ingressLn, err := net.Listen("tcp", b.cfg.IngressAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listen %s: %w", b.cfg.IngressAddr, err)
	}
	return b.Serve(ctx, httpLn, ingressLn)
}

// Serve serves the gateway on httpLn and agent sockets on ingressLn until
// ctx is done, then shuts everything down, killing spawned agents.
func (b *Bridge) Serve(ctx context.Context, httpLn, ingressLn net.Listener) error {
	b.mu.Lock()
	b.ingressAddr = callbackAddr(ingressLn.Addr())
	b.mu.Unlock()

	// Cancelled at shutdown so open runs end instead of holding the server.
	baseCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	httpSrv := &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	ingressSrv := &http.Server{
		Handler:           b.ingress.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.logger.Info("gateway listening", zap.String("addr", httpLn.Addr().String()))
		return serve(httpSrv, httpLn)
	})
	g.Go(func() error {
		b.logger.Info("ingress listening", zap.String("addr", ingressLn.Addr().String()))
		return serve(ingressSrv, ingressLn)
	})
	g.Go(func() error {
		<-gctx.Done()
		b.logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), b.cfg.KillGrace+shutdownTimeout)
		defer cancel()

		cancelRuns()
		var errs []error
		if err := httpSrv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
		if err := b.supervisor.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor shutdown: %w", err))
		}
		b.ingress.Close()
		if err := ingressSrv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("ingress shutdown: %w", err))
		}
		b.watcher.Shutdown()
		return errors.Join(errs...)
	})
	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// callbackAddr turns a listener address into one an agent on this host can
// dial.
func callbackAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return fmt.Sprintf("127.0.0.1:%d", tcp.Port)
	}
	return tcp.String()
}

// CallbackURL is the socket URL a spawned agent is told to dial.
func (b *Bridge) CallbackURL(sessionID string) string {
	host := b.cfg.PublicIngressHost
	if host == "" {
		b.mu.Lock()
		host = b.ingressAddr
		b.mu.Unlock()
	}
	if host == "" {
		host = b.cfg.CallbackHost()
	}
	return fmt.Sprintf("ws://%s/ws/cli/%s", host, sessionID)
}

// SpawnOptions are the per-session launch settings.
type SpawnOptions struct {
	Prompt         string
	Model          string
	PermissionMode string
	Args           []string
	Env            map[string]string
}

// Spawn creates a session anchored at workDir and launches its agent. On
// failure the session is discarded.
func (b *Bridge) Spawn(workDir string, opts SpawnOptions) (session.Session, error) {
	info, err := os.Stat(workDir)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", ErrInvalidWorkDir, err)
	}
	if !info.IsDir() {
		return session.Session{}, fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkDir, workDir)
	}

	id := uuid.New().String()
	if _, err := b.registry.Create(id, workDir); err != nil {
		return session.Session{}, err
	}

	_, err = b.supervisor.Spawn(id, supervisor.Options{
		Binary:         b.cfg.AgentBinary,
		WorkDir:        workDir,
		CallbackURL:    b.CallbackURL(id),
		Prompt:         opts.Prompt,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
		Args:           opts.Args,
		Env:            opts.Env,
	})
	if err != nil {
		b.registry.Remove(id)
		b.logger.Warn("spawn failed", zap.String("session", id), zap.Error(err))
		return session.Session{}, err
	}

	b.watch(id, workDir)
	b.logger.Info("session spawned", zap.String("session", id), zap.String("workDir", workDir))
	return b.registry.Get(id)
}

func (b *Bridge) watch(id, workDir string) {
	if !b.cfg.WatchWorkDirs {
		return
	}
	if err := b.watcher.Watch(id, workDir); err != nil {
		b.logger.Warn("cannot watch working directory", zap.String("session", id), zap.Error(err))
	}
}

// Kill ends a session. Pending control requests fail with
// control.ErrSessionTerminated first; then the agent is terminated (SIGTERM,
// SIGKILL after the grace period) and the session is removed once its exit
// has been observed. Sessions without a spawned process lose their socket.
func (b *Bridge) Kill(ctx context.Context, id string) error {
	table, err := b.registry.Pending(id)
	if err != nil {
		return err
	}
	table.RejectAll(control.ErrSessionTerminated)

	err = b.supervisor.Kill(ctx, id)
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		if ch := b.registry.Detach(id); ch != nil {
			ch.Close()
		}
	case err != nil:
		return fmt.Errorf("kill session %s: %w", id, err)
	}

	b.registry.Remove(id)
	b.watcher.Unwatch(id)
	b.logger.Info("session killed", zap.String("session", id))
	return nil
}

func (b *Bridge) onProcessExit(sessionID string, status session.Status) {
	b.registry.Remove(sessionID)
	b.watcher.Unwatch(sessionID)
	b.logger.Info("session removed after agent exit",
		zap.String("session", sessionID),
		zap.Stringer("status", status))
}

func (b *Bridge) onAdopt(sess session.Session) {
	b.logger.Info("adopted external session",
		zap.String("session", sess.ID),
		zap.String("workDir", sess.WorkDir))
	if sess.WorkDir != "" {
		b.watch(sess.ID, sess.WorkDir)
	}
}

// SendMessage writes a user turn to the session's agent.
func (b *Bridge) SendMessage(id, text string) error {
	sess, err := b.registry.Get(id)
	if err != nil {
		return err
	}
	conversationID := sess.ConversationID
	if conversationID == "" {
		conversationID = sess.ID
	}
	frame, err := protocol.NewUserFrame(text, conversationID)
	if err != nil {
		return err
	}
	if err := b.registry.Send(id, frame); err != nil {
		return err
	}
	return b.registry.AppendHistory(id, session.HistoryEntry{Role: "user", Type: string(protocol.TypeUser), Text: text})
}

// SetActive makes id the session runs are routed to.
func (b *Bridge) SetActive(id string) error {
	return b.registry.SetActive(id)
}

// Sessions returns snapshots of every session.
func (b *Bridge) Sessions() []session.Session {
	return b.registry.List()
}

// Session returns a snapshot of one session.
func (b *Bridge) Session(id string) (session.Session, error) {
	return b.registry.Get(id)
}

// History returns the session's replay history.
func (b *Bridge) History(id string) ([]session.HistoryEntry, error) {
	return b.registry.History(id)
}

// Subscribe returns a feed of agent messages, limited to one session unless
// sessionID is empty.
func (b *Bridge) Subscribe(sessionID string) *bus.Subscription {
	return b.bus.Subscribe(sessionID)
}

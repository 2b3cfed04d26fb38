// Package server assembles a running portus instance: listeners, spawner,
// process pool, request controllers and the admin API.
package server

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/turtacn/Portus/internal/admin"
	"github.com/turtacn/Portus/internal/controller"
	"github.com/turtacn/Portus/internal/monitor"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/internal/resource"
	"github.com/turtacn/Portus/internal/spawner"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/fsm"
	"github.com/turtacn/Portus/pkg/logger"
	"github.com/turtacn/Portus/pkg/protocol"
)

const (
	evStart    fsm.Event = "start"
	evReady    fsm.Event = "ready"
	evReload   fsm.Event = "reload"
	evReloaded fsm.Event = "reloaded"
	evStop     fsm.Event = "stop"
	evStopped  fsm.Event = "stopped"
)

type Option func(*Server)

// WithSpawner replaces the exec spawner, e.g. with a pool.DummySpawner.
func WithSpawner(s pool.Spawner) Option {
	return func(srv *Server) { srv.spawner = s }
}

type Server struct {
	cfg       *protocol.Config
	fsm       *fsm.StateMachine
	log       logger.Logger
	listeners *resource.ListenerManager
	spawner   pool.Spawner

	pool        *pool.Pool
	controllers []*controller.Controller
	admin       *admin.Server

	shutdownTimeout time.Duration
	ready           chan struct{}
	serveErr        chan error
	wg              sync.WaitGroup
}

func New(cfg *protocol.Config, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		fsm:       fsm.New(fsm.State(consts.ServerPending)),
		log:       logger.Log.With("component", "server"),
		listeners: resource.NewListenerManager(),

		shutdownTimeout: protocol.ParseDuration(cfg.Pool.ShutdownTimeout, consts.DefaultShutdownTimeout),
		ready:           make(chan struct{}),
		serveErr:        make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.spawner == nil {
		s.spawner = spawner.New(cfg.Pool.SocketDir)
	}
	s.setupFSM()
	return s
}

func (s *Server) setupFSM() {
	add := func(from, to consts.ServerState, ev fsm.Event, h fsm.Handler) {
		s.fsm.AddTransition(fsm.State(from), fsm.State(to), ev, h)
	}
	add(consts.ServerPending, consts.ServerStarting, evStart, s.onStart)
	add(consts.ServerStarting, consts.ServerRunning, evReady, nil)
	add(consts.ServerRunning, consts.ServerRestarting, evReload, s.onReload)
	add(consts.ServerRestarting, consts.ServerRunning, evReloaded, nil)
	add(consts.ServerStarting, consts.ServerStopping, evStop, nil)
	add(consts.ServerRunning, consts.ServerStopping, evStop, nil)
	add(consts.ServerRestarting, consts.ServerStopping, evStop, nil)
	add(consts.ServerStopping, consts.ServerStopped, evStopped, nil)
}

func (s *Server) State() consts.ServerState { return consts.ServerState(s.fsm.Current()) }

// Ready is closed once every listener accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) Pool() *pool.Pool { return s.pool }

// Addrs lists the bound client listener addresses.
func (s *Server) Addrs() []string { return s.listeners.Addrs() }

// Run starts the server and blocks until ctx ends, SIGINT or SIGTERM
// arrives, or a listener fails. SIGHUP restarts every group.
func (s *Server) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.fsm.Fire(evStart, ctx); err != nil {
		return multierr.Append(err, s.shutdown())
	}
	_ = s.fsm.Fire(evReady)
	close(s.ready)
	s.log.Info("Portus is ready", "listen", s.listeners.Addrs(), "controllers", len(s.controllers))

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-s.serveErr:
			runErr = err
			break loop
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.log.Info("Signal: SIGHUP received, restarting all groups")
				_ = s.fsm.Fire(evReload)
				continue
			}
			s.log.Info("Signal received, shutting down", "signal", sig.String())
			break loop
		}
	}
	return multierr.Append(runErr, s.shutdown())
}

// onStart binds every listener and starts the pool, the controllers and the
// admin server.
func (s *Server) onStart(_ fsm.Event, args ...interface{}) error {
	ctx := args[0].(context.Context)
	cfg := s.cfg

	clientListeners := make([]net.Listener, 0, len(cfg.Server.Listen))
	for _, addr := range cfg.Server.Listen {
		l, err := s.listeners.Listen(addr)
		if err != nil {
			return perrors.New(perrors.ErrCodeBindFailed, "server.listen", "cannot listen on "+addr, err)
		}
		clientListeners = append(clientListeners, l)
	}
	adminListener, err := s.listeners.Listen(cfg.Admin.Listen)
	if err != nil {
		return perrors.New(perrors.ErrCodeBindFailed, "server.listen", "cannot listen on "+cfg.Admin.Listen, err)
	}

	monitor.InitMetrics(cfg.Observability.MetricsPort)

	pcfg := pool.ConfigFrom(cfg.Pool, cfg.Admin)
	if pcfg.SuperKey == "" {
		pcfg.SuperKey = uuid.NewString()
		s.log.Warn("No admin super key configured, generated one for this run",
			"env", consts.EnvAdminKey, "key", pcfg.SuperKey)
	}
	s.pool = pool.NewPool(s.spawner, pcfg)
	s.pool.StartBackgroundTasks(ctx)
	for _, app := range cfg.Apps {
		s.pool.Prestart(pool.OptionsFromApp(app))
	}

	ccfg := controller.ConfigFrom(cfg)
	stats := make([]admin.StatsSource, 0, cfg.Server.Threads)
	for i := 0; i < cfg.Server.Threads; i++ {
		c := controller.New(i, s.pool, ccfg)
		s.controllers = append(s.controllers, c)
		stats = append(stats, c)
		for _, l := range clientListeners {
			s.serve(func() error { return c.Serve(l) })
		}
	}

	s.admin = admin.New(s.pool, stats...)
	s.serve(func() error { return s.admin.Serve(adminListener) })
	return nil
}

func (s *Server) serve(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, net.ErrClosed) {
			select {
			case s.serveErr <- err:
			default:
			}
		}
	}()
}

func (s *Server) onReload(_ fsm.Event, _ ...interface{}) error {
	s.pool.RestartAll()
	return s.fsm.Fire(evReloaded)
}

// shutdown stops accepting, drains the controllers and then shuts the pool
// down, all bounded by the pool's shutdown timeout.
func (s *Server) shutdown() error {
	if !s.fsm.Can(evStop) {
		return nil
	}
	_ = s.fsm.Fire(evStop)
	s.log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var err error
	if s.admin != nil {
		err = multierr.Append(err, s.admin.Shutdown(ctx))
	}
	err = multierr.Append(err, s.listeners.Close())

	errs := make([]error, len(s.controllers))
	var cwg sync.WaitGroup
	for i, c := range s.controllers {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			errs[i] = c.Shutdown(ctx)
		}()
	}
	cwg.Wait()
	err = multierr.Append(err, multierr.Combine(errs...))
	if s.pool != nil {
		err = multierr.Append(err, s.pool.Shutdown(ctx))
	}
	s.wg.Wait()

	_ = s.fsm.Fire(evStopped)
	s.log.Info("Shutdown complete")
	return err
}

// ExitCode maps the error returned by Run to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return consts.ExitOK
	case perrors.Is(err, perrors.ErrCodeConfigInvalid):
		return consts.ExitConfigError
	case perrors.Is(err, perrors.ErrCodeBindFailed):
		return consts.ExitBindFailure
	}
	return consts.ExitInternal
}

// Personal.AI order the ending

// Package controller accepts client connections, checks out a session from
// the pool for every request and relays the request and the response
// between the client and the application process.
//
// A server runs one Controller per configured thread. Each owns an event
// loop for its buffered channels and serves each connection on its own
// goroutine.
package controller

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/turtacn/Portus/internal/evloop"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/fsm"
	"github.com/turtacn/Portus/pkg/logger"
)

const (
	evParse     fsm.Event = "parse"
	evAuthorize fsm.Event = "authorize"
	evBuffer    fsm.Event = "buffer"
	evCheckout  fsm.Event = "checkout"
	evForward   fsm.Event = "forward"
	evStream    fsm.Event = "stream"
	evRelease   fsm.Event = "release"
	evKeepAlive fsm.Event = "keep_alive"
	evClose     fsm.Event = "close"
)

var requestStates = []consts.RequestState{
	consts.StateBegin,
	consts.StateParsingHeaders,
	consts.StateAuthorizing,
	consts.StateBufferingBody,
	consts.StateCheckingOutSession,
	consts.StateForwardingHeaders,
	consts.StateStreaming,
	consts.StateReleasingSession,
	consts.StateKeepAlive,
	consts.StateClosed,
}

const (
	ioBufferSize   = 16 * 1024
	lingerTimeout  = 100 * time.Millisecond
	lingerMaxBytes = 256 * 1024
)

type Controller struct {
	id   int
	cfg  Config
	pool *pool.Pool
	loop *evloop.Loop
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	clients sync.Pool
	readers sync.Pool
	writers sync.Pool

	mu      sync.Mutex
	conns   map[*client]struct{}
	wg      sync.WaitGroup
	closing atomic.Bool

	active atomic.Int64
	total  atomic.Uint64
	states map[consts.RequestState]*atomic.Int64
}

// New creates controller number id. Its event loop starts right away and
// stops in Shutdown.
func New(id int, p *pool.Pool, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.HeaderReadLimit <= 0 {
		cfg.HeaderReadLimit = def.HeaderReadLimit
	}
	if cfg.StickyCookieName == "" {
		cfg.StickyCookieName = def.StickyCookieName
	}
	if cfg.QueueOverflowStatus == 0 {
		cfg.QueueOverflowStatus = def.QueueOverflowStatus
	}
	if cfg.ServerSoftware == "" {
		cfg.ServerSoftware = def.ServerSoftware
	}
	if cfg.Buffering.Threshold <= 0 {
		cfg.Buffering = def.Buffering
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:     id,
		cfg:    cfg,
		pool:   p,
		loop:   evloop.New(),
		log:    logger.Log.With("component", "controller", "controller", id),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*client]struct{}),
		states: make(map[consts.RequestState]*atomic.Int64, len(requestStates)),
	}
	for _, s := range requestStates {
		c.states[s] = new(atomic.Int64)
	}
	c.clients.New = func() any { return c.newClient() }
	c.readers.New = func() any { return bufio.NewReaderSize(nil, ioBufferSize) }
	c.writers.New = func() any { return bufio.NewWriterSize(nil, ioBufferSize) }
	c.loop.Start()
	return c
}

func (c *Controller) ID() int { return c.id }

// Serve accepts connections on l until l is closed or Shutdown is called.
// Several controllers may serve the same listener.
func (c *Controller) Serve(l net.Listener) error {
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if c.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(delay*2, 5*time.Millisecond), time.Second)
				c.log.Warn("Accept failed, retrying", "err", err, "delay", delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		c.mu.Lock()
		if c.closing.Load() {
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		cl := c.acquire(conn)
		c.conns[cl] = struct{}{}
		c.wg.Add(1)
		c.mu.Unlock()
		go c.serveConn(cl)
	}
}

func (c *Controller) serveConn(cl *client) {
	defer c.wg.Done()
	defer c.release(cl)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Panic while serving client", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	for c.serveRequest(cl) {
	}
}

// Shutdown stops accepting, closes idle connections and waits for the
// active ones. When ctx ends first the remaining connections are cut.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing.Store(true)
	for cl := range c.conns {
		if cl.idle.Load() {
			_ = cl.conn.Close()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		c.log.Warn("Shutdown timed out, closing active connections", "clients", c.clientCount())
		c.cancel()
		c.mu.Lock()
		for cl := range c.conns {
			_ = cl.conn.Close()
		}
		c.mu.Unlock()
		<-done
	}
	c.cancel()
	c.loop.Stop()
	return err
}

func (c *Controller) clientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

/***** Clients *****/

type client struct {
	conn net.Conn
	lim  *limitReader
	br   *bufio.Reader
	bw   *bufio.Writer
	sm   *fsm.StateMachine
	idle atomic.Bool
}

func (c *Controller) newClient() *client {
	cl := &client{lim: &limitReader{}}
	cl.br = bufio.NewReaderSize(cl.lim, ioBufferSize)
	cl.bw = bufio.NewWriterSize(nil, ioBufferSize)
	cl.sm = c.newStateMachine()
	return cl
}

func (c *Controller) acquire(conn net.Conn) *client {
	cl := c.clients.Get().(*client)
	cl.conn = conn
	cl.lim.r = conn
	cl.lim.reset(-1)
	cl.br.Reset(cl.lim)
	cl.bw.Reset(conn)
	cl.idle.Store(false)
	cl.sm.Reset(fsm.State(consts.StateBegin))
	c.states[consts.StateBegin].Add(1)
	return cl
}

func (c *Controller) release(cl *client) {
	if cl.sm.Can(evClose) {
		_ = cl.sm.Fire(evClose)
	}
	c.states[consts.RequestState(cl.sm.Current())].Add(-1)
	lingerClose(cl)

	c.mu.Lock()
	delete(c.conns, cl)
	c.mu.Unlock()

	cl.conn = nil
	cl.lim.r = nil
	cl.br.Reset(cl.lim)
	cl.bw.Reset(nil)
	c.clients.Put(cl)
}

// lingerClose sends FIN and discards what the client already sent before
// closing. Closing with unread input makes the kernel reset the connection,
// which can destroy a response the client has not read yet.
func lingerClose(cl *client) {
	if err := closeWrite(cl.conn); err == nil {
		_ = cl.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
		_, _ = io.Copy(io.Discard, io.LimitReader(cl.br, lingerMaxBytes))
	}
	_ = cl.conn.Close()
}

func (c *Controller) newStateMachine() *fsm.StateMachine {
	sm := fsm.New(fsm.State(consts.StateBegin))
	add := func(from, to consts.RequestState, ev fsm.Event) {
		sm.AddTransition(fsm.State(from), fsm.State(to), ev, nil)
	}
	add(consts.StateBegin, consts.StateParsingHeaders, evParse)
	add(consts.StateKeepAlive, consts.StateParsingHeaders, evParse)
	add(consts.StateParsingHeaders, consts.StateAuthorizing, evAuthorize)
	add(consts.StateAuthorizing, consts.StateBufferingBody, evBuffer)
	add(consts.StateAuthorizing, consts.StateCheckingOutSession, evCheckout)
	add(consts.StateBufferingBody, consts.StateCheckingOutSession, evCheckout)
	add(consts.StateCheckingOutSession, consts.StateForwardingHeaders, evForward)
	add(consts.StateForwardingHeaders, consts.StateStreaming, evStream)
	add(consts.StateStreaming, consts.StateReleasingSession, evRelease)
	add(consts.StateReleasingSession, consts.StateKeepAlive, evKeepAlive)
	for _, s := range requestStates {
		if s != consts.StateClosed {
			add(s, consts.StateClosed, evClose)
		}
	}
	sm.Observe(func(from, to fsm.State, _ fsm.Event) {
		c.states[consts.RequestState(from)].Add(-1)
		c.states[consts.RequestState(to)].Add(1)
	})
	return sm
}

/***** Stats *****/

// Stats is the admin view of one controller.
type Stats struct {
	ID             int              `json:"id"`
	Clients        int              `json:"clients"`
	ActiveRequests int64            `json:"active_requests"`
	TotalRequests  uint64           `json:"total_requests"`
	States         map[string]int64 `json:"states"`
}

func (c *Controller) Stats() Stats {
	return Stats{
		ID:             c.id,
		Clients:        c.clientCount(),
		ActiveRequests: c.active.Load(),
		TotalRequests:  c.total.Load(),
		States: lo.SliceToMap(requestStates, func(s consts.RequestState) (string, int64) {
			return string(s), c.states[s].Load()
		}),
	}
}

// Personal.AI order the ending

package pool

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/turtacn/Portus/pkg/consts"
)

// Session is one checked-out slot on a worker socket. Close must be called
// exactly once for every session the pool hands out; later calls are no-ops.
type Session struct {
	pool    *Pool
	process *Process
	socket  *Socket
	conn    net.Conn
	closed  atomic.Bool
}

// Initiate connects to the worker socket, reusing an idle keep-alive
// connection when there is one.
func (s *Session) Initiate(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.socket.CheckoutConnection(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Session) Conn() net.Conn                  { return s.conn }
func (s *Session) Protocol() consts.SocketProtocol { return s.socket.Protocol }
func (s *Session) Socket() *Socket                 { return s.socket }
func (s *Session) Process() *Process               { return s.process }
func (s *Session) PID() int                        { return s.process.pid }
func (s *Session) Gupid() string                   { return s.process.gupid }
func (s *Session) StickySessionID() uint32         { return s.process.stickySessionID }
func (s *Session) GroupName() string               { return s.process.group.name }
func (s *Session) IsClosed() bool                  { return s.closed.Load() }

// RequestOOBW flags the process for out-of-band work. The group starts it
// once the process is idle.
func (s *Session) RequestOOBW() {
	s.process.requestOOBW()
}

// Close returns the connection and the slot. The connection is kept for
// reuse only when the request succeeded and keep-alive was negotiated.
func (s *Session) Close(success, keepAlive bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.conn != nil {
		s.socket.CheckinConnection(s.conn, success && keepAlive)
		s.conn = nil
	}
	s.pool.sessionClosed(s)
}

// Personal.AI order the ending

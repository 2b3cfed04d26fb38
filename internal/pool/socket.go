package pool

import (
	"context"
	"math"
	"net"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
)

// maxIdleUnlimited bounds the idle connection cache of a socket without a
// concurrency limit.
const maxIdleUnlimited = 16

// SocketSpec is a socket as announced by a freshly spawned worker.
type SocketSpec struct {
	Name               string
	Address            string
	Protocol           consts.SocketProtocol
	Concurrency        int
	AcceptHTTPRequests bool
	Description        string
}

// Socket is one endpoint of a worker process. The session counter is guarded
// by the pool lock; the idle connection cache has its own lock because
// sessions return connections without holding the pool lock.
type Socket struct {
	SocketSpec

	sessions int

	connMu sync.Mutex
	idle   []net.Conn
	dialer net.Dialer
}

func newSocket(spec SocketSpec) *Socket {
	s := &Socket{SocketSpec: spec}
	s.dialer.Timeout = consts.DefaultSocketConnectTimeout
	return s
}

func (s *Socket) Sessions() int { return s.sessions }

func (s *Socket) isSessionSocket() bool {
	return s.Protocol == consts.ProtocolSession || s.Protocol == consts.ProtocolHTTPSession
}

// Busyness orders sockets by load. An unlimited socket reports its plain
// session count, which is always lower than a capped socket at the same
// load.
func (s *Socket) Busyness() int {
	return busyness(s.sessions, s.Concurrency)
}

func (s *Socket) IsTotallyBusy() bool {
	return s.Concurrency > 0 && s.sessions >= s.Concurrency
}

func busyness(sessions, concurrency int) int {
	if concurrency <= 0 {
		return sessions
	}
	return int(int64(sessions) * math.MaxInt32 / int64(concurrency))
}

// ParseAddress splits a worker socket address into network and address.
// Accepted forms are "unix:/path", "tcp://host:port", "/path" and "host:port".
func ParseAddress(addr string) (network, address string) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:")
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://")
	case strings.HasPrefix(addr, "/"):
		return "unix", addr
	}
	return "tcp", addr
}

// CheckoutConnection returns an idle keep-alive connection or dials a new one.
func (s *Socket) CheckoutConnection(ctx context.Context) (net.Conn, error) {
	s.connMu.Lock()
	if n := len(s.idle); n > 0 {
		conn := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.connMu.Unlock()
		return conn, nil
	}
	s.connMu.Unlock()

	network, address := ParseAddress(s.Address)
	conn, err := s.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeWorkerDied, "socket.connect", "cannot connect to "+s.Address, err)
	}
	return conn, nil
}

// CheckinConnection hands conn back. It is cached for reuse only when the
// caller wants keep-alive and the cache has room.
func (s *Socket) CheckinConnection(conn net.Conn, keepAlive bool) {
	if conn == nil {
		return
	}
	limit := s.Concurrency
	if limit <= 0 {
		limit = maxIdleUnlimited
	}
	if keepAlive {
		s.connMu.Lock()
		if len(s.idle) < limit {
			s.idle = append(s.idle, conn)
			s.connMu.Unlock()
			return
		}
		s.connMu.Unlock()
	}
	_ = conn.Close()
}

func (s *Socket) IdleConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.idle)
}

// CloseAllConnections drops the idle cache.
func (s *Socket) CloseAllConnections() error {
	s.connMu.Lock()
	idle := s.idle
	s.idle = nil
	s.connMu.Unlock()

	var err error
	for _, conn := range idle {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

// SocketSnapshot is the JSON form of a Socket.
type SocketSnapshot struct {
	Name               string `json:"name"`
	Address            string `json:"address"`
	Protocol           string `json:"protocol"`
	Concurrency        int    `json:"concurrency"`
	AcceptHTTPRequests bool   `json:"accept_http_requests"`
	Sessions           int    `json:"sessions"`
	Busyness           int    `json:"busyness"`
	IdleConnections    int    `json:"idle_connections"`
	Description        string `json:"description,omitempty"`
}

func (s *Socket) Snapshot() SocketSnapshot {
	return SocketSnapshot{
		Name:               s.Name,
		Address:            s.Address,
		Protocol:           string(s.Protocol),
		Concurrency:        s.Concurrency,
		AcceptHTTPRequests: s.AcceptHTTPRequests,
		Sessions:           s.sessions,
		Busyness:           s.Busyness(),
		IdleConnections:    s.IdleConnections(),
		Description:        s.Description,
	}
}

// Personal.AI order the ending

package pool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
)

// Metrics is the last OS sample taken for a process.
type Metrics struct {
	RSS        uint64  `json:"rss"`
	VMS        uint64  `json:"vms"`
	Swap       uint64  `json:"swap"`
	CPUPercent float64 `json:"cpu"`
	Command    string  `json:"command,omitempty"`
	SampledAt  int64   `json:"sampled_at"`
}

// Process is one worker owned by a Group. Everything except the life and
// OOBW status is guarded by the pool lock.
type Process struct {
	group *Group

	pid             int
	gupid           string
	stickySessionID uint32
	generation      uint
	dummy           bool

	sockets        []*Socket
	sessionSockets []*Socket
	concurrency    int

	adminPipe io.WriteCloser
	handle    ProcessHandle

	sessions  int
	processed uint64
	lastUsed  time.Time

	spawnStartTime    time.Time
	spawnEndTime      time.Time
	shutdownStartTime time.Time
	shutdownTimeout   time.Duration

	enabled consts.EnabledStatus
	metrics Metrics

	lifeStatus atomic.Int32
	oobwStatus atomic.Int32
	osGone     atomic.Bool
}

func newProcess(g *Group, res *SpawnResult, generation uint) (*Process, error) {
	p := &Process{
		group:           g,
		pid:             res.PID,
		gupid:           res.Gupid,
		generation:      generation,
		dummy:           res.Dummy,
		adminPipe:       res.AdminPipe,
		handle:          res.Handle,
		spawnStartTime:  res.SpawnStartTime,
		spawnEndTime:    res.SpawnEndTime,
		lastUsed:        res.SpawnEndTime,
		shutdownTimeout: g.options.ShutdownTimeout,
		enabled:         consts.Enabled,
	}
	if p.gupid == "" {
		p.gupid = newGupid()
	}
	if p.lastUsed.IsZero() {
		p.lastUsed = time.Now()
	}
	p.sockets = lo.Map(res.Sockets, func(spec SocketSpec, _ int) *Socket { return newSocket(spec) })
	if err := p.indexSessionSockets(); err != nil {
		return nil, err
	}
	return p, nil
}

// indexSessionSockets remembers the request-handling sockets and derives
// the process concurrency from them.
func (p *Process) indexSessionSockets() error {
	p.sessionSockets = lo.Filter(p.sockets, func(s *Socket, _ int) bool { return s.isSessionSocket() })
	if len(p.sessionSockets) > consts.MaxSessionSockets {
		return perrors.New(perrors.ErrCodeTooManySockets, "process.index",
			fmt.Sprintf("process %d declares %d session sockets, at most %d are supported",
				p.pid, len(p.sessionSockets), consts.MaxSessionSockets), nil)
	}
	if len(p.sessionSockets) == 0 {
		return perrors.New(perrors.ErrCodeSpawnFailed, "process.index",
			fmt.Sprintf("process %d did not announce a session socket", p.pid), nil)
	}
	p.concurrency = 0
	for _, s := range p.sessionSockets {
		switch {
		case s.Concurrency == 0:
			p.concurrency = 0
			return nil
		case s.Concurrency < 0:
			p.concurrency = -1
			return nil
		}
		p.concurrency += s.Concurrency
	}
	return nil
}

func (p *Process) PID() int                          { return p.pid }
func (p *Process) Gupid() string                     { return p.gupid }
func (p *Process) StickySessionID() uint32           { return p.stickySessionID }
func (p *Process) Generation() uint                  { return p.generation }
func (p *Process) Sessions() int                     { return p.sessions }
func (p *Process) Processed() uint64                 { return p.processed }
func (p *Process) Concurrency() int                  { return p.concurrency }
func (p *Process) Enabled() consts.EnabledStatus     { return p.enabled }
func (p *Process) LifeStatus() consts.LifeStatus     { return consts.LifeStatus(p.lifeStatus.Load()) }
func (p *Process) OOBWStatus() consts.OobwStatus     { return consts.OobwStatus(p.oobwStatus.Load()) }
func (p *Process) IsAlive() bool                     { return p.LifeStatus() == consts.LifeAlive }
func (p *Process) IsDead() bool                      { return p.LifeStatus() == consts.LifeDead }
func (p *Process) Sockets() []*Socket                { return p.sockets }
func (p *Process) LastUsed() time.Time               { return p.lastUsed }
func (p *Process) Uptime() time.Duration             { return time.Since(p.spawnEndTime) }
func (p *Process) GroupName() string                 { return p.group.name }
func (p *Process) requestOOBW() bool                 { return p.oobwStatus.CompareAndSwap(int32(consts.OobwNotActive), int32(consts.OobwRequested)) }
func (p *Process) setOOBWStatus(s consts.OobwStatus) { p.oobwStatus.Store(int32(s)) }

func (p *Process) Busyness() int {
	return busyness(p.sessions, p.concurrency)
}

func (p *Process) IsTotallyBusy() bool {
	return p.concurrency > 0 && p.sessions >= p.concurrency
}

func (p *Process) CanBeRoutedTo() bool {
	return !p.IsTotallyBusy()
}

// findSessionSocketWithLowestBusyness scans the indexed sockets. Ties go to
// the lowest index.
func (p *Process) findSessionSocketWithLowestBusyness() *Socket {
	var best *Socket
	for _, s := range p.sessionSockets {
		if best == nil || s.Busyness() < best.Busyness() {
			best = s
		}
	}
	return best
}

// newSession opens a session on the least busy socket. It returns nil when
// that socket is itself totally busy.
func (p *Process) newSession(pool *Pool, now time.Time) *Session {
	s := p.findSessionSocketWithLowestBusyness()
	if s == nil || s.IsTotallyBusy() {
		return nil
	}
	s.sessions++
	p.sessions++
	p.lastUsed = now
	return &Session{pool: pool, process: p, socket: s}
}

func (p *Process) sessionClosed(sess *Session) {
	sess.socket.sessions--
	p.sessions--
	p.processed++
	if p.sessions < 0 || sess.socket.sessions < 0 {
		panic(fmt.Sprintf("pool: negative session count on process %d", p.pid))
	}
}

func (p *Process) CanTriggerShutdown() bool {
	return p.IsAlive() && p.sessions == 0
}

// TriggerShutdown asks the worker to exit by closing its admin pipe.
func (p *Process) TriggerShutdown() error {
	if p.sessions != 0 {
		return fmt.Errorf("process %d still has %d sessions", p.pid, p.sessions)
	}
	if !p.lifeStatus.CompareAndSwap(int32(consts.LifeAlive), int32(consts.LifeShutdownTriggered)) {
		return fmt.Errorf("process %d is not alive", p.pid)
	}
	p.shutdownStartTime = time.Now()
	if p.dummy || p.adminPipe == nil {
		return nil
	}
	return p.adminPipe.Close()
}

func (p *Process) ShutdownTimeoutExpired() bool {
	return p.LifeStatus() == consts.LifeShutdownTriggered &&
		p.shutdownTimeout > 0 &&
		time.Since(p.shutdownStartTime) >= p.shutdownTimeout
}

func (p *Process) CanCleanup() bool {
	return p.LifeStatus() == consts.LifeShutdownTriggered && !p.OSProcessExists()
}

// Cleanup releases what the process owned and marks it dead.
func (p *Process) Cleanup() error {
	if p.LifeStatus() != consts.LifeShutdownTriggered {
		return fmt.Errorf("process %d: cleanup before shutdown", p.pid)
	}
	var err error
	for _, s := range p.sockets {
		err = multierr.Append(err, s.CloseAllConnections())
		if network, path := ParseAddress(s.Address); network == "unix" {
			if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				err = multierr.Append(err, rerr)
			}
		}
	}
	if p.dummy && p.handle != nil {
		err = multierr.Append(err, p.handle.Kill())
	}
	p.lifeStatus.Store(int32(consts.LifeDead))
	return err
}

// kill sends SIGKILL through the handle, or directly to the pid.
func (p *Process) kill() error {
	if p.handle != nil {
		return p.handle.Kill()
	}
	if p.pid <= 0 {
		return nil
	}
	return unix.Kill(p.pid, unix.SIGKILL)
}

// OSProcessExists reports whether the worker still runs. Zombies count as
// gone, and a negative answer is final so a recycled pid cannot bring the
// process back.
func (p *Process) OSProcessExists() bool {
	if p.osGone.Load() {
		return false
	}
	gone := false
	switch {
	case p.handle != nil && p.handle.Exited():
		gone = true
	case p.dummy:
		gone = p.LifeStatus() != consts.LifeAlive
	case p.pid > 0:
		gone = !pidExists(p.pid)
	}
	if gone {
		p.osGone.Store(true)
	}
	return !gone
}

func pidExists(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false
		}
		// EPERM: it exists but belongs to someone else.
	}
	return !isZombie(pid)
}

// isZombie reads the State line of /proc/<pid>/status.
func isZombie(pid int) bool {
	f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if state, ok := strings.CutPrefix(line, "State:"); ok {
			return strings.HasPrefix(strings.TrimSpace(state), "Z")
		}
	}
	return false
}

// ProcessSnapshot is the JSON form of a Process.
type ProcessSnapshot struct {
	PID             int              `json:"pid"`
	Gupid           string           `json:"gupid"`
	StickySessionID uint32           `json:"sticky_session_id"`
	Generation      uint             `json:"generation"`
	Sessions        int              `json:"sessions"`
	Processed       uint64           `json:"processed"`
	Concurrency     int              `json:"concurrency"`
	Busyness        int              `json:"busyness"`
	LifeStatus      string           `json:"life_status"`
	Enabled         string           `json:"enabled"`
	OOBW            string           `json:"oobw"`
	SpawnStartTime  int64            `json:"spawn_start_time"`
	SpawnEndTime    int64            `json:"spawn_end_time"`
	LastUsed        int64            `json:"last_used"`
	Uptime          string           `json:"uptime"`
	Dummy           bool             `json:"dummy,omitempty"`
	Metrics         Metrics          `json:"metrics"`
	Sockets         []SocketSnapshot `json:"sockets"`
}

func (p *Process) Snapshot() ProcessSnapshot {
	return ProcessSnapshot{
		PID:             p.pid,
		Gupid:           p.gupid,
		StickySessionID: p.stickySessionID,
		Generation:      p.generation,
		Sessions:        p.sessions,
		Processed:       p.processed,
		Concurrency:     p.concurrency,
		Busyness:        p.Busyness(),
		LifeStatus:      p.LifeStatus().String(),
		Enabled:         p.enabled.String(),
		OOBW:            p.OOBWStatus().String(),
		SpawnStartTime:  p.spawnStartTime.UnixMicro(),
		SpawnEndTime:    p.spawnEndTime.UnixMicro(),
		LastUsed:        p.lastUsed.UnixMicro(),
		Uptime:          p.Uptime().Truncate(time.Second).String(),
		Dummy:           p.dummy,
		Metrics:         p.metrics,
		Sockets:         lo.Map(p.sockets, func(s *Socket, _ int) SocketSnapshot { return s.Snapshot() }),
	}
}

// Personal.AI order the ending

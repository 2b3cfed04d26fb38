// Package resource owns the listening sockets of a Portus server: the
// controller listeners and the unix sockets handed to spawned workers.
package resource

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/logger"
)

// ListenerManager binds listeners on demand. Listeners passed down by a
// parent process through PORTUS_INHERITED_FDS are claimed before anything
// is bound anew, so a restarted server keeps its sockets.
type ListenerManager struct {
	mu sync.Mutex

	// Active listeners keyed by requested and canonical address.
	listeners map[string]*managed
	// Inherited but not yet claimed.
	inherited map[string]*managed

	discovered bool
}

type managed struct {
	listener net.Listener
	file     *os.File
	network  string
	unixPath string
}

// First inherited descriptor; the rest follow consecutively.
var inheritedFDBase = 3

func NewListenerManager() *ListenerManager {
	return &ListenerManager{
		listeners: make(map[string]*managed),
		inherited: make(map[string]*managed),
	}
}

// ParseListenAddress accepts "unix:/path", "tcp://host:port", "/path" and
// "host:port".
func ParseListenAddress(addr string) (network, address string) {
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

func isSocket(fd uintptr) bool {
	var stat syscall.Stat_t
	if err := syscall.Fstat(int(fd), &stat); err != nil {
		return false
	}
	return (stat.Mode & syscall.S_IFMT) == syscall.S_IFSOCK
}

func setNonblock(l net.Listener) {
	sc, ok := l.(syscall.Conn)
	if !ok {
		return
	}
	if raw, err := sc.SyscallConn(); err == nil {
		_ = raw.Control(func(fd uintptr) {
			_ = unix.SetNonblock(int(fd), true)
		})
	}
}

func (m *ListenerManager) discoverInherited() {
	if m.discovered {
		return
	}
	m.discovered = true

	count, err := strconv.Atoi(os.Getenv(consts.EnvInheritedFDs))
	if err != nil || count <= 0 {
		return
	}
	// Our own children get the variable only when we set it again.
	os.Unsetenv(consts.EnvInheritedFDs)

	logger.Log.Info("Discovering inherited sockets", "count", count)
	for i := 0; i < count; i++ {
		fd := inheritedFDBase + i
		if !isSocket(uintptr(fd)) {
			logger.Log.Warn("Inherited fd is not a socket, skipping", "fd", fd)
			continue
		}
		f := os.NewFile(uintptr(fd), "listener")
		if f == nil {
			continue
		}
		l, err := net.FileListener(f)
		if err != nil {
			logger.Log.Error("Cannot use inherited fd as a listener", "fd", fd, "err", err)
			continue
		}
		setNonblock(l)

		mg := &managed{listener: l, file: f, network: l.Addr().Network()}
		m.inherited[l.Addr().String()] = mg
		logger.Log.Info("Discovered inherited socket", "addr", l.Addr().String(), "fd", fd)
	}
}

// claimInherited finds an inherited listener for the requested address. A
// tcp request without a host matches a listener on any address.
func (m *ListenerManager) claimInherited(network, address string) (string, *managed) {
	if mg, ok := m.inherited[address]; ok {
		return address, mg
	}
	if network != "tcp" {
		return "", nil
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil || port == "0" {
		return "", nil
	}
	for key, mg := range m.inherited {
		if mg.network != "tcp" {
			continue
		}
		h, p, err := net.SplitHostPort(key)
		if err != nil || p != port {
			continue
		}
		if host == h || (isUnspecified(host) && isUnspecified(h)) {
			return key, mg
		}
	}
	return "", nil
}

func isUnspecified(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// Listen returns the listener for addr, claiming an inherited one or binding
// a new one. Asking twice for the same address returns the same listener.
func (m *ListenerManager) Listen(addr string) (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mg, ok := m.listeners[addr]; ok {
		return mg.listener, nil
	}

	network, address := ParseListenAddress(addr)
	m.discoverInherited()
	if key, mg := m.claimInherited(network, address); mg != nil {
		logger.Log.Info("Claiming inherited socket", "addr", addr)
		delete(m.inherited, key)
		m.remember(addr, mg)
		return mg.listener, nil
	}

	logger.Log.Info("Binding new listener", "addr", addr)
	var (
		l    net.Listener
		f    *os.File
		path string
		err  error
	)
	if network == "unix" {
		var ul *net.UnixListener
		ul, f, err = ListenUnix(address)
		l, path = ul, address
	} else {
		l, f, err = listenTCP(address)
	}
	if err != nil {
		return nil, err
	}
	m.remember(addr, &managed{listener: l, file: f, network: network, unixPath: path})
	return l, nil
}

func (m *ListenerManager) remember(addr string, mg *managed) {
	m.listeners[addr] = mg
	m.listeners[mg.listener.Addr().String()] = mg
}

func listenTCP(address string) (net.Listener, *os.File, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, err
	}
	tl, ok := l.(*net.TCPListener)
	if !ok {
		l.Close()
		return nil, nil, fmt.Errorf("listener on %s is not a TCP listener", address)
	}
	f, err := tl.File()
	if err != nil {
		l.Close()
		return nil, nil, err
	}
	// File() leaves the socket blocking.
	setNonblock(l)
	return l, f, nil
}

// ListenUnix binds a unix socket at path, replacing a stale socket file
// nobody listens on. The returned file is a duplicate suitable for handing
// to a child process.
func ListenUnix(path string) (*net.UnixListener, *os.File, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, nil, err
	}
	ul, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, nil, err
	}
	// The owner removes the path, not Close.
	ul.SetUnlinkOnClose(false)
	f, err := ul.File()
	if err != nil {
		ul.Close()
		_ = os.Remove(path)
		return nil, nil, err
	}
	setNonblock(ul)
	return ul, f, nil
}

func removeStaleSocket(path string) error {
	st, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%s is in use", path)
	}
	return os.Remove(path)
}

func (m *ListenerManager) unique() []*managed {
	seen := make(map[*managed]bool)
	var out []*managed
	for _, mg := range m.listeners {
		if !seen[mg] {
			seen[mg] = true
			out = append(out, mg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].listener.Addr().String() < out[j].listener.Addr().String()
	})
	return out
}

// Files returns the descriptors of every active listener, sorted by address,
// for passing to a successor process.
func (m *ListenerManager) Files() []*os.File {
	m.mu.Lock()
	defer m.mu.Unlock()
	mgs := m.unique()
	files := make([]*os.File, 0, len(mgs))
	for _, mg := range mgs {
		files = append(files, mg.file)
	}
	return files
}

// Addrs lists the canonical addresses of the active listeners.
func (m *ListenerManager) Addrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	mgs := m.unique()
	addrs := make([]string, 0, len(mgs))
	for _, mg := range mgs {
		addrs = append(addrs, mg.listener.Addr().String())
	}
	return addrs
}

func (mg *managed) close() error {
	err := multierr.Combine(ignoreClosed(mg.listener.Close()), mg.file.Close())
	if mg.unixPath != "" {
		if rerr := os.Remove(mg.unixPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close closes every listener, inherited ones included, and removes the
// unix socket files it created.
func (m *ListenerManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for _, mg := range m.unique() {
		err = multierr.Append(err, mg.close())
	}
	m.listeners = make(map[string]*managed)

	for _, mg := range m.inherited {
		err = multierr.Append(err, mg.close())
	}
	m.inherited = make(map[string]*managed)
	return err
}

// Personal.AI order the ending

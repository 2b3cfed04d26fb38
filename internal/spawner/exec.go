// Package spawner starts application workers as OS processes.
//
// Every worker gets a freshly bound unix socket as fd 3, announced through
// PORTUS_INHERITED_FDS and PORTUS_SOCKET_ADDRESS. Its stdin is the admin
// pipe: when the pool closes it, the worker should exit. While starting, the
// worker talks to the spawner over stdout with "!> " lines:
//
//	!> socket: main;unix:/tmp/app.sock;http_session;4
//	!> Ready
//
// or, when it cannot start:
//
//	!> Error: Database unreachable
//	!> Problem: ...
//	!> Solution: ...
//
// Workers that announce no socket are assumed to serve on the inherited one.
package spawner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/internal/resource"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/logger"
)

const (
	// maxCapturedOutput bounds the startup output kept for error pages.
	maxCapturedOutput = 16 * 1024
	// outputDrainTimeout is how long a failed spawn waits for the rest of
	// the worker's output.
	outputDrainTimeout = time.Second
)

// ExecSpawner runs the start command of an application.
type ExecSpawner struct {
	// SocketDir holds the per-worker unix sockets. Empty means os.TempDir().
	SocketDir string

	log logger.Logger
}

func New(socketDir string) *ExecSpawner {
	return &ExecSpawner{SocketDir: socketDir, log: logger.Log.With("component", "spawner")}
}

func (s *ExecSpawner) socketPath() string {
	dir := s.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return filepath.Join(dir, "worker."+id+".sock")
}

// Spawn starts a worker and waits for its handshake. ctx carries the start
// timeout; when it expires the worker is killed.
func (s *ExecSpawner) Spawn(ctx context.Context, opts pool.Options) (*pool.SpawnResult, error) {
	start := time.Now()
	if len(opts.StartCommand) == 0 {
		return nil, &pool.SpawnError{
			Summary:  "No start command configured",
			Solution: "Set start_command for application " + opts.GroupName() + ".",
		}
	}
	log := s.log.With("group", opts.GroupName())

	path := s.socketPath()
	address := "unix:" + path
	ul, sockFile, err := resource.ListenUnix(path)
	if err != nil {
		return nil, &pool.SpawnError{Summary: "Cannot create the worker socket", Err: err}
	}

	cmd := exec.Command(opts.StartCommand[0], opts.StartCommand[1:]...)
	cmd.Dir = opts.AppRoot
	cmd.Env = workerEnv(opts, address)
	cmd.ExtraFiles = []*os.File{sockFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var parentEnds []io.Closer
	fail := func(serr *pool.SpawnError) (*pool.SpawnResult, error) {
		for _, c := range parentEnds {
			_ = c.Close()
		}
		_ = os.Remove(path)
		return nil, serr
	}
	childEnds := []io.Closer{ul, sockFile}
	closeChildEnds := func() {
		for _, c := range childEnds {
			_ = c.Close()
		}
	}

	cred, err := credential(opts.User, opts.Group)
	if err != nil {
		closeChildEnds()
		return fail(&pool.SpawnError{
			Summary:  "Cannot run the application as the configured user",
			Problem:  err.Error(),
			Solution: "Check the user and group settings of the application.",
		})
	}
	cmd.SysProcAttr.Credential = cred

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeChildEnds()
		return fail(&pool.SpawnError{Summary: "Cannot create the admin pipe", Err: err})
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeChildEnds()
		return fail(&pool.SpawnError{Summary: "Cannot create the output pipe", Err: err})
	}
	parentEnds = append(parentEnds, stdoutR)
	childEnds = append(childEnds, stdoutW)
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeChildEnds()
		return fail(&pool.SpawnError{Summary: "Cannot create the output pipe", Err: err})
	}
	parentEnds = append(parentEnds, stderrR)
	childEnds = append(childEnds, stderrW)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	log.Info("Spawning worker", "cmd", opts.StartCommand, "dir", opts.AppRoot, "socket", address)
	startErr := cmd.Start()
	// The child holds its own copies now.
	closeChildEnds()
	if startErr != nil {
		_ = stdin.Close()
		return fail(&pool.SpawnError{
			Summary:  "The application could not be started",
			Problem:  startErr.Error(),
			Solution: "Check that start_command exists and is executable.",
			Err:      startErr,
		})
	}

	h := newHandle(cmd)
	wlog := log.With("pid", cmd.Process.Pid)
	out := &outputBuffer{limit: maxCapturedOutput}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		forwardOutput(stderrR, out, wlog, "stderr")
	}()
	results := make(chan handshakeResult, 1)
	go readHandshake(stdoutR, out, wlog, results)

	var res handshakeResult
	select {
	case res = <-results:
	case <-ctx.Done():
		_ = h.Kill()
		drain(stderrDone)
		_ = os.Remove(path)
		return nil, &pool.SpawnError{
			Summary:  "The application did not start in time",
			Problem:  fmt.Sprintf("The application did not report readiness within %s.", opts.StartTimeout),
			Solution: "Raise start_timeout or find out why the application starts so slowly.",
			Output:   out.String(),
			Err:      perrors.New(perrors.ErrCodeSpawnTimeout, "spawner.spawn", "timed out starting "+opts.GroupName(), ctx.Err()),
		}
	}

	if res.err != nil || !res.hs.ready {
		_ = h.Kill()
		drain(stderrDone)
		_ = os.Remove(path)
		serr := res.spawnError()
		serr.Output = out.String()
		wlog.Warn("Worker failed to start", "summary", serr.Summary)
		return nil, serr
	}

	sockets := res.hs.sockets
	if len(sockets) == 0 {
		protocol := opts.Protocol
		if protocol == "" {
			protocol = consts.ProtocolHTTPSession
		}
		sockets = []pool.SocketSpec{{
			Name:               "main",
			Address:            address,
			Protocol:           protocol,
			Concurrency:        opts.Concurrency,
			AcceptHTTPRequests: protocol != consts.ProtocolSession,
		}}
	}
	if !lo.ContainsBy(sockets, func(spec pool.SocketSpec) bool { return spec.Address == address }) {
		_ = os.Remove(path)
	}

	end := time.Now()
	wlog.Info("Worker ready", "sockets", len(sockets), "duration", end.Sub(start))
	return &pool.SpawnResult{
		PID:            cmd.Process.Pid,
		Sockets:        sockets,
		AdminPipe:      stdin,
		Handle:         h,
		SpawnStartTime: start,
		SpawnEndTime:   end,
	}, nil
}

func drain(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(outputDrainTimeout):
	}
}

// workerEnv is the parent environment plus the application's own variables
// and the Portus ones, which always win.
func workerEnv(opts pool.Options, address string) []string {
	ours := map[string]string{
		consts.EnvInheritedFDs:  "1",
		consts.EnvSocketAddress: address,
		consts.EnvAppRoot:       opts.AppRoot,
		consts.EnvAppEnv:        opts.Environment,
		"RAILS_ENV":             opts.Environment,
		"RACK_ENV":              opts.Environment,
		"NODE_ENV":              opts.Environment,
	}
	env := lo.Filter(os.Environ(), func(kv string, _ int) bool {
		k, _, _ := strings.Cut(kv, "=")
		_, overridden := ours[k]
		_, app := opts.Env[k]
		return !overridden && !app
	})

	keys := lo.Keys(opts.Env)
	sort.Strings(keys)
	for _, k := range keys {
		if _, overridden := ours[k]; !overridden {
			env = append(env, k+"="+opts.Env[k])
		}
	}
	keys = lo.Keys(ours)
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+ours[k])
	}
	return env
}

// credential resolves the user and group to run as. Only root can switch;
// everyone else runs workers as themselves.
func credential(userName, groupName string) (*syscall.Credential, error) {
	if userName == "" || os.Geteuid() != 0 {
		return nil, nil
	}
	u, err := user.Lookup(userName)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, err
		}
		if gid, err = strconv.ParseUint(g.Gid, 10, 32); err != nil {
			return nil, err
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

type handshakeResult struct {
	hs  handshake
	err error
}

func (r handshakeResult) spawnError() *pool.SpawnError {
	var serr *pool.SpawnError
	if errors.As(r.err, &serr) {
		return serr
	}
	if r.err != nil {
		return &pool.SpawnError{Summary: "Cannot read the application output", Err: r.err}
	}
	if r.hs.failed() {
		return &pool.SpawnError{Summary: r.hs.summary, Problem: r.hs.problem, Solution: r.hs.solution}
	}
	return &pool.SpawnError{
		Summary:  "The application exited during startup",
		Problem:  "The application stopped before it reported readiness.",
		Solution: "Check the application output below.",
	}
}

// readHandshake reads stdout until the worker is ready or gone, then keeps
// forwarding the rest of stdout to the log.
func readHandshake(r io.ReadCloser, out *outputBuffer, log logger.Logger, results chan<- handshakeResult) {
	defer r.Close()
	var hs handshake
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		ok, err := hs.parse(line)
		if err != nil {
			results <- handshakeResult{hs: hs, err: err}
			forwardLines(sc, log, "stdout")
			return
		}
		if !ok {
			out.add(line)
			log.Info("Worker output", "stream", "stdout", "line", line)
			continue
		}
		if hs.ready {
			results <- handshakeResult{hs: hs}
			forwardLines(sc, log, "stdout")
			return
		}
	}
	results <- handshakeResult{hs: hs, err: sc.Err()}
}

func forwardLines(sc *bufio.Scanner, log logger.Logger, stream string) {
	for sc.Scan() {
		log.Info("Worker output", "stream", stream, "line", sc.Text())
	}
}

// forwardOutput logs every line of r and captures it for error pages.
func forwardOutput(r io.ReadCloser, out *outputBuffer, log logger.Logger, stream string) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out.add(sc.Text())
		log.Info("Worker output", "stream", stream, "line", sc.Text())
	}
}

// outputBuffer keeps the first limit bytes of worker output.
type outputBuffer struct {
	mu    sync.Mutex
	b     strings.Builder
	limit int
}

func (o *outputBuffer) add(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.b.Len()+len(line)+1 > o.limit {
		return
	}
	o.b.WriteString(line)
	o.b.WriteByte('\n')
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}

// execHandle reaps the worker in the background.
type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func newHandle(cmd *exec.Cmd) *execHandle {
	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h
}

func (h *execHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Kill sends SIGKILL to the worker's whole process group.
func (h *execHandle) Kill() error {
	if h.Exited() {
		return nil
	}
	err := unix.Kill(-h.cmd.Process.Pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Personal.AI order the ending

package spawner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/logger"
)

func newTestSpawner(t *testing.T) *ExecSpawner {
	t.Helper()
	s := New(t.TempDir())
	s.log = logger.Discard()
	return s
}

func shellOptions(t *testing.T, script string) pool.Options {
	return pool.Options{
		AppRoot:      t.TempDir(),
		Environment:  "test",
		StartCommand: []string{"/bin/sh", "-c", script},
		Protocol:     consts.ProtocolHTTPSession,
		Concurrency:  2,
		StartTimeout: 5 * time.Second,
	}
}

func spawn(t *testing.T, s *ExecSpawner, opts pool.Options, timeout time.Duration) (*pool.SpawnResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Spawn(ctx, opts)
}

func stop(t *testing.T, res *pool.SpawnResult) {
	t.Helper()
	require.NoError(t, res.AdminPipe.Close())
	require.Eventually(t, res.Handle.Exited, 5*time.Second, 10*time.Millisecond)
}

func TestSpawn_DefaultSocket(t *testing.T) {
	s := newTestSpawner(t)
	script := `[ -S /dev/fd/3 ] || { echo "!> Error: fd 3 is not a socket"; exit 1; }
[ "$PORTUS_INHERITED_FDS" = 1 ] || { echo "!> Error: inherited fd count missing"; exit 1; }
case "$PORTUS_SOCKET_ADDRESS" in unix:*) ;; *) echo "!> Error: no socket address"; exit 1;; esac
echo booting
echo "!> Ready"
exec cat >/dev/null`
	res, err := spawn(t, s, shellOptions(t, script), 5*time.Second)
	require.NoError(t, err)

	assert.Greater(t, res.PID, 0)
	require.Len(t, res.Sockets, 1)
	sock := res.Sockets[0]
	assert.Equal(t, "main", sock.Name)
	assert.Equal(t, consts.ProtocolHTTPSession, sock.Protocol)
	assert.Equal(t, 2, sock.Concurrency)
	assert.True(t, sock.AcceptHTTPRequests)

	path := strings.TrimPrefix(sock.Address, "unix:")
	assert.Equal(t, s.SocketDir, filepath.Dir(path))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, st.Mode()&os.ModeSocket)

	assert.False(t, res.Handle.Exited())
	assert.False(t, res.SpawnEndTime.Before(res.SpawnStartTime))
	// Closing the admin pipe ends cat.
	stop(t, res)
}

func TestSpawn_AnnouncedSockets(t *testing.T) {
	s := newTestSpawner(t)
	script := `echo "!> socket: main;tcp://127.0.0.1:4000;http;4"
echo "!> socket: control;unix:/tmp/control.sock;session"
echo "!> Ready"
exec cat >/dev/null`
	res, err := spawn(t, s, shellOptions(t, script), 5*time.Second)
	require.NoError(t, err)
	defer stop(t, res)

	want := []pool.SocketSpec{
		{Name: "main", Address: "tcp://127.0.0.1:4000", Protocol: consts.ProtocolHTTP, Concurrency: 4, AcceptHTTPRequests: true},
		{Name: "control", Address: "unix:/tmp/control.sock", Protocol: consts.ProtocolSession},
	}
	assert.Equal(t, want, res.Sockets)

	// The unused pre-bound socket is gone.
	entries, err := os.ReadDir(s.SocketDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSpawn_ErrorHandshake(t *testing.T) {
	s := newTestSpawner(t)
	script := `echo "loading config"
echo "oops" >&2
echo "!> Error: Database unreachable"
echo "!> Problem: Connection refused."
echo "!> Solution: Start the database."
exit 1`
	_, err := spawn(t, s, shellOptions(t, script), 5*time.Second)
	require.Error(t, err)

	var serr *pool.SpawnError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "Database unreachable", serr.Summary)
	assert.Equal(t, "Connection refused.", serr.Problem)
	assert.Equal(t, "Start the database.", serr.Solution)
	assert.Contains(t, serr.Output, "loading config")
	assert.Contains(t, serr.Output, "oops")
	assert.True(t, perrors.Is(err, perrors.ErrCodeSpawnFailed))

	entries, err := os.ReadDir(s.SocketDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "socket of a failed worker is removed")
}

func TestSpawn_ExitBeforeReady(t *testing.T) {
	s := newTestSpawner(t)
	_, err := spawn(t, s, shellOptions(t, "exit 3"), 5*time.Second)
	var serr *pool.SpawnError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "The application exited during startup", serr.Summary)
}

func TestSpawn_Timeout(t *testing.T) {
	s := newTestSpawner(t)
	start := time.Now()
	_, err := spawn(t, s, shellOptions(t, "echo starting; exec sleep 30"), 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrCodeSpawnTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)

	var serr *pool.SpawnError
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Output, "starting")
}

func TestSpawn_NoStartCommand(t *testing.T) {
	s := newTestSpawner(t)
	_, err := s.Spawn(context.Background(), pool.Options{AppRoot: t.TempDir()})
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrCodeSpawnFailed))
}

func TestSpawn_MissingExecutable(t *testing.T) {
	s := newTestSpawner(t)
	opts := shellOptions(t, "")
	opts.StartCommand = []string{filepath.Join(t.TempDir(), "nope")}
	_, err := spawn(t, s, opts, 5*time.Second)
	var serr *pool.SpawnError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "The application could not be started", serr.Summary)
}

func TestSpawn_RunsInAppRoot(t *testing.T) {
	s := newTestSpawner(t)
	opts := shellOptions(t, `[ "$(pwd -P)" = "$(cd "$PORTUS_APP_ROOT" && pwd -P)" ] || { echo "!> Error: wrong directory"; exit 1; }
[ "$GREETING" = hello ] || { echo "!> Error: env missing"; exit 1; }
echo "!> Ready"
exec cat >/dev/null`)
	opts.Env = map[string]string{"GREETING": "hello"}
	res, err := spawn(t, s, opts, 5*time.Second)
	require.NoError(t, err)
	stop(t, res)
}

func TestExecHandle_Kill(t *testing.T) {
	s := newTestSpawner(t)
	res, err := spawn(t, s, shellOptions(t, `echo "!> Ready"; exec sleep 30`), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, res.Handle.Kill())
	require.Eventually(t, res.Handle.Exited, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, res.Handle.Kill(), "killing an exited worker is a no-op")
}

func TestWorkerEnv(t *testing.T) {
	opts := pool.Options{
		AppRoot:     "/srv/app",
		Environment: "staging",
		Env: map[string]string{
			"GREETING":              "hello",
			consts.EnvSocketAddress: "spoofed",
		},
	}
	env := workerEnv(opts, "unix:/tmp/w.sock")
	assert.Contains(t, env, "GREETING=hello")
	assert.Contains(t, env, consts.EnvSocketAddress+"=unix:/tmp/w.sock")
	assert.NotContains(t, env, consts.EnvSocketAddress+"=spoofed")
	assert.Contains(t, env, consts.EnvInheritedFDs+"=1")
	assert.Contains(t, env, "RAILS_ENV=staging")
	assert.Contains(t, env, consts.EnvAppRoot+"=/srv/app")
}

func TestParseSocketLine(t *testing.T) {
	spec, err := parseSocketLine("main;unix:/tmp/a.sock")
	require.NoError(t, err)
	assert.Equal(t, pool.SocketSpec{Name: "main", Address: "unix:/tmp/a.sock", Protocol: consts.ProtocolHTTPSession, AcceptHTTPRequests: true}, spec)

	spec, err = parseSocketLine("s;tcp://127.0.0.1:1;session;0")
	require.NoError(t, err)
	assert.Equal(t, consts.ProtocolSession, spec.Protocol)
	assert.False(t, spec.AcceptHTTPRequests)

	for _, bad := range []string{"", "main", ";addr", "main;addr;smtp", "main;addr;http;many"} {
		_, err := parseSocketLine(bad)
		assert.Error(t, err, bad)
	}
}

func TestHandshake_Parse(t *testing.T) {
	var hs handshake
	for _, line := range []string{"plain output", "!> Problem: one", "!> Problem: two", "!> unknown"} {
		_, err := hs.parse(line)
		require.NoError(t, err)
	}
	assert.Equal(t, "one\ntwo", hs.problem)
	assert.False(t, hs.failed())
	assert.False(t, hs.ready)

	ok, err := hs.parse("!> Ready")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, hs.ready)
}

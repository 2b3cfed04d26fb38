package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Portus/internal/admin"
	"github.com/turtacn/Portus/internal/config"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/logger"
	"github.com/turtacn/Portus/pkg/protocol"
)

const waitFor = 5 * time.Second

func init() {
	logger.Log = logger.Discard()
}

type paths struct {
	http  string
	admin string
}

func testConfig(t *testing.T) (*protocol.Config, paths) {
	t.Helper()
	dir := t.TempDir()
	p := paths{http: filepath.Join(dir, "http.sock"), admin: filepath.Join(dir, "admin.sock")}
	cfg := &protocol.Config{
		Server: protocol.ServerConfig{Listen: []string{"unix:" + p.http}, Threads: 2},
		Pool:   protocol.PoolConfig{ShutdownTimeout: "2s", AnalyticsInterval: "1h"},
		Apps:   []protocol.AppConfig{{Name: "app", AppRoot: "/srv/app"}},
		Admin:  protocol.AdminConfig{Listen: "unix:" + p.admin, SuperKey: "super"},
	}
	cfg.Buffering.BufferDir = dir
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg, p
}

func unixClient(path string) *http.Client {
	return &http.Client{
		Timeout: waitFor,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
}

type running struct {
	srv    *Server
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg *protocol.Config) *running {
	t.Helper()
	srv := New(cfg, WithSpawner(pool.NewDummySpawner(t.TempDir(), 0)))
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-r.done:
		cancel()
		t.Fatalf("server did not start: %v", err)
	case <-time.After(waitFor):
		cancel()
		t.Fatal("server did not become ready")
	}
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * waitFor):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestServer_ServesRequests(t *testing.T) {
	cfg, p := testConfig(t)
	r := start(t, cfg)
	assert.Equal(t, consts.ServerRunning, r.srv.State())

	resp, err := unixClient(p.http).Get("http://app.test/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	c := admin.NewClient("unix:"+p.admin, admin.UserAdmin, "super", waitFor)
	snap, err := c.Pool(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Groups, 1)
	assert.Equal(t, "app", snap.Groups[0].Name)

	st, err := c.Server(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Controllers, 2)

	require.NoError(t, r.stop(t))
	assert.Equal(t, consts.ServerStopped, r.srv.State())
	_, err = os.Stat(p.http)
	assert.True(t, os.IsNotExist(err), "socket file should be removed")
}

func TestServer_SIGHUPRestartsGroups(t *testing.T) {
	cfg, _ := testConfig(t)
	r := start(t, cfg)
	defer func() { assert.NoError(t, r.stop(t)) }()

	require.Eventually(t, func() bool {
		g, err := r.srv.Pool().GroupSnapshot("app")
		return err == nil && len(g.Processes) == 1
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	require.Eventually(t, func() bool {
		g, err := r.srv.Pool().GroupSnapshot("app")
		return err == nil && g.Generation == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, consts.ServerRunning, r.srv.State())
}

func TestServer_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg, _ := testConfig(t)
	cfg.Server.Listen = []string{taken.Addr().String()}
	err = New(cfg, WithSpawner(pool.NewDummySpawner(t.TempDir(), 0))).Run(context.Background())
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrCodeBindFailed))
	assert.Equal(t, consts.ExitBindFailure, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, consts.ExitOK, ExitCode(nil))
	assert.Equal(t, consts.ExitConfigError,
		ExitCode(perrors.New(perrors.ErrCodeConfigInvalid, "test", "bad", nil)))
	assert.Equal(t, consts.ExitInternal, ExitCode(io.ErrUnexpectedEOF))
}

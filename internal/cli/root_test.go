package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Portus/internal/admin"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/logger"
)

func init() {
	logger.Log = logger.Discard()
}

func TestCommands(t *testing.T) {
	if rootCmd.Name() != "portus" {
		t.Errorf("Expected root command name portus, got %s", rootCmd.Name())
	}

	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "status", "restart", "detach", "process", "top", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func adminServer(t *testing.T) (string, *pool.Pool) {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.AnalyticsInterval = 0
	cfg.SuperKey = "super"
	p := pool.NewPool(pool.NewDummySpawner(t.TempDir(), 0), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := p.Get(ctx, pool.Options{AppRoot: "/srv/app", AppGroupName: "app", MaxRequestQueueSize: 10})
	require.NoError(t, err)
	sess.Close(true, false)

	srv := httptest.NewServer(admin.New(p).Handler())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), p
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "portus dev\n", out)
}

func TestStatus(t *testing.T) {
	addr, _ := adminServer(t)

	out, err := run(t, "status", "--admin", addr, "--key", "super")
	require.NoError(t, err)
	assert.Contains(t, out, "Capacity: 1/")
	assert.Contains(t, out, "app")
	assert.Contains(t, out, "ENABLED")

	_, err = run(t, "status", "--admin", addr, "--key", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRestartWait(t *testing.T) {
	addr, p := adminServer(t)

	out, err := run(t, "restart", "app", "--wait", "--admin", addr, "--key", "super")
	require.NoError(t, err)
	assert.Contains(t, out, "Group app restarted")

	g, err := p.GroupSnapshot("app")
	require.NoError(t, err)
	assert.Equal(t, uint(1), g.Generation)
	assert.False(t, g.Restarting)
}

func TestDetachRequiresTarget(t *testing.T) {
	_, err := run(t, "detach", "--admin", "127.0.0.1:1", "--key", "super")
	assert.Error(t, err)
}

func TestProcessRequest(t *testing.T) {
	assert.Equal(t, admin.ProcessRequest{PID: 42}, processRequest("42"))
	assert.Equal(t, admin.ProcessRequest{Gupid: "abc-1"}, processRequest("abc-1"))
}

package controller

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
)

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection":        {"close, X-Private"},
		"X-Private":         {"1"},
		"Keep-Alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Content-Type":      {"text/plain"},
	}
	removeHopHeaders(h)
	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}

func TestCGIName(t *testing.T) {
	assert.Equal(t, "HTTP_X_FORWARDED_FOR", cgiName("X-Forwarded-For"))
	assert.Equal(t, "HTTP_ACCEPT", cgiName("Accept"))
}

func TestSecureHeaders(t *testing.T) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(
		"GET / HTTP/1.1\r\nHost: a\r\n!~: pw\r\n!~APP_ROOT: /srv/x\r\nAccept: */*\r\n\r\n")))
	require.NoError(t, err)

	secure := secureHeaders(req.Header)
	assert.Equal(t, "pw", secure.Get(consts.HeaderConnectPassword))
	assert.Equal(t, "/srv/x", secure.Get(consts.HeaderAppRoot))
	assert.Equal(t, http.Header{"Accept": {"*/*"}}, req.Header)
}

func TestLimitReader(t *testing.T) {
	l := &limitReader{r: strings.NewReader(strings.Repeat("x", 100))}
	l.reset(10)
	b, err := io.ReadAll(l)
	assert.ErrorIs(t, err, errHeaderTooLarge)
	assert.Len(t, b, 10)

	l.reset(-1)
	b, err = io.ReadAll(l)
	assert.NoError(t, err)
	assert.Len(t, b, 90)
}

func TestCGIToHTTP(t *testing.T) {
	r, err := cgiToHTTP(bufio.NewReader(strings.NewReader("Status: 404 Not Found\r\nContent-Type: text/plain\r\n\r\nmissing")))
	require.NoError(t, err)
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Status"))
	assert.Equal(t, "missing", string(body))

	r, err = cgiToHTTP(bufio.NewReader(strings.NewReader("X-A: 1\r\n\r\n")))
	require.NoError(t, err)
	resp, err = http.ReadResponse(r, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = cgiToHTTP(bufio.NewReader(strings.NewReader("no colon here\r\n\r\n")))
	assert.True(t, perrors.Is(err, perrors.ErrCodeWorkerMalformed))
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectPassword = "pw"
	cfg.Apps = []App{
		{Options: pool.Options{AppRoot: "/srv/a", AppGroupName: "a", MaxProcesses: 3}, Hosts: []string{"a.test"}},
		{Options: pool.Options{AppRoot: "/srv/b", AppGroupName: "b", StickySessions: true}, Hosts: []string{"B.test"}},
	}
	cfg.DefaultApp = "a"
	c := &Controller{cfg: cfg}

	tests := []struct {
		name     string
		host     string
		secure   http.Header
		cookie   string
		wantRoot string
		wantOpts func(*testing.T, pool.Options, requestFlags)
	}{
		{name: "host", host: "b.test:8080", wantRoot: "/srv/b"},
		{name: "default", host: "unknown", wantRoot: "/srv/a"},
		{
			name:     "secure root of a configured app",
			host:     "unknown",
			secure:   http.Header{"!~app_root": {"/srv/b"}, "!~max_processes": {"7"}},
			wantRoot: "/srv/b",
			wantOpts: func(t *testing.T, o pool.Options, _ requestFlags) {
				assert.Equal(t, "b", o.AppGroupName)
				assert.Equal(t, 7, o.MaxProcesses)
			},
		},
		{
			name: "secure root of an unknown app",
			host: "a.test",
			secure: http.Header{
				"!~app_root":      {"/srv/c"},
				"!~app_env":       {"staging"},
				"!~start_command": {"ruby app.rb"},
				"!~flags":         {"XB"},
			},
			wantRoot: "/srv/c",
			wantOpts: func(t *testing.T, o pool.Options, f requestFlags) {
				assert.Equal(t, "staging", o.Environment)
				assert.Equal(t, []string{"ruby", "app.rb"}, o.StartCommand)
				assert.Equal(t, consts.DefaultMaxRequestQueueSize, o.MaxRequestQueueSize)
				assert.True(t, f.buffering)
			},
		},
		{
			name:     "sticky cookie",
			host:     "b.test",
			cookie:   consts.DefaultStickyCookieName + "=zz",
			wantRoot: "/srv/b",
			wantOpts: func(t *testing.T, o pool.Options, _ requestFlags) {
				assert.Equal(t, uint32(35*36+35), o.StickySessionID)
			},
		},
		{
			name:     "overflow status",
			host:     "a.test",
			secure:   http.Header{"!~request_queue_overflow_status_code": {"429"}},
			wantRoot: "/srv/a",
			wantOpts: func(t *testing.T, _ pool.Options, f requestFlags) {
				assert.Equal(t, 429, f.overflowStatus)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &http.Request{Host: tt.host, Header: http.Header{}}
			if tt.cookie != "" {
				req.Header.Set("Cookie", tt.cookie)
			}
			secure := tt.secure
			if secure == nil {
				secure = http.Header{}
			}
			opts, flags, err := c.resolve(req, canonical(secure))
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoot, opts.AppRoot)
			if tt.wantOpts != nil {
				tt.wantOpts(t, opts, flags)
			}
		})
	}

	c.cfg.DefaultApp = ""
	_, _, err := c.resolve(&http.Request{Host: "nowhere", Header: http.Header{}}, http.Header{})
	assert.True(t, perrors.Is(err, perrors.ErrCodeNoApplication))
}

func canonical(h http.Header) http.Header {
	out := http.Header{}
	for k, v := range h {
		for _, s := range v {
			out.Add(k, s)
		}
	}
	return out
}

type fakeConn struct{ net.Conn }

func (fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4242}
}

func TestSessionHeadersScriptName(t *testing.T) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(
		"GET /blog/posts/1?page=2 HTTP/1.1\r\nHost: example.com:8080\r\nCookie: a=1\r\nCookie: b=2\r\n\r\n")))
	require.NoError(t, err)
	x := &exchange{
		c:     &Controller{cfg: DefaultConfig()},
		cl:    &client{conn: &fakeConn{}},
		req:   req,
		flags: requestFlags{scriptName: "/blog"},
	}

	got := map[string]string{}
	for _, h := range x.sessionHeaders() {
		got[h.Key] = h.Value
	}
	want := map[string]string{
		"REQUEST_URI":     "/blog/posts/1?page=2",
		"PATH_INFO":       "/posts/1",
		"SCRIPT_NAME":     "/blog",
		"QUERY_STRING":    "page=2",
		"REQUEST_METHOD":  "GET",
		"SERVER_NAME":     "example.com",
		"SERVER_PORT":     "8080",
		"SERVER_SOFTWARE": "Portus",
		"SERVER_PROTOCOL": "HTTP/1.1",
		"REMOTE_ADDR":     "10.0.0.1",
		"REMOTE_PORT":     "4242",
		"HTTP_HOST":       "example.com:8080",
		"HTTP_COOKIE":     "a=1; b=2",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("session headers mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorStatus(t *testing.T) {
	full := perrors.New(perrors.ErrCodeRequestQueueFull, "test", "full", nil)
	assert.Equal(t, 503, errorStatus(full, requestFlags{}))
	assert.Equal(t, 429, errorStatus(full, requestFlags{overflowStatus: 429}))
	assert.Equal(t, 502, errorStatus(perrors.New(perrors.ErrCodeWorkerIO, "test", "io", nil), requestFlags{overflowStatus: 429}))
}

func TestRenderFriendlyPageEscapes(t *testing.T) {
	page, err := renderFriendlyPage(&pool.SpawnError{Summary: "boom", Output: "<script>alert(1)</script>"})
	require.NoError(t, err)
	assert.Contains(t, string(page), "&lt;script&gt;")
	assert.NotContains(t, string(page), "<h2>Problem</h2>")
}

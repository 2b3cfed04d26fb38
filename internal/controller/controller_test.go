package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/logger"
	"github.com/turtacn/Portus/pkg/wire"
)

const waitFor = 5 * time.Second

func init() {
	logger.Log = logger.Discard()
}

func testPoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MaxPoolSize = 4
	cfg.DetachedCheckInterval = 10 * time.Millisecond
	cfg.SpawnBackoffBase = 10 * time.Millisecond
	cfg.SpawnBackoffMax = 80 * time.Millisecond
	cfg.SpawnTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.AnalyticsInterval = 0
	return cfg
}

func testApp() App {
	return App{
		Options: pool.Options{
			AppRoot:             "/srv/app",
			AppGroupName:        "app",
			MaxRequestQueueSize: 10,
		},
		Hosts: []string{"app.test"},
	}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Apps = []App{testApp()}
	cfg.DefaultApp = "app"
	cfg.Buffering.BufferDir = t.TempDir()
	return cfg
}

type harness struct {
	pool *pool.Pool
	ctrl *Controller
	addr string
}

func newHarness(t *testing.T, spawner pool.Spawner, pcfg pool.Config, cfg Config) *harness {
	t.Helper()
	p := pool.NewPool(spawner, pcfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctrl := New(0, p, cfg)
	served := make(chan error, 1)
	go func() { served <- ctrl.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = l.Close()
		_ = ctrl.Shutdown(ctx)
		<-served
	})
	return &harness{pool: p, ctrl: ctrl, addr: l.Addr().String()}
}

func (h *harness) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*waitFor)))
	return conn, bufio.NewReader(conn)
}

func (h *harness) group(t *testing.T, name string) pool.GroupSnapshot {
	t.Helper()
	g, err := h.pool.GroupSnapshot(name)
	require.NoError(t, err)
	return g
}

// processes is safe to call from Eventually conditions.
func (h *harness) processes(name string) []pool.ProcessSnapshot {
	g, err := h.pool.GroupSnapshot(name)
	if err != nil {
		return nil
	}
	return g.Processes
}

func send(t *testing.T, conn net.Conn, br *bufio.Reader, raw string) (*http.Response, string) {
	t.Helper()
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func get(path string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: app.test\r\n\r\n"
}

func TestController_KeepAlive(t *testing.T) {
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	for i := 0; i < 2; i++ {
		resp, body := send(t, conn, br, get("/"))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "hello", body)
		assert.Equal(t, "5", resp.Header.Get("Content-Length"))
		assert.False(t, resp.Close)
	}

	require.Eventually(t, func() bool {
		procs := h.processes("app")
		return len(procs) == 1 && procs[0].Processed == 2
	}, waitFor, 10*time.Millisecond)
	// The worker connection is reused for the second request.
	assert.Equal(t, 1, h.group(t, "app").Processes[0].Sockets[0].IdleConnections)

	stats := h.ctrl.Stats()
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.Equal(t, 1, stats.Clients)
	require.Eventually(t, func() bool {
		return h.ctrl.Stats().States[string(consts.StateParsingHeaders)] == 1
	}, waitFor, 10*time.Millisecond)
}

func TestController_HTTP10ClosesByDefault(t *testing.T) {
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	resp, body := send(t, conn, br, "GET / HTTP/1.0\r\nHost: app.test\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestController_HTTP10KeepAlive(t *testing.T) {
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	raw := "GET / HTTP/1.0\r\nHost: app.test\r\nConnection: keep-alive\r\n\r\n"
	resp, _ := send(t, conn, br, raw)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	resp, body := send(t, conn, br, raw)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)
}

// sessionWorker speaks the session protocol: it records the header block
// and the body, then answers with CGI-style headers.
type sessionWorker struct {
	mu      sync.Mutex
	headers []wire.Header
	body    string
	chunked bool
	spawned int
}

func (w *sessionWorker) Spawn(ctx context.Context, opts pool.Options) (*pool.SpawnResult, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go w.serve(ln)
	w.mu.Lock()
	w.spawned++
	pid := 200000 + w.spawned
	w.mu.Unlock()
	now := time.Now()
	return &pool.SpawnResult{
		PID: pid,
		Sockets: []pool.SocketSpec{{
			Name:        "main",
			Address:     "tcp://" + ln.Addr().String(),
			Protocol:    consts.ProtocolSession,
			Concurrency: 1,
		}},
		Handle:         &listenerHandle{ln: ln},
		Dummy:          true,
		SpawnStartTime: now,
		SpawnEndTime:   now,
	}, nil
}

func (w *sessionWorker) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			br := bufio.NewReader(conn)
			headers, err := wire.DecodeHeaders(br)
			if err != nil {
				return
			}
			var body []byte
			te, chunked := wire.Lookup(headers, "HTTP_TRANSFER_ENCODING")
			chunked = chunked && te == "chunked"
			if chunked {
				body, err = io.ReadAll(httputil.NewChunkedReader(br))
				if err != nil {
					return
				}
			} else if _, ok := wire.Lookup(headers, "CONTENT_LENGTH"); ok {
				body, _ = io.ReadAll(br)
			}
			w.mu.Lock()
			w.headers = headers
			w.body = string(body)
			w.chunked = chunked
			w.mu.Unlock()
			fmt.Fprintf(conn, "Status: 201 Created\r\nContent-Type: text/plain\r\n\r\ngot:%s", body)
		}()
	}
}

func (w *sessionWorker) recorded() ([]wire.Header, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.headers, w.body
}

type listenerHandle struct {
	ln     net.Listener
	mu     sync.Mutex
	exited bool
}

func (h *listenerHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *listenerHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exited = true
	return h.ln.Close()
}

func TestController_SessionProtocolBufferedChunkedBody(t *testing.T) {
	worker := &sessionWorker{}
	cfg := testConfig(t)
	cfg.ConnectPassword = "secret"
	h := newHarness(t, worker, testPoolConfig(), cfg)
	conn, br := h.dial(t)

	raw := "POST /upload?x=1 HTTP/1.1\r\n" +
		"Host: app.test\r\n" +
		"!~: secret\r\n" +
		"!~FLAGS: B\r\n" +
		"Content-Type: text/plain\r\n" +
		"X-Trace: abc\r\n" +
		"Transfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n"
	resp, body := send(t, conn, br, raw)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "got:hello", body)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)

	headers, gotBody := worker.recorded()
	assert.Equal(t, "hello", gotBody)
	want := map[string]string{
		"REQUEST_METHOD": "POST",
		"REQUEST_URI":    "/upload?x=1",
		"PATH_INFO":      "/upload",
		"QUERY_STRING":   "x=1",
		"CONTENT_LENGTH": "5",
		"CONTENT_TYPE":   "text/plain",
		"HTTP_HOST":      "app.test",
		"HTTP_X_TRACE":   "abc",
		"SERVER_NAME":    "app.test",
		"SERVER_PORT":    "80",
		"REMOTE_ADDR":    "127.0.0.1",
	}
	for k, v := range want {
		got, ok := wire.Lookup(headers, k)
		if assert.True(t, ok, k) {
			assert.Equal(t, v, got, k)
		}
	}
	for _, hdr := range headers {
		assert.NotEqual(t, "HTTP_TRANSFER_ENCODING", hdr.Key)
		assert.False(t, strings.Contains(hdr.Key, "!~"), hdr.Key)
	}
	assert.Equal(t, "REQUEST_URI", headers[0].Key)
}

func TestController_SessionProtocolStreamedChunkedBody(t *testing.T) {
	worker := &sessionWorker{}
	h := newHarness(t, worker, testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	raw := "POST /upload HTTP/1.1\r\n" +
		"Host: app.test\r\n" +
		"Transfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	resp, body := send(t, conn, br, raw)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "got:hello world", body)

	headers, gotBody := worker.recorded()
	assert.Equal(t, "hello world", gotBody)
	te, ok := wire.Lookup(headers, "HTTP_TRANSFER_ENCODING")
	assert.True(t, ok)
	assert.Equal(t, "chunked", te)
	_, ok = wire.Lookup(headers, "CONTENT_LENGTH")
	assert.False(t, ok)
	worker.mu.Lock()
	assert.True(t, worker.chunked)
	worker.mu.Unlock()
}

func TestController_ClientDisconnectWhileQueued(t *testing.T) {
	release := make(chan struct{})
	spawner := pool.NewDummySpawner(t.TempDir(), 1)
	spawner.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		pool.DummyHandler(w, r)
	})
	pcfg := testPoolConfig()
	pcfg.MaxPoolSize = 1
	h := newHarness(t, spawner, pcfg, testConfig(t))

	first, firstBr := h.dial(t)
	_, err := io.WriteString(first, get("/"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		procs := h.processes("app")
		return len(procs) == 1 && procs[0].Sessions == 1
	}, waitFor, 10*time.Millisecond)

	queued, _ := h.dial(t)
	_, err = io.WriteString(queued, get("/"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		g, err := h.pool.GroupSnapshot("app")
		return err == nil && g.Waitlist == 1
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, queued.Close())
	require.Eventually(t, func() bool {
		g, err := h.pool.GroupSnapshot("app")
		return err == nil && g.Waitlist == 0
	}, waitFor, 10*time.Millisecond)

	close(release)
	resp, err := http.ReadResponse(firstBr, nil)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The withdrawn request never reached the application.
	require.Eventually(t, func() bool {
		procs := h.processes("app")
		return len(procs) == 1 && procs[0].Sessions == 0
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, uint64(1), h.processes("app")[0].Processed)
	assert.Equal(t, 1, spawner.SpawnCount())
}

func TestController_ConnectPassword(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConnectPassword = "secret"
	h := newHarness(t, &sessionWorker{}, testPoolConfig(), cfg)

	for name, raw := range map[string]string{
		"missing": get("/"),
		"wrong":   "GET / HTTP/1.1\r\nHost: app.test\r\n!~: guess\r\n\r\n",
	} {
		conn, br := h.dial(t)
		resp, _ := send(t, conn, br, raw)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
		assert.True(t, resp.Close, name)
	}
}

func TestController_SecureHeadersIgnoredWithoutPassword(t *testing.T) {
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	resp, _ := send(t, conn, br, "GET / HTTP/1.1\r\nHost: app.test\r\n!~APP_ROOT: /srv/other\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := h.pool.GroupSnapshot("/srv/other (production)")
	assert.Error(t, err)
	assert.Len(t, h.group(t, "app").Processes, 1)
}

func TestController_AppRootHeader(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConnectPassword = "secret"
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), cfg)
	conn, br := h.dial(t)

	raw := "GET / HTTP/1.1\r\nHost: elsewhere\r\n!~: secret\r\n!~APP_ROOT: /srv/other\r\n!~APP_ENV: staging\r\n\r\n"
	resp, body := send(t, conn, br, raw)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)
	g := h.group(t, "/srv/other (staging)")
	assert.Equal(t, "staging", g.Environment)
}

func TestController_QueueOverflow(t *testing.T) {
	release := make(chan struct{})
	spawner := pool.NewDummySpawner(t.TempDir(), 1)
	spawner.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		pool.DummyHandler(w, r)
	})
	pcfg := testPoolConfig()
	pcfg.MaxPoolSize = 1
	cfg := testConfig(t)
	cfg.Apps[0].Options.MaxRequestQueueSize = 1
	h := newHarness(t, spawner, pcfg, cfg)

	type result struct {
		status int
		body   string
	}
	inFlight := func() chan result {
		ch := make(chan result, 1)
		conn, br := h.dial(t)
		go func() {
			_, _ = io.WriteString(conn, get("/"))
			resp, err := http.ReadResponse(br, nil)
			if err != nil {
				ch <- result{}
				return
			}
			b, _ := io.ReadAll(resp.Body)
			ch <- result{resp.StatusCode, string(b)}
		}()
		return ch
	}

	first := inFlight()
	require.Eventually(t, func() bool {
		procs := h.processes("app")
		return len(procs) == 1 && procs[0].Sessions == 1
	}, waitFor, 10*time.Millisecond)
	second := inFlight()
	require.Eventually(t, func() bool {
		g, err := h.pool.GroupSnapshot("app")
		return err == nil && g.Waitlist == 1
	}, waitFor, 10*time.Millisecond)

	conn, br := h.dial(t)
	resp, _ := send(t, conn, br, get("/"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	close(release)
	for _, ch := range []chan result{first, second} {
		select {
		case r := <-ch:
			assert.Equal(t, result{http.StatusOK, "hello"}, r)
		case <-time.After(waitFor):
			t.Fatal("request was not served")
		}
	}
}

func TestController_BodyTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBodySize = 3
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), cfg)

	for name, raw := range map[string]string{
		"length":  "POST / HTTP/1.1\r\nHost: app.test\r\nContent-Length: 5\r\n\r\nhello",
		"chunked": "POST / HTTP/1.1\r\nHost: app.test\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n",
	} {
		conn, br := h.dial(t)
		resp, _ := send(t, conn, br, raw)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, name)
	}

	conn, br := h.dial(t)
	resp, body := send(t, conn, br, "POST / HTTP/1.1\r\nHost: app.test\r\nContent-Length: 2\r\n\r\nok")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body)
}

func TestController_MalformedRequest(t *testing.T) {
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	resp, _ := send(t, conn, br, "garbage\r\n\r\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.True(t, resp.Close)
}

func TestController_HeaderTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeaderReadLimit = 256
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), cfg)
	conn, br := h.dial(t)

	resp, _ := send(t, conn, br, "GET / HTTP/1.1\r\nHost: app.test\r\nX-Big: "+strings.Repeat("a", 1024)+"\r\n\r\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestController_UnknownHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultApp = ""
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), cfg)
	conn, br := h.dial(t)

	resp, _ := send(t, conn, br, "GET / HTTP/1.1\r\nHost: nowhere.test\r\n\r\n")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// rawWorker answers every connection with a fixed byte string.
type rawWorker struct{ reply string }

func (w *rawWorker) Spawn(ctx context.Context, opts pool.Options) (*pool.SpawnResult, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = http.ReadRequest(bufio.NewReader(conn))
				_, _ = io.WriteString(conn, w.reply)
			}()
		}
	}()
	now := time.Now()
	return &pool.SpawnResult{
		PID: 300001,
		Sockets: []pool.SocketSpec{{
			Name:               "main",
			Address:            "tcp://" + ln.Addr().String(),
			Protocol:           consts.ProtocolHTTPSession,
			AcceptHTTPRequests: true,
		}},
		Handle:         &listenerHandle{ln: ln},
		Dummy:          true,
		SpawnStartTime: now,
		SpawnEndTime:   now,
	}, nil
}

func TestController_MalformedWorkerResponse(t *testing.T) {
	for name, reply := range map[string]string{
		"garbage": "garbage\r\n\r\n",
		"empty":   "",
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, &rawWorker{reply: reply}, testPoolConfig(), testConfig(t))
			conn, br := h.dial(t)
			resp, _ := send(t, conn, br, get("/"))
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		})
	}
}

func TestController_CloseDelimitedWorkerResponse(t *testing.T) {
	h := newHarness(t, &rawWorker{reply: "HTTP/1.1 200 OK\r\nX-Kind: raw\r\n\r\nstreamed"}, testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	resp, body := send(t, conn, br, get("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "streamed", body)
	assert.Equal(t, "raw", resp.Header.Get("X-Kind"))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
}

func TestController_FriendlyErrorPage(t *testing.T) {
	pcfg := testPoolConfig()
	pcfg.SpawnErrorThreshold = 1

	t.Run("enabled", func(t *testing.T) {
		spawner := pool.NewDummySpawner(t.TempDir(), 1)
		spawner.FailNext(1)
		cfg := testConfig(t)
		cfg.FriendlyErrorPages = true
		h := newHarness(t, spawner, pcfg, cfg)
		conn, br := h.dial(t)

		resp, body := send(t, conn, br, get("/"))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
		assert.Contains(t, body, "The application did not start")
		assert.Contains(t, body, "dummy: failing on purpose")
	})

	t.Run("disabled", func(t *testing.T) {
		spawner := pool.NewDummySpawner(t.TempDir(), 1)
		spawner.FailNext(1)
		h := newHarness(t, spawner, pcfg, testConfig(t))
		conn, br := h.dial(t)

		resp, body := send(t, conn, br, get("/"))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "Internal Server Error\n", body)
	})
}

func TestController_OutOfBandWorkHeader(t *testing.T) {
	spawner := pool.NewDummySpawner(t.TempDir(), 1)
	spawner.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(consts.HeaderRequestOOBW, "true")
		pool.DummyHandler(w, r)
	})
	h := newHarness(t, spawner, testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	resp, body := send(t, conn, br, get("/"))
	assert.Equal(t, "hello", body)
	assert.Empty(t, resp.Header.Get(consts.HeaderRequestOOBW))
	require.Eventually(t, func() bool { return spawner.OOBWCount() == 1 }, waitFor, 10*time.Millisecond)
}

func TestController_StickyCookie(t *testing.T) {
	cfg := testConfig(t)
	cfg.Apps[0].Options.StickySessions = true
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 0), testPoolConfig(), cfg)
	conn, br := h.dial(t)

	resp, _ := send(t, conn, br, get("/"))
	procs := h.group(t, "app").Processes
	require.Len(t, procs, 1)
	want := strconv.FormatUint(uint64(procs[0].StickySessionID), 36)

	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, consts.DefaultStickyCookieName, cookies[0].Name)
	assert.Equal(t, want, cookies[0].Value)

	raw := "GET / HTTP/1.1\r\nHost: app.test\r\nCookie: " + consts.DefaultStickyCookieName + "=" + want + "\r\n\r\n"
	resp, _ = send(t, conn, br, raw)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, want, resp.Cookies()[0].Value)
}

func TestController_BufferedResponse(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 16*1024)
	spawner := pool.NewDummySpawner(t.TempDir(), 1)
	spawner.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	})
	cfg := testConfig(t)
	cfg.BufferResponses = true
	cfg.Buffering.Threshold = 4096
	h := newHarness(t, spawner, testPoolConfig(), cfg)
	conn, br := h.dial(t)

	for i := 0; i < 2; i++ {
		resp, body := send(t, conn, br, get("/"))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, len(payload), len(body))
		assert.True(t, body == payload, "body differs")
	}
}

func TestController_StreamingRequestBody(t *testing.T) {
	spawner := pool.NewDummySpawner(t.TempDir(), 1)
	spawner.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = fmt.Fprintf(w, "%s:%d", r.Method, len(b))
	})
	h := newHarness(t, spawner, testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	resp, body := send(t, conn, br, "PUT / HTTP/1.1\r\nHost: app.test\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n4\r\ndefg\r\n0\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PUT:7", body)

	// The interim response comes first.
	resp, _ = send(t, conn, br, "POST / HTTP/1.1\r\nHost: app.test\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\nabcd")
	assert.Equal(t, http.StatusContinue, resp.StatusCode)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "POST:4", string(b))
}

func TestController_Upgrade(t *testing.T) {
	spawner := pool.NewDummySpawner(t.TempDir(), 1)
	spawner.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, brw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = brw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: echo\r\nConnection: Upgrade\r\n\r\n")
		_ = brw.Flush()
		_, _ = io.Copy(conn, brw.Reader)
	})
	h := newHarness(t, spawner, testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)

	_, err := io.WriteString(conn, "GET /ws HTTP/1.1\r\nHost: app.test\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "echo", resp.Header.Get("Upgrade"))

	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestController_ShutdownClosesIdleConnections(t *testing.T) {
	h := newHarness(t, pool.NewDummySpawner(t.TempDir(), 1), testPoolConfig(), testConfig(t))
	conn, br := h.dial(t)
	resp, _ := send(t, conn, br, get("/"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.ctrl.Shutdown(ctx))

	_, err := br.ReadByte()
	assert.Error(t, err)
	assert.Equal(t, 0, h.ctrl.Stats().Clients)
}

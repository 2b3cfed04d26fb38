package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
)

// DummySpawner starts in-process HTTP workers instead of OS processes. It is
// used by tests and by `portus start --dummy`.
type DummySpawner struct {
	// Handler serves worker requests. Nil means DummyHandler.
	Handler http.Handler
	// Concurrency of the announced socket. 0 means unlimited.
	Concurrency int
	// Dir holds the unix sockets. Empty means TCP on 127.0.0.1.
	Dir        string
	SpawnDelay time.Duration

	mu       sync.Mutex
	failNext int
	spawned  int
	nextPID  int
	oobw     atomic.Int64
}

func NewDummySpawner(dir string, concurrency int) *DummySpawner {
	return &DummySpawner{Dir: dir, Concurrency: concurrency, nextPID: 100000}
}

// FailNext makes the next n spawns fail.
func (d *DummySpawner) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// SpawnCount is the number of successful spawns so far.
func (d *DummySpawner) SpawnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spawned
}

// OOBWCount is the number of out-of-band work requests the workers received.
func (d *DummySpawner) OOBWCount() int { return int(d.oobw.Load()) }

func (d *DummySpawner) Spawn(ctx context.Context, opts Options) (*SpawnResult, error) {
	start := time.Now()
	if d.SpawnDelay > 0 {
		t := time.NewTimer(d.SpawnDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, perrors.New(perrors.ErrCodeSpawnTimeout, "dummy.spawn", "spawn of "+opts.GroupName()+" timed out", ctx.Err())
		}
	}

	d.mu.Lock()
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, &SpawnError{
			Summary:  "The application did not start",
			Problem:  "The dummy worker was told to fail.",
			Solution: "Try again.",
			Output:   "dummy: failing on purpose\n",
		}
	}
	d.nextPID++
	pid := d.nextPID
	d.mu.Unlock()

	network, address := "tcp", "127.0.0.1:0"
	if d.Dir != "" {
		network, address = "unix", filepath.Join(d.Dir, "dummy."+strconv.Itoa(pid)+".sock")
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, &SpawnError{Summary: "Cannot listen on the worker socket", Err: err}
	}
	addr := "tcp://" + ln.Addr().String()
	if network == "unix" {
		addr = "unix:" + address
	}

	h := &dummyHandle{srv: &http.Server{Handler: d.handler(), ReadHeaderTimeout: 10 * time.Second}}
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.exited.Store(true)
		}
	}()

	d.mu.Lock()
	d.spawned++
	d.mu.Unlock()
	return &SpawnResult{
		PID: pid,
		Sockets: []SocketSpec{{
			Name:               "main",
			Address:            addr,
			Protocol:           consts.ProtocolHTTPSession,
			Concurrency:        d.Concurrency,
			AcceptHTTPRequests: true,
		}},
		Handle:         h,
		Dummy:          true,
		SpawnStartTime: start,
		SpawnEndTime:   time.Now(),
	}, nil
}

func (d *DummySpawner) handler() http.Handler {
	next := d.Handler
	if next == nil {
		next = http.HandlerFunc(DummyHandler)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == oobwMethod {
			d.oobw.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// DummyHandler answers every request with "hello".
func DummyHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", "5")
	_, _ = io.WriteString(w, "hello")
}

type dummyHandle struct {
	srv    *http.Server
	exited atomic.Bool
}

func (h *dummyHandle) Exited() bool { return h.exited.Load() }

func (h *dummyHandle) Kill() error {
	if h.exited.Swap(true) {
		return nil
	}
	return h.srv.Close()
}

// Personal.AI order the ending

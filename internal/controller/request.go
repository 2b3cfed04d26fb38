package controller

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/turtacn/Portus/internal/channel"
	"github.com/turtacn/Portus/internal/monitor"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
)

var errHeaderTooLarge = errors.New("request header too large")

// limitReader caps how much a client may send while its headers are parsed.
type limitReader struct {
	r io.Reader
	n int64
}

// reset allows n more bytes. Negative n lifts the cap.
func (l *limitReader) reset(n int) {
	if n < 0 {
		l.n = math.MaxInt64
		return
	}
	l.n = int64(n)
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errHeaderTooLarge
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

// exchange is one request/response cycle on a client connection.
type exchange struct {
	c     *Controller
	cl    *client
	req   *http.Request
	flags requestFlags
	sess  *pool.Session

	sticky  bool
	upgrade bool
	hasBody bool
	body    io.Reader
	pipe    *channel.Pipe
}

// serveRequest handles one request on cl and reports whether the connection
// may carry another one.
func (c *Controller) serveRequest(cl *client) bool {
	cl.idle.Store(true)
	if c.closing.Load() {
		return false
	}
	_ = cl.sm.Fire(evParse)
	cl.lim.reset(c.cfg.HeaderReadLimit)
	req, err := http.ReadRequest(cl.br)
	cl.lim.reset(-1)
	cl.idle.Store(false)
	if err != nil {
		if !clientGone(err) {
			c.writeError(cl, nil, requestFlags{},
				perrors.New(perrors.ErrCodeParseFailed, "controller.parse", "malformed request", err))
		}
		return false
	}

	c.active.Add(1)
	c.total.Add(1)
	monitor.RequestsInFlight.Inc()
	defer func() {
		c.active.Add(-1)
		monitor.RequestsInFlight.Dec()
	}()

	x := &exchange{c: c, cl: cl, req: req}
	defer x.closeBody()
	return x.run()
}

func (x *exchange) run() bool {
	c, req := x.c, x.req
	_ = x.cl.sm.Fire(evAuthorize)
	secure := secureHeaders(req.Header)
	if err := c.authorize(secure); err != nil {
		return x.fail(err)
	}
	if c.cfg.ConnectPassword == "" {
		secure = http.Header{}
	}

	opts, flags, err := c.resolve(req, secure)
	x.flags = flags
	if err != nil {
		return x.fail(err)
	}
	x.sticky = opts.StickySessions
	x.upgrade = isUpgrade(req)
	if err := x.prepareBody(); err != nil {
		return x.fail(err)
	}

	_ = x.cl.sm.Fire(evCheckout)
	sess, err := x.checkout(opts)
	if err != nil {
		return x.fail(err)
	}
	if err := sess.Initiate(c.ctx); err != nil {
		sess.Close(false, false)
		return x.fail(err)
	}
	x.sess = sess
	return x.forward()
}

// checkout waits for a session. A client that disconnects in the meantime
// withdraws its request from the queue.
func (x *exchange) checkout(opts pool.Options) (*pool.Session, error) {
	ctx, cancel := context.WithCancel(x.c.ctx)
	defer cancel()
	stop := x.watchClient(cancel)
	sess, err := x.c.pool.Get(ctx, opts)
	stop()
	if err != nil && perrors.Is(err, perrors.ErrCodeGetAborted) && x.c.ctx.Err() == nil {
		return nil, perrors.New(perrors.ErrCodeClientIO, "controller.checkout", "client disconnected while queued", err)
	}
	return sess, err
}

// watchClient calls cancel when the client closes its connection. Data that
// arrives meanwhile stays buffered for the body reader. The returned func
// stops watching.
func (x *exchange) watchClient(cancel context.CancelFunc) func() {
	cl := x.cl
	if cl.br.Buffered() > 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := cl.br.Peek(1); err != nil && clientGone(err) {
			cancel()
		}
	}()
	return func() {
		_ = cl.conn.SetReadDeadline(time.Now())
		<-done
		_ = cl.conn.SetReadDeadline(time.Time{})
	}
}

func (c *Controller) authorize(secure http.Header) error {
	if c.cfg.ConnectPassword == "" {
		return nil
	}
	pw := secure.Get(consts.HeaderConnectPassword)
	if subtle.ConstantTimeCompare([]byte(pw), []byte(c.cfg.ConnectPassword)) != 1 {
		return perrors.New(perrors.ErrCodeAuthFailed, "controller.authorize", "wrong or missing connect password", nil)
	}
	return nil
}

// prepareBody checks the body size and, when buffering applies, reads the
// whole body into a file-buffered pipe so its length is known upfront.
// Chunked bodies under a size limit are always buffered so an oversized one
// is refused before anything reaches the application.
func (x *exchange) prepareBody() error {
	req, limit := x.req, x.c.cfg.MaxBodySize
	if limit > 0 && req.ContentLength > limit {
		return bodyTooLarge(req.ContentLength, limit)
	}
	x.hasBody = req.ContentLength != 0
	if !x.hasBody {
		return nil
	}
	x.body = req.Body
	chunkedLimit := limit > 0 && req.ContentLength < 0
	if chunkedLimit {
		x.body = http.MaxBytesReader(nil, req.Body, limit)
	}
	if x.upgrade || !(x.flags.buffering || chunkedLimit) {
		return nil
	}

	_ = x.cl.sm.Fire(evBuffer)
	if err := x.continueIfExpected(); err != nil {
		return err
	}
	x.pipe = channel.NewPipe(x.c.loop, x.c.cfg.Buffering)
	n, err := io.Copy(x.pipe, x.body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return bodyTooLarge(-1, limit)
		}
		if perrors.CodeOf(err) != perrors.ErrCodeUnknown {
			return err
		}
		return perrors.New(perrors.ErrCodeClientIO, "controller.buffer", "reading request body", err)
	}
	if err := x.pipe.CloseWrite(); err != nil {
		return err
	}
	x.body = x.pipe
	x.hasBody = n > 0
	req.ContentLength = n
	req.TransferEncoding = nil
	return nil
}

func bodyTooLarge(size, limit int64) error {
	msg := fmt.Sprintf("request body exceeds %d bytes", limit)
	if size >= 0 {
		msg = fmt.Sprintf("request body of %d bytes exceeds %d", size, limit)
	}
	return perrors.New(perrors.ErrCodeBodyTooLarge, "controller.body", msg, nil)
}

// continueIfExpected answers "Expect: 100-continue" on the application's
// behalf right before the body is read.
func (x *exchange) continueIfExpected() error {
	expect := x.req.Header.Get("Expect")
	x.req.Header.Del("Expect")
	if !strings.EqualFold(expect, "100-continue") || !x.req.ProtoAtLeast(1, 1) {
		return nil
	}
	if _, err := x.cl.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return perrors.New(perrors.ErrCodeClientIO, "controller.continue", "writing 100 Continue", err)
	}
	if err := x.cl.bw.Flush(); err != nil {
		return perrors.New(perrors.ErrCodeClientIO, "controller.continue", "writing 100 Continue", err)
	}
	return nil
}

func (x *exchange) closeBody() {
	if x.pipe != nil {
		_ = x.pipe.Close()
	}
}

// fail answers with the error response of err and closes the connection.
func (x *exchange) fail(err error) bool {
	if perrors.Is(err, perrors.ErrCodeClientIO) {
		x.c.log.Debug("Client went away", "err", err)
		return false
	}
	x.c.writeError(x.cl, x.req, x.flags, err)
	return false
}

func isUpgrade(req *http.Request) bool {
	return req.Header.Get("Upgrade") != "" && headerHasToken(req.Header, "Connection", "upgrade")
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// clientGone tells apart a client that closed its connection from one that
// sent garbage.
func clientGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// Personal.AI order the ending

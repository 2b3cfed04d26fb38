package controller

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/turtacn/Portus/internal/channel"
	"github.com/turtacn/Portus/internal/monitor"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/wire"
)

// bodyGrace is how long the body sender may lag behind a finished response.
const bodyGrace = 200 * time.Millisecond

type bodyResult struct {
	n      int64
	err    error
	client bool // err came from the client side
	cut    bool // the transfer was interrupted by the controller
}

// errorTracker remembers the first non-EOF read error.
type errorTracker struct {
	r   io.Reader
	err error
}

func (t *errorTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

type flushWriter struct{ w *bufio.Writer }

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		err = f.w.Flush()
	}
	return n, err
}

func workerIO(op string, err error) error {
	return perrors.New(perrors.ErrCodeWorkerIO, op, "application connection failed", err)
}

func closeWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// forward sends the request to the checked-out session and relays the
// response. The body streams in parallel with the response.
func (x *exchange) forward() bool {
	c, sess := x.c, x.sess
	_ = x.cl.sm.Fire(evForward)
	if x.hasBody && x.pipe == nil {
		if err := x.continueIfExpected(); err != nil {
			sess.Close(false, false)
			return x.fail(err)
		}
	}

	wconn := sess.Conn()
	ww := c.writers.Get().(*bufio.Writer)
	ww.Reset(wconn)
	wr := c.readers.Get().(*bufio.Reader)
	wr.Reset(wconn)
	defer func() {
		ww.Reset(nil)
		wr.Reset(nil)
		c.writers.Put(ww)
		c.readers.Put(wr)
	}()

	var err error
	if sess.Protocol() == consts.ProtocolSession {
		err = wire.WriteHeaders(ww, x.sessionHeaders())
	} else {
		err = x.writeHTTPHead(ww)
	}
	if err == nil {
		err = ww.Flush()
	}
	if err != nil {
		sess.Close(false, false)
		return x.fail(workerIO("controller.forward", err))
	}

	// The session protocol has no body framing, so the end of the body is
	// signalled by shutting down the write side.
	halfClose := sess.Protocol() == consts.ProtocolSession && x.hasBody
	bodyDone := make(chan bodyResult, 1)
	if x.hasBody {
		go func() { bodyDone <- x.sendBody(ww, wconn, halfClose) }()
	} else {
		bodyDone <- bodyResult{}
	}

	_ = x.cl.sm.Fire(evStream)
	resp, rd, err := x.readResponse(wr)
	for err == nil && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
		if err = x.writeInterim(resp); err != nil {
			br := x.finishBody(bodyDone, wconn)
			_ = x.cl.sm.Fire(evRelease)
			sess.Close(false, false)
			x.logBody(br)
			return false
		}
		resp, rd, err = x.readResponse(rd)
	}
	if err != nil {
		br := x.finishBody(bodyDone, wconn)
		_ = x.cl.sm.Fire(evRelease)
		sess.Close(false, false)
		if br.client {
			x.logBody(br)
			return false
		}
		return x.fail(err)
	}

	if resp.StatusCode == http.StatusSwitchingProtocols && x.upgrade {
		x.tunnel(resp, rd, wconn)
		return false
	}
	return x.relay(resp, bodyDone, wconn, halfClose)
}

func (x *exchange) sendBody(w *bufio.Writer, conn net.Conn, halfClose bool) bodyResult {
	src := &errorTracker{r: x.body}
	var (
		n   int64
		err error
	)
	if x.req.ContentLength < 0 {
		cw := httputil.NewChunkedWriter(w)
		n, err = io.Copy(cw, src)
		if err == nil {
			err = cw.Close()
		}
		if err == nil {
			_, err = w.WriteString("\r\n")
		}
	} else {
		n, err = io.Copy(w, src)
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil && halfClose {
		err = closeWrite(conn)
	}
	monitor.ForwardedBytes.WithLabelValues("request").Add(float64(n))
	if src.err != nil {
		// The client stopped sending; whatever the application answers can
		// no longer be trusted.
		_ = conn.SetReadDeadline(time.Now())
		return bodyResult{n: n, err: src.err, client: true}
	}
	return bodyResult{n: n, err: err}
}

// finishBody waits for the body sender. An application that answered
// without reading the whole body leaves the sender blocked, so it is cut off.
func (x *exchange) finishBody(done <-chan bodyResult, wconn net.Conn) bodyResult {
	grace := time.NewTimer(bodyGrace)
	defer grace.Stop()
	select {
	case r := <-done:
		return r
	case <-grace.C:
	}
	_ = wconn.SetWriteDeadline(time.Now())
	_ = x.cl.conn.SetReadDeadline(time.Now())
	r := <-done
	_ = x.cl.conn.SetReadDeadline(time.Time{})
	r.cut = true
	return r
}

func (x *exchange) logBody(r bodyResult) {
	if r.err != nil {
		x.c.log.Debug("Request body transfer failed", "err", r.err, "client", r.client, "bytes", r.n)
	}
}

// readResponse reads the response head. Session workers may answer with
// CGI-style headers and a Status header instead of a status line.
func (x *exchange) readResponse(r *bufio.Reader) (*http.Response, *bufio.Reader, error) {
	peek, err := r.Peek(5)
	if len(peek) == 0 && err != nil {
		return nil, r, workerIO("controller.read_response", err)
	}
	if x.sess.Protocol() == consts.ProtocolSession && string(peek) != "HTTP/" {
		if r, err = cgiToHTTP(r); err != nil {
			return nil, r, err
		}
	}
	resp, err := http.ReadResponse(r, x.req)
	if err != nil {
		if clientGone(err) || isTimeout(err) {
			return nil, r, workerIO("controller.read_response", err)
		}
		return nil, r, perrors.New(perrors.ErrCodeWorkerMalformed, "controller.read_response", "malformed response from application", err)
	}
	return resp, r, nil
}

func cgiToHTTP(r *bufio.Reader) (*bufio.Reader, error) {
	mh, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		if clientGone(err) || isTimeout(err) {
			return r, workerIO("controller.read_response", err)
		}
		return r, perrors.New(perrors.ErrCodeWorkerMalformed, "controller.read_response", "malformed response from application", err)
	}
	h := http.Header(mh)
	status := h.Get("Status")
	if status == "" {
		status = "200 OK"
	}
	h.Del("Status")

	var head bytes.Buffer
	head.WriteString("HTTP/1.1 " + status + "\r\n")
	_ = h.Write(&head)
	head.WriteString("\r\n")
	return bufio.NewReader(io.MultiReader(&head, r)), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (x *exchange) writeInterim(resp *http.Response) error {
	w := x.cl.bw
	w.WriteString("HTTP/1.1 " + resp.Status + "\r\n")
	_ = resp.Header.Write(w)
	w.WriteString("\r\n")
	return w.Flush()
}

// relay sends the final response to the client and releases the session.
func (x *exchange) relay(resp *http.Response, bodyDone <-chan bodyResult, wconn net.Conn, halfClosed bool) bool {
	req, sess, w := x.req, x.sess, x.cl.bw
	h := resp.Header
	if h.Get(consts.HeaderRequestOOBW) != "" {
		h.Del(consts.HeaderRequestOOBW)
		sess.RequestOOBW()
	}
	origLength := h.Get("Content-Length")
	removeHopHeaders(h)
	h.Del("Content-Length")
	x.addStickyCookie(h)

	const (
		framingNone = iota
		framingLength
		framingChunked
		framingClose
	)
	noBody := req.Method == http.MethodHead || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified
	framing := framingNone
	switch {
	case noBody:
	case resp.ContentLength >= 0:
		framing = framingLength
	case req.ProtoAtLeast(1, 1):
		framing = framingChunked
	default:
		framing = framingClose
	}
	keepAlive := !req.Close && !x.upgrade && framing != framingClose

	w.WriteString("HTTP/1.1 " + resp.Status + "\r\n")
	_ = h.Write(w)
	switch {
	case framing == framingLength:
		w.WriteString("Content-Length: " + strconv.FormatInt(resp.ContentLength, 10) + "\r\n")
	case framing == framingChunked:
		w.WriteString("Transfer-Encoding: chunked\r\n")
	case req.Method == http.MethodHead && origLength != "":
		w.WriteString("Content-Length: " + origLength + "\r\n")
	}
	switch {
	case keepAlive && !req.ProtoAtLeast(1, 1):
		w.WriteString("Connection: keep-alive\r\n")
	case !keepAlive && req.ProtoAtLeast(1, 1):
		w.WriteString("Connection: close\r\n")
	}
	w.WriteString("\r\n")
	monitor.RequestsTotal.WithLabelValues(monitor.StatusClass(resp.StatusCode)).Inc()

	// The worker connection is reused only after the whole response was read.
	release := func(workerErr error, drained bool) bodyResult {
		br := x.finishBody(bodyDone, wconn)
		success := workerErr == nil
		reuse := success && drained && br.err == nil && !br.cut && !halfClosed && !resp.Close && !x.upgrade
		sess.Close(success, reuse)
		return br
	}

	var (
		src      io.Reader
		pipe     *channel.Pipe
		released chan bodyResult
		worker   = &errorTracker{r: resp.Body}
	)
	switch {
	case noBody:
		src = http.NoBody
	case x.c.cfg.BufferResponses:
		// Drain the application into a buffer so its session is released
		// without waiting for a slow client.
		pipe = channel.NewPipe(x.c.loop, x.c.cfg.Buffering)
		defer pipe.Close()
		released = make(chan bodyResult, 1)
		go func() {
			_, err := io.Copy(pipe, worker)
			if worker.err != nil {
				_ = pipe.CloseWithError(worker.err)
			} else {
				_ = pipe.CloseWrite()
			}
			released <- release(err, err == nil)
		}()
		src = pipe
	default:
		src = worker
	}

	var (
		n   int64
		err error
	)
	out := flushWriter{w}
	switch framing {
	case framingChunked:
		cw := httputil.NewChunkedWriter(out)
		n, err = io.Copy(cw, src)
		if err == nil {
			err = cw.Close()
		}
		if err == nil {
			_, err = w.WriteString("\r\n")
		}
	default:
		n, err = io.Copy(out, src)
	}
	if err == nil {
		err = w.Flush()
	}
	monitor.ForwardedBytes.WithLabelValues("response").Add(float64(n))

	_ = x.cl.sm.Fire(evRelease)
	var br bodyResult
	if released != nil {
		if err != nil {
			// The client is gone; unblock the drainer.
			_ = pipe.Close()
		}
		br = <-released
	} else {
		br = release(worker.err, err == nil)
	}
	x.logBody(br)

	if worker.err != nil {
		x.c.log.Warn("Application response was cut short", "err", worker.err, "pid", sess.PID())
		return false
	}
	if err != nil {
		x.c.log.Debug("Client went away while streaming", "err", err)
		return false
	}
	if !keepAlive || br.err != nil || br.cut {
		return false
	}
	_ = x.cl.sm.Fire(evKeepAlive)
	return true
}

func (x *exchange) addStickyCookie(h http.Header) {
	if !x.sticky {
		return
	}
	id := x.sess.StickySessionID()
	if id == 0 {
		return
	}
	ck := &http.Cookie{
		Name:  x.flags.stickyCookieName,
		Value: strconv.FormatUint(uint64(id), 36),
		Path:  "/",
	}
	h.Add("Set-Cookie", ck.String())
}

// tunnel relays raw bytes both ways after a successful upgrade.
func (x *exchange) tunnel(resp *http.Response, rd *bufio.Reader, wconn net.Conn) {
	cl := x.cl
	cl.bw.WriteString("HTTP/1.1 " + resp.Status + "\r\n")
	_ = resp.Header.Write(cl.bw)
	cl.bw.WriteString("\r\n")
	monitor.RequestsTotal.WithLabelValues(monitor.StatusClass(resp.StatusCode)).Inc()
	if err := cl.bw.Flush(); err != nil {
		_ = x.cl.sm.Fire(evRelease)
		x.sess.Close(false, false)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(wconn, cl.br)
		monitor.ForwardedBytes.WithLabelValues("request").Add(float64(n))
		_ = closeWrite(wconn)
	}()
	n, _ := io.Copy(cl.conn, rd)
	monitor.ForwardedBytes.WithLabelValues("response").Add(float64(n))
	_ = closeWrite(cl.conn)
	_ = cl.conn.SetReadDeadline(time.Now())
	wg.Wait()

	_ = x.cl.sm.Fire(evRelease)
	x.sess.Close(true, false)
}

// Personal.AI order the ending

package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/turtacn/Portus/internal/monitor"
	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/wire"
)

// oobwMethod is the request method a worker sees for out-of-band work.
const oobwMethod = "OOBW"

// HeaderOOBWork marks the out-of-band work request on http_session sockets.
const HeaderOOBWork = "X-Portus-Oob-Work"

// startOOBW begins the out-of-band work cycle of an idle process: disable
// it, run the work, enable it again.
func (g *Group) startOOBW(p *Process, acts *actions) {
	if g.oobwRunning >= g.options.MaxOOBWInstances {
		return
	}
	if !p.oobwStatus.CompareAndSwap(int32(consts.OobwRequested), int32(consts.OobwInProgress)) {
		return
	}
	g.oobwRunning++
	g.log.Info("Starting out-of-band work", "pid", p.pid)

	result := g.disable(p, func(p *Process, r consts.DisableResult) {
		if r == consts.DisableSuccess {
			g.runOOBW(p)
			return
		}
		g.pool.mu.Lock()
		var acts actions
		g.finishOOBW(p, "canceled", &acts)
		g.pool.mu.Unlock()
		acts.run()
	}, acts)

	switch result {
	case consts.DisableSuccess:
		acts.add(func() { g.runOOBW(p) })
	case consts.DisableDeferred:
	default:
		g.finishOOBW(p, "canceled", acts)
	}
}

// runOOBW performs the request outside the pool lock.
func (g *Group) runOOBW(p *Process) {
	go func() {
		result := "ok"
		if err := performOOBW(p); err != nil {
			result = "error"
			g.log.Warn("Out-of-band work failed", "pid", p.pid, "err", err)
		}
		g.pool.mu.Lock()
		var acts actions
		g.finishOOBW(p, result, &acts)
		g.pool.mu.Unlock()
		acts.run()
	}()
}

func (g *Group) finishOOBW(p *Process, result string, acts *actions) {
	g.oobwRunning--
	p.setOOBWStatus(consts.OobwNotActive)
	monitor.OOBWTotal.WithLabelValues(result).Inc()
	if p.enabled == consts.Disabled || p.enabled == consts.Disabling {
		g.enable(p, acts)
	}
	// Another idle process may have been waiting for a free OOBW slot.
	for _, other := range g.enabled {
		if other.sessions == 0 && other.OOBWStatus() == consts.OobwRequested {
			g.startOOBW(other, acts)
			break
		}
	}
}

// performOOBW sends the out-of-band work request over the first session
// socket and waits for the worker to answer.
func performOOBW(p *Process) error {
	if len(p.sessionSockets) == 0 {
		return fmt.Errorf("process %d has no session socket", p.pid)
	}
	sock := p.sessionSockets[0]
	ctx, cancel := context.WithTimeout(context.Background(), consts.OOBWResponseTimeout)
	defer cancel()

	conn, err := sock.CheckoutConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(consts.OOBWResponseTimeout))

	switch sock.Protocol {
	case consts.ProtocolSession:
		err = wire.WriteHeaders(conn, []wire.Header{
			{Key: "REQUEST_METHOD", Value: oobwMethod},
			{Key: "PATH_INFO", Value: "/"},
			{Key: "REQUEST_URI", Value: "/"},
			{Key: "CONTENT_LENGTH", Value: "0"},
			{Key: consts.SecureHeaderPrefix + "OOB_WORK", Value: "true"},
		})
	default:
		_, err = io.WriteString(conn, oobwMethod+" / HTTP/1.1\r\nHost: localhost\r\n"+
			HeaderOOBWork+": true\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	}
	if err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker answered %s", resp.Status)
	}
	return nil
}

// Personal.AI order the ending

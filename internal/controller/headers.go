package controller

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/turtacn/Portus/pkg/wire"
)

// Hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops hop-by-hop headers and those named in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cgiName turns "Content-Type" into "HTTP_CONTENT_TYPE".
func cgiName(key string) string {
	return "HTTP_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func joinValues(key string, values []string) string {
	if key == "Cookie" {
		return strings.Join(values, "; ")
	}
	return strings.Join(values, ", ")
}

// sessionHeaders builds the CGI-style header block of the session protocol.
func (x *exchange) sessionHeaders() []wire.Header {
	req := x.req
	path := req.URL.EscapedPath()
	script := x.flags.scriptName
	pathInfo := strings.TrimPrefix(path, script)
	if !strings.HasPrefix(path, script) {
		script = ""
		pathInfo = path
	}

	_, isTLS := x.cl.conn.(*tls.Conn)
	serverName, serverPort := req.Host, "80"
	if isTLS {
		serverPort = "443"
	}
	if h, p, err := net.SplitHostPort(req.Host); err == nil {
		serverName, serverPort = h, p
	}

	hs := []wire.Header{
		{Key: "REQUEST_URI", Value: req.RequestURI},
		{Key: "PATH_INFO", Value: pathInfo},
		{Key: "SCRIPT_NAME", Value: script},
		{Key: "QUERY_STRING", Value: req.URL.RawQuery},
		{Key: "REQUEST_METHOD", Value: req.Method},
		{Key: "SERVER_NAME", Value: serverName},
		{Key: "SERVER_PORT", Value: serverPort},
		{Key: "SERVER_SOFTWARE", Value: x.c.cfg.ServerSoftware},
		{Key: "SERVER_PROTOCOL", Value: "HTTP/1.1"},
	}
	if host, port, err := net.SplitHostPort(x.cl.conn.RemoteAddr().String()); err == nil {
		hs = append(hs,
			wire.Header{Key: "REMOTE_ADDR", Value: host},
			wire.Header{Key: "REMOTE_PORT", Value: port})
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		hs = append(hs, wire.Header{Key: "CONTENT_TYPE", Value: ct})
	}
	switch {
	case !x.hasBody:
	case req.ContentLength >= 0:
		hs = append(hs, wire.Header{Key: "CONTENT_LENGTH", Value: strconv.FormatInt(req.ContentLength, 10)})
	default:
		// Unbuffered chunked body: the framing is kept on the way to the app.
		hs = append(hs, wire.Header{Key: "HTTP_TRANSFER_ENCODING", Value: "chunked"})
	}
	if isTLS {
		hs = append(hs, wire.Header{Key: "HTTPS", Value: "on"})
	}

	h := req.Header.Clone()
	if x.upgrade {
		hs = append(hs,
			wire.Header{Key: "HTTP_CONNECTION", Value: "upgrade"},
			wire.Header{Key: "HTTP_UPGRADE", Value: h.Get("Upgrade")})
	}
	removeHopHeaders(h)
	h.Del("Content-Type")
	h.Del("Content-Length")
	if h.Get("Host") == "" && req.Host != "" {
		h.Set("Host", req.Host)
	}
	for _, k := range sortedKeys(h) {
		hs = append(hs, wire.Header{Key: cgiName(k), Value: joinValues(k, h[k])})
	}
	return hs
}

// writeHTTPHead writes the request line and headers for an HTTP worker
// socket. The body framing is Content-Length when known, chunked otherwise.
func (x *exchange) writeHTTPHead(w *bufio.Writer) error {
	req := x.req
	h := req.Header.Clone()
	upgradeProto := h.Get("Upgrade")
	removeHopHeaders(h)
	h.Del("Content-Length")

	w.WriteString(req.Method + " " + req.RequestURI + " HTTP/1.1\r\n")
	w.WriteString("Host: " + req.Host + "\r\n")
	h.Del("Host")
	for _, k := range sortedKeys(h) {
		for _, v := range h[k] {
			w.WriteString(k + ": " + v + "\r\n")
		}
	}
	switch {
	case !x.hasBody:
	case req.ContentLength >= 0:
		w.WriteString("Content-Length: " + strconv.FormatInt(req.ContentLength, 10) + "\r\n")
	default:
		w.WriteString("Transfer-Encoding: chunked\r\n")
	}
	if x.upgrade {
		w.WriteString("Connection: upgrade\r\nUpgrade: " + upgradeProto + "\r\n")
	} else {
		w.WriteString("Connection: keep-alive\r\n")
	}
	_, err := w.WriteString("\r\n")
	return err
}

// Personal.AI order the ending

package controller

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/turtacn/Portus/internal/monitor"
	"github.com/turtacn/Portus/internal/pool"
	perrors "github.com/turtacn/Portus/pkg/errors"
)

var friendlyPage = template.Must(template.New("spawn_error").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Summary}}</p>
{{- with .Problem}}
<h2>Problem</h2>
<p>{{.}}</p>
{{- end}}
{{- with .Solution}}
<h2>Solution</h2>
<p>{{.}}</p>
{{- end}}
{{- with .Output}}
<h2>Application output</h2>
<pre>{{.}}</pre>
{{- end}}
</body>
</html>
`))

type pageData struct {
	Title    string
	Summary  string
	Problem  string
	Solution string
	Output   string
}

func renderFriendlyPage(serr *pool.SpawnError) ([]byte, error) {
	var buf bytes.Buffer
	err := friendlyPage.Execute(&buf, pageData{
		Title:    "Web application could not be started",
		Summary:  serr.Summary,
		Problem:  serr.Problem,
		Solution: serr.Solution,
		Output:   serr.Output,
	})
	return buf.Bytes(), err
}

// errorStatus picks the status code answered for err.
func errorStatus(err error, flags requestFlags) int {
	if perrors.Is(err, perrors.ErrCodeRequestQueueFull) && flags.overflowStatus != 0 {
		return flags.overflowStatus
	}
	return perrors.HTTPStatus(err)
}

// writeError answers with a complete error response and marks the
// connection for closing. req is nil when the request could not be parsed.
func (c *Controller) writeError(cl *client, req *http.Request, flags requestFlags, err error) {
	status := errorStatus(err, flags)
	if status >= 500 {
		c.log.Warn("Request failed", "status", status, "err", err)
	} else {
		c.log.Debug("Request refused", "status", status, "err", err)
	}

	ctype := "text/plain; charset=utf-8"
	body := []byte(http.StatusText(status) + "\n")
	var serr *pool.SpawnError
	if flags.friendlyPages && errors.As(err, &serr) {
		if page, perr := renderFriendlyPage(serr); perr == nil {
			ctype = "text/html; charset=utf-8"
			body = page
		} else {
			c.log.Error("Cannot render error page", "err", perr)
		}
	}

	w := cl.bw
	w.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n")
	w.WriteString("Content-Type: " + ctype + "\r\n")
	w.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	w.WriteString("Connection: close\r\n\r\n")
	if req == nil || req.Method != http.MethodHead {
		w.Write(body)
	}
	if ferr := w.Flush(); ferr != nil {
		c.log.Debug("Cannot write error response", "err", ferr)
	}
	monitor.RequestsTotal.WithLabelValues(monitor.StatusClass(status)).Inc()
}

// Personal.AI order the ending

package spawner

import (
	"strconv"
	"strings"

	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
)

// Lines a worker prints on stdout while starting. Everything else is
// regular output.
const (
	handshakePrefix = "!> "
	readyLine       = "Ready"
	socketKey       = "socket: "
	errorKey        = "Error: "
	problemKey      = "Problem: "
	solutionKey     = "Solution: "
)

// handshake accumulates what a starting worker announced.
type handshake struct {
	ready    bool
	sockets  []pool.SocketSpec
	summary  string
	problem  string
	solution string
}

// failed reports whether the worker announced an error.
func (h *handshake) failed() bool { return h.summary != "" }

// parse consumes one stdout line and reports whether it belonged to the
// handshake.
func (h *handshake) parse(line string) (bool, error) {
	rest, ok := strings.CutPrefix(line, handshakePrefix)
	if !ok {
		return false, nil
	}
	switch {
	case rest == readyLine:
		h.ready = true
	case strings.HasPrefix(rest, socketKey):
		spec, err := parseSocketLine(strings.TrimPrefix(rest, socketKey))
		if err != nil {
			return true, err
		}
		h.sockets = append(h.sockets, spec)
	case strings.HasPrefix(rest, errorKey):
		h.summary = strings.TrimPrefix(rest, errorKey)
	case strings.HasPrefix(rest, problemKey):
		h.problem = appendLine(h.problem, strings.TrimPrefix(rest, problemKey))
	case strings.HasPrefix(rest, solutionKey):
		h.solution = appendLine(h.solution, strings.TrimPrefix(rest, solutionKey))
	default:
		return false, nil
	}
	return true, nil
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	return text + "\n" + line
}

// parseSocketLine reads "name;address;protocol;concurrency". Protocol and
// concurrency may be left out.
func parseSocketLine(s string) (pool.SocketSpec, error) {
	parts := strings.Split(s, ";")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return pool.SocketSpec{}, &pool.SpawnError{
			Summary: "The application announced a malformed socket",
			Problem: "The socket line " + strconv.Quote(s) + " does not have the form name;address;protocol;concurrency.",
		}
	}
	spec := pool.SocketSpec{
		Name:     parts[0],
		Address:  parts[1],
		Protocol: consts.ProtocolHTTPSession,
	}
	if len(parts) > 2 && parts[2] != "" {
		spec.Protocol = consts.SocketProtocol(parts[2])
	}
	switch spec.Protocol {
	case consts.ProtocolSession, consts.ProtocolHTTPSession, consts.ProtocolHTTP:
	default:
		return pool.SocketSpec{}, &pool.SpawnError{
			Summary: "The application announced an unknown socket protocol",
			Problem: "Protocol " + strconv.Quote(parts[2]) + " is not one of session, http_session or http.",
		}
	}
	if len(parts) > 3 && parts[3] != "" {
		n, err := strconv.Atoi(parts[3])
		if err != nil {
			return pool.SocketSpec{}, &pool.SpawnError{
				Summary: "The application announced a malformed socket",
				Problem: "Concurrency " + strconv.Quote(parts[3]) + " is not a number.",
				Err:     err,
			}
		}
		spec.Concurrency = n
	}
	spec.AcceptHTTPRequests = spec.Protocol != consts.ProtocolSession
	return spec, nil
}

// Personal.AI order the ending

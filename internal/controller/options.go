package controller

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
)

// requestFlags are the per-request settings that do not take part in
// routing.
type requestFlags struct {
	buffering        bool
	friendlyPages    bool
	stickyCookieName string
	overflowStatus   int
	scriptName       string
	raw              string
}

// secureHeaders moves every "!~" header out of h.
func secureHeaders(h http.Header) http.Header {
	secure := make(http.Header)
	for k, v := range h {
		if strings.HasPrefix(k, consts.SecureHeaderPrefix) {
			secure[k] = v
			delete(h, k)
		}
	}
	return secure
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "on", "yes", "1":
		return true
	case "false", "off", "no", "0":
		return false
	}
	return def
}

func parseInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// resolve works out which application serves r. Secure headers win; then
// the Host header; then the default application.
func (c *Controller) resolve(r *http.Request, secure http.Header) (pool.Options, requestFlags, error) {
	flags := requestFlags{
		buffering:        c.cfg.BufferRequests,
		friendlyPages:    c.cfg.FriendlyErrorPages,
		stickyCookieName: c.cfg.StickyCookieName,
		overflowStatus:   c.cfg.QueueOverflowStatus,
	}

	var opts pool.Options
	if root := secure.Get(consts.HeaderAppRoot); root != "" {
		if app, ok := c.cfg.appByRoot(root); ok {
			opts = app.Options
		} else {
			opts = pool.Options{
				AppRoot:             root,
				MinProcesses:        consts.DefaultMinProcesses,
				MaxRequestQueueSize: consts.DefaultMaxRequestQueueSize,
				StickySessions:      c.cfg.StickySessions,
			}
		}
		applySecureOptions(&opts, secure)
	} else if app, ok := c.cfg.appByHost(r.Host); ok {
		opts = app.Options
	} else if app, ok := c.cfg.appByName(c.cfg.DefaultApp); ok && c.cfg.DefaultApp != "" {
		opts = app.Options
	} else {
		return pool.Options{}, flags, perrors.New(perrors.ErrCodeNoApplication, "controller.resolve",
			"no application configured for host "+strconv.Quote(r.Host), nil)
	}

	if v := secure.Get(consts.HeaderFriendlyErrorPages); v != "" {
		flags.friendlyPages = parseBool(v, flags.friendlyPages)
	}
	if v := secure.Get(consts.HeaderStickyCookieName); v != "" {
		flags.stickyCookieName = v
	}
	if v := secure.Get(consts.HeaderQueueOverflowStatus); v != "" {
		if code := parseInt(v, 0); code >= 100 && code <= 599 {
			flags.overflowStatus = code
		}
	}
	flags.scriptName = strings.TrimSuffix(secure.Get(consts.HeaderScriptName), "/")
	flags.raw = secure.Get(consts.HeaderFlags)
	if strings.ContainsRune(flags.raw, consts.FlagBuffering) {
		flags.buffering = true
	}

	if opts.StickySessions {
		if ck, err := r.Cookie(flags.stickyCookieName); err == nil {
			if id, err := strconv.ParseUint(ck.Value, 36, 32); err == nil {
				opts.StickySessionID = uint32(id)
			}
		}
	}
	return opts, flags, nil
}

func applySecureOptions(opts *pool.Options, secure http.Header) {
	if v := secure.Get(consts.HeaderAppEnv); v != "" {
		opts.Environment = v
	}
	if v := secure.Get(consts.HeaderAppType); v != "" {
		opts.AppType = v
	}
	if v := secure.Get(consts.HeaderAppGroupName); v != "" {
		opts.AppGroupName = v
	}
	if v := secure.Get(consts.HeaderStartCommand); v != "" {
		opts.StartCommand = strings.Fields(v)
	}
	if v := secure.Get(consts.HeaderUser); v != "" {
		opts.User = v
	}
	if v := secure.Get(consts.HeaderGroup); v != "" {
		opts.Group = v
	}
	if v := secure.Get(consts.HeaderMinProcesses); v != "" {
		opts.MinProcesses = parseInt(v, opts.MinProcesses)
	}
	if v := secure.Get(consts.HeaderMaxProcesses); v != "" {
		opts.MaxProcesses = parseInt(v, opts.MaxProcesses)
	}
	if v := secure.Get(consts.HeaderMaxRequestQueueSize); v != "" {
		opts.MaxRequestQueueSize = parseInt(v, opts.MaxRequestQueueSize)
	}
	if v := secure.Get(consts.HeaderStickySessions); v != "" {
		opts.StickySessions = parseBool(v, opts.StickySessions)
	}
}

// Personal.AI order the ending

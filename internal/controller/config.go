package controller

import (
	"net"
	"strings"

	"github.com/samber/lo"

	"github.com/turtacn/Portus/internal/channel"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/protocol"
)

// App is a configured application the controller can route to without
// secure headers.
type App struct {
	Options pool.Options
	Hosts   []string
}

// Config holds the controller settings shared by every shard.
type Config struct {
	// ConnectPassword, when set, must be sent in the "!~" header of every
	// request. Secure headers are only honoured on authorized requests.
	ConnectPassword     string
	MaxBodySize         int64
	FriendlyErrorPages  bool
	StickySessions      bool
	StickyCookieName    string
	BufferRequests      bool
	BufferResponses     bool
	QueueOverflowStatus int
	DefaultApp          string
	Apps                []App

	Buffering       channel.Config
	HeaderReadLimit int
	ServerSoftware  string
}

func DefaultConfig() Config {
	return Config{
		StickyCookieName:    consts.DefaultStickyCookieName,
		QueueOverflowStatus: 503,
		Buffering:           channel.DefaultConfig(),
		HeaderReadLimit:     consts.DefaultHeaderReadLimit,
		ServerSoftware:      "Portus",
	}
}

// ConfigFrom builds the controller configuration out of the server config.
func ConfigFrom(cfg *protocol.Config) Config {
	c := DefaultConfig()
	s := cfg.Server
	c.ConnectPassword = s.ConnectPassword
	c.MaxBodySize = s.MaxBodySize
	c.FriendlyErrorPages = s.FriendlyErrorPages
	c.StickySessions = s.StickySessions
	if s.StickySessionsCookieName != "" {
		c.StickyCookieName = s.StickySessionsCookieName
	}
	c.BufferRequests = s.BufferRequests
	c.BufferResponses = s.BufferResponses
	if s.RequestQueueOverflowStatusCode != 0 {
		c.QueueOverflowStatus = s.RequestQueueOverflowStatusCode
	}
	c.DefaultApp = s.DefaultApp
	c.Buffering = channel.ConfigFrom(cfg.Buffering)
	c.Apps = lo.Map(cfg.Apps, func(app protocol.AppConfig, _ int) App {
		opts := pool.OptionsFromApp(app)
		opts.StickySessions = opts.StickySessions || s.StickySessions
		return App{Options: opts, Hosts: app.Hosts}
	})
	return c
}

func (c *Config) findApp(pred func(App) bool) (App, bool) {
	return lo.Find(c.Apps, pred)
}

func (c *Config) appByName(name string) (App, bool) {
	return c.findApp(func(a App) bool { return a.Options.AppGroupName == name })
}

func (c *Config) appByRoot(root string) (App, bool) {
	return c.findApp(func(a App) bool { return a.Options.AppRoot == root })
}

func (c *Config) appByHost(host string) (App, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	return c.findApp(func(a App) bool {
		return lo.ContainsBy(a.Hosts, func(h string) bool { return strings.EqualFold(h, host) })
	})
}

// Personal.AI order the ending

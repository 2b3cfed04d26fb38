// Package config loads the Portus YAML configuration, applies environment
// overrides and defaults, and validates the result.
package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/Portus/pkg/consts"
	perrors "github.com/turtacn/Portus/pkg/errors"
	"github.com/turtacn/Portus/pkg/protocol"
)

const DefaultPath = "portus.yaml"

// Load reads the file at path and returns a ready-to-use configuration.
// Every failure carries ErrCodeConfigInvalid.
func Load(path string) (*protocol.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "config.load", "cannot read "+path, err)
	}
	return Parse(data)
}

// Parse is Load without the file.
func Parse(data []byte) (*protocol.Config, error) {
	var cfg protocol.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "config.parse", "malformed YAML", err)
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides settings from PORTUS_* variables.
func ApplyEnv(cfg *protocol.Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(consts.EnvLogLevel); ok && v != "" {
		cfg.Observability.LogLevel = v
	}
	if v, ok := lookup(consts.EnvListen); ok && v != "" {
		cfg.Server.Listen = lo.Compact(lo.Map(strings.Split(v, ","), func(s string, _ int) string {
			return strings.TrimSpace(s)
		}))
	}
	if v, ok := lookup(consts.EnvAdminListen); ok && v != "" {
		cfg.Admin.Listen = v
	}
	if v, ok := lookup(consts.EnvAdminKey); ok && v != "" {
		cfg.Admin.SuperKey = v
	}
	if v, ok := lookup(consts.EnvMaxPoolSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return perrors.New(perrors.ErrCodeConfigInvalid, "config.env", consts.EnvMaxPoolSize+" is not a number", err)
		}
		cfg.Pool.MaxPoolSize = n
	}
	return nil
}

// ApplyDefaults fills in everything left unset.
func ApplyDefaults(cfg *protocol.Config) {
	s := &cfg.Server
	if len(s.Listen) == 0 {
		s.Listen = []string{consts.DefaultListenAddress}
	}
	if s.Threads <= 0 {
		s.Threads = runtime.NumCPU()
	}
	if s.StickySessionsCookieName == "" {
		s.StickySessionsCookieName = consts.DefaultStickyCookieName
	}
	if s.RequestQueueOverflowStatusCode == 0 {
		s.RequestQueueOverflowStatusCode = 503
	}
	if s.DefaultApp == "" && len(cfg.Apps) == 1 {
		s.DefaultApp = cfg.Apps[0].Name
	}

	if cfg.Pool.MaxPoolSize == 0 {
		cfg.Pool.MaxPoolSize = consts.DefaultMaxPoolSize
	}

	b := &cfg.Buffering
	if b.Threshold <= 0 {
		b.Threshold = consts.DefaultBufferThreshold
	}
	if b.AutoTruncateFile == nil {
		b.AutoTruncateFile = lo.ToPtr(true)
	}

	for i := range cfg.Apps {
		app := &cfg.Apps[i]
		if app.Name == "" {
			app.Name = app.AppRoot
		}
		if app.Environment == "" {
			app.Environment = "production"
		}
		if app.Protocol == "" {
			app.Protocol = string(consts.ProtocolHTTPSession)
		}
	}

	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = consts.DefaultAdminListen
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}

// Validate reports every problem at once.
func Validate(cfg *protocol.Config) error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Pool.MaxPoolSize < 1 {
		add("pool.max_pool_size must be at least 1, got %d", cfg.Pool.MaxPoolSize)
	}
	if code := cfg.Server.RequestQueueOverflowStatusCode; code < 100 || code > 599 {
		add("server.request_queue_overflow_status_code %d is not an HTTP status", code)
	}
	if cfg.Server.MaxBodySize < 0 {
		add("server.max_body_size must not be negative")
	}
	for _, addr := range cfg.Server.Listen {
		if strings.TrimSpace(addr) == "" {
			add("server.listen contains an empty address")
		}
	}

	durations := map[string]string{
		"pool.pool_idle_time":                    cfg.Pool.PoolIdleTime,
		"pool.spawn_timeout":                     cfg.Pool.SpawnTimeout,
		"pool.shutdown_timeout":                  cfg.Pool.ShutdownTimeout,
		"pool.analytics_interval":                cfg.Pool.AnalyticsInterval,
		"pool.spawn_backoff_base":                cfg.Pool.SpawnBackoffBase,
		"pool.spawn_backoff_max":                 cfg.Pool.SpawnBackoffMax,
		"buffering.delay_in_file_mode_switching": cfg.Buffering.DelayInFileModeSwitching,
	}
	for i, app := range cfg.Apps {
		durations[fmt.Sprintf("apps[%d].start_timeout", i)] = app.StartTimeout
	}
	keys := lo.Keys(durations)
	sort.Strings(keys)
	for _, key := range keys {
		if err := checkDuration(durations[key]); err != nil {
			add("%s: %v", key, err)
		}
	}

	if !lo.Contains([]string{"debug", "info", "warn", "error"}, cfg.Observability.LogLevel) {
		add("observability.log_level %q is not one of debug, info, warn, error", cfg.Observability.LogLevel)
	}
	if !lo.Contains([]string{"json", "text"}, cfg.Observability.LogFormat) {
		add("observability.log_format %q is not one of json, text", cfg.Observability.LogFormat)
	}

	seen := make(map[string]bool)
	for i, app := range cfg.Apps {
		if app.AppRoot == "" {
			add("apps[%d]: app_root is required", i)
		}
		if seen[app.Name] {
			add("apps[%d]: duplicate name %q", i, app.Name)
		}
		seen[app.Name] = true
		switch consts.SocketProtocol(app.Protocol) {
		case consts.ProtocolSession, consts.ProtocolHTTPSession, consts.ProtocolHTTP:
		default:
			add("apps[%d]: protocol %q is not one of session, http_session, http", i, app.Protocol)
		}
		if app.MaxProcesses < 0 {
			add("apps[%d]: max_processes must not be negative", i)
		}
		if app.MinProcesses != nil && app.MaxProcesses > 0 && *app.MinProcesses > app.MaxProcesses {
			add("apps[%d]: min_processes %d exceeds max_processes %d", i, *app.MinProcesses, app.MaxProcesses)
		}
	}
	if name := cfg.Server.DefaultApp; name != "" && !seen[name] {
		add("server.default_app %q does not name an app", name)
	}

	if errs != nil {
		return perrors.New(perrors.ErrCodeConfigInvalid, "config.validate", "invalid configuration", errs)
	}
	return nil
}

func checkDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("%s is negative", s)
	}
	return nil
}

// Personal.AI order the ending

package pool

import (
	"path/filepath"
	"time"

	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/protocol"
)

// Options identifies an application and tells the pool how to run it. The
// controller builds one per request out of the app identity headers; the
// request-scoped fields (StickySessionID) do not take part in the group key.
type Options struct {
	AppRoot      string
	Environment  string
	AppType      string
	AppGroupName string
	StartCommand []string
	User         string
	Group        string
	SpawnMethod  string
	Env          map[string]string

	// Protocol and Concurrency describe the socket a spawned worker gets when
	// it does not announce its own.
	Protocol    consts.SocketProtocol
	Concurrency int

	MinProcesses int
	// MaxProcesses caps this group. 0 means the pool size is the only bound.
	MaxProcesses int
	// MaxRequestQueueSize bounds the wait queue. 0 disables queueing behind
	// busy processes, negative means unlimited.
	MaxRequestQueueSize int
	// MaxRequests recycles a process after it served that many requests.
	MaxRequests      int
	MaxOOBWInstances int

	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	APIKey          string

	StickySessions  bool
	StickySessionID uint32
}

// GroupKey is the identity of the group these options route to.
func (o Options) GroupKey() string {
	return o.AppRoot + "\x00" + o.Environment + "\x00" + o.User
}

// GroupName is the display name of the group.
func (o Options) GroupName() string {
	if o.AppGroupName != "" {
		return o.AppGroupName
	}
	if o.Environment == "" {
		return o.AppRoot
	}
	return o.AppRoot + " (" + o.Environment + ")"
}

// RestartDir is where restart.txt and always_restart.txt are looked up.
func (o Options) RestartDir() string {
	return filepath.Join(o.AppRoot, "tmp")
}

// OptionsFromApp converts a configured application into spawn options.
func OptionsFromApp(app protocol.AppConfig) Options {
	o := Options{
		AppRoot:             app.AppRoot,
		Environment:         app.Environment,
		AppType:             app.AppType,
		AppGroupName:        app.Name,
		StartCommand:        app.StartCommand,
		User:                app.User,
		Group:               app.Group,
		SpawnMethod:         app.SpawnMethod,
		Env:                 app.Env,
		Protocol:            consts.SocketProtocol(app.Protocol),
		Concurrency:         app.Concurrency,
		MinProcesses:        consts.DefaultMinProcesses,
		MaxProcesses:        app.MaxProcesses,
		MaxRequestQueueSize: consts.DefaultMaxRequestQueueSize,
		MaxRequests:         app.MaxRequests,
		MaxOOBWInstances:    app.MaxOutOfBandWorkInstances,
		StartTimeout:        protocol.ParseDuration(app.StartTimeout, 0),
		APIKey:              app.APIKey,
		StickySessions:      app.StickySessions,
	}
	if app.MinProcesses != nil {
		o.MinProcesses = *app.MinProcesses
	}
	if app.MaxRequestQueueSize != nil {
		o.MaxRequestQueueSize = *app.MaxRequestQueueSize
	}
	return o
}

func (o *Options) applyDefaults(cfg Config) {
	if o.Environment == "" {
		o.Environment = "production"
	}
	if o.Protocol == "" {
		o.Protocol = consts.ProtocolHTTPSession
	}
	if o.MinProcesses < 0 {
		o.MinProcesses = 0
	}
	if o.MaxOOBWInstances <= 0 {
		o.MaxOOBWInstances = consts.DefaultMaxOOBWInstances
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = cfg.SpawnTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = cfg.ShutdownTimeout
	}
}

// Config holds the pool-wide settings.
type Config struct {
	MaxPoolSize         int
	PoolIdleTime        time.Duration
	SpawnTimeout        time.Duration
	ShutdownTimeout     time.Duration
	AnalyticsInterval   time.Duration
	SpawnBackoffBase    time.Duration
	SpawnBackoffMax     time.Duration
	SpawnErrorThreshold int
	RestartMethod       consts.RestartMethod
	SuperKey            string
	ReadOnlyKey         string

	// DetachedCheckInterval is how often detached processes are polled.
	DetachedCheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPoolSize:           consts.DefaultMaxPoolSize,
		PoolIdleTime:          consts.DefaultPoolIdleTime,
		SpawnTimeout:          consts.DefaultSpawnTimeout,
		ShutdownTimeout:       consts.DefaultShutdownTimeout,
		AnalyticsInterval:     consts.DefaultAnalyticsInterval,
		SpawnBackoffBase:      consts.DefaultSpawnBackoffBase,
		SpawnBackoffMax:       consts.DefaultSpawnBackoffMax,
		SpawnErrorThreshold:   consts.DefaultSpawnErrorThreshold,
		RestartMethod:         consts.RestartRolling,
		DetachedCheckInterval: consts.DetachedCheckInterval,
	}
}

// ConfigFrom builds the pool configuration out of the server config.
func ConfigFrom(pc protocol.PoolConfig, ac protocol.AdminConfig) Config {
	cfg := DefaultConfig()
	if pc.MaxPoolSize > 0 {
		cfg.MaxPoolSize = pc.MaxPoolSize
	}
	cfg.PoolIdleTime = protocol.ParseDuration(pc.PoolIdleTime, cfg.PoolIdleTime)
	cfg.SpawnTimeout = protocol.ParseDuration(pc.SpawnTimeout, cfg.SpawnTimeout)
	cfg.ShutdownTimeout = protocol.ParseDuration(pc.ShutdownTimeout, cfg.ShutdownTimeout)
	cfg.AnalyticsInterval = protocol.ParseDuration(pc.AnalyticsInterval, cfg.AnalyticsInterval)
	cfg.SpawnBackoffBase = protocol.ParseDuration(pc.SpawnBackoffBase, cfg.SpawnBackoffBase)
	cfg.SpawnBackoffMax = protocol.ParseDuration(pc.SpawnBackoffMax, cfg.SpawnBackoffMax)
	if pc.SpawnErrorThreshold > 0 {
		cfg.SpawnErrorThreshold = pc.SpawnErrorThreshold
	}
	cfg.SuperKey = ac.SuperKey
	cfg.ReadOnlyKey = ac.ReadOnlyKey
	return cfg
}

// Personal.AI order the ending

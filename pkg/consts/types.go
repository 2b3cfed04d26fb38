package consts

import "time"

// LifeStatus is the life cycle of a single worker process. Transitions are monotone:
// ALIVE -> SHUTDOWN_TRIGGERED -> DEAD.
type LifeStatus int32

const (
	LifeAlive LifeStatus = iota
	LifeShutdownTriggered
	LifeDead
)

func (s LifeStatus) String() string {
	switch s {
	case LifeAlive:
		return "ALIVE"
	case LifeShutdownTriggered:
		return "SHUTDOWN_TRIGGERED"
	case LifeDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// EnabledStatus tells whether a process is eligible for routing. DISABLING means
// waiting for in-flight sessions to drain; DETACHED means waiting for the OS
// process to exit.
type EnabledStatus int32

const (
	Enabled EnabledStatus = iota
	Disabling
	Disabled
	Detached
)

func (s EnabledStatus) String() string {
	switch s {
	case Enabled:
		return "ENABLED"
	case Disabling:
		return "DISABLING"
	case Disabled:
		return "DISABLED"
	case Detached:
		return "DETACHED"
	default:
		return "UNKNOWN"
	}
}

// OobwStatus tracks the out-of-band work cycle of a process.
type OobwStatus int32

const (
	OobwNotActive OobwStatus = iota
	OobwRequested
	OobwInProgress
)

func (s OobwStatus) String() string {
	switch s {
	case OobwNotActive:
		return "NOT_ACTIVE"
	case OobwRequested:
		return "REQUESTED"
	case OobwInProgress:
		return "IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// GroupLifeStatus is the life cycle of a Group.
type GroupLifeStatus string

const (
	GroupAlive        GroupLifeStatus = "ALIVE"
	GroupShuttingDown GroupLifeStatus = "SHUTTING_DOWN"
	GroupShutDown     GroupLifeStatus = "SHUT_DOWN"
)

// RestartMethod selects how a Group replaces its processes.
type RestartMethod string

const (
	RestartRolling  RestartMethod = "rolling"
	RestartBlocking RestartMethod = "blocking"
)

// DisableResult is the outcome of Group.Disable.
type DisableResult string

const (
	DisableSuccess  DisableResult = "SUCCESS"
	DisableDeferred DisableResult = "DEFERRED"
	DisableNoop     DisableResult = "NOOP"
	DisableError    DisableResult = "ERROR"
	DisableCanceled DisableResult = "CANCELED"
)

// SocketProtocol is the wire protocol spoken on a worker socket.
type SocketProtocol string

const (
	ProtocolSession     SocketProtocol = "session"
	ProtocolHTTPSession SocketProtocol = "http_session"
	ProtocolHTTP        SocketProtocol = "http"
)

// RequestState defines the stages of the controller request pipeline.
type RequestState string

const (
	StateBegin              RequestState = "BEGIN"
	StateParsingHeaders     RequestState = "PARSING_HEADERS"
	StateAuthorizing        RequestState = "AUTHORIZING"
	StateBufferingBody      RequestState = "BUFFERING_BODY"
	StateCheckingOutSession RequestState = "CHECKING_OUT_SESSION"
	StateForwardingHeaders  RequestState = "FORWARDING_HEADERS"
	StateStreaming          RequestState = "STREAMING"
	StateReleasingSession   RequestState = "RELEASING_SESSION"
	StateKeepAlive          RequestState = "KEEP_ALIVE"
	StateClosed             RequestState = "CLOSED"
)

// Secure headers. Only honoured after the connection has been authorized.
const (
	SecureHeaderPrefix        = "!~"
	HeaderConnectPassword     = "!~"
	HeaderAppRoot             = "!~APP_ROOT"
	HeaderAppEnv              = "!~APP_ENV"
	HeaderAppType             = "!~APP_TYPE"
	HeaderAppGroupName        = "!~APP_GROUP_NAME"
	HeaderStartCommand        = "!~START_COMMAND"
	HeaderUser                = "!~USER"
	HeaderGroup               = "!~GROUP"
	HeaderMinProcesses        = "!~MIN_PROCESSES"
	HeaderMaxProcesses        = "!~MAX_PROCESSES"
	HeaderMaxRequestQueueSize = "!~MAX_REQUEST_QUEUE_SIZE"
	HeaderFriendlyErrorPages  = "!~FRIENDLY_ERROR_PAGES"
	HeaderStickySessions      = "!~STICKY_SESSIONS"
	HeaderStickyCookieName    = "!~STICKY_SESSIONS_COOKIE_NAME"
	HeaderQueueOverflowStatus = "!~REQUEST_QUEUE_OVERFLOW_STATUS_CODE"
	HeaderScriptName          = "!~SCRIPT_NAME"
	HeaderFlags               = "!~FLAGS"
	HeaderRequestOOBW         = "X-Portus-Request-Oob-Work"
	FlagBuffering             = 'B'
	DefaultStickyCookieName   = "_passenger_route"
)

// Environment variables understood by Portus and passed to workers.
const (
	EnvInheritedFDs  = "PORTUS_INHERITED_FDS" // Count of FDs passed
	EnvSocketAddress = "PORTUS_SOCKET_ADDRESS"
	EnvAppRoot       = "PORTUS_APP_ROOT"
	EnvAppEnv        = "PORTUS_APP_ENV"
	EnvLogLevel      = "PORTUS_LOG_LEVEL"
	EnvListen        = "PORTUS_LISTEN"
	EnvAdminListen   = "PORTUS_ADMIN_LISTEN"
	EnvMaxPoolSize   = "PORTUS_MAX_POOL_SIZE"
	EnvAdminKey      = "PORTUS_ADMIN_KEY"
	EnvAdminAddress  = "PORTUS_ADMIN_ADDRESS"
)

// Pool defaults.
const (
	MaxSessionSockets           = 3
	DefaultMaxPoolSize          = 6
	DefaultMaxRequestQueueSize  = 100
	DefaultMinProcesses         = 1
	DefaultMaxOOBWInstances     = 1
	DefaultSpawnTimeout         = 90 * time.Second
	DefaultShutdownTimeout      = 60 * time.Second
	DefaultPoolIdleTime         = 300 * time.Second
	DefaultAnalyticsInterval    = 5 * time.Second
	DefaultSpawnBackoffBase     = 500 * time.Millisecond
	DefaultSpawnBackoffMax      = 30 * time.Second
	DefaultSpawnErrorThreshold  = 3
	DetachedCheckInterval       = 100 * time.Millisecond
	RestartFileCheckInterval    = time.Second
	OOBWResponseTimeout         = time.Minute
	DefaultSocketConnectTimeout = 5 * time.Second
)

// File-buffered channel defaults.
const (
	DefaultBufferThreshold      = 128 * 1024
	DefaultMaxDiskChunkReadSize = 0
	DefaultDiskChunkSize        = 16 * 1024
	DefaultMemoryReadBufferSize = 16 * 1024
)

// Controller defaults.
const (
	DefaultListenAddress   = "127.0.0.1:3000"
	DefaultAdminListen     = "127.0.0.1:3001"
	DefaultMaxBodySize     = 0 // unlimited
	DefaultHeaderReadLimit = 64 * 1024
)

// ServerState is the life cycle of the portus server process.
type ServerState string

const (
	ServerPending    ServerState = "PENDING"
	ServerStarting   ServerState = "STARTING"
	ServerRunning    ServerState = "RUNNING"
	ServerRestarting ServerState = "RESTARTING"
	ServerStopping   ServerState = "STOPPING"
	ServerStopped    ServerState = "STOPPED"
)

// Exit codes of the portus binary.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitBindFailure = 2
	ExitInternal    = 3
)

// Personal.AI order the ending

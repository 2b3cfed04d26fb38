package protocol

import "time"

// Config represents the root configuration of a Portus server.
type Config struct {
	Version       string              `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Pool          PoolConfig          `yaml:"pool"`
	Buffering     BufferingConfig     `yaml:"buffering"`
	Apps          []AppConfig         `yaml:"apps"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the request controllers.
type ServerConfig struct {
	Listen                         []string `yaml:"listen"`
	Threads                        int      `yaml:"threads"`
	ConnectPassword                string   `yaml:"connect_password"`
	MaxBodySize                    int64    `yaml:"max_body_size"`
	FriendlyErrorPages             bool     `yaml:"friendly_error_pages"`
	StickySessions                 bool     `yaml:"sticky_sessions"`
	StickySessionsCookieName       string   `yaml:"sticky_sessions_cookie_name"`
	BufferRequests                 bool     `yaml:"buffer_requests"`
	BufferResponses                bool     `yaml:"buffer_responses"`
	RequestQueueOverflowStatusCode int      `yaml:"request_queue_overflow_status_code"`
	DefaultApp                     string   `yaml:"default_app"`
}

// PoolConfig configures the process pool.
type PoolConfig struct {
	MaxPoolSize         int    `yaml:"max_pool_size"`
	PoolIdleTime        string `yaml:"pool_idle_time"`
	MaxRequestQueueSize *int   `yaml:"max_request_queue_size"`
	SpawnTimeout        string `yaml:"spawn_timeout"`
	ShutdownTimeout     string `yaml:"shutdown_timeout"`
	AnalyticsInterval   string `yaml:"analytics_interval"`
	SpawnBackoffBase    string `yaml:"spawn_backoff_base"`
	SpawnBackoffMax     string `yaml:"spawn_backoff_max"`
	SpawnErrorThreshold int    `yaml:"spawn_error_threshold"`
	SocketDir           string `yaml:"socket_dir"`
}

// BufferingConfig configures file-buffered channels.
type BufferingConfig struct {
	Threshold                int    `yaml:"threshold"`
	DelayInFileModeSwitching string `yaml:"delay_in_file_mode_switching"`
	AutoTruncateFile         *bool  `yaml:"auto_truncate_file"`
	MaxDiskChunkReadSize     int    `yaml:"max_disk_chunk_read_size"`
	BufferDir                string `yaml:"buffer_dir"`
}

// AppConfig describes one application Group.
type AppConfig struct {
	Name                      string            `yaml:"name"`
	AppRoot                   string            `yaml:"app_root"`
	Environment               string            `yaml:"environment"`
	AppType                   string            `yaml:"app_type"`
	StartCommand              []string          `yaml:"start_command"`
	User                      string            `yaml:"user"`
	Group                     string            `yaml:"group"`
	SpawnMethod               string            `yaml:"spawn_method"`
	Hosts                     []string          `yaml:"hosts"`
	MinProcesses              *int              `yaml:"min_processes"`
	MaxProcesses              int               `yaml:"max_processes"`
	MaxRequestQueueSize       *int              `yaml:"max_request_queue_size"`
	MaxRequests               int               `yaml:"max_requests"`
	MaxOutOfBandWorkInstances int               `yaml:"max_out_of_band_work_instances"`
	Protocol                  string            `yaml:"protocol"`
	Concurrency               int               `yaml:"concurrency"`
	StartTimeout              string            `yaml:"start_timeout"`
	APIKey                    string            `yaml:"api_key"`
	StickySessions            bool              `yaml:"sticky_sessions"`
	Env                       map[string]string `yaml:"env"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Listen      string `yaml:"listen"`
	SuperKey    string `yaml:"super_key"`
	ReadOnlyKey string `yaml:"read_only_key"`
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// ParseDuration parses s, returning def when s is empty or malformed.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Personal.AI order the ending

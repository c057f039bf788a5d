package config

// Default values for configuration options. These are layer 0 of the
// override chain and work against a local development backend without any
// config file.
const (
	defaultAPIBaseURL       = "http://localhost:5000"
	defaultLoginPath        = "/api/auth/login"
	defaultRefreshPath      = "/api/auth/refresh-token"
	defaultLogoutPath       = "/api/auth/logout"
	defaultRefreshLookahead = "60s"
	defaultTransport        = TransportAuto
	defaultJobStreamPath    = "/api/fetch/status/stream"
	defaultQueueEventsPath  = "/api/queue/events"
	defaultQueue            = "importQueue"
	defaultEventLogSize     = 200
	defaultFeedLogSize      = 100
	defaultBackend          = BackendFile
	defaultLogLevel         = "info"
	defaultLogFormat        = LogFormatAuto
	defaultConnectTimeout   = "10s"
	defaultDataTimeout      = "60s"
)

// Enumerated option values.
const (
	TransportAuto      = "auto"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"

	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"

	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL: defaultAPIBaseURL,
		Auth: AuthConfig{
			LoginPath:        defaultLoginPath,
			RefreshPath:      defaultRefreshPath,
			LogoutPath:       defaultLogoutPath,
			RefreshLookahead: defaultRefreshLookahead,
		},
		Stream: StreamConfig{
			Transport:       defaultTransport,
			JobStreamPath:   defaultJobStreamPath,
			QueueEventsPath: defaultQueueEventsPath,
			DefaultQueue:    defaultQueue,
			EventLogSize:    defaultEventLogSize,
			FeedLogSize:     defaultFeedLogSize,
		},
		Storage: StorageConfig{
			Backend: defaultBackend,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}

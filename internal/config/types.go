package config

// Config is the root of config.json / config.yaml.
//
// Every section may be omitted; Defaults fills zero values and Validate
// rejects settings the service cannot run with.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Queue      QueueConfig      `json:"queue"`
	Upload     UploadConfig     `json:"upload"`
	Cache      CacheConfig      `json:"cache"`
	Converters ConvertersConfig `json:"converters"`
	Vision     VisionConfig     `json:"vision"`
	Reaper     ReaperConfig     `json:"reaper"`
	Events     EventsConfig     `json:"events"`
}

// ServerConfig controls the HTTP service layer.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ServerConfig struct {
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// SubmitWait bounds how long a submission waits for an admission slot
	// before failing with QUEUE_FULL.
	SubmitWait string `json:"submit_wait,omitempty"`
	// SyncTimeout bounds POST /v1/convert. "0s" waits as long as the client does.
	SyncTimeout string `json:"sync_timeout,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"` // 0 disables
	Burst      int     `json:"burst,omitempty"`

	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls admission and the concurrency gate.
type QueueConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	SingleFlight  bool   `json:"single_flight,omitempty"`
}

type UploadConfig struct {
	MaxFileSizeMB int    `json:"max_file_size_mb,omitempty"`
	ChunkSize     int    `json:"chunk_size,omitempty"`
	TempDir       string `json:"temp_dir,omitempty"`
}

// CacheConfig selects the result cache backend.
//
// Example:
//
//	"cache": { "driver": "redis", "ttl": "24h", "redis": { "addr": "127.0.0.1:6379" } }
type CacheConfig struct {
	Driver    string `json:"driver,omitempty"` // memory|file|sqlite|redis|postgres|none
	TTL       string `json:"ttl,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	OpTimeout string `json:"op_timeout,omitempty"`

	Path        string      `json:"path,omitempty"`         // file, sqlite
	DSN         string      `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr         string `json:"addr,omitempty"`
	Password     string `json:"password,omitempty"` // do not log
	DB           int    `json:"db,omitempty"`
	PoolSize     int    `json:"pool_size,omitempty"`
	MinIdleConns int    `json:"min_idle_conns,omitempty"`
	DialTimeout  string `json:"dial_timeout,omitempty"`
}

type ConvertersConfig struct {
	MaxTextChars int `json:"max_text_chars,omitempty"`
	CSVMaxRows   int `json:"csv_max_rows,omitempty"`
	ImageMaxSide int `json:"image_max_side,omitempty"`
}

// VisionConfig enables image description through Vertex AI.
type VisionConfig struct {
	Enabled bool   `json:"enabled"`
	Project string `json:"project,omitempty"`
	Region  string `json:"region,omitempty"`
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// ReaperConfig controls periodic eviction of finished tasks.
// Schedule accepts cron expressions, "@every 1h", "interval:30m" or "HH:MM".
type ReaperConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	MaxAge   string `json:"max_age,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type EventsConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Source  string   `json:"source,omitempty"`
}

// ReaperEnabled reports whether the reaper runs (default true).
func (r ReaperConfig) ReaperEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

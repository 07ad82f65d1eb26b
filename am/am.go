package am

import "time"

// Config represents the bibexport configuration
type Config struct {
	Database    DatabaseConfig         `mapstructure:"database"`
	Library     LibraryConfig          `mapstructure:"library"`
	Catalog     CatalogConfig          `mapstructure:"catalog"`
	Cache       CacheConfig            `mapstructure:"cache"`
	Worker      WorkerConfig           `mapstructure:"worker"`
	Export      ExportConfig           `mapstructure:"export"`
	Server      ServerConfig           `mapstructure:"server"`
	Preferences map[string]interface{} `mapstructure:"preferences"` // baseline export preferences, overridable per job
	AutoExports []AutoExportConfig     `mapstructure:"autoexport"`
}

// DatabaseConfig configures the SQLite database (cache, job history, auto-export state)
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LibraryConfig points at the host library snapshot
type LibraryConfig struct {
	Path      string `mapstructure:"path"`       // YAML or JSON library file
	DefaultID int64  `mapstructure:"default_id"` // library used when a job carries no scope
}

// CatalogConfig configures converter descriptors beyond the built-in set
type CatalogConfig struct {
	Path string `mapstructure:"path"` // optional YAML file with extra descriptors
}

// CacheConfig configures the per-record converter output cache
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Backend    string `mapstructure:"backend"`     // "sqlite" or "badger"
	BadgerPath string `mapstructure:"badger_path"` // directory for the badger backend
	TTLHours   int    `mapstructure:"ttl_hours"`   // entries untouched for longer are reaped
}

// TTL returns the reaper threshold
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// WorkerConfig configures the background converter process
type WorkerConfig struct {
	Mode    string `mapstructure:"mode"`    // "process" or "inprocess"
	Command string `mapstructure:"command"` // shell-quoted command line; empty re-executes this binary with "worker"
	Debug   bool   `mapstructure:"debug"`   // ask the worker to emit debug messages
}

// ExportConfig configures the coordinator
type ExportConfig struct {
	YieldMS int `mapstructure:"yield_ms"` // serializer burst length before a cooperative yield
}

// YieldAfter returns the serializer burst length
func (c ExportConfig) YieldAfter() time.Duration {
	return time.Duration(c.YieldMS) * time.Millisecond
}

// ServerConfig configures the HTTP/websocket front end
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AutoExportConfig describes one export that is kept up to date in the background
type AutoExportConfig struct {
	ID          string                 `mapstructure:"id"`
	Converter   string                 `mapstructure:"converter"` // id, label or shortcut ("bibtex", "json", ...)
	Scope       string                 `mapstructure:"scope"`     // "library:1", "collection:5", "collection:KEY"
	Path        string                 `mapstructure:"path"`
	Options     map[string]interface{} `mapstructure:"options"`
	Preferences map[string]interface{} `mapstructure:"preferences"`
	Schedule    string                 `mapstructure:"schedule"` // cron expression, empty = no schedule
	Watch       bool                   `mapstructure:"watch"`    // re-export when the library file changes
}

const (
	WorkerModeProcess   = "process"
	WorkerModeInProcess = "inprocess"

	CacheBackendSQLite = "sqlite"
	CacheBackendBadger = "badger"

	// DefaultServerPort is the HTTP port for `bibexport serve`
	DefaultServerPort = 2119

	// DefaultDirPermissions is used for ~/.bibexport and cache directories
	DefaultDirPermissions = 0o750
)

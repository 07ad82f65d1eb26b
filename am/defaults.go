package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "bibexport.db")

	v.SetDefault("library.path", "library.yaml")
	v.SetDefault("library.default_id", 1)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", CacheBackendSQLite)
	v.SetDefault("cache.badger_path", "bibexport-cache")
	v.SetDefault("cache.ttl_hours", 24*30)

	v.SetDefault("worker.mode", WorkerModeProcess)
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.debug", false)

	v.SetDefault("export.yield_ms", 100) // keep bursts short enough for interactive callers

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("preferences", map[string]interface{}{
		"relative_file_paths": false,
		"jabref_format":       0,
		"ascii_bibtex":        false,
	})
}

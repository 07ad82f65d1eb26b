package am

import "github.com/teranos/bibexport/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Worker.Mode {
	case WorkerModeProcess, WorkerModeInProcess:
	default:
		return errors.Newf("worker.mode must be %q or %q, got %q", WorkerModeProcess, WorkerModeInProcess, c.Worker.Mode)
	}

	switch c.Cache.Backend {
	case CacheBackendSQLite, CacheBackendBadger:
	default:
		return errors.Newf("cache.backend must be %q or %q, got %q", CacheBackendSQLite, CacheBackendBadger, c.Cache.Backend)
	}
	if c.Cache.Backend == CacheBackendBadger && c.Cache.BadgerPath == "" {
		return errors.New("cache.badger_path cannot be empty with the badger backend")
	}
	if c.Cache.TTLHours < 0 {
		return errors.Newf("cache.ttl_hours must be >= 0, got %d", c.Cache.TTLHours)
	}

	if c.Export.YieldMS <= 0 {
		return errors.Newf("export.yield_ms must be > 0, got %d", c.Export.YieldMS)
	}

	if c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	seen := make(map[string]bool, len(c.AutoExports))
	for i, ae := range c.AutoExports {
		if ae.ID == "" {
			return errors.Newf("autoexport[%d].id cannot be empty", i)
		}
		if seen[ae.ID] {
			return errors.Newf("autoexport id %q is used twice", ae.ID)
		}
		seen[ae.ID] = true
		if ae.Converter == "" || ae.Path == "" {
			return errors.Newf("autoexport %q needs both converter and path", ae.ID)
		}
		if ae.Schedule == "" && !ae.Watch {
			return errors.Newf("autoexport %q has neither a schedule nor watch enabled", ae.ID)
		}
	}

	return nil
}

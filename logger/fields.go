package logger

// Standard field names for structured logging.
const (
	FieldJobID      = "job_id"
	FieldConverter  = "converter"
	FieldAutoExport = "autoexport"
	FieldItems      = "items"
	FieldCached     = "cached"
	FieldPath       = "path"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldPID        = "pid"
)

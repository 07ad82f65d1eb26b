package async

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// QueueMetrics is a point-in-time view of the queue and host memory
type QueueMetrics struct {
	JobsQueued    int     `json:"jobs_queued"`
	JobRunning    string  `json:"job_running,omitempty"` // id of the running job
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Metrics returns current queue depth and memory usage. Memory fields stay
// zero when the platform does not report them.
func (q *Queue) Metrics() QueueMetrics {
	m := QueueMetrics{JobsQueued: q.Queued()}
	if running := q.Running(); running != nil {
		m.JobRunning = running.ID
	}

	if v, err := mem.VirtualMemory(); err == nil && v.Total > 0 {
		m.MemoryTotalGB = float64(v.Total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(v.Total-v.Available) / 1024 / 1024 / 1024
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}
	return m
}

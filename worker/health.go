package worker

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Health is a snapshot of the worker process
type Health struct {
	Running    bool          `json:"running"`
	PID        int           `json:"pid,omitempty"`
	RSSBytes   uint64        `json:"rss_bytes,omitempty"`
	CPUPercent float64       `json:"cpu_percent,omitempty"`
	Uptime     time.Duration `json:"uptime,omitempty"`
	ActiveJob  string        `json:"active_job,omitempty"`
}

// processStats fills resource usage for an out-of-process worker
func processStats(h *Health) {
	if h.PID == 0 {
		return
	}
	p, err := process.NewProcess(int32(h.PID))
	if err != nil {
		return
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		h.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		h.CPUPercent = cpu
	}
}

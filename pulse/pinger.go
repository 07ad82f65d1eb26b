// Package pulse reports export progress.
//
// Pinger turns "n of total processed" into percentages, emitting only when the
// integer percentage changes. Bus fans progress and notices out to whoever is
// listening (the CLI progress bar, websocket clients).
package pulse

import "sync"

// Pinger counts processed items and reports whole percentages
type Pinger struct {
	mu        sync.Mutex
	total     int
	processed int
	last      int // last emitted percentage, -1 before the first
	callback  func(percent int)
}

// NewPinger creates a pinger for total items. callback may be nil.
func NewPinger(total int, callback func(percent int)) *Pinger {
	if callback == nil {
		callback = func(int) {}
	}
	return &Pinger{total: total, last: -1, callback: callback}
}

// Update records one processed item
func (p *Pinger) Update() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total <= 0 {
		return
	}
	if p.processed < p.total {
		p.processed++
	}
	p.emit(p.processed * 100 / p.total)
}

// Done reports 100%, whether or not every item was counted
func (p *Pinger) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(100)
}

// Percent returns the last emitted percentage (0 before any)
func (p *Pinger) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last < 0 {
		return 0
	}
	return p.last
}

// emit requires p.mu
func (p *Pinger) emit(pct int) {
	if pct == p.last {
		return
	}
	p.last = pct
	p.callback(pct)
}

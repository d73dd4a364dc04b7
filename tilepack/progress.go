package tilepack

import (
	"fmt"
	"sync"
	"time"
)

const rateHistorySize = 5

// Progress tracks a fetch run. All methods are safe for concurrent use.
type Progress struct {
	mu        sync.Mutex
	now       func() time.Time
	total     int
	completed int
	cached    int
	failed    int
	start     time.Time
	rates     []float64
}

type ProgressSnapshot struct {
	Total     int
	Completed int
	Cached    int
	Failed    int
	ETA       time.Duration
	ETAKnown  bool
}

// Percent is the completed share of the run in [0, 100].
func (s ProgressSnapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// NewProgress returns a tracker reading time from now, or time.Now if nil.
func NewProgress(now func() time.Time) *Progress {
	if now == nil {
		now = time.Now
	}
	return &Progress{now: now}
}

// Reset clears all counters and sets the expected tile count.
func (p *Progress) Reset(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	p.completed = 0
	p.cached = 0
	p.failed = 0
	p.start = time.Time{}
	p.rates = p.rates[:0]
}

// Increment records a tile that was downloaded and stored.
func (p *Progress) Increment() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.start.IsZero() {
		p.start = p.now()
	}
	p.completed++
	p.sample()
}

// MarkCached records a tile that was already in the store. The clock only
// starts on the first downloaded tile.
func (p *Progress) MarkCached() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed++
	p.cached++
	p.sample()
}

// Fail records a tile that could not be fetched or stored.
func (p *Progress) Fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed++
}

func (p *Progress) sample() {
	if p.start.IsZero() {
		return
	}
	elapsed := p.now().Sub(p.start).Seconds()
	if elapsed <= 0 {
		return
	}
	p.rates = append(p.rates, float64(p.completed)/elapsed)
	if len(p.rates) > rateHistorySize {
		p.rates = p.rates[len(p.rates)-rateHistorySize:]
	}
}

// ETA estimates the remaining time from the mean of the recent rate samples.
// ok is false while the estimate is indeterminate.
func (p *Progress) ETA() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eta()
}

func (p *Progress) eta() (time.Duration, bool) {
	if p.completed == 0 || len(p.rates) == 0 {
		return 0, false
	}
	var sum float64
	for _, r := range p.rates {
		sum += r
	}
	avg := sum / float64(len(p.rates))
	if avg <= 0 {
		return 0, false
	}
	remaining := max(p.total-p.completed, 0)
	return time.Duration(float64(remaining) / avg * float64(time.Second)), true
}

func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	eta, ok := p.eta()
	return ProgressSnapshot{
		Total:     p.total,
		Completed: p.completed,
		Cached:    p.cached,
		Failed:    p.failed,
		ETA:       eta,
		ETAKnown:  ok,
	}
}

// FormatETA renders an estimate the way the CLI prints it.
func FormatETA(eta time.Duration, ok bool) string {
	if !ok {
		return "Calculating..."
	}
	secs := int(eta.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%d seconds", secs)
	case secs < 3600:
		return fmt.Sprintf("%d minutes", secs/60)
	default:
		return fmt.Sprintf("%d hours %d minutes", secs/3600, (secs%3600)/60)
	}
}

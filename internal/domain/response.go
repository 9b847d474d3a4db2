package domain

import (
	"sync"
	"time"
)

// Response is the result of one chat turn.
type Response struct {
	Messages    []*Message        `json:"messages"`
	Headers     map[string]string `json:"headers,omitempty"`
	Performance *PerformanceInfo  `json:"performance,omitempty"`
}

// NewResponse returns an empty response.
func NewResponse() *Response {
	return &Response{
		Messages: []*Message{},
		Headers:  make(map[string]string),
	}
}

// Text joins the text of all reply messages with newlines.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for i, m := range r.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Text
	}
	return out
}

// Tick is the elapsed time from turn start to the end of a named stage.
type Tick struct {
	Name    string        `json:"name"`
	Elapsed time.Duration `json:"elapsed"`
}

// PerformanceInfo captures per-stage timing of a turn.
type PerformanceInfo struct {
	mu        sync.Mutex
	StartTime time.Time     `json:"start_time"`
	Ticks     []Tick        `json:"ticks"`
	Total     time.Duration `json:"total"`
}

// NewPerformanceInfo starts the timer.
func NewPerformanceInfo() *PerformanceInfo {
	return &PerformanceInfo{StartTime: time.Now(), Ticks: []Tick{}}
}

// Append records the time elapsed since start under name and returns the
// duration of the stage that just finished.
func (p *PerformanceInfo) Append(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := time.Since(p.StartTime)
	var last time.Duration
	if n := len(p.Ticks); n > 0 {
		last = p.Ticks[n-1].Elapsed
	}
	p.Ticks = append(p.Ticks, Tick{Name: name, Elapsed: elapsed})
	return elapsed - last
}

// End stops the timer.
func (p *PerformanceInfo) End() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Total = time.Since(p.StartTime)
	return p.Total
}

// Snapshot returns a copy of the recorded ticks.
func (p *PerformanceInfo) Snapshot() []Tick {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Tick(nil), p.Ticks...)
}

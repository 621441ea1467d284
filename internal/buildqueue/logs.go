package buildqueue

import (
	"strings"
	"sync"
	"time"

	"fleetd/internal/clock"
)

// LogLine is one timestamped line of build output.
type LogLine struct {
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

// subscriberBuffer bounds a subscriber's backlog. A subscriber that falls
// this far behind is dropped rather than allowed to stall the build.
const subscriberBuffer = 256

// LogHub keeps a bounded ring of output per job and fans new lines out to
// live subscribers.
type LogHub struct {
	clk clock.Clock
	cap int

	mu      sync.Mutex
	buffers map[string][]LogLine
	subs    map[string][]chan LogLine
}

// NewLogHub builds the hub; maxLines bounds each job's ring.
func NewLogHub(maxLines int, clk clock.Clock) *LogHub {
	if maxLines <= 0 {
		maxLines = 10000
	}
	return &LogHub{
		clk:     clk,
		cap:     maxLines,
		buffers: make(map[string][]LogLine),
		subs:    make(map[string][]chan LogLine),
	}
}

// Append records output for the job, splitting on newlines, and fans it out.
func (h *LogHub) Append(jobID, output string) {
	now := h.clk.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, raw := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		line := LogLine{Time: now, Line: raw}
		buf := append(h.buffers[jobID], line)
		if over := len(buf) - h.cap; over > 0 {
			buf = buf[over:]
		}
		h.buffers[jobID] = buf

		kept := h.subs[jobID][:0]
		for _, ch := range h.subs[jobID] {
			select {
			case ch <- line:
				kept = append(kept, ch)
			default:
				// Slow subscriber; cut it loose.
				close(ch)
			}
		}
		h.subs[jobID] = kept
	}
}

// History returns a copy of the job's buffered lines.
func (h *LogHub) History(jobID string) []LogLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]LogLine(nil), h.buffers[jobID]...)
}

// Subscribe attaches a live feed for the job. The returned cancel detaches
// it; the channel is closed on cancel or when the subscriber is dropped for
// falling behind.
func (h *LogHub) Subscribe(jobID string) (<-chan LogLine, func()) {
	ch := make(chan LogLine, subscriberBuffer)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, sub := range h.subs[jobID] {
			if sub == ch {
				h.subs[jobID] = append(h.subs[jobID][:i], h.subs[jobID][i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Drop forgets a job's buffer and closes its subscribers.
func (h *LogHub) Drop(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.buffers, jobID)
	for _, ch := range h.subs[jobID] {
		close(ch)
	}
	delete(h.subs, jobID)
}

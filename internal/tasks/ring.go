package tasks

import (
	"sync"
	"time"
)

// DefaultRingSize bounds each task's retained output log.
const DefaultRingSize = 1000

// outputRing is a bounded append-only log of task output lines. Old
// lines are evicted but sequence numbers keep advancing, so a reader
// polling with since() can detect the gap.
//
// Thread Safety:
// outputRing is safe for concurrent use.
type outputRing struct {
	mu    sync.Mutex
	lines []LogLine
	limit int
	seq   uint64
}

func newOutputRing(limit int) *outputRing {
	if limit <= 0 {
		limit = DefaultRingSize
	}
	return &outputRing{limit: limit}
}

func (r *outputRing) append(text string) LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	line := LogLine{Seq: r.seq, Time: time.Now(), Text: text}
	r.lines = append(r.lines, line)
	if len(r.lines) > r.limit {
		r.lines = r.lines[len(r.lines)-r.limit:]
	}
	return line
}

// since returns retained lines with Seq > after, oldest first.
func (r *outputRing) since(after uint64) []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := len(r.lines)
	for i, line := range r.lines {
		if line.Seq > after {
			start = i
			break
		}
	}
	out := make([]LogLine, len(r.lines)-start)
	copy(out, r.lines[start:])
	return out
}

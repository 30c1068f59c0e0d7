package realtime

import (
	"sync"
	"time"
)

const rateWindowSpan = time.Minute

// rateWindow counts sends in the trailing minute for the
// MessageRatePerMinute stat.
type rateWindow struct {
	mu    sync.Mutex
	marks []time.Time
}

func (w *rateWindow) mark(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.marks = append(w.marks, now)
}

func (w *rateWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.marks)
}

func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-rateWindowSpan)
	i := 0
	for i < len(w.marks) && !w.marks[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.marks = append(w.marks[:0], w.marks[i:]...)
	}
}

package pipeline

import (
	"sync"
	"time"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

const (
	estimateWindow   = 20
	fallbackEstimate = 60 * time.Second
)

// durationWindow is a rolling mean over the last estimateWindow samples.
type durationWindow struct {
	samples []time.Duration
	next    int
	sum     time.Duration
}

func (w *durationWindow) add(d time.Duration) {
	if len(w.samples) < estimateWindow {
		w.samples = append(w.samples, d)
		w.sum += d
		return
	}
	w.sum += d - w.samples[w.next]
	w.samples[w.next] = d
	w.next = (w.next + 1) % estimateWindow
}

func (w *durationWindow) mean() (time.Duration, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	return w.sum / time.Duration(len(w.samples)), true
}

// estimator tracks how long provider calls take per job kind.
type estimator struct {
	mu       sync.Mutex
	defaults map[models.JobKind]time.Duration
	windows  map[models.JobKind]*durationWindow
}

func newEstimator(defaults map[models.JobKind]time.Duration) *estimator {
	return &estimator{
		defaults: defaults,
		windows:  make(map[models.JobKind]*durationWindow),
	}
}

func (e *estimator) observe(kind models.JobKind, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[kind]
	if !ok {
		w = &durationWindow{}
		e.windows[kind] = w
	}
	w.add(d)
}

// expected returns the observed mean for kind, else its configured
// default, else one minute.
func (e *estimator) expected(kind models.JobKind) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.windows[kind]; ok {
		if m, ok := w.mean(); ok {
			return m
		}
	}
	if d, ok := e.defaults[kind]; ok && d > 0 {
		return d
	}
	return fallbackEstimate
}

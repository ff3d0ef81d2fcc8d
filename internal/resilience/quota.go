package resilience

import (
	"sync"
	"time"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/metrics"
)

// QuotaConfig bounds cost-incurring operations per UTC day.
type QuotaConfig struct {
	// DailyLimit is the number of operations allowed per UTC day.
	DailyLimit int
	// UnitCost is the cost accrued per recorded operation.
	UnitCost float64
}

// QuotaUsage is a snapshot of the current day's bucket.
type QuotaUsage struct {
	Name      string  `json:"name"`
	Date      string  `json:"date"` // YYYY-MM-DD, UTC
	Count     int     `json:"count"`
	Reserved  int     `json:"reserved"`
	Cost      float64 `json:"cost"`
	Limit     int     `json:"limit"`
	Remaining int     `json:"remaining"`
}

// QuotaController is a rolling daily usage limiter. The bucket resets to
// zero whenever the UTC date changes.
type QuotaController struct {
	name   string
	config QuotaConfig
	now    func() time.Time

	mu       sync.Mutex
	day      string
	count    int
	cost     float64
	reserved int
}

// NewQuotaController creates a controller for the current UTC day.
func NewQuotaController(name string, config QuotaConfig) *QuotaController {
	q := &QuotaController{
		name:   name,
		config: config,
		now:    time.Now,
	}
	q.day = q.today()
	return q
}

// SetClock replaces the time source. Tests only.
func (q *QuotaController) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *QuotaController) today() string {
	return q.now().UTC().Format(time.DateOnly)
}

// rollover must be called with the lock held.
func (q *QuotaController) rollover() {
	if d := q.today(); d != q.day {
		q.day = d
		q.count = 0
		q.cost = 0
	}
}

// CanProceed reports whether another operation fits in today's limit.
// Outstanding reservations count against the limit.
func (q *QuotaController) CanProceed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.count+q.reserved < q.config.DailyLimit
}

// RecordUsage charges one operation to today's bucket.
func (q *QuotaController) RecordUsage() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	q.chargeLocked()
}

func (q *QuotaController) chargeLocked() {
	q.count++
	q.cost += q.config.UnitCost
	metrics.QuotaUsage.WithLabelValues(q.name, "count").Set(float64(q.count))
	metrics.QuotaUsage.WithLabelValues(q.name, "cost").Set(q.cost)
}

// Reserve claims a slot for an operation whose outcome is not known yet.
// It returns nil when the limit is reached. The caller must Commit (the
// operation incurred cost) or Cancel (it did not).
func (q *QuotaController) Reserve() *Reservation {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	if q.count+q.reserved >= q.config.DailyLimit {
		return nil
	}
	q.reserved++
	return &Reservation{q: q}
}

// Usage returns today's counters.
func (q *QuotaController) Usage() QuotaUsage {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	remaining := q.config.DailyLimit - q.count - q.reserved
	if remaining < 0 {
		remaining = 0
	}
	return QuotaUsage{
		Name:      q.name,
		Date:      q.day,
		Count:     q.count,
		Reserved:  q.reserved,
		Cost:      q.cost,
		Limit:     q.config.DailyLimit,
		Remaining: remaining,
	}
}

// Reservation is a pending quota slot.
type Reservation struct {
	q    *QuotaController
	once sync.Once
}

// Commit converts the reservation into recorded usage.
func (r *Reservation) Commit() {
	r.once.Do(func() {
		r.q.mu.Lock()
		defer r.q.mu.Unlock()
		r.q.reserved--
		r.q.rollover()
		r.q.chargeLocked()
	})
}

// Cancel releases the slot without charging.
func (r *Reservation) Cancel() {
	r.once.Do(func() {
		r.q.mu.Lock()
		r.q.reserved--
		r.q.mu.Unlock()
	})
}

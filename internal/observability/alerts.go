package observability

import (
	"sync"
	"time"

	"github.com/drape/core/internal/coreerr"
	"github.com/drape/core/internal/logging"
)

// AlertDispatcher counts errors per class in a sliding 5-minute window
// and raises an alert when a class exceeds the configured threshold,
// suppressing repeat alerts of the same class for 5 minutes (§4.9). The
// sliding-window/trim idiom is shared with internal/circuitbreaker.
type AlertDispatcher struct {
	mu           sync.Mutex
	window       time.Duration
	threshold    int
	suppressFor  time.Duration
	occurrences  map[coreerr.Class][]time.Time
	lastAlertAt  map[coreerr.Class]time.Time
	onAlert      func(class coreerr.Class, count int)
}

// NewAlertDispatcher builds a dispatcher with the spec's defaults: a
// 5-occurrence/5-minute threshold and a 5-minute suppression window.
func NewAlertDispatcher(threshold int) *AlertDispatcher {
	if threshold <= 0 {
		threshold = 5
	}
	return &AlertDispatcher{
		window:      5 * time.Minute,
		threshold:   threshold,
		suppressFor: 5 * time.Minute,
		occurrences: make(map[coreerr.Class][]time.Time),
		lastAlertAt: make(map[coreerr.Class]time.Time),
		onAlert: func(class coreerr.Class, count int) {
			logging.Op().Warn("alert raised", "class", string(class), "count", count)
		},
	}
}

// OnAlert overrides the default log-only alert sink.
func (d *AlertDispatcher) OnAlert(fn func(class coreerr.Class, count int)) {
	d.mu.Lock()
	d.onAlert = fn
	d.mu.Unlock()
}

// Record records one occurrence of class and fires an alert if the
// count within the window exceeds the threshold and the class is not
// currently suppressed.
func (d *AlertDispatcher) Record(class coreerr.Class) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	times := append(d.occurrences[class], now)
	cutoff := now.Add(-d.window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	times = times[i:]
	d.occurrences[class] = times

	if len(times) <= d.threshold {
		return
	}
	if last, ok := d.lastAlertAt[class]; ok && now.Sub(last) < d.suppressFor {
		return
	}
	d.lastAlertAt[class] = now
	if d.onAlert != nil {
		d.onAlert(class, len(times))
	}
}

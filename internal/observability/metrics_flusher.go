package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/drape/core/internal/logging"
	"github.com/drape/core/internal/store"
)

const (
	metricsFlushInterval = 30 * time.Second
	metricsRetainLimit   = 50
	metricsBufferSize    = 2000
	metricsFlushTimeout  = 5 * time.Second
)

// MetricsSink is the durable store the flusher writes samples to.
type MetricsSink interface {
	FlushMetrics(ctx context.Context, samples []store.MetricSample) error
}

// MetricsFlusher buffers metric samples in memory and flushes them to a
// durable sink every 30s (§4.9). A failed flush retains the buffer for
// the next tick rather than discarding it; if more samples arrive than
// the retain limit before the sink recovers, the oldest are dropped.
type MetricsFlusher struct {
	sink    MetricsSink
	logger  *slog.Logger
	samples chan store.MetricSample
	done    chan struct{}
}

// NewMetricsFlusher starts the background flush loop immediately.
func NewMetricsFlusher(sink MetricsSink) *MetricsFlusher {
	f := &MetricsFlusher{
		sink:    sink,
		logger:  logging.Op(),
		samples: make(chan store.MetricSample, metricsBufferSize),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Record enqueues one sample, dropping it (with a log line) if the
// intake buffer is saturated rather than blocking the caller.
func (f *MetricsFlusher) Record(name string, value float64, labels map[string]string) {
	select {
	case f.samples <- store.MetricSample{Name: name, Value: value, Labels: labels, At: time.Now()}:
	default:
		f.logger.Warn("metrics flusher: intake buffer full, dropping sample", "name", name)
	}
}

// Shutdown closes the intake channel and waits for the final flush, up
// to timeout.
func (f *MetricsFlusher) Shutdown(timeout time.Duration) {
	close(f.samples)
	select {
	case <-f.done:
	case <-time.After(timeout):
		f.logger.Warn("metrics flusher: shutdown timed out", "timeout", timeout)
	}
}

func (f *MetricsFlusher) run() {
	defer close(f.done)

	ticker := time.NewTicker(metricsFlushInterval)
	defer ticker.Stop()

	var pending []store.MetricSample
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), metricsFlushTimeout)
		err := f.sink.FlushMetrics(ctx, pending)
		cancel()
		if err != nil {
			f.logger.Warn("metrics flusher: flush failed, retaining buffer", "err", err, "count", len(pending))
			if len(pending) > metricsRetainLimit {
				dropped := len(pending) - metricsRetainLimit
				pending = append([]store.MetricSample(nil), pending[dropped:]...)
				f.logger.Warn("metrics flusher: buffer overflow, dropped oldest samples", "dropped", dropped)
			}
			return
		}
		pending = pending[:0]
	}

	for {
		select {
		case s, ok := <-f.samples:
			if !ok {
				flush()
				return
			}
			pending = append(pending, s)
			if len(pending) >= metricsBufferSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

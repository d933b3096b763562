// Package metrics exports upload events as Prometheus metrics.
package metrics

import (
	"strconv"
	"sync"

	"github.com/bitrise-io/go-resumable-upload/upload"
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the metrics shared by every tracked upload.
type Collectors struct {
	BytesTotal     prometheus.Counter
	ResponsesTotal *prometheus.CounterVec
	RetriesTotal   prometheus.Counter
	RetryDelay     prometheus.Histogram
	RestartsTotal  prometheus.Counter
	CompletedTotal prometheus.Counter
	FailedTotal    *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them on reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gcs_upload_bytes_total",
			Help: "Caller bytes processed by resumable uploads",
		}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcs_upload_responses_total",
			Help: "Data request responses by status code",
		}, []string{"status"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gcs_upload_retries_total",
			Help: "Retried data requests",
		}),
		RetryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gcs_upload_retry_delay_seconds",
			Help:    "Backoff before a retry in seconds",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gcs_upload_restarts_total",
			Help: "Uploads started over in a new session",
		}),
		CompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gcs_upload_completed_total",
			Help: "Uploads that created their object",
		}),
		FailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcs_upload_failed_total",
			Help: "Uploads that ended with an error, by whether they can be resumed",
		}, []string{"retryable"}),
	}

	for _, collector := range []prometheus.Collector{
		c.BytesTotal, c.ResponsesTotal, c.RetriesTotal, c.RetryDelay,
		c.RestartsTotal, c.CompletedTotal, c.FailedTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Track returns an observer for one upload.
func (c *Collectors) Track() upload.Observer {
	return &tracker{collectors: c}
}

// tracker turns the cumulative progress of one upload into counter deltas.
type tracker struct {
	collectors *Collectors
	mu         sync.Mutex
	last       int64
}

func (t *tracker) Observe(e upload.Event) {
	c := t.collectors
	switch e.Type {
	case upload.EventProgress:
		t.mu.Lock()
		if e.BytesWritten > t.last {
			c.BytesTotal.Add(float64(e.BytesWritten - t.last))
			t.last = e.BytesWritten
		}
		t.mu.Unlock()
	case upload.EventResponse:
		if e.Response != nil {
			c.ResponsesTotal.WithLabelValues(strconv.Itoa(e.Response.StatusCode)).Inc()
		}
	case upload.EventRetry:
		c.RetriesTotal.Inc()
		c.RetryDelay.Observe(e.Delay.Seconds())
		if e.Response != nil {
			c.ResponsesTotal.WithLabelValues(strconv.Itoa(e.Response.StatusCode)).Inc()
		}
	case upload.EventRestart:
		// Progress of the new session starts from zero.
		t.mu.Lock()
		t.last = 0
		t.mu.Unlock()
		c.RestartsTotal.Inc()
	case upload.EventMetadata:
		c.CompletedTotal.Inc()
	case upload.EventError:
		c.FailedTotal.WithLabelValues(strconv.FormatBool(upload.IsRetryable(e.Err))).Inc()
	}
}

// Package analytics accumulates in-process usage counters for the
// conversion endpoint. Counters are not durable and reset on restart.
package analytics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coah80/heic2jpg/internal/convert"
)

const bytesPerMB = 1024 * 1024

// Snapshot is the JSON shape served by the analytics endpoints.
type Snapshot struct {
	TotalConversions      int            `json:"totalConversions"`
	SuccessfulConversions int            `json:"successfulConversions"`
	SuccessRate           float64        `json:"successRate"`
	AvgFileSize           float64        `json:"avgFileSize"`
	AvgProcessingTime     int64          `json:"avgProcessingTime"`
	SecurityEvents        map[string]int `json:"securityEventCounts,omitempty"`
}

type metrics struct {
	conversions    *prometheus.CounterVec
	bytes          prometheus.Counter
	duration       prometheus.Histogram
	securityEvents *prometheus.CounterVec
}

type Usage struct {
	mu             sync.Mutex
	attempts       int
	successes      int
	totalBytes     int64
	totalLatency   time.Duration
	requests       int
	securityEvents map[string]int

	m *metrics
}

// New returns an empty accumulator. When reg is non-nil the Prometheus
// collectors are registered on it.
func New(reg prometheus.Registerer) *Usage {
	u := &Usage{securityEvents: make(map[string]int)}
	if reg != nil {
		u.m = newMetrics(reg)
	}
	return u
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heic2jpg_conversions_total",
			Help: "Files run through conversion, by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heic2jpg_converted_bytes_total",
			Help: "Total size of JPEG output produced.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "heic2jpg_request_duration_seconds",
			Help:    "Wall time of conversion requests.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heic2jpg_security_events_total",
			Help: "Security events by type.",
		}, []string{"event"}),
	}
	reg.MustRegister(m.conversions, m.bytes, m.duration, m.securityEvents)
	return m
}

// RecordAttempt adds one request's batch result. Attempts and successes
// are counted per file; latency is counted per request.
func (u *Usage) RecordAttempt(result convert.BatchResult, latency time.Duration) {
	bytes := result.Bytes()

	u.mu.Lock()
	u.attempts += result.Total
	u.successes += result.Succeeded
	u.totalBytes += bytes
	u.totalLatency += latency
	u.requests++
	u.mu.Unlock()

	if u.m != nil {
		u.m.conversions.WithLabelValues("success").Add(float64(result.Succeeded))
		u.m.conversions.WithLabelValues("failure").Add(float64(result.Total - result.Succeeded))
		u.m.bytes.Add(float64(bytes))
		u.m.duration.Observe(latency.Seconds())
	}
}

func (u *Usage) RecordSecurityEvent(event string) {
	u.mu.Lock()
	u.securityEvents[event]++
	u.mu.Unlock()

	if u.m != nil {
		u.m.securityEvents.WithLabelValues(event).Inc()
	}
}

// Snapshot derives the public figures. withEvents adds the security event
// counts, which only the admin view exposes.
func (u *Usage) Snapshot(withEvents bool) Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := Snapshot{
		TotalConversions:      u.attempts,
		SuccessfulConversions: u.successes,
	}
	if u.attempts > 0 {
		s.SuccessRate = round(float64(u.successes)/float64(u.attempts)*100, 1)
	}
	if u.successes > 0 {
		s.AvgFileSize = round(float64(u.totalBytes)/float64(u.successes)/bytesPerMB, 2)
	}
	if u.requests > 0 {
		s.AvgProcessingTime = (u.totalLatency / time.Duration(u.requests)).Milliseconds()
	}
	if withEvents {
		s.SecurityEvents = make(map[string]int, len(u.securityEvents))
		for k, v := range u.securityEvents {
			s.SecurityEvents[k] = v
		}
	}
	return s
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

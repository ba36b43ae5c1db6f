package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_ticks_received_total",
		Help: "Ticks received from the upstream tick source",
	}, []string{"source"})

	ticksUnrouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datafeed_ticks_unrouted_total",
		Help: "Ticks for channels with no subscribers",
	})

	ticksStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datafeed_ticks_stale_dropped_total",
		Help: "Ticks dropped because they were older than the current bar",
	})

	ticksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_ticks_dropped_total",
		Help: "Ticks dropped because a buffer was full",
	}, []string{"stage"})

	barsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datafeed_bars_dispatched_total",
		Help: "Bar updates delivered to subscriber callbacks",
	})

	activeChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datafeed_active_channels",
		Help: "Upstream channels with at least one subscriber",
	})

	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datafeed_active_subscribers",
		Help: "Registered realtime subscribers",
	})

	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datafeed_upstream_requests_total",
		Help: "REST requests sent to upstream providers",
	}, []string{"provider", "endpoint", "outcome"})

	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datafeed_upstream_request_seconds",
		Help:    "Latency of upstream REST requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "endpoint"})

	pollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datafeed_poll_failures_total",
		Help: "Failed price polls",
	})

	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datafeed_stream_clients",
		Help: "Connected websocket stream clients",
	})
)

func TickReceived(source string) {
	ticksReceived.WithLabelValues(source).Inc()
}

func TickUnrouted() {
	ticksUnrouted.Inc()
}

func TickStale() {
	ticksStale.Inc()
}

func TickDropped(stage string) {
	ticksDropped.WithLabelValues(stage).Inc()
}

func BarDispatched(handlers int) {
	barsDispatched.Add(float64(handlers))
}

func SetActiveChannels(n int) {
	activeChannels.Set(float64(n))
}

func SetActiveSubscribers(n int) {
	activeSubscribers.Set(float64(n))
}

// UpstreamRequest records one REST call and its latency
func UpstreamRequest(provider, endpoint, outcome string, took time.Duration) {
	upstreamRequests.WithLabelValues(provider, endpoint, outcome).Inc()
	upstreamDuration.WithLabelValues(provider, endpoint).Observe(took.Seconds())
}

func PollFailed() {
	pollFailures.Inc()
}

func StreamClientConnected() {
	streamClients.Inc()
}

func StreamClientDisconnected() {
	streamClients.Dec()
}

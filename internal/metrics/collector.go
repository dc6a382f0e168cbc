// Package metrics exposes the chatcore Prometheus metrics. Everything is
// registered on a dedicated registry so tests and embedders do not collide
// with the process default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every chatcore metric.
var Registry = prometheus.NewRegistry()

var (
	factory   = promauto.With(Registry)
	startTime = time.Now()
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatcore_uptime_seconds",
		Help: "Time since start in seconds",
	}, func() float64 { return time.Since(startTime).Seconds() })
}

// Handler renders the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// --- Chat ---

var (
	MessagesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Chat messages received",
	}, []string{"platform"})

	ModerationTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_moderation_events_total",
		Help: "Moderation events received",
	}, []string{"platform", "kind"})

	FramesDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_frames_dropped_total",
		Help: "Inbound frames skipped because they failed to parse",
	}, []string{"platform"})

	Reconnects = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_reconnects_total",
		Help: "Reconnect attempts after a session ended",
	}, []string{"platform"})

	SendsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_sends_total",
		Help: "Outbound chat messages by result",
	}, []string{"platform", "result"})

	OpenChannels = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_open_channels",
		Help: "Channels currently open",
	})

	BusDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_bus_dropped_total",
		Help: "Events dropped after the publish timeout",
	}, []string{"stream"})
)

// --- Assets ---

var (
	CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_asset_lookups_total",
		Help: "Asset cache lookups by outcome (memory, disk, miss)",
	}, []string{"outcome"})

	CacheEntries = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatcore_asset_cache_entries",
		Help: "Resident entries per memory pool",
	}, []string{"pool"})

	DiskBytes = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_asset_disk_bytes",
		Help: "Bytes used by the disk tier",
	})

	DiskEvictions = factory.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_asset_disk_evictions_total",
		Help: "Files removed by disk budget enforcement",
	})

	DownloadsQueued = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_asset_downloads_queued",
		Help: "Download tasks waiting for a worker",
	})

	DownloadsInflight = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_asset_downloads_inflight",
		Help: "Downloads currently running",
	})

	DownloadsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_asset_downloads_total",
		Help: "Finished downloads by result (ok, fallback, failed)",
	}, []string{"result"})

	DownloadDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_asset_download_seconds",
		Help:    "Asset download latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
	})

	DecodeDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatcore_asset_decode_seconds",
		Help:    "Time spent per decode stage in seconds",
		Buckets: []float64{0.001, 0.004, 0.008, 0.016, 0.05, 0.1, 0.5},
	}, []string{"stage"})

	DecodeFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_asset_decode_failures_total",
		Help: "Assets whose bytes could not be decoded",
	})
)

// --- Providers ---

var ProviderRequests = factory.NewCounterVec(prometheus.CounterOpts{
	Name: "chatcore_provider_requests_total",
	Help: "Emote and badge provider fetches by result",
}, []string{"provider", "result"})

// ObserveSince records the seconds elapsed since start.
func ObserveSince(obs prometheus.Observer, start time.Time) {
	obs.Observe(time.Since(start).Seconds())
}

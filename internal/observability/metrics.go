package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_frames_received_total",
		Help: "Frames extracted from the byte stream, per driver",
	}, []string{"driver"})
	FramesInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_frames_invalid_total",
		Help: "Frames rejected by checksum/CRC validation, per driver",
	}, []string{"driver"})
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_protocol_retries_total",
		Help: "Request retries after timeout or NAK, per driver",
	}, []string{"driver"})
	RecordsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_records_decoded_total",
		Help: "Decoded device records, per driver and record type",
	}, []string{"driver", "type"})
	TimeChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_time_changes_total",
		Help: "On-device clock changes fed to the reconciliation engine",
	})
	UploadBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_upload_batches_total",
		Help: "Upload batches handed to the sink, by outcome",
	}, []string{"outcome"})
	SessionsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_sessions_aborted_total",
		Help: "Upload sessions aborted by cancellation or fatal error",
	})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "uplink_frame_parse_latency_seconds",
		Help:    "Latency of per-frame decode",
		Buckets: prometheus.DefBuckets,
	})
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uplink_fetch_duration_seconds",
		Help:    "Duration of the bulk data fetch per driver",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"driver"})
)

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

func StartMetricsServer(port string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(":"+port, nil)
}

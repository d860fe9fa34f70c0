// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RxPacketsTotal counts data packets consumed by the receive engine
	RxPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_rx_packets_total",
			Help: "Total number of receive data packets consumed",
		},
		[]string{"channel"},
	)

	// RxSamplesTotal counts samples delivered to the application
	RxSamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iqstream_rx_samples_total",
			Help: "Total number of samples returned by receive calls",
		},
	)

	// RxErrorsTotal counts receive calls that returned an error code
	RxErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_rx_errors_total",
			Help: "Total number of receive errors by code",
		},
		[]string{"code"},
	)

	// RxSequenceErrorsTotal counts sequence gaps per channel
	RxSequenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_rx_sequence_errors_total",
			Help: "Total number of receive sequence gaps",
		},
		[]string{"channel"},
	)

	// RxStalePacketsTotal counts packets discarded during alignment
	RxStalePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_rx_stale_packets_total",
			Help: "Total number of packets discarded as older than the alignment time",
		},
		[]string{"channel"},
	)

	// FlowControlUpdatesTotal counts flow-control reports sent to the device
	FlowControlUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_flow_control_updates_total",
			Help: "Total number of receive flow-control updates",
		},
		[]string{"channel"},
	)

	// TxPacketsTotal counts packets committed by the transmit engine
	TxPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_tx_packets_total",
			Help: "Total number of transmit packets committed",
		},
		[]string{"channel"},
	)

	// TxSamplesTotal counts samples accepted by send calls
	TxSamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iqstream_tx_samples_total",
			Help: "Total number of samples accepted by send calls",
		},
	)

	// TxTimeoutsTotal counts send calls cut short by a buffer timeout
	TxTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iqstream_tx_timeouts_total",
			Help: "Total number of send calls that timed out acquiring a buffer",
		},
	)

	// AsyncEventsTotal counts async events by code
	AsyncEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_async_events_total",
			Help: "Total number of async events received",
		},
		[]string{"code"},
	)

	// AsyncQueueDropsTotal counts events dropped from a full async queue
	AsyncQueueDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iqstream_async_queue_drops_total",
			Help: "Total number of async events dropped because the queue was full",
		},
	)

	// OverflowRecoveriesTotal counts overflow recoveries by kind
	OverflowRecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_overflow_recoveries_total",
			Help: "Total number of overflow recoveries",
		},
		[]string{"kind"},
	)

	// StreamState tracks the stream state per receive channel
	StreamState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iqstream_stream_state",
			Help: "Current stream state (0=stopped, 1=continuous, 2=finite)",
		},
		[]string{"channel"},
	)

	// PipelineBlocksTotal counts sample blocks moved by the capture pipeline
	PipelineBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iqstream_pipeline_blocks_total",
			Help: "Total number of sample blocks handled by the capture pipeline",
		},
		[]string{"stage"},
	)

	// PipelineLatencySeconds measures the time a block waits between
	// receive and write
	PipelineLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iqstream_pipeline_latency_seconds",
			Help:    "Latency between receiving and writing a sample block in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)
)

// StreamStateValue represents stream state as a numeric value for the gauge
const (
	StreamStateStopped    = 0
	StreamStateContinuous = 1
	StreamStateFinite     = 2
)

// Package prometheus implements pkg/metrics's recorder interfaces with
// promauto vectors registered against metrics.GetRegistry(), following the
// teacher's pkg/metrics/prometheus shape (one struct per interface, one
// constructor, registered into the parent package at init time so the
// rest of the module never imports this package directly).
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rdpgo/vchannel/pkg/metrics"
)

func init() {
	metrics.RegisterChannelMetricsConstructor(newChannelMetrics)
	metrics.RegisterClipboardMetricsConstructor(newClipboardMetrics)
	metrics.RegisterUSBMetricsConstructor(newUSBMetrics)
}

type channelMetrics struct {
	fragments  *prometheus.CounterVec
	fragBytes  *prometheus.CounterVec
	pdus       *prometheus.CounterVec
	pduLatency *prometheus.HistogramVec
	reassErr   *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

func newChannelMetrics() metrics.ChannelMetrics {
	reg := metrics.GetRegistry()
	return &channelMetrics{
		fragments: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_fragments_total",
			Help: "Total transport fragments received per channel.",
		}, []string{"channel"}),
		fragBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_fragment_bytes_total",
			Help: "Total fragment bytes received per channel.",
		}, []string{"channel"}),
		pdus: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_pdus_total",
			Help: "Total whole PDUs reassembled per channel.",
		}, []string{"channel"}),
		pduLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vchannel_pdu_reassembly_seconds",
			Help:    "Time from FIRST fragment to sealed PDU, per channel.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		reassErr: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_reassembly_errors_total",
			Help: "Reassembly failures per channel, by kind.",
		}, []string{"channel", "kind"}),
		queueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "vchannel_dispatch_queue_depth",
			Help: "Current dispatch queue depth per channel.",
		}, []string{"channel"}),
	}
}

func (m *channelMetrics) ObserveFragment(channel string, bytes int) {
	m.fragments.WithLabelValues(channel).Inc()
	m.fragBytes.WithLabelValues(channel).Add(float64(bytes))
}

func (m *channelMetrics) ObservePDU(channel string, bytes int, duration time.Duration) {
	m.pdus.WithLabelValues(channel).Inc()
	m.pduLatency.WithLabelValues(channel).Observe(duration.Seconds())
}

func (m *channelMetrics) ObserveReassemblyError(channel string, kind string) {
	m.reassErr.WithLabelValues(channel, kind).Inc()
}

func (m *channelMetrics) RecordQueueDepth(channel string, depth int) {
	m.queueDepth.WithLabelValues(channel).Set(float64(depth))
}

type clipboardMetrics struct {
	formatLists  *prometheus.CounterVec
	dataBytes    *prometheus.CounterVec
	dataLatency  *prometheus.HistogramVec
	fileContents *prometheus.CounterVec
	failures     *prometheus.CounterVec
}

func newClipboardMetrics() metrics.ClipboardMetrics {
	reg := metrics.GetRegistry()
	return &clipboardMetrics{
		formatLists: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_clipboard_format_list_formats_total",
			Help: "Format entries carried by FormatList PDUs, by direction.",
		}, []string{"direction"}),
		dataBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_clipboard_data_bytes_total",
			Help: "Bytes transferred by FormatDataResponse, by direction.",
		}, []string{"direction"}),
		dataLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vchannel_clipboard_data_transfer_seconds",
			Help:    "Latency from data request to response, by direction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		fileContents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_clipboard_file_contents_requests_total",
			Help: "FileContentsRequest count by kind (size, range).",
		}, []string{"kind"}),
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_clipboard_failures_total",
			Help: "CB_RESPONSE_FAIL responses emitted, by message type.",
		}, []string{"msg_type"}),
	}
}

func (m *clipboardMetrics) ObserveFormatList(direction string, formats int) {
	m.formatLists.WithLabelValues(direction).Add(float64(formats))
}

func (m *clipboardMetrics) ObserveDataTransfer(direction string, bytes int, duration time.Duration) {
	m.dataBytes.WithLabelValues(direction).Add(float64(bytes))
	m.dataLatency.WithLabelValues(direction).Observe(duration.Seconds())
}

func (m *clipboardMetrics) ObserveFileContentsRequest(kind string) {
	m.fileContents.WithLabelValues(kind).Inc()
}

func (m *clipboardMetrics) RecordFailure(msgType string) {
	m.failures.WithLabelValues(msgType).Inc()
}

type usbMetrics struct {
	transfers     *prometheus.CounterVec
	transferTime  *prometheus.HistogramVec
	deviceCount   prometheus.Gauge
	cancellations *prometheus.CounterVec
	hotplugEvents *prometheus.CounterVec
}

func newUSBMetrics() metrics.USBMetrics {
	reg := metrics.GetRegistry()
	return &usbMetrics{
		transfers: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_usb_transfers_total",
			Help: "Completed URB transfers, by transfer kind and outcome (ok, error, cancelled).",
		}, []string{"kind", "status"}),
		transferTime: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vchannel_usb_transfer_seconds",
			Help:    "URB transfer duration, by transfer kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		deviceCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "vchannel_usb_devices_registered",
			Help: "Currently registered USB devices.",
		}),
		cancellations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_usb_cancellations_total",
			Help: "CancelRequest calls processed; the kind label is always \"transfer\".",
		}, []string{"kind"}),
		hotplugEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vchannel_usb_hotplug_events_total",
			Help: "Hotplug events observed, by kind (arrived, left).",
		}, []string{"kind"}),
	}
}

func (m *usbMetrics) ObserveTransfer(kind string, duration time.Duration, status string) {
	m.transfers.WithLabelValues(kind, status).Inc()
	m.transferTime.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *usbMetrics) RecordDeviceCount(count int) {
	m.deviceCount.Set(float64(count))
}

func (m *usbMetrics) ObserveCancellation(kind string) {
	m.cancellations.WithLabelValues(kind).Inc()
}

func (m *usbMetrics) RecordHotplugEvent(kind string) {
	m.hotplugEvents.WithLabelValues(kind).Inc()
}

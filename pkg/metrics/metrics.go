// Package metrics defines the recorder interfaces used by the channel
// assembler, clipboard engine, and USB redirection engine (C7 in
// SPEC_FULL.md §2). It imports the prometheus client only for the
// Registry type; the recorder implementations live in pkg/metrics/
// prometheus, which registers its constructors at init() time so that a
// caller who never imports the prometheus subpackage gets zero-overhead nil
// recorders, the same "breaks the import cycle via a registered
// constructor" shape the teacher uses for its cache/s3 metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection and creates the registry that
// constructors obtained via GetRegistry() will register their vectors
// against. Calling it twice replaces the registry; existing recorders
// keep pointing at the old one.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	registry = prometheus.NewRegistry()
	enabled = true
	return registry
}

// IsEnabled reports whether InitRegistry has been called. The New*Metrics
// constructors in this package check this and return nil when it hasn't;
// call sites in this module check the recorder for nil before using it.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// GetRegistry returns the active registry, or nil if metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// ChannelMetrics records channel-assembler activity (C2).
type ChannelMetrics interface {
	ObserveFragment(channel string, bytes int)
	ObservePDU(channel string, bytes int, duration time.Duration)
	ObserveReassemblyError(channel string, kind string)
	RecordQueueDepth(channel string, depth int)
}

// ClipboardMetrics records clipboard protocol activity (C4).
type ClipboardMetrics interface {
	ObserveFormatList(direction string, formats int)
	ObserveDataTransfer(direction string, bytes int, duration time.Duration)
	ObserveFileContentsRequest(kind string)
	RecordFailure(msgType string)
}

// USBMetrics records USB redirection activity (C5).
type USBMetrics interface {
	ObserveTransfer(kind string, duration time.Duration, status string)
	RecordDeviceCount(count int)
	ObserveCancellation(kind string)
	RecordHotplugEvent(kind string)
}

var (
	newChannelMetrics   func() ChannelMetrics
	newClipboardMetrics func() ClipboardMetrics
	newUSBMetrics       func() USBMetrics
)

// RegisterChannelMetricsConstructor is called by pkg/metrics/prometheus's
// init() to wire its implementation in without this package importing it.
func RegisterChannelMetricsConstructor(ctor func() ChannelMetrics) { newChannelMetrics = ctor }

// RegisterClipboardMetricsConstructor mirrors RegisterChannelMetricsConstructor for ClipboardMetrics.
func RegisterClipboardMetricsConstructor(ctor func() ClipboardMetrics) { newClipboardMetrics = ctor }

// RegisterUSBMetricsConstructor mirrors RegisterChannelMetricsConstructor for USBMetrics.
func RegisterUSBMetricsConstructor(ctor func() USBMetrics) { newUSBMetrics = ctor }

// NewChannelMetrics returns nil when metrics are disabled or the
// prometheus subpackage was never imported.
func NewChannelMetrics() ChannelMetrics {
	if !IsEnabled() || newChannelMetrics == nil {
		return nil
	}
	return newChannelMetrics()
}

// NewClipboardMetrics mirrors NewChannelMetrics for ClipboardMetrics.
func NewClipboardMetrics() ClipboardMetrics {
	if !IsEnabled() || newClipboardMetrics == nil {
		return nil
	}
	return newClipboardMetrics()
}

// NewUSBMetrics mirrors NewChannelMetrics for USBMetrics.
func NewUSBMetrics() USBMetrics {
	if !IsEnabled() || newUSBMetrics == nil {
		return nil
	}
	return newUSBMetrics()
}

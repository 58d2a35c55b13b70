package metrics

import (
	"testing"
	"time"
)

func TestDisabledByDefault(t *testing.T) {
	// NewChannelMetrics etc. must return nil whenever IsEnabled() is
	// false, regardless of whether a constructor is registered, so every
	// call site in this module can skip an IsEnabled() check.
	if NewChannelMetrics() != nil {
		t.Fatal("expected nil ChannelMetrics before InitRegistry")
	}
	if NewClipboardMetrics() != nil {
		t.Fatal("expected nil ClipboardMetrics before InitRegistry")
	}
	if NewUSBMetrics() != nil {
		t.Fatal("expected nil USBMetrics before InitRegistry")
	}
}

func TestRegisterConstructor(t *testing.T) {
	called := false
	RegisterChannelMetricsConstructor(func() ChannelMetrics {
		called = true
		return fakeChannelMetrics{}
	})
	defer RegisterChannelMetricsConstructor(nil)

	InitRegistry()
	defer func() { enabled = false; registry = nil }()

	if m := NewChannelMetrics(); m == nil || !called {
		t.Fatal("expected constructor to run once metrics are enabled")
	}
}

type fakeChannelMetrics struct{}

func (fakeChannelMetrics) ObserveFragment(channel string, bytes int)                {}
func (fakeChannelMetrics) ObservePDU(channel string, bytes int, duration time.Duration) {}
func (fakeChannelMetrics) ObserveReassemblyError(channel string, kind string)       {}
func (fakeChannelMetrics) RecordQueueDepth(channel string, depth int)               {}

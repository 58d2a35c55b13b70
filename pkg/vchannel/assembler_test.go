package vchannel

import (
	"sync"
	"testing"
	"time"

	"github.com/rdpgo/vchannel/pkg/transport"
	"github.com/rdpgo/vchannel/pkg/vcerr"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestAssemblerSynchronousDispatch(t *testing.T) {
	var mu sync.Mutex
	var got []byte

	a := New(func(msg []byte) error {
		mu.Lock()
		got = append([]byte(nil), msg...)
		mu.Unlock()
		return nil
	}, Config{DisableThreads: true}, nil)

	if err := a.Post(transport.Fragment{Data: []byte("hel"), TotalLen: 5, Flags: transport.FlagFirst}); err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	if err := a.Post(transport.Fragment{Data: []byte("lo"), TotalLen: 5, Flags: transport.FlagLast}); err != nil {
		t.Fatalf("last fragment: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestAssemblerThreadedDispatch(t *testing.T) {
	var mu sync.Mutex
	var got []byte

	a := New(func(msg []byte) error {
		mu.Lock()
		got = append([]byte(nil), msg...)
		mu.Unlock()
		return nil
	}, Config{}, nil)
	defer a.Quit()

	if err := a.Post(transport.Fragment{Data: []byte("abc"), TotalLen: 3, Flags: transport.FlagFirst | transport.FlagLast}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "abc"
	})
}

func TestAssemblerLengthMismatchDiscarded(t *testing.T) {
	called := false
	a := New(func(msg []byte) error {
		called = true
		return nil
	}, Config{DisableThreads: true}, nil)

	err := a.Post(transport.Fragment{Data: []byte("ab"), TotalLen: 10, Flags: transport.FlagFirst | transport.FlagLast})
	if err == nil {
		t.Fatalf("expected a length-mismatch error")
	}
	if code, ok := vcerr.CodeOf(err); !ok || code != vcerr.ErrInvalidData {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
	if called {
		t.Fatalf("handler must not be invoked for a discarded PDU")
	}
}

func TestAssemblerSuspendResumeIgnored(t *testing.T) {
	called := false
	a := New(func(msg []byte) error {
		called = true
		return nil
	}, Config{DisableThreads: true}, nil)

	if err := a.Post(transport.Fragment{Flags: transport.FlagSuspend}); err != nil {
		t.Fatalf("SUSPEND alone should return OK, got %v", err)
	}
	if err := a.Post(transport.Fragment{Flags: transport.FlagResume}); err != nil {
		t.Fatalf("RESUME alone should return OK, got %v", err)
	}
	if called {
		t.Fatalf("SUSPEND/RESUME alone must not invoke the handler")
	}
}

func TestAssemblerEmptyMessage(t *testing.T) {
	var gotLen = -1
	a := New(func(msg []byte) error {
		gotLen = len(msg)
		return nil
	}, Config{DisableThreads: true}, nil)

	if err := a.Post(transport.Fragment{TotalLen: 0, Flags: transport.FlagFirst | transport.FlagLast}); err != nil {
		t.Fatalf("empty PDU should be legal, got %v", err)
	}
	if gotLen != 0 {
		t.Fatalf("expected zero-length message, got %d", gotLen)
	}
}

type fakeChannelMetrics struct {
	mu         sync.Mutex
	fragments  int
	pdus       int
	reassErrs  []string
	queueDepth int
}

func (f *fakeChannelMetrics) ObserveFragment(channel string, bytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fragments++
}

func (f *fakeChannelMetrics) ObservePDU(channel string, bytes int, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pdus++
}

func (f *fakeChannelMetrics) ObserveReassemblyError(channel string, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reassErrs = append(f.reassErrs, kind)
}

func (f *fakeChannelMetrics) RecordQueueDepth(channel string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueDepth = depth
}

func TestAssemblerRecordsMetrics(t *testing.T) {
	m := &fakeChannelMetrics{}
	a := New(func(msg []byte) error { return nil }, Config{
		DisableThreads: true,
		ChannelName:    "cliprdr",
		Metrics:        m,
	}, nil)

	if err := a.Post(transport.Fragment{Data: []byte("hel"), TotalLen: 5, Flags: transport.FlagFirst}); err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	if err := a.Post(transport.Fragment{Data: []byte("lo"), TotalLen: 5, Flags: transport.FlagLast}); err != nil {
		t.Fatalf("last fragment: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fragments != 2 {
		t.Fatalf("expected 2 fragment observations, got %d", m.fragments)
	}
	if m.pdus != 1 {
		t.Fatalf("expected 1 PDU observation, got %d", m.pdus)
	}
}

func TestAssemblerRecordsReassemblyError(t *testing.T) {
	m := &fakeChannelMetrics{}
	a := New(func(msg []byte) error { return nil }, Config{
		DisableThreads: true,
		Metrics:        m,
	}, nil)

	_ = a.Post(transport.Fragment{Data: []byte("ab"), TotalLen: 10, Flags: transport.FlagFirst | transport.FlagLast})

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reassErrs) != 1 || m.reassErrs[0] != "length_mismatch" {
		t.Fatalf("expected one length_mismatch error, got %v", m.reassErrs)
	}
}

func TestAssemblerQuitIdempotent(t *testing.T) {
	a := New(func(msg []byte) error { return nil }, Config{}, nil)

	if err := a.Quit(); err != nil {
		t.Fatalf("first Quit: %v", err)
	}
	if err := a.Quit(); err != nil {
		t.Fatalf("second Quit should be a no-op, got %v", err)
	}
}

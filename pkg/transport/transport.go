// Package transport wraps the RDP virtual-channel primitive (C1 in the
// runtime design): open/close/write plus the two events a channel can
// deliver to its owner, connected and data-received.
//
// A concrete Transport is supplied by the embedding RDP client; this
// package only defines the contract and a Loopback implementation used by
// tests and the demo binary, grounded on the connection-lifecycle
// bookkeeping of a typical protocol adapter: a mutex-guarded channel table
// with per-channel idempotent Close.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rdpgo/vchannel/internal/logger"
)

// Flag is a bitmask carried on every data-received event.
type Flag uint32

const (
	// FlagFirst marks the start of a PDU.
	FlagFirst Flag = 1 << iota
	// FlagLast marks the end of a PDU.
	FlagLast
	// FlagSuspend requests the channel pause delivery. Ignored by this
	// runtime per spec, but preserved on the wire for completeness.
	FlagSuspend
	// FlagResume resumes a suspended channel. Ignored by this runtime.
	FlagResume
)

// Status is the result of a Write call.
type Status int

const (
	// StatusOK indicates the write was accepted by the transport.
	StatusOK Status = iota
	// StatusError indicates the transport rejected or failed the write.
	StatusError
)

// Definition describes an immutable channel definition (spec.md §3).
type Definition struct {
	// Name is the channel's short ASCII name, at most 7 characters.
	Name string
	// Options is a bitmask of {initialized, encrypt, compress, show-protocol}.
	Options uint32
}

const (
	// OptionInitialized marks a channel as eligible for immediate use.
	OptionInitialized uint32 = 1 << iota
	// OptionEncryptRDP requests RDP-level encryption of channel data.
	OptionEncryptRDP
	// OptionCompressRDP requests RDP-level compression of channel data.
	OptionCompressRDP
	// OptionShowProtocol exposes the virtual-channel protocol header to
	// the application layer.
	OptionShowProtocol
)

// Fragment is one data-received callback: a chunk of a PDU plus the total
// length advertised by the PDU's FIRST fragment and the framing flags for
// this chunk.
type Fragment struct {
	Data       []byte
	TotalLen   uint32
	Flags      Flag
}

// Handle is the opaque pair the transport adapter returns from Open: a
// transport-specific token plus the init handle supplied by the caller.
// The pair uniquely identifies one logical channel within one session.
type Handle struct {
	initHandle  uintptr
	transportID uint64
}

// Channel is the per-channel handle returned by Transport.Open. All
// methods are safe to call from any goroutine; Write may be called
// concurrently with channel teardown, in which case it returns
// StatusError.
type Channel interface {
	// Write sends buf on the channel. Any non-OK status must surface as a
	// channel error set on the owning session and must not abort the
	// process (spec.md §4.1 failure semantics).
	Write(buf []byte) (Status, error)

	// Close releases the channel. Idempotent.
	Close() error

	// Handle returns the opaque handle identifying this channel.
	Handle() Handle
}

// EventSink receives the two event kinds a Transport delivers to a
// channel's owner.
type EventSink interface {
	// OnConnected fires once, when the RDP server acknowledges the
	// channel open.
	OnConnected(data []byte)

	// OnDataReceived fires for every inbound fragment. total is the
	// length advertised by the FIRST fragment of the current PDU.
	OnDataReceived(data []byte, total uint32, flags Flag)
}

// Transport is the RDP virtual-channel primitive. A concrete driver
// (provided by the embedding RDP client) satisfies this interface; this
// package never implements the real RDP wire transport.
type Transport interface {
	// Open binds initHandle to the named channel and returns a Channel
	// that delivers events to sink until Close is called.
	Open(ctx context.Context, initHandle uintptr, def Definition, sink EventSink) (Channel, error)
}

// Loopback is an in-process Transport used by tests and the demo binary.
// Writes on a channel are recorded, not delivered; inbound data-received
// events are injected fragment by fragment with Deliver.
type Loopback struct {
	mu       sync.Mutex
	nextID   uint64
	channels map[uint64]*loopbackChannel

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		channels:   make(map[uint64]*loopbackChannel),
		shutdownCh: make(chan struct{}),
	}
}

type loopbackChannel struct {
	lb     *Loopback
	id     uint64
	handle Handle
	sink   EventSink

	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

// Open implements Transport.
func (lb *Loopback) Open(ctx context.Context, initHandle uintptr, def Definition, sink EventSink) (Channel, error) {
	if len(def.Name) == 0 || len(def.Name) > 7 {
		return nil, fmt.Errorf("transport: channel name %q must be 1-7 characters", def.Name)
	}

	lb.mu.Lock()
	lb.nextID++
	id := lb.nextID
	ch := &loopbackChannel{
		lb:     lb,
		id:     id,
		handle: Handle{initHandle: initHandle, transportID: id},
		sink:   sink,
	}
	lb.channels[id] = ch
	lb.mu.Unlock()

	logger.Debug("transport: channel opened", "name", def.Name, "id", id)
	sink.OnConnected(nil)

	return ch, nil
}

// Deliver injects a data-received event for the channel identified by h,
// as if the remote peer had written buf. Used by tests to drive the
// channel assembler without a real RDP connection.
func (lb *Loopback) Deliver(h Handle, data []byte, total uint32, flags Flag) error {
	lb.mu.Lock()
	ch, ok := lb.channels[h.transportID]
	lb.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown channel handle %v", h)
	}

	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return fmt.Errorf("transport: channel %v is closed", h)
	}

	ch.sink.OnDataReceived(data, total, flags)
	return nil
}

// Write implements Channel. In the loopback driver, writes are recorded so
// tests can assert on outbound traffic; see loopbackChannel.Sent.
func (c *loopbackChannel) Write(buf []byte) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return StatusError, fmt.Errorf("transport: write on closed channel %v", c.handle)
	}
	c.sent = append(c.sent, append([]byte(nil), buf...))
	return StatusOK, nil
}

// Sent returns every buffer previously accepted by Write, in order.
func (c *loopbackChannel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Close implements Channel.
func (c *loopbackChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.lb.mu.Lock()
	delete(c.lb.channels, c.id)
	c.lb.mu.Unlock()
	return nil
}

// Handle implements Channel.
func (c *loopbackChannel) Handle() Handle {
	return c.handle
}

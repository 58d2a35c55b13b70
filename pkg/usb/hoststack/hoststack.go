// Package hoststack defines the boundary between the USB redirection
// engine (pkg/usb) and a local libusb-equivalent host stack, plus an
// in-memory fake implementation for tests. Production embedders supply
// their own HostStack backed by a real USB library; this package never
// touches actual hardware.
package hoststack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rdpgo/vchannel/pkg/usb/wire"
)

// Handle identifies one physical device as the host stack sees it (bus
// number, device address) — distinct from the usb-device-id the Manager
// in pkg/usb assigns for the redirection channel's own bookkeeping.
type Handle struct {
	Bus  uint8
	Addr uint8
}

func (h Handle) String() string { return fmt.Sprintf("bus%d/addr%d", h.Bus, h.Addr) }

// ControlSetup is the decoded 8-byte USB control setup packet.
type ControlSetup struct {
	BmRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// TransferResult is the outcome of any host-stack transfer call.
type TransferResult struct {
	Status HostStatus
	Data   []byte
}

// HostStatus is an alias of wire.HostStatus, re-exported together with
// its values so host-stack implementations can name them from this
// package.
type HostStatus = wire.HostStatus

const (
	StatusSuccess      = wire.HostStatusSuccess
	StatusIOError      = wire.HostStatusIOError
	StatusNotFound     = wire.HostStatusNotFound
	StatusBusy         = wire.HostStatusBusy
	StatusPipe         = wire.HostStatusPipe
	StatusInterrupted  = wire.HostStatusInterrupted
	StatusOverflow     = wire.HostStatusOverflow
	StatusOther        = wire.HostStatusOther
	StatusInvalidParam = wire.HostStatusInvalidParam
	StatusAccess       = wire.HostStatusAccess
	StatusNoDevice     = wire.HostStatusNoDevice
	StatusTimeout      = wire.HostStatusTimeout
	StatusNoMem        = wire.HostStatusNoMem
	StatusNotSupported = wire.HostStatusNotSupported
	StatusCancelled    = wire.HostStatusCancelled
)

// IsochPacket is one packet descriptor within an isochronous transfer.
type IsochPacket struct {
	Offset uint32
	Length uint32
	Status HostStatus
}

// HotplugEventKind distinguishes device arrival from departure.
type HotplugEventKind int

const (
	HotplugArrived HotplugEventKind = iota
	HotplugLeft
)

// HotplugEvent is emitted by the host stack's event loop, polled by
// pkg/usb's background hotplug watcher.
type HotplugEvent struct {
	Kind   HotplugEventKind
	Handle Handle
	VID    uint16
	PID    uint16
}

// DeviceDescriptor carries the fields the USB engine needs to answer
// QUERY_DEVICE_TEXT, GET_PORT_STATUS, and class-filtering decisions,
// without requiring the full USB descriptor parser this module's
// non-goals exclude.
type DeviceDescriptor struct {
	VID, PID     uint16
	BcdUSB       uint16
	DeviceClass  uint8
	DeviceSub    uint8
	DeviceProto  uint8
	IProduct     string
	Interfaces   []InterfaceDescriptor
}

// InterfaceDescriptor is the subset of an interface descriptor needed for
// the composite-device per-interface class filter (spec.md §4.5.6).
type InterfaceDescriptor struct {
	Class    uint8
	Subclass uint8
	Protocol uint8
}

// HostStack is the collaborator the USB engine drives. Every operation
// that can fail reports a HostStatus rather than a bare error so the
// engine can translate it with wire.StatusFromHost; Go-level errors are
// reserved for handle-not-found / programmer-error conditions.
type HostStack interface {
	Describe(h Handle) (DeviceDescriptor, error)

	SetConfiguration(ctx context.Context, h Handle, configDescriptor []byte) (TransferResult, error)
	SetAltSetting(ctx context.Context, h Handle, interfaceDescriptor []byte) (TransferResult, error)
	ControlTransfer(ctx context.Context, h Handle, setup ControlSetup, out []byte, timeout time.Duration) (TransferResult, error)
	BulkOrInterruptTransfer(ctx context.Context, h Handle, endpoint uint8, outBuf []byte, size uint32, timeout time.Duration) (TransferResult, error)
	IsochTransfer(ctx context.Context, h Handle, endpoint uint8, startFrame uint32, packets []IsochPacket) ([]IsochPacket, HostStatus, error)
	CancelTransfer(h Handle, requestID uint32) error
	ResetPipeAndClearStall(h Handle, endpoint uint8) error

	// Events returns the channel the hotplug watcher polls. Implementations
	// backed by real hardware typically run their own goroutine feeding it.
	Events() <-chan HotplugEvent
}

// Fake is an in-memory HostStack for tests: it records every transfer
// call, returns canned ControlTransfer results (every other transfer
// succeeds), lets tests inject hotplug events, and records which request
// ids were cancelled.
type Fake struct {
	mu        sync.Mutex
	devices   map[Handle]DeviceDescriptor
	responses map[string]TransferResult
	cancelled map[uint32]bool
	events    chan HotplugEvent
	calls     []string
}

// NewFake creates an empty fake host stack.
func NewFake() *Fake {
	return &Fake{
		devices:   make(map[Handle]DeviceDescriptor),
		responses: make(map[string]TransferResult),
		cancelled: make(map[uint32]bool),
		events:    make(chan HotplugEvent, 16),
	}
}

// AddDevice registers a device descriptor the fake will report via Describe.
func (f *Fake) AddDevice(h Handle, desc DeviceDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[h] = desc
}

// SetControlResponse arranges for every later ControlTransfer whose setup
// matches key (formatted "bRequest=%d wValue=%#x") to return result.
func (f *Fake) SetControlResponse(key string, result TransferResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = result
}

// Emit pushes a hotplug event for the engine's watcher to observe.
func (f *Fake) Emit(ev HotplugEvent) {
	f.events <- ev
}

func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *Fake) Describe(h Handle) (DeviceDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[h]
	if !ok {
		return DeviceDescriptor{}, fmt.Errorf("hoststack: unknown device %s", h)
	}
	return d, nil
}

func (f *Fake) SetConfiguration(ctx context.Context, h Handle, configDescriptor []byte) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetConfiguration:" + h.String())
	return TransferResult{Status: StatusSuccess, Data: configDescriptor}, nil
}

func (f *Fake) SetAltSetting(ctx context.Context, h Handle, interfaceDescriptor []byte) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetAltSetting:" + h.String())
	return TransferResult{Status: StatusSuccess, Data: interfaceDescriptor}, nil
}

func (f *Fake) ControlTransfer(ctx context.Context, h Handle, setup ControlSetup, out []byte, timeout time.Duration) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("bRequest=%d wValue=%#x", setup.BRequest, setup.WValue)
	f.record("ControlTransfer:" + key)
	if resp, ok := f.responses[key]; ok {
		return resp, nil
	}
	return TransferResult{Status: StatusSuccess, Data: out}, nil
}

func (f *Fake) BulkOrInterruptTransfer(ctx context.Context, h Handle, endpoint uint8, outBuf []byte, size uint32, timeout time.Duration) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("BulkOrInterruptTransfer:ep=%#x", endpoint))
	return TransferResult{Status: StatusSuccess, Data: make([]byte, size)}, nil
}

func (f *Fake) IsochTransfer(ctx context.Context, h Handle, endpoint uint8, startFrame uint32, packets []IsochPacket) ([]IsochPacket, HostStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("IsochTransfer:ep=%#x", endpoint))
	return packets, StatusSuccess, nil
}

func (f *Fake) CancelTransfer(h Handle, requestID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("CancelTransfer:%d", requestID))
	f.cancelled[requestID] = true
	return nil
}

func (f *Fake) WasCancelled(requestID uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[requestID]
}

func (f *Fake) ResetPipeAndClearStall(h Handle, endpoint uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("ResetPipeAndClearStall:ep=%#x", endpoint))
	return nil
}

func (f *Fake) Events() <-chan HotplugEvent {
	return f.events
}

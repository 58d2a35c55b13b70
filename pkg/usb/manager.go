// Package usb implements the USB redirection engine (C5): a user-space
// proxy between a remote URB source and a local host USB stack
// (pkg/usb/hoststack), with device lifecycle, hotplug, and per-device
// transfer serialisation layered on top of the wire framing in
// pkg/usb/wire.
//
// The device registry follows the same RWMutex-guarded map,
// Register*/Get*/List* shape used by pkg/addin, generalised to carry the
// per-device state (bound
// channel, transfer set, binary semaphore) spec.md §4.5.6/§4.5.7 describe.
package usb

import (
	"context"
	"sync"
	"time"

	"github.com/rdpgo/vchannel/internal/logger"
	"github.com/rdpgo/vchannel/pkg/metrics"
	"github.com/rdpgo/vchannel/pkg/usb/hoststack"
	"github.com/rdpgo/vchannel/pkg/usb/wire"
	"github.com/rdpgo/vchannel/pkg/vcerr"
)

// BaseUSBDeviceNum is the first value handed out by the monotonic
// usb-device-id counter (spec.md §4.5.6).
const BaseUSBDeviceNum DeviceID = 1

// DeviceID is the monotonic identifier the engine assigns to each
// registered device, independent of the host stack's own (bus, addr)
// addressing.
type DeviceID uint32

// Sender delivers one fully framed outbound message on a channel.
// Distinct instances back the control stream and each device stream.
type Sender interface {
	Send(pdu []byte) error
}

// VIDPID identifies a device by vendor/product id for auto-add matching.
type VIDPID struct {
	VID, PID uint16
}

// transferState tracks one outstanding URB request on a device.
type transferState struct {
	requestID  uint32
	submitted  bool
	cancelled  bool
	done       bool
	cancelFunc context.CancelFunc
}

// Device is one registered USB device's redirection state (spec.md
// §4.5.6/§4.5.7). The manager's table holds the canonical record, but a
// DeviceChannel keeps its own *Device pointer: Teardown removes the record
// from the table and marks it torn down, and a bound DeviceChannel then
// rejects further messages with NoDevice. Records are not reference
// counted.
type Device struct {
	ID      DeviceID
	Handle  hoststack.Handle
	Desc    hoststack.DeviceDescriptor

	mu                sync.Mutex
	announced         bool
	boundInterfaceID  uint32
	bound             bool
	requestCompletion uint32
	hasCompletion     bool
	torndown          bool
	transfers         map[uint32]*transferState

	sem      chan struct{} // binary semaphore: push-action/complete-action (spec.md §4.5.7)
	isochMu  sync.Mutex
	frameCtr uint32
}

func newDevice(id DeviceID, h hoststack.Handle, desc hoststack.DeviceDescriptor) *Device {
	return &Device{
		ID:        id,
		Handle:    h,
		Desc:      desc,
		transfers: make(map[uint32]*transferState),
		sem:       make(chan struct{}, 1),
	}
}

// pushAction acquires the device's binary semaphore for the duration of
// one dispatch, per spec.md §4.5.7.
func (d *Device) pushAction() {
	d.sem <- struct{}{}
}

func (d *Device) completeAction() {
	<-d.sem
}

// awaitQuiescent blocks until no dispatch is in flight, polling every
// 500ms as spec.md §4.5.7 specifies for teardown.
func (d *Device) awaitQuiescent() {
	for {
		select {
		case d.sem <- struct{}{}:
			<-d.sem
			return
		default:
			time.Sleep(500 * time.Millisecond)
		}
	}
}

// Manager owns the registered-device table, the control-stream FSM state,
// and the hotplug watcher.
type Manager struct {
	host    HostStack
	metrics metrics.USBMetrics

	mu          sync.RWMutex
	devices     map[DeviceID]*Device
	byHandle    map[hoststack.Handle]DeviceID
	nextID      DeviceID
	autoAdd     map[VIDPID]bool
	classDeny   map[uint8]bool

	controlMu     sync.Mutex
	controlMajor  uint32
	controlMinor  uint32
	announceOrder []DeviceID

	stopHotplug chan struct{}
	hotplugWG   sync.WaitGroup
}

// HostStack is the subset of hoststack.HostStack the manager drives.
type HostStack = hoststack.HostStack

// defaultClassDenyList is the default-deny class filter from spec.md
// §4.5.6: hubs, mass storage, smartcard readers, content-security devices.
func defaultClassDenyList() map[uint8]bool {
	return map[uint8]bool{
		wire.ClassHub:             true,
		wire.ClassMassStorage:     true,
		wire.ClassSmartCard:       true,
		wire.ClassContentSecurity: true,
	}
}

// NewManager creates an empty device registry backed by host.
func NewManager(host HostStack) *Manager {
	return &Manager{
		host:      host,
		devices:   make(map[DeviceID]*Device),
		byHandle:  make(map[hoststack.Handle]DeviceID),
		nextID:    BaseUSBDeviceNum,
		autoAdd:   make(map[VIDPID]bool),
		classDeny: defaultClassDenyList(),
	}
}

// SetMetrics installs a recorder for USB redirection activity (C7). Nil is
// safe and is the default: NewManager leaves it unset, so callers only wire
// this when metrics.NewUSBMetrics() returns non-nil.
func (m *Manager) SetMetrics(rec metrics.USBMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = rec
}

// AllowAutoAdd adds (vid, pid) to the hotplug auto-add list.
func (m *Manager) AllowAutoAdd(vid, pid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoAdd[VIDPID{vid, pid}] = true
}

// SetClassDeny overrides the default class-filter deny list.
func (m *Manager) SetClassDeny(classes ...uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classDeny = make(map[uint8]bool, len(classes))
	for _, c := range classes {
		m.classDeny[c] = true
	}
}

// classifyInterfaces reports whether every interface of a composite
// device passes the class filter independently (spec.md §4.5.6's
// composite-device handling), supplementing the original's whole-device
// filter which could not express per-interface exceptions.
func (m *Manager) classifyInterfaces(desc hoststack.DeviceDescriptor) bool {
	isComposite := desc.DeviceClass == wire.CompositeClass && desc.DeviceSub == wire.CompositeSubclass && desc.DeviceProto == wire.CompositeProtocol
	if !isComposite {
		return !m.classDeny[desc.DeviceClass]
	}
	if len(desc.Interfaces) == 0 {
		return true
	}
	for _, iface := range desc.Interfaces {
		if m.classDeny[iface.Class] {
			return false
		}
	}
	return true
}

// Register adds a device by (bus, addr), per spec.md §4.5.6. Duplicate
// registration of an already-present (bus, addr) is a no-op returning
// (0, false).
func (m *Manager) Register(h hoststack.Handle) (DeviceID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byHandle[h]; exists {
		return 0, false, nil
	}

	desc, err := m.host.Describe(h)
	if err != nil {
		return 0, false, vcerr.Internal(err, "usb: describe device %s", h)
	}

	id := m.nextID
	m.nextID++

	dev := newDevice(id, h, desc)
	m.devices[id] = dev
	m.byHandle[h] = id
	m.announceOrder = append(m.announceOrder, id)

	if m.metrics != nil {
		m.metrics.RecordDeviceCount(len(m.devices))
	}
	return id, true, nil
}

// RegisterByVIDPID registers the device at h, exactly as Register does;
// vid and pid are not checked against the device's descriptor. The caller
// resolves vid/pid to a Handle (the fake and production host stacks expose
// their own enumeration outside this package's scope).
func (m *Manager) RegisterByVIDPID(h hoststack.Handle, vid, pid uint16) (DeviceID, bool, error) {
	return m.Register(h)
}

// Device returns the device record for id.
func (m *Manager) Device(id DeviceID) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// Devices lists all currently registered device ids in registration order.
func (m *Manager) Devices() []DeviceID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceID, len(m.announceOrder))
	copy(out, m.announceOrder)
	return out
}

// Count returns the number of registered devices.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Teardown cancels all in-flight transfers, releases the device's claimed
// state, and removes it from the registry (spec.md §4.5.6).
func (m *Manager) Teardown(id DeviceID) error {
	m.mu.Lock()
	dev, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return vcerr.NoDevice("usb: unknown device id %d", id)
	}
	delete(m.devices, id)
	delete(m.byHandle, dev.Handle)
	rec := m.metrics
	count := len(m.devices)
	m.mu.Unlock()

	if rec != nil {
		rec.RecordDeviceCount(count)
	}

	dev.mu.Lock()
	dev.torndown = true
	for reqID, t := range dev.transfers {
		if !t.done {
			_ = m.host.CancelTransfer(dev.Handle, reqID)
			t.cancelled = true
			if t.cancelFunc != nil {
				t.cancelFunc()
			}
		}
	}
	dev.mu.Unlock()

	dev.awaitQuiescent()
	logger.Info("usb: device torn down", "deviceId", id)
	return nil
}

// StartHotplugWatcher launches the background poll loop over the host
// stack's event channel (spec.md §4.5.6). announce is invoked once per
// newly auto-added device so the control-stream FSM can emit
// AddVirtualChannel.
func (m *Manager) StartHotplugWatcher(announce func(DeviceID)) {
	m.stopHotplug = make(chan struct{})
	m.hotplugWG.Add(1)
	go func() {
		defer m.hotplugWG.Done()
		events := m.host.Events()
		for {
			select {
			case <-m.stopHotplug:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.handleHotplugEvent(ev, announce)
			}
		}
	}()
}

// StopHotplugWatcher stops the background poll loop and waits for it to exit.
func (m *Manager) StopHotplugWatcher() {
	if m.stopHotplug == nil {
		return
	}
	close(m.stopHotplug)
	m.hotplugWG.Wait()
}

func (m *Manager) handleHotplugEvent(ev hoststack.HotplugEvent, announce func(DeviceID)) {
	if m.metrics != nil {
		if ev.Kind == hoststack.HotplugArrived {
			m.metrics.RecordHotplugEvent("arrived")
		} else {
			m.metrics.RecordHotplugEvent("left")
		}
	}

	switch ev.Kind {
	case hoststack.HotplugArrived:
		m.mu.RLock()
		allowed := m.autoAdd[VIDPID{ev.VID, ev.PID}]
		m.mu.RUnlock()
		if !allowed {
			return
		}

		desc, err := m.host.Describe(ev.Handle)
		if err != nil {
			logger.Warn("usb: hotplug describe failed", "handle", ev.Handle, "error", err)
			return
		}
		if !m.classifyInterfaces(desc) {
			logger.Info("usb: hotplug device filtered by class", "handle", ev.Handle, "class", desc.DeviceClass)
			return
		}

		id, added, err := m.Register(ev.Handle)
		if err != nil {
			logger.Warn("usb: hotplug register failed", "handle", ev.Handle, "error", err)
			return
		}
		if added && announce != nil {
			announce(id)
		}

	case hoststack.HotplugLeft:
		m.mu.RLock()
		id, ok := m.byHandle[ev.Handle]
		m.mu.RUnlock()
		if !ok {
			return
		}
		if err := m.Teardown(id); err != nil {
			logger.Warn("usb: hotplug teardown failed", "deviceId", id, "error", err)
		}
	}
}

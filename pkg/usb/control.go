package usb

import (
	"encoding/binary"
	"sync"

	"github.com/rdpgo/vchannel/pkg/usb/wire"
	"github.com/rdpgo/vchannel/pkg/vcerr"
)

// controlState tracks the control-stream FSM of spec.md §4.5.2.
type controlState int

const (
	controlAwaitingCapability controlState = iota
	controlAwaitingChannelCreated
	controlDevicesAnnounce
)

// ControlChannel drives the control-stream FSM: capability exchange,
// channel-created handshake, and device announcement (spec.md §4.5.2).
type ControlChannel struct {
	mgr  *Manager
	send Sender

	mu      sync.Mutex
	state   controlState
	pending []DeviceID // devices registered but not yet announced
	sent    map[DeviceID]bool

	boundOrder []DeviceID // FIFO of devices bound to a dynamic channel, next to bind first
}

// NewControlChannel creates the control-stream handler for one session.
func NewControlChannel(mgr *Manager, send Sender) *ControlChannel {
	return &ControlChannel{
		mgr:   mgr,
		send:  send,
		state: controlAwaitingCapability,
		sent:  make(map[DeviceID]bool),
	}
}

// HandleMessage dispatches one control-stream message.
func (c *ControlChannel) HandleMessage(msg []byte) error {
	hdr, body, ok := wire.DecodeMessageHeader(msg)
	if !ok {
		return vcerr.InvalidData("usb: control message shorter than header")
	}

	switch hdr.FunctionID {
	case wire.FuncCapabilityRequest:
		return c.handleCapabilityRequest(hdr, body)
	case wire.FuncChannelCreated:
		return c.handleChannelCreated(hdr, body)
	default:
		return vcerr.BadProc("usb: unknown control functionId %#x", hdr.FunctionID)
	}
}

func (c *ControlChannel) handleCapabilityRequest(hdr wire.MessageHeader, body []byte) error {
	if len(body) < 4 {
		return vcerr.InvalidData("usb: CapabilityRequest body too short")
	}
	peerVersion := binary.LittleEndian.Uint32(body[0:4])
	version := peerVersion
	if version > wire.RIMCapabilityVersion01 {
		version = wire.RIMCapabilityVersion01
	}

	resp := make([]byte, 8)
	binary.LittleEndian.PutUint32(resp[0:4], version)
	binary.LittleEndian.PutUint32(resp[4:8], 0) // HRESULT = 0

	c.mu.Lock()
	c.state = controlAwaitingChannelCreated
	c.mu.Unlock()

	return c.send.Send(append(wire.EncodeMessageHeader(hdr), resp...))
}

func (c *ControlChannel) handleChannelCreated(hdr wire.MessageHeader, body []byte) error {
	if len(body) < 12 {
		return vcerr.InvalidData("usb: ChannelCreated body too short")
	}

	// major/minor are forced to (1,0) regardless of peer value.
	const major, minor uint32 = 1, 0
	capabilities := binary.LittleEndian.Uint32(body[8:12])

	resp := make([]byte, 12)
	binary.LittleEndian.PutUint32(resp[0:4], major)
	binary.LittleEndian.PutUint32(resp[4:8], minor)
	binary.LittleEndian.PutUint32(resp[8:12], capabilities)

	if err := c.send.Send(append(wire.EncodeMessageHeader(hdr), resp...)); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = controlDevicesAnnounce
	c.pending = c.mgr.Devices()
	c.mu.Unlock()

	return c.announcePending()
}

// announcePending emits one AddVirtualChannel per registered device whose
// already-sent flag is clear (spec.md §4.5.2).
func (c *ControlChannel) announcePending() error {
	c.mu.Lock()
	toSend := make([]DeviceID, 0, len(c.pending))
	for _, id := range c.pending {
		if !c.sent[id] {
			toSend = append(toSend, id)
		}
	}
	c.mu.Unlock()

	for _, id := range toSend {
		if err := c.AnnounceDevice(id); err != nil {
			return err
		}
	}
	return nil
}

// AnnounceDevice emits AddVirtualChannel{usb-device-id=id} and marks it
// sent. Used both for the initial enumeration and for hotplug arrivals.
func (c *ControlChannel) AnnounceDevice(id DeviceID) error {
	c.mu.Lock()
	if c.sent[id] {
		c.mu.Unlock()
		return nil
	}
	c.sent[id] = true
	c.boundOrder = append(c.boundOrder, id)
	c.mu.Unlock()

	hdr := wire.MessageHeader{InterfaceID: uint32(wire.StreamNone) << 30, FunctionID: wire.FuncAddVirtualChannel}
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(id))
	return c.send.Send(append(wire.EncodeMessageHeader(hdr), body...))
}

// BindNextDevice binds the next not-yet-bound announced device (FIFO) to
// a newly opened device-dedicated dynamic channel, and sends AddDevice on
// deviceSend carrying its descriptor fields (spec.md §4.5.2).
func (c *ControlChannel) BindNextDevice(deviceSend Sender) (DeviceID, error) {
	c.mu.Lock()
	if len(c.boundOrder) == 0 {
		c.mu.Unlock()
		return 0, vcerr.New(vcerr.ErrInternal, "usb: no announced device pending a channel binding")
	}
	id := c.boundOrder[0]
	c.boundOrder = c.boundOrder[1:]
	c.mu.Unlock()

	dev, ok := c.mgr.Device(id)
	if !ok {
		return 0, vcerr.NoDevice("usb: device %d no longer registered", id)
	}

	dev.mu.Lock()
	dev.bound = true
	dev.mu.Unlock()

	body := encodeAddDevice(dev)
	hdr := wire.MessageHeader{InterfaceID: uint32(wire.StreamProxy) << 30, FunctionID: wire.FuncAddDevice}
	if err := deviceSend.Send(append(wire.EncodeMessageHeader(hdr), body...)); err != nil {
		return 0, err
	}
	return id, nil
}

func encodeAddDevice(dev *Device) []byte {
	buf := make([]byte, 4+2+2+2+1+1+1)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(dev.ID))
	binary.LittleEndian.PutUint16(buf[4:6], dev.Desc.VID)
	binary.LittleEndian.PutUint16(buf[6:8], dev.Desc.PID)
	binary.LittleEndian.PutUint16(buf[8:10], dev.Desc.BcdUSB)
	buf[10] = dev.Desc.DeviceClass
	buf[11] = dev.Desc.DeviceSub
	buf[12] = dev.Desc.DeviceProto
	return buf
}

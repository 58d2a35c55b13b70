package usb

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/rdpgo/vchannel/pkg/usb/hoststack"
	"github.com/rdpgo/vchannel/pkg/usb/wire"
)

type recordingSend struct {
	mu  sync.Mutex
	out [][]byte
}

func (r *recordingSend) Send(pdu []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, append([]byte(nil), pdu...))
	return nil
}

func (r *recordingSend) last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.out) == 0 {
		return nil
	}
	return r.out[len(r.out)-1]
}

func (r *recordingSend) all() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.out...)
}

func encodeControlMessage(interfaceID, functionID uint32, body []byte) []byte {
	hdr := wire.MessageHeader{InterfaceID: interfaceID, FunctionID: functionID}
	return append(wire.EncodeMessageHeader(hdr), body...)
}

func TestControlCapabilityRequestCapsVersion(t *testing.T) {
	m, _ := newTestManager()
	send := &recordingSend{}
	c := NewControlChannel(m, send)

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, 7) // peer proposes version 7
	if err := c.HandleMessage(encodeControlMessage(0, wire.FuncCapabilityRequest, body)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	resp := send.last()
	_, rbody, ok := wire.DecodeMessageHeader(resp)
	if !ok || len(rbody) < 8 {
		t.Fatalf("malformed response: %v", resp)
	}
	version := binary.LittleEndian.Uint32(rbody[0:4])
	hresult := binary.LittleEndian.Uint32(rbody[4:8])
	if version != wire.RIMCapabilityVersion01 {
		t.Fatalf("version = %d, want capped at %d", version, wire.RIMCapabilityVersion01)
	}
	if hresult != 0 {
		t.Fatalf("HRESULT = %#x, want 0", hresult)
	}
}

func TestControlChannelCreatedForcesVersionAndAnnouncesDevices(t *testing.T) {
	m, fake := newTestManager()
	h := hoststack.Handle{Bus: 1, Addr: 1}
	fake.AddDevice(h, hoststack.DeviceDescriptor{VID: 0x1111, PID: 0x2222})
	id, _, err := m.Register(h)
	if err != nil {
		t.Fatal(err)
	}

	send := &recordingSend{}
	c := NewControlChannel(m, send)

	body := make([]byte, 12)
	binary.LittleEndian.PutUint32(body[0:4], 9)  // peer major
	binary.LittleEndian.PutUint32(body[4:8], 9)  // peer minor
	binary.LittleEndian.PutUint32(body[8:12], 0xCAFE)

	if err := c.HandleMessage(encodeControlMessage(0, wire.FuncChannelCreated, body)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	msgs := send.all()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (ChannelCreated echo + AddVirtualChannel)", len(msgs))
	}

	_, echoBody, _ := wire.DecodeMessageHeader(msgs[0])
	major := binary.LittleEndian.Uint32(echoBody[0:4])
	minor := binary.LittleEndian.Uint32(echoBody[4:8])
	if major != 1 || minor != 0 {
		t.Fatalf("echoed version = (%d,%d), want (1,0)", major, minor)
	}

	hdr, announceBody, _ := wire.DecodeMessageHeader(msgs[1])
	if hdr.FunctionID != wire.FuncAddVirtualChannel {
		t.Fatalf("second message functionId = %#x, want AddVirtualChannel", hdr.FunctionID)
	}
	announced := binary.LittleEndian.Uint32(announceBody)
	if DeviceID(announced) != id {
		t.Fatalf("announced device id = %d, want %d", announced, id)
	}
}

func TestAnnounceDeviceIsIdempotent(t *testing.T) {
	m, fake := newTestManager()
	h := hoststack.Handle{Bus: 1, Addr: 1}
	fake.AddDevice(h, hoststack.DeviceDescriptor{})
	id, _, _ := m.Register(h)

	send := &recordingSend{}
	c := NewControlChannel(m, send)

	if err := c.AnnounceDevice(id); err != nil {
		t.Fatal(err)
	}
	if err := c.AnnounceDevice(id); err != nil {
		t.Fatal(err)
	}
	if len(send.all()) != 1 {
		t.Fatalf("got %d messages, want 1 (second AnnounceDevice should be a no-op)", len(send.all()))
	}
}

func TestBindNextDeviceFIFO(t *testing.T) {
	m, fake := newTestManager()
	h1 := hoststack.Handle{Bus: 1, Addr: 1}
	h2 := hoststack.Handle{Bus: 1, Addr: 2}
	fake.AddDevice(h1, hoststack.DeviceDescriptor{VID: 1, PID: 1})
	fake.AddDevice(h2, hoststack.DeviceDescriptor{VID: 2, PID: 2})
	id1, _, _ := m.Register(h1)
	id2, _, _ := m.Register(h2)

	send := &recordingSend{}
	c := NewControlChannel(m, send)
	if err := c.AnnounceDevice(id1); err != nil {
		t.Fatal(err)
	}
	if err := c.AnnounceDevice(id2); err != nil {
		t.Fatal(err)
	}

	devSend := &recordingSend{}
	bound, err := c.BindNextDevice(devSend)
	if err != nil {
		t.Fatal(err)
	}
	if bound != id1 {
		t.Fatalf("first bound device = %d, want %d (FIFO order)", bound, id1)
	}

	bound2, err := c.BindNextDevice(devSend)
	if err != nil {
		t.Fatal(err)
	}
	if bound2 != id2 {
		t.Fatalf("second bound device = %d, want %d", bound2, id2)
	}

	if _, err := c.BindNextDevice(devSend); err == nil {
		t.Fatal("expected error binding with no pending devices")
	}
}

// Package wire implements the byte-level framing for the USB redirection
// channel (C5): control-stream and device-stream message headers, the URB
// function dispatch codes, and the USBD status translation table from
// spec.md §4.5.
//
// As with pkg/clipboard/wire, all multi-byte integers are little-endian
// and Decode*/Encode* functions operate on plain byte slices rather than
// an io.Reader, since every message here is already a fully reassembled
// PDU handed up from pkg/vchannel.
package wire

import "encoding/binary"

// StreamClass is encoded in the top 2 bits of interfaceId (spec.md §4.5.1).
type StreamClass uint32

const (
	StreamNone  StreamClass = 0
	StreamProxy StreamClass = 1
	StreamStub  StreamClass = 2
)

// StreamClassOf extracts the stream-id class from an interfaceId field.
func StreamClassOf(interfaceID uint32) StreamClass {
	return StreamClass(interfaceID >> 30)
}

// MessageHeader is the common prefix of every control- and device-stream
// message: {interfaceId, messageId, functionId}.
type MessageHeader struct {
	InterfaceID uint32
	MessageID   uint32
	FunctionID  uint32
}

const MessageHeaderLen = 12

func DecodeMessageHeader(buf []byte) (MessageHeader, []byte, bool) {
	if len(buf) < MessageHeaderLen {
		return MessageHeader{}, nil, false
	}
	h := MessageHeader{
		InterfaceID: binary.LittleEndian.Uint32(buf[0:4]),
		MessageID:   binary.LittleEndian.Uint32(buf[4:8]),
		FunctionID:  binary.LittleEndian.Uint32(buf[8:12]),
	}
	return h, buf[MessageHeaderLen:], true
}

func EncodeMessageHeader(h MessageHeader) []byte {
	buf := make([]byte, MessageHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.InterfaceID)
	binary.LittleEndian.PutUint32(buf[4:8], h.MessageID)
	binary.LittleEndian.PutUint32(buf[8:12], h.FunctionID)
	return buf
}

// Control-stream function ids.
const (
	FuncCapabilityRequest uint32 = 0x00000001
	FuncChannelCreated    uint32 = 0x00000002
	FuncAddVirtualChannel uint32 = 0x00000004
	FuncAddDevice         uint32 = 0x00000005
)

const RIMCapabilityVersion01 uint32 = 1

// Device-stream function ids.
const (
	FuncCancelRequest            uint32 = 0x00000001
	FuncRegisterRequestCallback  uint32 = 0x00000002
	FuncIOControl                uint32 = 0x00000003
	FuncInternalIOControl        uint32 = 0x00000004
	FuncQueryDeviceText          uint32 = 0x00000005
	FuncTransferInRequest        uint32 = 0x00000006
	FuncTransferOutRequest       uint32 = 0x00000007
	FuncRetractDevice            uint32 = 0x00000008
)

// IOCTL codes dispatched by IO_CONTROL.
const (
	IoctlGetPortStatus         uint32 = 0x00220007
	IoctlSubmitURB             uint32 = 0x00220003
	IoctlResetPort             uint32 = 0x00220013
	IoctlCyclePort             uint32 = 0x00220017
	IoctlSubmitIdleNotify      uint32 = 0x0022001F
)

// RetractDevice reason codes.
const RetractReasonBlockedByPolicy uint32 = 1

// URB function codes (spec.md §4.5.4). pkg/usb's dispatch table matches
// an inbound URB's function field against these exact values.
const (
	URBFunctionSelectConfiguration          uint16 = 0x0000
	URBFunctionSelectInterface               uint16 = 0x0001
	URBFunctionControlTransfer               uint16 = 0x0008
	URBFunctionBulkOrInterruptTransfer       uint16 = 0x0009
	URBFunctionISOCHTransfer                 uint16 = 0x000A
	URBFunctionGetDescriptorFromDevice       uint16 = 0x000B
	URBFunctionSetDescriptorToDevice         uint16 = 0x000C
	URBFunctionSetFeatureToDevice            uint16 = 0x000D
	URBFunctionSetFeatureToInterface         uint16 = 0x000E
	URBFunctionSetFeatureToEndpoint          uint16 = 0x000F
	URBFunctionClearFeatureToDevice          uint16 = 0x0010
	URBFunctionClearFeatureToInterface       uint16 = 0x0011
	URBFunctionClearFeatureToEndpoint        uint16 = 0x0012
	URBFunctionGetStatusFromDevice           uint16 = 0x0013
	URBFunctionGetStatusFromInterface        uint16 = 0x0014
	URBFunctionGetStatusFromEndpoint         uint16 = 0x0015
	URBFunctionVendorDevice                  uint16 = 0x0017
	URBFunctionVendorInterface                uint16 = 0x0018
	URBFunctionVendorEndpoint                uint16 = 0x0019
	URBFunctionClassDevice                   uint16 = 0x001A
	URBFunctionClassInterface                uint16 = 0x001B
	URBFunctionClassEndpoint                 uint16 = 0x001C
	URBFunctionGetConfiguration              uint16 = 0x001F
	URBFunctionGetInterface                  uint16 = 0x0020
	URBFunctionGetDescriptorFromInterface     uint16 = 0x0021
	URBFunctionSetDescriptorToInterface        uint16 = 0x0022
	URBFunctionGetDescriptorFromEndpoint       uint16 = 0x0023
	URBFunctionSetDescriptorToEndpoint         uint16 = 0x0024
	URBFunctionGetMSFeatureDescriptor         uint16 = 0x0029
	URBFunctionSyncResetPipeAndClearStall     uint16 = 0x0030
	URBFunctionSyncClearStall                uint16 = 0x0031
	URBFunctionControlTransferEx              uint16 = 0x0032
	URBFunctionAbortPipe                     uint16 = 0x0033
	URBFunctionGetCurrentFrameNumber          uint16 = 0x0034

	// Obsolete, unsupported (spec.md §4.5.4).
	URBFunctionGetFrameLength     uint16 = 0x0040
	URBFunctionSetFrameLength     uint16 = 0x0041
	URBFunctionGetFrameLengthFlag uint16 = 0x0042
)

// Recipient bits for standard/class/vendor requests (bmRequestType bits 0-4).
const (
	RecipientDevice    uint8 = 0x00
	RecipientInterface uint8 = 0x01
	RecipientEndpoint  uint8 = 0x02
	RecipientOther     uint8 = 0x03
)

// bmRequestType direction/type bit layout.
const (
	RequestTypeDirectionIn uint8 = 0x80
	RequestTypeStandard    uint8 = 0x00
	RequestTypeClass       uint8 = 0x20
	RequestTypeVendor      uint8 = 0x40
)

// Standard request codes used when synthesising control transfers.
const (
	StdRequestGetStatus        uint8 = 0x00
	StdRequestClearFeature     uint8 = 0x01
	StdRequestSetFeature       uint8 = 0x03
	StdRequestGetDescriptor    uint8 = 0x06
	StdRequestSetDescriptor    uint8 = 0x07
	StdRequestGetConfiguration uint8 = 0x08
	StdRequestGetInterface     uint8 = 0x0A
)

// URB completion function ids used in response framing (spec.md §4.5.5).
const (
	FuncURBCompletion        uint32 = 0x00000009
	FuncURBCompletionNoData  uint32 = 0x0000000A
)

// USBD status codes (spec.md §4.5.5).
const (
	USBDStatusSuccess         uint32 = 0x00000000
	USBDStatusStallPID        uint32 = 0xC0000004
	USBDStatusInvalidParam    uint32 = 0x80000005
	USBDStatusNotAccessed     uint32 = 0xC0000005 // #nosec - distinct from InvalidParam by high bit pattern, kept explicit for clarity
	USBDStatusDeviceGone      uint32 = 0xC0007000
	USBDStatusTimeout         uint32 = 0xC0006000
	USBDStatusNoMemory        uint32 = 0x80000100
	USBDStatusNotSupported    uint32 = 0xC0000E00
)

// HostStatus is the set of outcomes a host-stack transfer call may report;
// translated to a USBDStatus by StatusFromHost (spec.md §4.5.5).
type HostStatus int

const (
	HostStatusSuccess HostStatus = iota
	HostStatusIOError
	HostStatusNotFound
	HostStatusBusy
	HostStatusPipe
	HostStatusInterrupted
	HostStatusOverflow
	HostStatusOther
	HostStatusInvalidParam
	HostStatusAccess
	HostStatusNoDevice
	HostStatusTimeout
	HostStatusNoMem
	HostStatusNotSupported
	HostStatusCancelled
)

// StatusFromHost maps a host-stack outcome to the USBD status word placed
// on the wire, per the table in spec.md §4.5.5. Cancellation maps to
// StallPID, matching scenario 5 of spec.md §8 (a cancelled transfer's
// completion carries usbdStatus=STALL_PID).
func StatusFromHost(s HostStatus) uint32 {
	switch s {
	case HostStatusSuccess:
		return USBDStatusSuccess
	case HostStatusIOError, HostStatusNotFound, HostStatusBusy, HostStatusPipe,
		HostStatusInterrupted, HostStatusOverflow, HostStatusOther, HostStatusCancelled:
		return USBDStatusStallPID
	case HostStatusInvalidParam:
		return USBDStatusInvalidParam
	case HostStatusAccess:
		return USBDStatusNotAccessed
	case HostStatusNoDevice:
		return USBDStatusDeviceGone
	case HostStatusTimeout:
		return USBDStatusTimeout
	case HostStatusNoMem:
		return USBDStatusNoMemory
	case HostStatusNotSupported:
		return USBDStatusNotSupported
	default:
		return USBDStatusStallPID
	}
}

// bcdUSB → GET_PORT_STATUS 4-byte status values (spec.md §4.5.3).
const (
	PortStatusUSB11 uint32 = 0x0103
	PortStatusUSB10 uint32 = 0x0303
	PortStatusUSB20 uint32 = 0x0503
)

// PortStatusForBcdUSB maps a device's bcdUSB field to the status word
// GET_PORT_STATUS returns.
func PortStatusForBcdUSB(bcdUSB uint16) uint32 {
	switch bcdUSB {
	case 0x0110:
		return PortStatusUSB11
	case 0x0100:
		return PortStatusUSB10
	case 0x0200:
		return PortStatusUSB20
	default:
		return PortStatusUSB20
	}
}

// USB device classes relevant to the default class filter (spec.md §4.5.6).
const (
	ClassHub             uint8 = 0x09
	ClassMassStorage     uint8 = 0x08
	ClassSmartCard       uint8 = 0x0B
	ClassContentSecurity uint8 = 0x0D
)

// Composite-device marker class/sub/protocol.
const (
	CompositeClass    uint8 = 0xEF
	CompositeSubclass uint8 = 0x02
	CompositeProtocol uint8 = 0x01
)

// PipeHandle packs (bus, device address, endpoint address) into the u32
// handle value the wire protocol uses for SELECT_INTERFACE responses,
// per spec.md §9's "integer discipline" design note: a newtype over u32
// with explicit accessors rather than ad hoc bit-shifts scattered through
// the dispatch code.
type PipeHandle uint32

// NewPipeHandle builds a handle from its components (spec.md §4.5.4:
// pipe handle = bus<<24 | dev<<16 | endpointAddr).
func NewPipeHandle(bus, dev uint8, endpointAddr uint8) PipeHandle {
	return PipeHandle(uint32(bus)<<24 | uint32(dev)<<16 | uint32(endpointAddr))
}

func (h PipeHandle) Bus() uint8          { return uint8(h >> 24) }
func (h PipeHandle) Device() uint8       { return uint8(h >> 16) }
func (h PipeHandle) EndpointAddr() uint8 { return uint8(h) }

package wire

import "encoding/binary"

// URBHeader prefixes every inner URB carried inside a TRANSFER_IN_REQUEST
// or TRANSFER_OUT_REQUEST device-stream message (spec.md §4.5.4).
type URBHeader struct {
	Function  uint16
	Reserved  uint16
	RequestID uint32
}

const URBHeaderLen = 8

func DecodeURBHeader(buf []byte) (URBHeader, []byte, bool) {
	if len(buf) < URBHeaderLen {
		return URBHeader{}, nil, false
	}
	h := URBHeader{
		Function:  binary.LittleEndian.Uint16(buf[0:2]),
		Reserved:  binary.LittleEndian.Uint16(buf[2:4]),
		RequestID: binary.LittleEndian.Uint32(buf[4:8]),
	}
	return h, buf[URBHeaderLen:], true
}

func EncodeURBHeader(h URBHeader) []byte {
	buf := make([]byte, URBHeaderLen)
	binary.LittleEndian.PutUint16(buf[0:2], h.Function)
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], h.RequestID)
	return buf
}

// ControlTransferPayload is the inner-URB payload for CONTROL_TRANSFER and
// CONTROL_TRANSFER_EX.
type ControlTransferPayload struct {
	BmRequestType    uint8
	BRequest         uint8
	WValue           uint16
	WIndex           uint16
	WLength          uint16
	OutputBufferSize uint32
	OutData          []byte
}

func DecodeControlTransferPayload(buf []byte) (ControlTransferPayload, bool) {
	if len(buf) < 12 {
		return ControlTransferPayload{}, false
	}
	p := ControlTransferPayload{
		BmRequestType:    buf[0],
		BRequest:         buf[1],
		WValue:           binary.LittleEndian.Uint16(buf[2:4]),
		WIndex:           binary.LittleEndian.Uint16(buf[4:6]),
		WLength:          binary.LittleEndian.Uint16(buf[6:8]),
		OutputBufferSize: binary.LittleEndian.Uint32(buf[8:12]),
	}
	p.OutData = buf[12:]
	return p, true
}

func EncodeControlTransferPayload(p ControlTransferPayload) []byte {
	buf := make([]byte, 12+len(p.OutData))
	buf[0] = p.BmRequestType
	buf[1] = p.BRequest
	binary.LittleEndian.PutUint16(buf[2:4], p.WValue)
	binary.LittleEndian.PutUint16(buf[4:6], p.WIndex)
	binary.LittleEndian.PutUint16(buf[6:8], p.WLength)
	binary.LittleEndian.PutUint32(buf[8:12], p.OutputBufferSize)
	copy(buf[12:], p.OutData)
	return buf
}

// DecodeControlTransferExPayload decodes the CONTROL_TRANSFER_EX payload:
// a leading TimeOut ULONG (milliseconds) ahead of the same setup-packet
// layout CONTROL_TRANSFER carries (spec.md §4.5.4: configurable timeout,
// explicit for _EX).
func DecodeControlTransferExPayload(buf []byte) (ControlTransferPayload, uint32, bool) {
	if len(buf) < 4 {
		return ControlTransferPayload{}, 0, false
	}
	timeout := binary.LittleEndian.Uint32(buf[0:4])
	p, ok := DecodeControlTransferPayload(buf[4:])
	return p, timeout, ok
}

// GetSetDescriptorPayload is the inner-URB payload for
// GET_DESCRIPTOR_FROM_* and SET_DESCRIPTOR_TO_*.
type GetSetDescriptorPayload struct {
	DescriptorType  uint8
	DescriptorIndex uint8
	LangID          uint16
	OutputBufferSize uint32
	OutData          []byte
}

func DecodeGetSetDescriptorPayload(buf []byte) (GetSetDescriptorPayload, bool) {
	if len(buf) < 8 {
		return GetSetDescriptorPayload{}, false
	}
	p := GetSetDescriptorPayload{
		DescriptorType:   buf[0],
		DescriptorIndex:  buf[1],
		LangID:           binary.LittleEndian.Uint16(buf[2:4]),
		OutputBufferSize: binary.LittleEndian.Uint32(buf[4:8]),
	}
	p.OutData = buf[8:]
	return p, true
}

func EncodeGetSetDescriptorPayload(p GetSetDescriptorPayload) []byte {
	buf := make([]byte, 8+len(p.OutData))
	buf[0] = p.DescriptorType
	buf[1] = p.DescriptorIndex
	binary.LittleEndian.PutUint16(buf[2:4], p.LangID)
	binary.LittleEndian.PutUint32(buf[4:8], p.OutputBufferSize)
	copy(buf[8:], p.OutData)
	return buf
}

// StandardRequestPayload is the inner-URB payload for GET_STATUS_FROM_*,
// CLEAR_FEATURE_TO_*, SET_FEATURE_TO_*, GET_CONFIGURATION, GET_INTERFACE.
type StandardRequestPayload struct {
	Value            uint16 // feature selector, or unused for GET_STATUS/GET_CONFIGURATION
	Index            uint16
	OutputBufferSize uint32
}

func DecodeStandardRequestPayload(buf []byte) (StandardRequestPayload, bool) {
	if len(buf) < 8 {
		return StandardRequestPayload{}, false
	}
	return StandardRequestPayload{
		Value:            binary.LittleEndian.Uint16(buf[0:2]),
		Index:            binary.LittleEndian.Uint16(buf[2:4]),
		OutputBufferSize: binary.LittleEndian.Uint32(buf[4:8]),
	}, true
}

func EncodeStandardRequestPayload(p StandardRequestPayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], p.Value)
	binary.LittleEndian.PutUint16(buf[2:4], p.Index)
	binary.LittleEndian.PutUint32(buf[4:8], p.OutputBufferSize)
	return buf
}

// VendorClassPayload is the inner-URB payload for VENDOR_* / CLASS_*.
type VendorClassPayload struct {
	BRequest         uint8
	WValue           uint16
	WIndex           uint16
	DirectionIn      bool
	OutputBufferSize uint32
	OutData          []byte
}

func DecodeVendorClassPayload(buf []byte) (VendorClassPayload, bool) {
	if len(buf) < 10 {
		return VendorClassPayload{}, false
	}
	p := VendorClassPayload{
		BRequest:         buf[0],
		WValue:           binary.LittleEndian.Uint16(buf[1:3]),
		WIndex:           binary.LittleEndian.Uint16(buf[3:5]),
		DirectionIn:      buf[5] != 0,
		OutputBufferSize: binary.LittleEndian.Uint32(buf[6:10]),
	}
	p.OutData = buf[10:]
	return p, true
}

func EncodeVendorClassPayload(p VendorClassPayload) []byte {
	buf := make([]byte, 10+len(p.OutData))
	buf[0] = p.BRequest
	binary.LittleEndian.PutUint16(buf[1:3], p.WValue)
	binary.LittleEndian.PutUint16(buf[3:5], p.WIndex)
	if p.DirectionIn {
		buf[5] = 1
	}
	binary.LittleEndian.PutUint32(buf[6:10], p.OutputBufferSize)
	copy(buf[10:], p.OutData)
	return buf
}

// BulkOrInterruptPayload is the inner-URB payload for
// BULK_OR_INTERRUPT_TRANSFER.
type BulkOrInterruptPayload struct {
	Endpoint         uint8
	DirectionIn      bool
	Interrupt        bool
	WMaxPacketSize   uint16
	OutputBufferSize uint32
	OutData          []byte
}

func DecodeBulkOrInterruptPayload(buf []byte) (BulkOrInterruptPayload, bool) {
	if len(buf) < 9 {
		return BulkOrInterruptPayload{}, false
	}
	p := BulkOrInterruptPayload{
		Endpoint:         buf[0],
		DirectionIn:      buf[1] != 0,
		Interrupt:        buf[2] != 0,
		WMaxPacketSize:   binary.LittleEndian.Uint16(buf[3:5]),
		OutputBufferSize: binary.LittleEndian.Uint32(buf[5:9]),
	}
	p.OutData = buf[9:]
	return p, true
}

func EncodeBulkOrInterruptPayload(p BulkOrInterruptPayload) []byte {
	buf := make([]byte, 9+len(p.OutData))
	buf[0] = p.Endpoint
	if p.DirectionIn {
		buf[1] = 1
	}
	if p.Interrupt {
		buf[2] = 1
	}
	binary.LittleEndian.PutUint16(buf[3:5], p.WMaxPacketSize)
	binary.LittleEndian.PutUint32(buf[5:9], p.OutputBufferSize)
	copy(buf[9:], p.OutData)
	return buf
}

// IsochPacketDesc is one packet descriptor within an ISOCH_TRANSFER
// request.
type IsochPacketDesc struct {
	Offset uint32
	Length uint32
}

// IsochTransferPayload is the inner-URB payload for ISOCH_TRANSFER.
type IsochTransferPayload struct {
	Endpoint    uint8
	DirectionIn bool
	NoAck       bool
	StartFrame  uint32
	Packets     []IsochPacketDesc
	OutData     []byte
}

func DecodeIsochTransferPayload(buf []byte) (IsochTransferPayload, bool) {
	if len(buf) < 10 {
		return IsochTransferPayload{}, false
	}
	p := IsochTransferPayload{
		Endpoint:    buf[0],
		DirectionIn: buf[1] != 0,
		NoAck:       buf[2] != 0,
		StartFrame:  binary.LittleEndian.Uint32(buf[3:7]),
	}
	numPackets := binary.LittleEndian.Uint16(buf[7:9])
	pos := 9
	for i := 0; i < int(numPackets); i++ {
		if len(buf)-pos < 8 {
			return IsochTransferPayload{}, false
		}
		p.Packets = append(p.Packets, IsochPacketDesc{
			Offset: binary.LittleEndian.Uint32(buf[pos : pos+4]),
			Length: binary.LittleEndian.Uint32(buf[pos+4 : pos+8]),
		})
		pos += 8
	}
	p.OutData = buf[pos:]
	return p, true
}

func EncodeIsochTransferPayload(p IsochTransferPayload) []byte {
	buf := make([]byte, 9+len(p.Packets)*8+len(p.OutData))
	buf[0] = p.Endpoint
	if p.DirectionIn {
		buf[1] = 1
	}
	if p.NoAck {
		buf[2] = 1
	}
	binary.LittleEndian.PutUint32(buf[3:7], p.StartFrame)
	binary.LittleEndian.PutUint16(buf[7:9], uint16(len(p.Packets)))
	pos := 9
	for _, pkt := range p.Packets {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], pkt.Offset)
		binary.LittleEndian.PutUint32(buf[pos+4:pos+8], pkt.Length)
		pos += 8
	}
	copy(buf[pos:], p.OutData)
	return buf
}

// URBResult is the decoded body of a URB_COMPLETION / URB_COMPLETION_NO_DATA
// response (spec.md §4.5.5).
type URBResult struct {
	RequestID  uint32
	UsbdStatus uint32
	Data       []byte
}

// EncodeURBCompletion builds a full device-stream message for a URB
// response. URB_COMPLETION is used iff direction is IN and data is
// non-empty; otherwise URB_COMPLETION_NO_DATA.
func EncodeURBCompletion(interfaceID uint32, messageID uint32, directionIn bool, result URBResult) []byte {
	functionID := FuncURBCompletionNoData
	if directionIn && len(result.Data) > 0 {
		functionID = FuncURBCompletion
	}

	hdr := MessageHeader{InterfaceID: interfaceID, MessageID: messageID, FunctionID: functionID}
	body := make([]byte, 12+len(result.Data))
	binary.LittleEndian.PutUint32(body[0:4], result.RequestID)
	binary.LittleEndian.PutUint32(body[4:8], result.UsbdStatus)
	binary.LittleEndian.PutUint32(body[8:12], uint32(len(result.Data)))
	copy(body[12:], result.Data)

	return append(EncodeMessageHeader(hdr), body...)
}

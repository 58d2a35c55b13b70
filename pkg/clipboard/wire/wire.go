// Package wire implements the byte-level codec for the clipboard virtual
// channel protocol (C4): the 8-byte PDU header, the GENERAL capability set,
// and the short/long format-list encodings.
//
// The codec follows the bytes.Buffer + encoding/binary idiom used
// throughout this module's wire-format packages: Decode* functions read
// from a byte slice and return the decoded value and an error; Encode*
// functions return a new byte slice, except EncodeHeader, which appends to
// a *bytes.Buffer. All
// multi-byte integers are little-endian, per spec.md §4.4.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Message types (msgType), per MS-RDPECLIP.
const (
	MsgTypeMonitorReady       uint16 = 0x0001
	MsgTypeFormatList         uint16 = 0x0002
	MsgTypeFormatListResponse uint16 = 0x0003
	MsgTypeFormatDataRequest  uint16 = 0x0004
	MsgTypeFormatDataResponse uint16 = 0x0005
	MsgTypeTempDirectory      uint16 = 0x0006
	MsgTypeClipCaps           uint16 = 0x0007
	MsgTypeFileContentsReq    uint16 = 0x0008
	MsgTypeFileContentsResp   uint16 = 0x0009
	MsgTypeLockClipData       uint16 = 0x000A
	MsgTypeUnlockClipData     uint16 = 0x000B
)

// Message flags (msgFlags).
const (
	FlagResponseOK   uint16 = 0x0001
	FlagResponseFail uint16 = 0x0002
	FlagASCIINames   uint16 = 0x0004
)

// CapabilitySetType identifies a capability set's layout. Only General (1)
// is defined; any other value is a protocol error (spec.md §4.4.2).
const CapabilitySetTypeGeneral uint16 = 1

// generalCapabilitySetLength is the fixed length-capability-field value for
// the GENERAL capability set (spec.md §4.4.2).
const generalCapabilitySetLength uint16 = 12

// General capability flags.
const (
	CapsUseLongFormatNames  uint32 = 0x0002
	CapsStreamFileClip      uint32 = 0x0004
	CapsFileClipNoFilePaths uint32 = 0x0008
	CapsCanLockClipData     uint32 = 0x0010
	CapsHugeFileSupport     uint32 = 0x0020
)

// FileContentsRequest dwFlags.
const (
	FileContentsSize  uint32 = 0x00000001
	FileContentsRange uint32 = 0x00000002
)

// Header is the 8-byte PDU header common to every clipboard message.
type Header struct {
	MsgType  uint16
	MsgFlags uint16
	DataLen  uint32
}

const HeaderLen = 8

// DecodeHeader reads an 8-byte header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("clipboard wire: short header, have %d bytes, need %d", len(buf), HeaderLen)
	}
	h := Header{
		MsgType:  binary.LittleEndian.Uint16(buf[0:2]),
		MsgFlags: binary.LittleEndian.Uint16(buf[2:4]),
		DataLen:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	return h, nil
}

// EncodeHeader appends the 8-byte header to buf.
func EncodeHeader(buf *bytes.Buffer, h Header) {
	var tmp [HeaderLen]byte
	binary.LittleEndian.PutUint16(tmp[0:2], h.MsgType)
	binary.LittleEndian.PutUint16(tmp[2:4], h.MsgFlags)
	binary.LittleEndian.PutUint32(tmp[4:8], h.DataLen)
	buf.Write(tmp[:])
}

// EncodePDU writes a complete PDU: header with dataLen filled in from
// body's length, followed by body. This mirrors the "write placeholder,
// serialise body, patch dataLen" idiom of spec.md §4.4.7 without needing a
// seekable stream, since the header is a fixed 8 bytes known up front.
func EncodePDU(msgType, msgFlags uint16, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderLen + len(body))
	EncodeHeader(&buf, Header{MsgType: msgType, MsgFlags: msgFlags, DataLen: uint32(len(body))})
	buf.Write(body)
	return buf.Bytes()
}

// GeneralCapabilitySet is the only defined capability-set payload
// (spec.md §4.4.2): {version: u32, generalFlags: u32}.
type GeneralCapabilitySet struct {
	Version      uint32
	GeneralFlags uint32
}

// DecodeCapabilitySets parses the ClipCaps PDU body: a u16 count followed
// by that many {capabilitySetType: u16, lengthCapability: u16, payload}
// entries. Receipt of any type other than General is a protocol error.
func DecodeCapabilitySets(body []byte) ([]GeneralCapabilitySet, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("clipboard wire: capability PDU shorter than header, have %d bytes", len(body))
	}
	count := binary.LittleEndian.Uint16(body[0:2])
	// body[2:4] is cPadding, unused.
	pos := 4
	sets := make([]GeneralCapabilitySet, 0, count)
	for i := 0; i < int(count); i++ {
		if len(body)-pos < 4 {
			return nil, fmt.Errorf("clipboard wire: truncated capability set header at entry %d", i)
		}
		setType := binary.LittleEndian.Uint16(body[pos : pos+2])
		setLen := binary.LittleEndian.Uint16(body[pos+2 : pos+4])
		pos += 4
		if setType != CapabilitySetTypeGeneral {
			return nil, fmt.Errorf("clipboard wire: unsupported capability set type %d", setType)
		}
		if int(setLen) < 4 || len(body)-pos < int(setLen)-4 {
			return nil, fmt.Errorf("clipboard wire: truncated general capability set payload")
		}
		payload := body[pos : pos+int(setLen)-4]
		if len(payload) < 8 {
			return nil, fmt.Errorf("clipboard wire: general capability set payload too short")
		}
		sets = append(sets, GeneralCapabilitySet{
			Version:      binary.LittleEndian.Uint32(payload[0:4]),
			GeneralFlags: binary.LittleEndian.Uint32(payload[4:8]),
		})
		pos += int(setLen) - 4
	}
	return sets, nil
}

// EncodeCapabilitySets serialises one or more General capability sets into
// a ClipCaps PDU body.
func EncodeCapabilitySets(sets []GeneralCapabilitySet) []byte {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(sets)))
	buf.Write(hdr[:])

	for _, s := range sets {
		var entry [4 + 8]byte
		binary.LittleEndian.PutUint16(entry[0:2], CapabilitySetTypeGeneral)
		binary.LittleEndian.PutUint16(entry[2:4], generalCapabilitySetLength)
		binary.LittleEndian.PutUint32(entry[4:8], s.Version)
		binary.LittleEndian.PutUint32(entry[8:12], s.GeneralFlags)
		buf.Write(entry[:])
	}
	return buf.Bytes()
}

// Format is one decoded format-list entry: a format id paired with its
// (possibly empty) UTF-8 name.
type Format struct {
	ID   uint32
	Name string
}

const shortFormatEntryLen = 36
const shortFormatNameBytes = 32

// DecodeShortFormatList parses the short-form format-list body (spec.md
// §4.4.3): fixed 36-byte records, each a u32 id followed by a 32-byte name
// buffer. Per the boundary case in spec.md §8, a name occupying the full
// 32 bytes without a null terminator decodes to the full (truncated)
// string rather than erroring — mainstream servers omit the terminator.
func DecodeShortFormatList(body []byte, ascii bool) ([]Format, error) {
	if len(body)%shortFormatEntryLen != 0 {
		return nil, fmt.Errorf("clipboard wire: short format list length %d not a multiple of %d", len(body), shortFormatEntryLen)
	}
	n := len(body) / shortFormatEntryLen
	out := make([]Format, 0, n)
	for i := 0; i < n; i++ {
		rec := body[i*shortFormatEntryLen : (i+1)*shortFormatEntryLen]
		id := binary.LittleEndian.Uint32(rec[0:4])
		nameBuf := rec[4:shortFormatEntryLen]
		name, err := decodeShortName(nameBuf, ascii)
		if err != nil {
			return nil, err
		}
		out = append(out, Format{ID: id, Name: name})
	}
	return out, nil
}

func decodeShortName(nameBuf []byte, ascii bool) (string, error) {
	if ascii {
		end := bytes.IndexByte(nameBuf, 0)
		if end < 0 {
			end = len(nameBuf)
		}
		return string(nameBuf[:end]), nil
	}

	if len(nameBuf)%2 != 0 {
		return "", fmt.Errorf("clipboard wire: odd-length UTF-16 name buffer")
	}
	units := make([]uint16, len(nameBuf)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(nameBuf[i*2 : i*2+2])
	}
	end := len(units)
	for i, u := range units {
		if u == 0 {
			end = i
			break
		}
	}
	if end == 0 {
		return "", nil
	}
	return string(utf16.Decode(units[:end])), nil
}

// EncodeShortFormatList serialises formats using the 36-byte fixed-record
// short form. Names shorter than the 32-byte field are null-padded; longer
// names are truncated to fill the field and carry no terminator (the
// permissive decode above accepts that form).
func EncodeShortFormatList(formats []Format, ascii bool) []byte {
	var buf bytes.Buffer
	buf.Grow(len(formats) * shortFormatEntryLen)

	for _, f := range formats {
		var rec [shortFormatEntryLen]byte
		binary.LittleEndian.PutUint32(rec[0:4], f.ID)
		nameBuf := rec[4:shortFormatEntryLen]
		if ascii {
			copy(nameBuf, []byte(f.Name))
		} else {
			units := utf16.Encode([]rune(f.Name))
			for i, u := range units {
				if i*2+2 > len(nameBuf) {
					break
				}
				binary.LittleEndian.PutUint16(nameBuf[i*2:i*2+2], u)
			}
		}
		buf.Write(rec[:])
	}
	return buf.Bytes()
}

// DecodeLongFormatList parses the long-form format-list body (spec.md
// §4.4.3): packed {formatId: u32, name: null-terminated UTF-16} entries.
func DecodeLongFormatList(body []byte) ([]Format, error) {
	var out []Format
	pos := 0
	for pos < len(body) {
		if len(body)-pos < 4 {
			return nil, fmt.Errorf("clipboard wire: truncated long format list entry id")
		}
		id := binary.LittleEndian.Uint32(body[pos : pos+4])
		pos += 4

		start := pos
		var end = -1
		for i := pos; i+1 < len(body); i += 2 {
			if body[i] == 0 && body[i+1] == 0 {
				end = i
				break
			}
		}
		if end < 0 {
			// Permit a name running to the end of the buffer without a
			// terminator, mirroring the short-form permissiveness.
			end = len(body)
			if (end-start)%2 != 0 {
				end--
			}
		}

		units := make([]uint16, (end-start)/2)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(body[start+i*2 : start+i*2+2])
		}
		name := ""
		if len(units) > 0 {
			name = string(utf16.Decode(units))
		}
		out = append(out, Format{ID: id, Name: name})

		pos = end
		if pos+1 < len(body) && body[pos] == 0 && body[pos+1] == 0 {
			pos += 2
		} else {
			pos = end
		}
	}
	return out, nil
}

// EncodeLongFormatList serialises formats using the null-terminated
// UTF-16 long form.
func EncodeLongFormatList(formats []Format) []byte {
	var buf bytes.Buffer
	for _, f := range formats {
		var idBytes [4]byte
		binary.LittleEndian.PutUint32(idBytes[:], f.ID)
		buf.Write(idBytes[:])

		units := utf16.Encode([]rune(f.Name))
		for _, u := range units {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], u)
			buf.Write(b[:])
		}
		buf.Write([]byte{0, 0})
	}
	return buf.Bytes()
}

// EncodeUTF16Fixed encodes s as UTF-16, null-padded/truncated to exactly
// widthCodeUnits code units. Used for the fixed 520-byte (260 code unit)
// TempDirectory path field (spec.md §4.4.1).
func EncodeUTF16Fixed(s string, widthCodeUnits int) []byte {
	units := utf16.Encode([]rune(s))
	if len(units) > widthCodeUnits {
		units = units[:widthCodeUnits]
	}
	buf := make([]byte, widthCodeUnits*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], u)
	}
	return buf
}

// DecodeUTF16Fixed decodes a fixed-width, null-padded UTF-16 field.
func DecodeUTF16Fixed(buf []byte) (string, error) {
	if len(buf)%2 != 0 {
		return "", fmt.Errorf("clipboard wire: odd-length UTF-16 fixed field")
	}
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(buf[i*2 : i*2+2])
	}
	end := len(units)
	for i, u := range units {
		if u == 0 {
			end = i
			break
		}
	}
	return string(utf16.Decode(units[:end])), nil
}

// FileContentsRequest is the decoded FileContentsRequest PDU body.
type FileContentsRequest struct {
	StreamID     uint32
	LindexID     uint32
	DwFlags      uint32
	PositionLow  uint32
	PositionHigh uint32
	CbRequested  uint32
	ClipDataID   uint32
	HaveClipDataID bool
}

// DecodeFileContentsRequest parses a FileContentsRequest body. The trailing
// clipDataId field is only present when locking has been negotiated; its
// absence is signalled by a short body rather than an error.
func DecodeFileContentsRequest(body []byte) (FileContentsRequest, error) {
	if len(body) < 24 {
		return FileContentsRequest{}, fmt.Errorf("clipboard wire: FileContentsRequest body too short: %d bytes", len(body))
	}
	req := FileContentsRequest{
		StreamID:     binary.LittleEndian.Uint32(body[0:4]),
		LindexID:     binary.LittleEndian.Uint32(body[4:8]),
		DwFlags:      binary.LittleEndian.Uint32(body[8:12]),
		PositionLow:  binary.LittleEndian.Uint32(body[12:16]),
		PositionHigh: binary.LittleEndian.Uint32(body[16:20]),
		CbRequested:  binary.LittleEndian.Uint32(body[20:24]),
	}
	if len(body) >= 28 {
		req.ClipDataID = binary.LittleEndian.Uint32(body[24:28])
		req.HaveClipDataID = true
	}
	return req, nil
}

// EncodeFileContentsRequest serialises a FileContentsRequest body.
func EncodeFileContentsRequest(req FileContentsRequest) []byte {
	n := 24
	if req.HaveClipDataID {
		n = 28
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:4], req.StreamID)
	binary.LittleEndian.PutUint32(buf[4:8], req.LindexID)
	binary.LittleEndian.PutUint32(buf[8:12], req.DwFlags)
	binary.LittleEndian.PutUint32(buf[12:16], req.PositionLow)
	binary.LittleEndian.PutUint32(buf[16:20], req.PositionHigh)
	binary.LittleEndian.PutUint32(buf[20:24], req.CbRequested)
	if req.HaveClipDataID {
		binary.LittleEndian.PutUint32(buf[24:28], req.ClipDataID)
	}
	return buf
}

// DecodeUint32 reads a single little-endian u32 from the front of buf, used
// for the single-field LockClipData/UnlockClipData/FormatDataRequest
// bodies.
func DecodeUint32(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("clipboard wire: short u32 field, have %d bytes", len(buf))
	}
	return binary.LittleEndian.Uint32(buf[0:4]), nil
}

// EncodeUint32 appends a single little-endian u32 body.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

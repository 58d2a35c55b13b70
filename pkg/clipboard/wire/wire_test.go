package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	EncodeHeader(&buf, Header{MsgType: MsgTypeFormatList, MsgFlags: FlagASCIINames, DataLen: 72})

	got, err := DecodeHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.MsgType != MsgTypeFormatList || got.MsgFlags != FlagASCIINames || got.DataLen != 72 {
		t.Fatalf("unexpected header: %+v", got)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short header")
	}
}

// TestScenario1HandshakeDefaults mirrors spec.md §8 scenario 1: a ClientCaps
// PDU advertising generalFlags=0x1A, masked against server defaults of 0
// (MonitorReady with no prior Capabilities) yields 0.
func TestScenario1HandshakeDefaults(t *testing.T) {
	body := EncodeCapabilitySets([]GeneralCapabilitySet{{Version: 2, GeneralFlags: 0x1A}})
	pdu := EncodePDU(MsgTypeClipCaps, 0, body)

	hdr, err := DecodeHeader(pdu)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.MsgType != MsgTypeClipCaps || hdr.DataLen != uint32(len(body)) {
		t.Fatalf("unexpected header: %+v", hdr)
	}

	sets, err := DecodeCapabilitySets(pdu[HeaderLen:])
	if err != nil {
		t.Fatalf("DecodeCapabilitySets: %v", err)
	}
	if len(sets) != 1 || sets[0].GeneralFlags != 0x1A {
		t.Fatalf("unexpected capability sets: %+v", sets)
	}

	// Server defaults (no prior Capabilities): peer offer is 0, so the
	// client's echoed bit is AND-masked to 0 regardless of its own desire.
	masked := sets[0].GeneralFlags & 0
	if masked != 0 {
		t.Fatalf("expected masked flags 0, got %#x", masked)
	}
}

// TestScenario2ShortFormatRoundTrip mirrors spec.md §8 scenario 2.
func TestScenario2ShortFormatRoundTrip(t *testing.T) {
	var raw [72]byte
	// First record: formatId=0x0D, 32 zero bytes (empty name).
	raw[0] = 0x0D
	// Second record: formatId=0x01, name="CF_TEXT" ASCII.
	raw[36] = 0x01
	copy(raw[40:], []byte("CF_TEXT"))

	formats, err := DecodeShortFormatList(raw[:], true)
	if err != nil {
		t.Fatalf("DecodeShortFormatList: %v", err)
	}
	want := []Format{{ID: 0x0D, Name: ""}, {ID: 0x01, Name: "CF_TEXT"}}
	if len(formats) != len(want) {
		t.Fatalf("got %d formats, want %d", len(formats), len(want))
	}
	for i := range want {
		if formats[i] != want[i] {
			t.Fatalf("format[%d] = %+v, want %+v", i, formats[i], want[i])
		}
	}

	reencoded := EncodeShortFormatList(formats, true)
	if !bytes.Equal(reencoded, raw[:]) {
		t.Fatalf("re-encoded bytes differ from original:\n got  %x\n want %x", reencoded, raw[:])
	}
}

// TestShortFormatNameWithoutTerminator covers the permissive-decode
// boundary case from spec.md §8: a 32-byte name field filled with 16
// non-zero UTF-16 code units and no terminator.
func TestShortFormatNameWithoutTerminator(t *testing.T) {
	var nameBuf [32]byte
	for i := 0; i < 16; i++ {
		nameBuf[i*2] = 'A'
	}
	var rec [shortFormatEntryLen]byte
	copy(rec[4:], nameBuf[:])

	formats, err := DecodeShortFormatList(rec[:], false)
	if err != nil {
		t.Fatalf("DecodeShortFormatList: %v", err)
	}
	if len(formats) != 1 {
		t.Fatalf("expected 1 format, got %d", len(formats))
	}
	if len(formats[0].Name) != 16 {
		t.Fatalf("expected a 16-rune name truncated at the buffer boundary, got %q", formats[0].Name)
	}
}

func TestLongFormatListRoundTrip(t *testing.T) {
	formats := []Format{
		{ID: 1, Name: "CF_TEXT"},
		{ID: 0x8000, Name: "FileGroupDescriptorW"},
		{ID: 2, Name: ""},
	}
	encoded := EncodeLongFormatList(formats)

	decoded, err := DecodeLongFormatList(encoded)
	if err != nil {
		t.Fatalf("DecodeLongFormatList: %v", err)
	}
	if len(decoded) != len(formats) {
		t.Fatalf("got %d formats, want %d", len(decoded), len(formats))
	}
	for i := range formats {
		if decoded[i] != formats[i] {
			t.Fatalf("format[%d] = %+v, want %+v", i, decoded[i], formats[i])
		}
	}
}

func TestDecodeEmptyFormatListsLegal(t *testing.T) {
	short, err := DecodeShortFormatList(nil, false)
	if err != nil || len(short) != 0 {
		t.Fatalf("empty short list: formats=%v err=%v", short, err)
	}
	long, err := DecodeLongFormatList(nil)
	if err != nil || len(long) != 0 {
		t.Fatalf("empty long list: formats=%v err=%v", long, err)
	}
}

func TestCapabilitySetRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	hdr[0] = 1 // count = 1
	buf.Write(hdr[:])
	var entry [4 + 8]byte
	entry[0] = 2 // unknown set type
	entry[2] = 12
	buf.Write(entry[:])

	if _, err := DecodeCapabilitySets(buf.Bytes()); err == nil {
		t.Fatalf("expected error for unknown capability set type")
	}
}

func TestFileContentsRequestRoundTrip(t *testing.T) {
	req := FileContentsRequest{StreamID: 1, LindexID: 2, DwFlags: FileContentsSize, CbRequested: 8}
	encoded := EncodeFileContentsRequest(req)
	decoded, err := DecodeFileContentsRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeFileContentsRequest: %v", err)
	}
	if decoded != req {
		t.Fatalf("got %+v, want %+v", decoded, req)
	}
}

func TestFileContentsRequestWithClipDataID(t *testing.T) {
	req := FileContentsRequest{StreamID: 1, DwFlags: FileContentsRange, CbRequested: 100, ClipDataID: 7, HaveClipDataID: true}
	encoded := EncodeFileContentsRequest(req)
	if len(encoded) != 28 {
		t.Fatalf("expected 28-byte body with clipDataId, got %d", len(encoded))
	}
	decoded, err := DecodeFileContentsRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeFileContentsRequest: %v", err)
	}
	if !decoded.HaveClipDataID || decoded.ClipDataID != 7 {
		t.Fatalf("expected clipDataId=7 present, got %+v", decoded)
	}
}

func TestUTF16FixedRoundTrip(t *testing.T) {
	encoded := EncodeUTF16Fixed("C:\\temp", 260)
	if len(encoded) != 520 {
		t.Fatalf("expected 520-byte fixed field, got %d", len(encoded))
	}
	decoded, err := DecodeUTF16Fixed(encoded)
	if err != nil {
		t.Fatalf("DecodeUTF16Fixed: %v", err)
	}
	if decoded != "C:\\temp" {
		t.Fatalf("got %q, want %q", decoded, "C:\\temp")
	}
}

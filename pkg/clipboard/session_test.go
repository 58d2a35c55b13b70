package clipboard

import (
	"sync"
	"testing"
	"time"

	"github.com/rdpgo/vchannel/pkg/clipboard/wire"
)

type recordingSender struct {
	mu  sync.Mutex
	pdu [][]byte
}

func (s *recordingSender) Send(pdu []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pdu = append(s.pdu, append([]byte(nil), pdu...))
	return nil
}

func (s *recordingSender) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pdu) == 0 {
		return nil
	}
	return s.pdu[len(s.pdu)-1]
}

type recordingCallbacks struct {
	mu            sync.Mutex
	remoteFormats []wire.Format
	locked        []uint32
	unlocked      []uint32
}

func (c *recordingCallbacks) OnRemoteFormatList(formats []wire.Format) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteFormats = formats
}
func (c *recordingCallbacks) ProvideFormatData(formatID uint32) ([]byte, error) { return nil, nil }
func (c *recordingCallbacks) OnFormatDataResponse(ok bool, data []byte)         {}
func (c *recordingCallbacks) ProvideFileContents(req wire.FileContentsRequest) ([]byte, error) {
	return nil, nil
}
func (c *recordingCallbacks) OnFileContentsResponse(streamID uint32, ok bool, data []byte) {}
func (c *recordingCallbacks) OnLock(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = append(c.locked, id)
}
func (c *recordingCallbacks) OnUnlock(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlocked = append(c.unlocked, id)
}

// TestScenario1HandshakeDefaultsPath mirrors spec.md §8 scenario 1.
func TestScenario1HandshakeDefaultsPath(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0x1A, FeatureRemoteToLocal|FeatureLocalToRemote, cb)

	capsBody := wire.EncodeCapabilitySets([]wire.GeneralCapabilitySet{{Version: 2, GeneralFlags: 0x1A}})
	capsPDU := wire.EncodePDU(wire.MsgTypeClipCaps, 0, capsBody)
	if err := s.HandlePDU(capsPDU); err != nil {
		t.Fatalf("HandlePDU(caps): %v", err)
	}

	monitorReadyPDU := wire.EncodePDU(wire.MsgTypeMonitorReady, 0, nil)
	if err := s.HandlePDU(monitorReadyPDU); err != nil {
		t.Fatalf("HandlePDU(monitorReady): %v", err)
	}

	if s.State() != StateReady {
		t.Fatalf("expected state Ready, got %v", s.State())
	}

	sender.mu.Lock()
	sent := append([][]byte(nil), sender.pdu...)
	sender.mu.Unlock()

	// Expect exactly one echoed ClientCaps, then one empty ClientFormatList.
	if len(sent) != 2 {
		t.Fatalf("expected 2 outbound PDUs (caps echo + format list), got %d", len(sent))
	}

	capsHdr, err := wire.DecodeHeader(sent[0])
	if err != nil {
		t.Fatalf("DecodeHeader(caps): %v", err)
	}
	if capsHdr.MsgType != wire.MsgTypeClipCaps {
		t.Fatalf("expected first outbound PDU to be ClipCaps, got %+v", capsHdr)
	}
	gotSets, err := wire.DecodeCapabilitySets(sent[0][wire.HeaderLen:])
	if err != nil {
		t.Fatalf("DecodeCapabilitySets: %v", err)
	}
	if len(gotSets) != 1 || gotSets[0].GeneralFlags != 0x1A {
		t.Fatalf("expected echoed GeneralFlags 0x1A, got %+v", gotSets)
	}

	lastHdr, err := wire.DecodeHeader(sent[len(sent)-1])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if lastHdr.MsgType != wire.MsgTypeFormatList || lastHdr.DataLen != 0 {
		t.Fatalf("expected a trailing empty ClientFormatList, got %+v", lastHdr)
	}
}

func TestMonitorReadyWithoutCapsAdoptsDefaults(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0x1A, FeatureRemoteToLocal|FeatureLocalToRemote, cb)

	if err := s.HandlePDU(wire.EncodePDU(wire.MsgTypeMonitorReady, 0, nil)); err != nil {
		t.Fatalf("HandlePDU: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected Ready, got %v", s.State())
	}

	capsPDU := sender.pdu[0]
	body := capsPDU[wire.HeaderLen:]
	sets, err := wire.DecodeCapabilitySets(body)
	if err != nil {
		t.Fatalf("DecodeCapabilitySets: %v", err)
	}
	if sets[0].GeneralFlags != 0 {
		t.Fatalf("expected defaulted generalFlags=0, got %#x", sets[0].GeneralFlags)
	}
}

// TestScenario3FeatureMaskFiltering mirrors spec.md §8 scenario 3.
func TestScenario3FeatureMaskFiltering(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0, FeatureRemoteToLocalFiles, cb)
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	formats := []wire.Format{{ID: 0x01, Name: "CF_TEXT"}, {ID: 0x8000, Name: fileGroupDescriptorName}}
	body := wire.EncodeShortFormatList(formats, true)
	pdu := wire.EncodePDU(wire.MsgTypeFormatList, wire.FlagASCIINames, body)

	if err := s.HandlePDU(pdu); err != nil {
		t.Fatalf("HandlePDU: %v", err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.remoteFormats) != 1 || cb.remoteFormats[0].Name != fileGroupDescriptorName {
		t.Fatalf("expected only FileGroupDescriptorW delivered, got %+v", cb.remoteFormats)
	}
}

func TestFormatDataRequestDeniedByFeatureMask(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0, FeatureRemoteToLocal, cb) // LocalToRemote not allowed
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	req := wire.EncodePDU(wire.MsgTypeFormatDataRequest, 0, wire.EncodeUint32(1))
	if err := s.HandlePDU(req); err != nil {
		t.Fatalf("HandlePDU: %v", err)
	}

	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.MsgType != wire.MsgTypeFormatDataResponse || hdr.MsgFlags != wire.FlagResponseFail || hdr.DataLen != 0 {
		t.Fatalf("expected CB_RESPONSE_FAIL empty response, got %+v", hdr)
	}
}

type fakeClipboardMetrics struct {
	mu       sync.Mutex
	failures []string
}

func (f *fakeClipboardMetrics) ObserveFormatList(direction string, formats int)                    {}
func (f *fakeClipboardMetrics) ObserveDataTransfer(direction string, bytes int, d time.Duration) {}
func (f *fakeClipboardMetrics) ObserveFileContentsRequest(kind string)                             {}
func (f *fakeClipboardMetrics) RecordFailure(msgType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, msgType)
}

func TestSetMetricsRecordsFailure(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0, FeatureRemoteToLocal, cb)
	m := &fakeClipboardMetrics{}
	s.SetMetrics(m)
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	req := wire.EncodePDU(wire.MsgTypeFormatDataRequest, 0, wire.EncodeUint32(1))
	if err := s.HandlePDU(req); err != nil {
		t.Fatalf("HandlePDU: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) != 1 || m.failures[0] != "formatDataRequest" {
		t.Fatalf("expected one recorded failure, got %v", m.failures)
	}
}

func TestFileContentsSizeRequestBadArgumentsRejected(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0, FeatureLocalToRemoteFiles, cb)
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	req := wire.FileContentsRequest{StreamID: 1, DwFlags: wire.FileContentsSize, CbRequested: 16}
	pdu := wire.EncodePDU(wire.MsgTypeFileContentsReq, 0, wire.EncodeFileContentsRequest(req))

	if err := s.HandlePDU(pdu); err != nil {
		t.Fatalf("HandlePDU: %v", err)
	}
	hdr, err := wire.DecodeHeader(sender.last())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.MsgFlags != wire.FlagResponseFail {
		t.Fatalf("expected CB_RESPONSE_FAIL for cbRequested != 8, got %+v", hdr)
	}
}

func TestHugeFileGatingRejectsOversizedRequestWithoutNegotiation(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0, FeatureLocalToRemoteFiles, cb)

	req := wire.FileContentsRequest{StreamID: 1, DwFlags: wire.FileContentsRange, PositionHigh: 1, CbRequested: 100}
	if err := s.SendFileContentsRequest(req); err == nil {
		t.Fatalf("expected rejection: positionHigh must be zero without huge-file-support")
	}
}

func TestLockUnlockDiagnosticBookkeeping(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0, 0, cb)

	lockPDU := wire.EncodePDU(wire.MsgTypeLockClipData, 0, wire.EncodeUint32(7))
	if err := s.HandlePDU(lockPDU); err != nil {
		t.Fatalf("HandlePDU(lock): %v", err)
	}
	if ids := s.LockedIDs(); len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("expected LockedIDs()=[7], got %v", ids)
	}

	unlockPDU := wire.EncodePDU(wire.MsgTypeUnlockClipData, 0, wire.EncodeUint32(7))
	if err := s.HandlePDU(unlockPDU); err != nil {
		t.Fatalf("HandlePDU(unlock): %v", err)
	}
	if ids := s.LockedIDs(); len(ids) != 0 {
		t.Fatalf("expected LockedIDs() empty after unlock, got %v", ids)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.locked) != 1 || cb.locked[0] != 7 || len(cb.unlocked) != 1 || cb.unlocked[0] != 7 {
		t.Fatalf("expected OnLock/OnUnlock callbacks invoked with id 7, got locked=%v unlocked=%v", cb.locked, cb.unlocked)
	}
}

func TestSequentialFormatDataRequestRejectsOverlap(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0, FeatureRemoteToLocal, cb)

	if err := s.SendFormatDataRequest(1); err != nil {
		t.Fatalf("first SendFormatDataRequest: %v", err)
	}
	if err := s.SendFormatDataRequest(2); err == nil {
		t.Fatalf("expected rejection of overlapping outstanding data request")
	}
}

func TestDataLenExceedingBufferRejected(t *testing.T) {
	sender := &recordingSender{}
	cb := &recordingCallbacks{}
	s := NewSession(sender, 0, 0, cb)

	pdu := wire.EncodePDU(wire.MsgTypeFormatDataRequest, 0, wire.EncodeUint32(1))
	// Corrupt the dataLen field to claim more bytes than are present.
	pdu[4] = 0xFF
	pdu[5] = 0xFF

	if err := s.HandlePDU(pdu); err == nil {
		t.Fatalf("expected rejection for dataLen exceeding remaining buffer")
	}
}

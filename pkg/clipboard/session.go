// Package clipboard implements the clipboard protocol engine (C4): the
// client-role state machine, capability negotiation, feature-mask
// filtering, and the four data-transfer sub-flows described in spec.md
// §4.4. The wire codec lives in pkg/clipboard/wire; this package owns
// session state and the dispatch logic layered on top of it.
package clipboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/rdpgo/vchannel/internal/logger"
	"github.com/rdpgo/vchannel/pkg/clipboard/wire"
	"github.com/rdpgo/vchannel/pkg/metrics"
	"github.com/rdpgo/vchannel/pkg/vcerr"
)

// FeatureMask gates which directions of clipboard traffic the session
// permits, per spec.md §4.4.4.
type FeatureMask uint32

const (
	// FeatureRemoteToLocal allows server to client data requests for any format.
	FeatureRemoteToLocal FeatureMask = 1 << iota
	// FeatureRemoteToLocalFiles allows server to client file-contents requests.
	FeatureRemoteToLocalFiles
	// FeatureLocalToRemote allows client to server data.
	FeatureLocalToRemote
	// FeatureLocalToRemoteFiles allows client to server file-contents.
	FeatureLocalToRemoteFiles
)

const fileGroupDescriptorName = "FileGroupDescriptorW"

// State is one of the four client-role states from spec.md §4.4.8.
type State int

const (
	StateAwaitingCaps State = iota
	StateCapsReceived
	StateAwaitingMonitorReady
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAwaitingCaps:
		return "AwaitingCaps"
	case StateCapsReceived:
		return "CapsReceived"
	case StateAwaitingMonitorReady:
		return "AwaitingMonitorReady"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Sender delivers a fully framed outbound PDU to the transport. Typically
// backed by a transport.Channel's Write method.
type Sender interface {
	Send(pdu []byte) error
}

// Callbacks is the application's hook into clipboard data flow. The engine
// parses and dispatches; it never retains clipboard payloads itself.
type Callbacks interface {
	// OnRemoteFormatList delivers a filtered list advertised by the server.
	OnRemoteFormatList(formats []wire.Format)
	// ProvideFormatData supplies local clipboard bytes for formatID in
	// response to a FormatDataRequest from the server.
	ProvideFormatData(formatID uint32) ([]byte, error)
	// OnFormatDataResponse delivers format bytes requested earlier by
	// SendFormatDataRequest.
	OnFormatDataResponse(ok bool, data []byte)
	// ProvideFileContents supplies file bytes for a FileContentsRequest
	// from the server.
	ProvideFileContents(req wire.FileContentsRequest) ([]byte, error)
	// OnFileContentsResponse delivers bytes requested earlier by
	// SendFileContentsRequest.
	OnFileContentsResponse(streamID uint32, ok bool, data []byte)
	// OnLock and OnUnlock deliver the (unimplemented, pass-through) lock
	// protocol to the application.
	OnLock(clipDataID uint32)
	OnUnlock(clipDataID uint32)
}

// Session is one clipboard channel's negotiated state, per spec.md §4.4.
// All exported methods are safe for concurrent use.
type Session struct {
	send      Sender
	callbacks Callbacks
	feature   FeatureMask
	desired   uint32
	metrics   metrics.ClipboardMetrics

	mu               sync.Mutex
	state            State
	negotiated       uint32
	serverOffered    uint32
	initialListSent  bool
	pendingDataReq   bool
	pendingDataAt    time.Time
	pendingFileReq   map[uint32]struct{}

	lockedMu sync.Mutex
	lockedIDs map[uint32]struct{}
}

// NewSession creates a clipboard client-role session. desiredFlags is the
// set of general-capability bits (wire.Caps*) this client wishes to
// advertise; the final negotiated set is ANDed against whatever the server
// offers, per spec.md §4.4.1.
func NewSession(send Sender, desiredFlags uint32, feature FeatureMask, callbacks Callbacks) *Session {
	return &Session{
		send:           send,
		callbacks:      callbacks,
		feature:        feature,
		desired:        desiredFlags,
		state:          StateAwaitingCaps,
		pendingFileReq: make(map[uint32]struct{}),
		lockedIDs:      make(map[uint32]struct{}),
	}
}

// SetMetrics installs a recorder for clipboard protocol activity (C7). Nil
// is safe and is the default: NewSession leaves it unset, so callers only
// wire this when metrics.NewClipboardMetrics() returns non-nil.
func (s *Session) SetMetrics(m metrics.ClipboardMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// State returns the session's current client-role state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandlePDU dispatches one fully reassembled clipboard PDU.
func (s *Session) HandlePDU(pdu []byte) error {
	hdr, err := wire.DecodeHeader(pdu)
	if err != nil {
		return vcerr.InvalidData("clipboard: %v", err)
	}
	body := pdu[wire.HeaderLen:]
	if int(hdr.DataLen) > len(body) {
		return vcerr.InvalidData("clipboard: dataLen %d exceeds remaining buffer %d", hdr.DataLen, len(body))
	}
	body = body[:hdr.DataLen]

	switch hdr.MsgType {
	case wire.MsgTypeClipCaps:
		return s.handleCaps(body)
	case wire.MsgTypeMonitorReady:
		return s.handleMonitorReady()
	case wire.MsgTypeFormatList:
		return s.handleFormatList(hdr, body)
	case wire.MsgTypeFormatListResponse:
		return nil
	case wire.MsgTypeFormatDataRequest:
		return s.handleFormatDataRequest(body)
	case wire.MsgTypeFormatDataResponse:
		return s.handleFormatDataResponse(hdr, body)
	case wire.MsgTypeFileContentsReq:
		return s.handleFileContentsRequest(body)
	case wire.MsgTypeFileContentsResp:
		return s.handleFileContentsResponse(hdr, body)
	case wire.MsgTypeLockClipData:
		return s.handleLock(body)
	case wire.MsgTypeUnlockClipData:
		return s.handleUnlock(body)
	default:
		logger.Warn("clipboard: unknown msgType, ignoring", "msgType", hdr.MsgType)
		if s.metrics != nil {
			s.metrics.RecordFailure("unknown")
		}
		return vcerr.BadProc("clipboard: unknown msgType %d", hdr.MsgType)
	}
}

// handleCaps records the server's offered capabilities and advances the
// state machine. It does not itself send anything: the client's single
// ClientCaps echo is driven off MonitorReady (handleMonitorReady), matching
// FreeRDP's cliprdr_process_capabilities, which only records the peer's
// general flags.
func (s *Session) handleCaps(body []byte) error {
	sets, err := wire.DecodeCapabilitySets(body)
	if err != nil {
		return vcerr.InvalidData("clipboard: %v", err)
	}
	var offered uint32
	if len(sets) > 0 {
		offered = sets[0].GeneralFlags
	}

	s.mu.Lock()
	s.serverOffered = offered
	s.negotiated = s.desired & offered
	s.state = StateCapsReceived
	s.mu.Unlock()

	return nil
}

func (s *Session) handleMonitorReady() error {
	s.mu.Lock()
	if s.state != StateCapsReceived {
		// No prior Capabilities: adopt defaults equivalent to generalFlags=0.
		s.negotiated = 0
		s.serverOffered = 0
	}
	s.state = StateReady
	s.mu.Unlock()

	if err := s.sendClientCaps(); err != nil {
		return err
	}
	return s.sendInitialFormatList()
}

func (s *Session) sendClientCaps() error {
	s.mu.Lock()
	negotiated := s.negotiated
	s.mu.Unlock()

	body := wire.EncodeCapabilitySets([]wire.GeneralCapabilitySet{{Version: 2, GeneralFlags: negotiated}})
	return s.send.Send(wire.EncodePDU(wire.MsgTypeClipCaps, 0, body))
}

// sendInitialFormatList sends the client's one mandatory initial
// ClientFormatList (possibly empty), per spec.md §4.4.1. Subsequent empty
// lists after this point are suppressed by SendLocalFormatList.
func (s *Session) sendInitialFormatList() error {
	s.mu.Lock()
	alreadySent := s.initialListSent
	s.mu.Unlock()
	if alreadySent {
		return nil
	}
	return s.SendLocalFormatList(nil)
}

func (s *Session) useLongFormatNames() bool {
	return s.negotiated&wire.CapsUseLongFormatNames != 0
}

// SendLocalFormatList sends a ClientFormatList after filtering it against
// FeatureLocalToRemote(Files), per spec.md §4.4.4. An empty list is only
// transmitted once (the mandatory initial advertisement); later empty
// lists are suppressed.
func (s *Session) SendLocalFormatList(formats []wire.Format) error {
	s.mu.Lock()
	filtered := filterOutbound(formats, s.feature)
	alreadySent := s.initialListSent
	long := s.useLongFormatNames()
	s.mu.Unlock()

	if len(filtered) == 0 && alreadySent {
		return nil
	}

	var body []byte
	var flags uint16
	if long {
		body = wire.EncodeLongFormatList(filtered)
	} else {
		flags = wire.FlagASCIINames
		body = wire.EncodeShortFormatList(filtered, true)
	}

	if err := s.send.Send(wire.EncodePDU(wire.MsgTypeFormatList, flags, body)); err != nil {
		return err
	}

	s.mu.Lock()
	s.initialListSent = true
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.ObserveFormatList("outbound", len(filtered))
	}
	return nil
}

func filterOutbound(formats []wire.Format, feature FeatureMask) []wire.Format {
	return filterFormats(formats, feature, FeatureLocalToRemote, FeatureLocalToRemoteFiles)
}

func filterInbound(formats []wire.Format, feature FeatureMask) []wire.Format {
	return filterFormats(formats, feature, FeatureRemoteToLocal, FeatureRemoteToLocalFiles)
}

// filterFormats implements the symmetric feature-mask filtering rule of
// spec.md §4.4.4 for either direction.
func filterFormats(formats []wire.Format, feature FeatureMask, dataFlag, filesFlag FeatureMask) []wire.Format {
	allowData := feature&dataFlag != 0
	allowFiles := feature&filesFlag != 0

	if !allowData && !allowFiles {
		return nil
	}
	if allowData && allowFiles {
		return formats
	}

	out := make([]wire.Format, 0, len(formats))
	for _, f := range formats {
		isFileGroup := f.Name == fileGroupDescriptorName
		if allowFiles && !allowData {
			if isFileGroup {
				out = append(out, f)
			}
			continue
		}
		// allowData && !allowFiles: strip the FileGroupDescriptorW entry.
		if !isFileGroup {
			out = append(out, f)
		}
	}
	return out
}

func (s *Session) handleFormatList(hdr wire.Header, body []byte) error {
	var formats []wire.Format
	var err error
	if hdr.MsgFlags&wire.FlagASCIINames != 0 || !s.useLongFormatNames() {
		formats, err = wire.DecodeShortFormatList(body, hdr.MsgFlags&wire.FlagASCIINames != 0)
	} else {
		formats, err = wire.DecodeLongFormatList(body)
	}
	if err != nil {
		return vcerr.InvalidData("clipboard: %v", err)
	}

	s.mu.Lock()
	filtered := filterInbound(formats, s.feature)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveFormatList("inbound", len(filtered))
	}
	s.callbacks.OnRemoteFormatList(filtered)

	okBody := []byte{}
	return s.send.Send(wire.EncodePDU(wire.MsgTypeFormatListResponse, wire.FlagResponseOK, okBody))
}

// SendFormatDataRequest issues a FormatDataRequest for formatID. Per
// spec.md §9's Open Question, outstanding requests are sequential: a
// second request before the first's response is an error.
func (s *Session) SendFormatDataRequest(formatID uint32) error {
	s.mu.Lock()
	if s.pendingDataReq {
		s.mu.Unlock()
		return vcerr.New(vcerr.ErrInternal, "clipboard: a FormatDataRequest is already outstanding")
	}
	s.pendingDataReq = true
	s.pendingDataAt = time.Now()
	s.mu.Unlock()

	body := wire.EncodeUint32(formatID)
	if err := s.send.Send(wire.EncodePDU(wire.MsgTypeFormatDataRequest, 0, body)); err != nil {
		s.mu.Lock()
		s.pendingDataReq = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) handleFormatDataRequest(body []byte) error {
	formatID, err := wire.DecodeUint32(body)
	if err != nil {
		return vcerr.InvalidData("clipboard: %v", err)
	}

	s.mu.Lock()
	allowed := s.feature&FeatureLocalToRemote != 0
	m := s.metrics
	s.mu.Unlock()

	if !allowed {
		if m != nil {
			m.RecordFailure("formatDataRequest")
		}
		return s.send.Send(wire.EncodePDU(wire.MsgTypeFormatDataResponse, wire.FlagResponseFail, nil))
	}

	start := time.Now()
	data, err := s.callbacks.ProvideFormatData(formatID)
	if err != nil {
		if m != nil {
			m.RecordFailure("formatDataRequest")
		}
		return s.send.Send(wire.EncodePDU(wire.MsgTypeFormatDataResponse, wire.FlagResponseFail, nil))
	}
	if m != nil {
		m.ObserveDataTransfer("outbound", len(data), time.Since(start))
	}
	return s.send.Send(wire.EncodePDU(wire.MsgTypeFormatDataResponse, wire.FlagResponseOK, data))
}

func (s *Session) handleFormatDataResponse(hdr wire.Header, body []byte) error {
	s.mu.Lock()
	s.pendingDataReq = false
	started := s.pendingDataAt
	m := s.metrics
	s.mu.Unlock()

	ok := hdr.MsgFlags&wire.FlagResponseOK != 0
	if m != nil {
		if ok {
			m.ObserveDataTransfer("inbound", len(body), time.Since(started))
		} else {
			m.RecordFailure("formatDataResponse")
		}
	}
	s.callbacks.OnFormatDataResponse(ok, body)
	return nil
}

// SendFileContentsRequest issues a FileContentsRequest. Per spec.md
// §4.4.5, if huge-file-support has not been negotiated, positionHigh must
// be zero and positionLow+cbRequested must not exceed 2^32-1.
func (s *Session) SendFileContentsRequest(req wire.FileContentsRequest) error {
	s.mu.Lock()
	hugeFile := s.negotiated&wire.CapsHugeFileSupport != 0
	s.mu.Unlock()

	if !hugeFile {
		if req.PositionHigh != 0 {
			return vcerr.InvalidData("clipboard: positionHigh must be zero without huge-file-support")
		}
		if uint64(req.PositionLow)+uint64(req.CbRequested) > 0xFFFFFFFF {
			return vcerr.InvalidData("clipboard: positionLow+cbRequested overflows 32 bits without huge-file-support")
		}
	}

	s.mu.Lock()
	s.pendingFileReq[req.StreamID] = struct{}{}
	s.mu.Unlock()

	return s.send.Send(wire.EncodePDU(wire.MsgTypeFileContentsReq, 0, wire.EncodeFileContentsRequest(req)))
}

func (s *Session) handleFileContentsRequest(body []byte) error {
	req, err := wire.DecodeFileContentsRequest(body)
	if err != nil {
		return vcerr.InvalidData("clipboard: %v", err)
	}

	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()

	kind := "range"
	if req.DwFlags&wire.FileContentsSize != 0 {
		kind = "size"
	}
	if m != nil {
		m.ObserveFileContentsRequest(kind)
	}

	if req.DwFlags&wire.FileContentsSize != 0 && req.CbRequested != 8 {
		return s.failFileContents(req.StreamID, true)
	}

	s.mu.Lock()
	allowed := s.feature&FeatureLocalToRemoteFiles != 0
	s.mu.Unlock()

	if !allowed {
		return s.failFileContents(req.StreamID, false)
	}

	data, err := s.callbacks.ProvideFileContents(req)
	if err != nil {
		return s.failFileContents(req.StreamID, false)
	}

	body2 := make([]byte, 4+len(data))
	streamIDBytes := wire.EncodeUint32(req.StreamID)
	copy(body2[0:4], streamIDBytes)
	copy(body2[4:], data)
	return s.send.Send(wire.EncodePDU(wire.MsgTypeFileContentsResp, wire.FlagResponseOK, body2))
}

// failFileContents answers with CB_RESPONSE_FAIL. badArguments is
// informational only (the wire response shape is identical); it exists so
// callers matching spec.md §8's ERROR_BAD_ARGUMENTS boundary case can
// distinguish the reason in logs.
func (s *Session) failFileContents(streamID uint32, badArguments bool) error {
	if badArguments {
		logger.Warn("clipboard: FileContentsRequest rejected, bad arguments", "streamId", streamID)
	}
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.RecordFailure("fileContentsRequest")
	}
	return s.send.Send(wire.EncodePDU(wire.MsgTypeFileContentsResp, wire.FlagResponseFail, nil))
}

func (s *Session) handleFileContentsResponse(hdr wire.Header, body []byte) error {
	if len(body) < 4 {
		return vcerr.InvalidData("clipboard: FileContentsResponse body too short")
	}
	streamID, _ := wire.DecodeUint32(body)

	s.mu.Lock()
	delete(s.pendingFileReq, streamID)
	s.mu.Unlock()

	ok := hdr.MsgFlags&wire.FlagResponseOK != 0
	s.callbacks.OnFileContentsResponse(streamID, ok, body[4:])
	return nil
}

func (s *Session) handleLock(body []byte) error {
	id, err := wire.DecodeUint32(body)
	if err != nil {
		return vcerr.InvalidData("clipboard: %v", err)
	}
	s.lockedMu.Lock()
	s.lockedIDs[id] = struct{}{}
	s.lockedMu.Unlock()

	s.callbacks.OnLock(id)
	return nil
}

func (s *Session) handleUnlock(body []byte) error {
	id, err := wire.DecodeUint32(body)
	if err != nil {
		return vcerr.InvalidData("clipboard: %v", err)
	}
	s.lockedMu.Lock()
	delete(s.lockedIDs, id)
	s.lockedMu.Unlock()

	s.callbacks.OnUnlock(id)
	return nil
}

// LockedIDs returns the clipDataIds currently believed locked by the peer.
// This is a diagnostic bookkeeping supplement beyond the pass-through
// contract of spec.md §4.4.6: the engine does not enforce retention, but
// tracking which ids are outstanding lets an embedding application audit
// leaked locks (a peer that Locks and disconnects without Unlocking).
func (s *Session) LockedIDs() []uint32 {
	s.lockedMu.Lock()
	defer s.lockedMu.Unlock()
	ids := make([]uint32, 0, len(s.lockedIDs))
	for id := range s.lockedIDs {
		ids = append(ids, id)
	}
	return ids
}

// SendLock and SendUnlock emit the optional lock protocol from this side.
func (s *Session) SendLock(clipDataID uint32) error {
	return s.send.Send(wire.EncodePDU(wire.MsgTypeLockClipData, 0, wire.EncodeUint32(clipDataID)))
}

func (s *Session) SendUnlock(clipDataID uint32) error {
	return s.send.Send(wire.EncodePDU(wire.MsgTypeUnlockClipData, 0, wire.EncodeUint32(clipDataID)))
}

// SendTempDirectory sends the optional TempDirectory PDU: a fixed
// 520-byte UTF-16 path, null-padded to 260 code units.
func (s *Session) SendTempDirectory(path string) error {
	body := wire.EncodeUTF16Fixed(path, 260)
	return s.send.Send(wire.EncodePDU(wire.MsgTypeTempDirectory, 0, body))
}

// String renders the session's negotiation state, for logging.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("clipboard.Session{state=%s negotiated=%#x}", s.state, s.negotiated)
}

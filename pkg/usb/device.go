package usb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rdpgo/vchannel/internal/logger"
	"github.com/rdpgo/vchannel/pkg/usb/hoststack"
	"github.com/rdpgo/vchannel/pkg/usb/wire"
	"github.com/rdpgo/vchannel/pkg/vcerr"
)

const defaultControlTransferTimeout = 2000 * time.Millisecond

// DeviceChannel handles one device-dedicated dynamic channel's message
// stream: the function dispatch table of spec.md §4.5.3 and the URB
// dispatch table of spec.md §4.5.4.
type DeviceChannel struct {
	mgr  *Manager
	dev  *Device
	send Sender
}

// NewDeviceChannel binds a device-stream handler to dev, sending
// responses via send.
func NewDeviceChannel(mgr *Manager, dev *Device, send Sender) *DeviceChannel {
	return &DeviceChannel{mgr: mgr, dev: dev, send: send}
}

// HandleMessage dispatches one device-stream message by its functionId
// (spec.md §4.5.3).
func (dc *DeviceChannel) HandleMessage(msg []byte) error {
	hdr, body, ok := wire.DecodeMessageHeader(msg)
	if !ok {
		return vcerr.InvalidData("usb: device message shorter than header")
	}

	dc.dev.mu.Lock()
	torndown := dc.dev.torndown
	dc.dev.mu.Unlock()
	if torndown {
		return vcerr.NoDevice("usb: device %d torn down", dc.dev.ID)
	}

	switch hdr.FunctionID {
	case wire.FuncCancelRequest:
		return dc.handleCancelRequest(hdr, body)
	case wire.FuncRegisterRequestCallback:
		return dc.handleRegisterRequestCallback(hdr, body)
	case wire.FuncIOControl:
		return dc.handleIOControl(hdr, body)
	case wire.FuncInternalIOControl:
		return dc.handleInternalIOControl(hdr)
	case wire.FuncQueryDeviceText:
		return dc.handleQueryDeviceText(hdr, body)
	case wire.FuncTransferInRequest:
		return dc.handleTransfer(hdr, body, true)
	case wire.FuncTransferOutRequest:
		return dc.handleTransfer(hdr, body, false)
	case wire.FuncRetractDevice:
		return dc.handleRetractDevice(body)
	default:
		return vcerr.BadProc("usb: unknown device functionId %#x", hdr.FunctionID)
	}
}

// handleCancelRequest implements CANCEL_REQUEST (spec.md §4.5.3): look up
// the request, retry up to 10x/100ms if not yet submitted, then invoke
// the host cancel and mark the transfer cancelled.
func (dc *DeviceChannel) handleCancelRequest(hdr wire.MessageHeader, body []byte) error {
	if len(body) < 4 {
		return vcerr.InvalidData("usb: CancelRequest body too short")
	}
	requestID := binary.LittleEndian.Uint32(body[0:4])

	var t *transferState
	for retry := 0; retry < 10; retry++ {
		dc.dev.mu.Lock()
		t = dc.dev.transfers[requestID]
		submitted := t != nil && t.submitted
		dc.dev.mu.Unlock()
		if submitted {
			break
		}
		if retry < 9 {
			time.Sleep(100 * time.Millisecond)
		}
	}

	if t == nil {
		return vcerr.New(vcerr.ErrInternal, "usb: cancel request for unknown requestId %d", requestID)
	}

	dc.dev.mu.Lock()
	t.cancelled = true
	cancel := t.cancelFunc
	dc.dev.mu.Unlock()

	if err := dc.mgr.host.CancelTransfer(dc.dev.Handle, requestID); err != nil {
		logger.Warn("usb: host cancel failed", "requestId", requestID, "error", err)
	}
	if cancel != nil {
		cancel()
	}
	if dc.mgr.metrics != nil {
		dc.mgr.metrics.ObserveCancellation("transfer")
	}
	return nil
}

// handleRegisterRequestCallback implements REGISTER_REQUEST_CALLBACK
// (spec.md §4.5.3).
func (dc *DeviceChannel) handleRegisterRequestCallback(hdr wire.MessageHeader, body []byte) error {
	if len(body) >= 8 {
		id := binary.LittleEndian.Uint32(body[4:8])
		dc.dev.mu.Lock()
		dc.dev.requestCompletion = id
		dc.dev.hasCompletion = true
		dc.dev.mu.Unlock()
		return nil
	}

	// Unregister: wait 3s, ack with an empty body, then tear the device down.
	time.Sleep(3 * time.Second)
	dc.dev.mu.Lock()
	dc.dev.hasCompletion = false
	dc.dev.mu.Unlock()

	resp := wire.EncodeMessageHeader(hdr)
	if err := dc.send.Send(resp); err != nil {
		return err
	}
	return dc.mgr.Teardown(dc.dev.ID)
}

// handleIOControl implements IO_CONTROL (spec.md §4.5.3).
func (dc *DeviceChannel) handleIOControl(hdr wire.MessageHeader, body []byte) error {
	if len(body) < 4 {
		return vcerr.InvalidData("usb: IoControl body too short")
	}
	ioctl := binary.LittleEndian.Uint32(body[0:4])

	switch ioctl {
	case wire.IoctlGetPortStatus:
		status := wire.PortStatusForBcdUSB(dc.dev.Desc.BcdUSB)
		resp := make([]byte, 4)
		binary.LittleEndian.PutUint32(resp, status)
		return dc.send.Send(append(wire.EncodeMessageHeader(hdr), resp...))
	case wire.IoctlSubmitURB, wire.IoctlResetPort, wire.IoctlCyclePort, wire.IoctlSubmitIdleNotify:
		return dc.send.Send(wire.EncodeMessageHeader(hdr))
	default:
		return vcerr.BadProc("usb: unsupported IOCTL %#x", ioctl)
	}
}

// handleInternalIOControl implements INTERNAL_IO_CONTROL: a monotonic
// millisecond frame counter (spec.md §4.5.3).
func (dc *DeviceChannel) handleInternalIOControl(hdr wire.MessageHeader) error {
	frame := dc.nextFrameNumber()
	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, frame)
	return dc.send.Send(append(wire.EncodeMessageHeader(hdr), resp...))
}

func (dc *DeviceChannel) nextFrameNumber() uint32 {
	dc.dev.isochMu.Lock()
	defer dc.dev.isochMu.Unlock()
	dc.dev.frameCtr = uint32(time.Now().UnixMilli())
	return dc.dev.frameCtr
}

// handleQueryDeviceText implements QUERY_DEVICE_TEXT (spec.md §4.5.3).
func (dc *DeviceChannel) handleQueryDeviceText(hdr wire.MessageHeader, body []byte) error {
	text := dc.dev.Desc.IProduct
	if text == "" {
		text = fmt.Sprintf("Port_#%04d.Hub_#%04d", dc.dev.Handle.Addr, dc.dev.Handle.Bus)
	}
	encoded := utf16Encode(text)
	if len(encoded) == 0 {
		encoded = utf16Encode("Generic Usb String")
	}
	return dc.send.Send(append(wire.EncodeMessageHeader(hdr), encoded...))
}

func utf16Encode(s string) []byte {
	units := []rune(s)
	buf := make([]byte, 0, len(units)*2)
	for _, r := range units {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(r))
		buf = append(buf, b[:]...)
	}
	return buf
}

// handleRetractDevice implements RETRACT_DEVICE (spec.md §4.5.3): the
// only defined reason (BlockedByPolicy) is rejected.
func (dc *DeviceChannel) handleRetractDevice(body []byte) error {
	if len(body) < 4 {
		return vcerr.InvalidData("usb: RetractDevice body too short")
	}
	reason := binary.LittleEndian.Uint32(body[0:4])
	if reason == wire.RetractReasonBlockedByPolicy {
		return vcerr.New(vcerr.ErrInternal, "usb: retract rejected, device blocked by policy")
	}
	return vcerr.NotSupported("usb: unknown retract reason %d", reason)
}

// handleTransfer decodes the inner URB from a TRANSFER_IN_REQUEST or
// TRANSFER_OUT_REQUEST and dispatches it per spec.md §4.5.4.
func (dc *DeviceChannel) handleTransfer(hdr wire.MessageHeader, body []byte, directionIn bool) error {
	urbHdr, payload, ok := wire.DecodeURBHeader(body)
	if !ok {
		return vcerr.InvalidData("usb: truncated URB header")
	}

	switch urbHdr.Function {
	case wire.URBFunctionSelectConfiguration:
		return dc.dispatchSelectConfiguration(hdr, urbHdr, payload, directionIn)
	case wire.URBFunctionSelectInterface:
		return dc.dispatchSelectInterface(hdr, urbHdr, payload, directionIn)
	case wire.URBFunctionControlTransfer:
		return dc.dispatchControlTransfer(hdr, urbHdr, payload, directionIn, defaultControlTransferTimeout)
	case wire.URBFunctionControlTransferEx:
		return dc.dispatchControlTransferEx(hdr, urbHdr, payload, directionIn)
	case wire.URBFunctionBulkOrInterruptTransfer:
		return dc.dispatchBulkOrInterrupt(hdr, urbHdr, payload, directionIn)
	case wire.URBFunctionISOCHTransfer:
		return dc.dispatchIsoch(hdr, urbHdr, payload, directionIn)
	case wire.URBFunctionGetDescriptorFromDevice:
		return dc.dispatchGetSetDescriptor(hdr, urbHdr, payload, wire.RecipientDevice, true)
	case wire.URBFunctionGetDescriptorFromInterface:
		return dc.dispatchGetSetDescriptor(hdr, urbHdr, payload, wire.RecipientInterface, true)
	case wire.URBFunctionGetDescriptorFromEndpoint:
		return dc.dispatchGetSetDescriptor(hdr, urbHdr, payload, wire.RecipientEndpoint, true)
	case wire.URBFunctionSetDescriptorToDevice:
		return dc.dispatchGetSetDescriptor(hdr, urbHdr, payload, wire.RecipientDevice, false)
	case wire.URBFunctionSetDescriptorToInterface:
		return dc.dispatchGetSetDescriptor(hdr, urbHdr, payload, wire.RecipientInterface, false)
	case wire.URBFunctionSetDescriptorToEndpoint:
		return dc.dispatchGetSetDescriptor(hdr, urbHdr, payload, wire.RecipientEndpoint, false)
	case wire.URBFunctionGetStatusFromDevice:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestGetStatus, wire.RecipientDevice, true)
	case wire.URBFunctionGetStatusFromInterface:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestGetStatus, wire.RecipientInterface, true)
	case wire.URBFunctionGetStatusFromEndpoint:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestGetStatus, wire.RecipientEndpoint, true)
	case wire.URBFunctionClearFeatureToDevice:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestClearFeature, wire.RecipientDevice, false)
	case wire.URBFunctionClearFeatureToInterface:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestClearFeature, wire.RecipientInterface, false)
	case wire.URBFunctionClearFeatureToEndpoint:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestClearFeature, wire.RecipientEndpoint, false)
	case wire.URBFunctionSetFeatureToDevice:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestSetFeature, wire.RecipientDevice, false)
	case wire.URBFunctionSetFeatureToInterface:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestSetFeature, wire.RecipientInterface, false)
	case wire.URBFunctionSetFeatureToEndpoint:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestSetFeature, wire.RecipientEndpoint, false)
	case wire.URBFunctionGetConfiguration:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestGetConfiguration, wire.RecipientDevice, true)
	case wire.URBFunctionGetInterface:
		return dc.dispatchStandardRequest(hdr, urbHdr, payload, wire.StdRequestGetInterface, wire.RecipientInterface, true)
	case wire.URBFunctionVendorDevice:
		return dc.dispatchVendorClass(hdr, urbHdr, payload, wire.RequestTypeVendor, wire.RecipientDevice)
	case wire.URBFunctionVendorInterface:
		return dc.dispatchVendorClass(hdr, urbHdr, payload, wire.RequestTypeVendor, wire.RecipientInterface)
	case wire.URBFunctionVendorEndpoint:
		return dc.dispatchVendorClass(hdr, urbHdr, payload, wire.RequestTypeVendor, wire.RecipientEndpoint)
	case wire.URBFunctionClassDevice:
		return dc.dispatchVendorClass(hdr, urbHdr, payload, wire.RequestTypeClass, wire.RecipientDevice)
	case wire.URBFunctionClassInterface:
		return dc.dispatchVendorClass(hdr, urbHdr, payload, wire.RequestTypeClass, wire.RecipientInterface)
	case wire.URBFunctionClassEndpoint:
		return dc.dispatchVendorClass(hdr, urbHdr, payload, wire.RequestTypeClass, wire.RecipientEndpoint)
	case wire.URBFunctionGetMSFeatureDescriptor:
		return dc.dispatchGetSetDescriptor(hdr, urbHdr, payload, wire.RecipientDevice, true)
	case wire.URBFunctionSyncResetPipeAndClearStall, wire.URBFunctionSyncClearStall, wire.URBFunctionAbortPipe:
		return dc.dispatchResetPipe(hdr, urbHdr, payload)
	case wire.URBFunctionGetCurrentFrameNumber:
		return dc.handleInternalIOControl(hdr)
	case wire.URBFunctionGetFrameLength, wire.URBFunctionSetFrameLength, wire.URBFunctionGetFrameLengthFlag:
		return dc.completeURB(hdr, urbHdr.RequestID, directionIn, hoststack.TransferResult{Status: hoststack.StatusNotSupported})
	default:
		return vcerr.NotSupported("usb: unsupported URB function %#x", urbHdr.Function)
	}
}

func (dc *DeviceChannel) dispatchSelectConfiguration(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, directionIn bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultControlTransferTimeout)
	defer cancel()
	result, err := dc.mgr.host.SetConfiguration(ctx, dc.dev.Handle, payload)
	if err != nil {
		return dc.completeURB(hdr, urbHdr.RequestID, directionIn, hoststack.TransferResult{Status: hoststack.StatusIOError})
	}
	return dc.completeURB(hdr, urbHdr.RequestID, directionIn, result)
}

func (dc *DeviceChannel) dispatchSelectInterface(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, directionIn bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultControlTransferTimeout)
	defer cancel()
	result, err := dc.mgr.host.SetAltSetting(ctx, dc.dev.Handle, payload)
	if err != nil {
		return dc.completeURB(hdr, urbHdr.RequestID, directionIn, hoststack.TransferResult{Status: hoststack.StatusIOError})
	}

	endpoints := make([]byte, 0, len(payload)*5)
	for _, endpointAddr := range payload {
		pipe := wire.NewPipeHandle(dc.dev.Handle.Bus, dc.dev.Handle.Addr, endpointAddr)
		var entry [5]byte
		entry[0] = endpointAddr
		binary.LittleEndian.PutUint32(entry[1:5], uint32(pipe))
		endpoints = append(endpoints, entry[:]...)
	}
	result.Data = endpoints
	return dc.completeURB(hdr, urbHdr.RequestID, directionIn, result)
}

// dispatchControlTransfer implements CONTROL_TRANSFER, always dispatched
// with the 2000 ms default timeout (spec.md §4.5.4).
func (dc *DeviceChannel) dispatchControlTransfer(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, directionIn bool, timeout time.Duration) error {
	p, ok := wire.DecodeControlTransferPayload(payload)
	if !ok {
		return vcerr.InvalidData("usb: truncated CONTROL_TRANSFER payload")
	}
	return dc.doControlTransfer(hdr, urbHdr, p, directionIn, timeout)
}

// dispatchControlTransferEx implements CONTROL_TRANSFER_EX, whose payload
// carries an explicit leading TimeOut field instead of the 2000 ms default
// (spec.md §4.5.4: "configurable timeout (default 2000 ms, explicit for
// _EX)").
func (dc *DeviceChannel) dispatchControlTransferEx(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, directionIn bool) error {
	p, timeoutMs, ok := wire.DecodeControlTransferExPayload(payload)
	if !ok {
		return vcerr.InvalidData("usb: truncated CONTROL_TRANSFER_EX payload")
	}
	return dc.doControlTransfer(hdr, urbHdr, p, directionIn, time.Duration(timeoutMs)*time.Millisecond)
}

func (dc *DeviceChannel) doControlTransfer(hdr wire.MessageHeader, urbHdr wire.URBHeader, p wire.ControlTransferPayload, directionIn bool, timeout time.Duration) error {
	setup := hoststack.ControlSetup{BmRequestType: p.BmRequestType, BRequest: p.BRequest, WValue: p.WValue, WIndex: p.WIndex, WLength: p.WLength}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := dc.mgr.host.ControlTransfer(ctx, dc.dev.Handle, setup, p.OutData, timeout)
	if err != nil {
		return dc.completeURB(hdr, urbHdr.RequestID, directionIn, hoststack.TransferResult{Status: hoststack.StatusIOError})
	}
	return dc.completeURB(hdr, urbHdr.RequestID, directionIn, result)
}

func (dc *DeviceChannel) dispatchGetSetDescriptor(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, recipient uint8, isGet bool) error {
	p, ok := wire.DecodeGetSetDescriptorPayload(payload)
	if !ok {
		return vcerr.InvalidData("usb: truncated descriptor payload")
	}

	bmRequestType := recipient
	bRequest := wire.StdRequestSetDescriptor
	if isGet {
		bmRequestType |= wire.RequestTypeDirectionIn
		bRequest = wire.StdRequestGetDescriptor
	}

	setup := hoststack.ControlSetup{
		BmRequestType: bmRequestType,
		BRequest:      bRequest,
		WValue:        uint16(p.DescriptorType)<<8 | uint16(p.DescriptorIndex),
		WIndex:        p.LangID,
		WLength:       uint16(p.OutputBufferSize),
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultControlTransferTimeout)
	defer cancel()
	result, err := dc.mgr.host.ControlTransfer(ctx, dc.dev.Handle, setup, p.OutData, defaultControlTransferTimeout)
	if err != nil {
		return dc.completeURB(hdr, urbHdr.RequestID, isGet, hoststack.TransferResult{Status: hoststack.StatusIOError})
	}
	return dc.completeURB(hdr, urbHdr.RequestID, isGet, result)
}

func (dc *DeviceChannel) dispatchStandardRequest(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, bRequest uint8, recipient uint8, isGet bool) error {
	p, ok := wire.DecodeStandardRequestPayload(payload)
	if !ok {
		return vcerr.InvalidData("usb: truncated standard request payload")
	}

	bmRequestType := recipient
	if isGet {
		bmRequestType |= wire.RequestTypeDirectionIn
	}
	setup := hoststack.ControlSetup{BmRequestType: bmRequestType, BRequest: bRequest, WValue: p.Value, WIndex: p.Index, WLength: uint16(p.OutputBufferSize)}

	ctx, cancel := context.WithTimeout(context.Background(), defaultControlTransferTimeout)
	defer cancel()
	result, err := dc.mgr.host.ControlTransfer(ctx, dc.dev.Handle, setup, nil, defaultControlTransferTimeout)
	if err != nil {
		return dc.completeURB(hdr, urbHdr.RequestID, isGet, hoststack.TransferResult{Status: hoststack.StatusIOError})
	}
	return dc.completeURB(hdr, urbHdr.RequestID, isGet, result)
}

func (dc *DeviceChannel) dispatchVendorClass(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, typeBits uint8, recipient uint8) error {
	p, ok := wire.DecodeVendorClassPayload(payload)
	if !ok {
		return vcerr.InvalidData("usb: truncated vendor/class request payload")
	}

	bmRequestType := typeBits | recipient
	if p.DirectionIn {
		bmRequestType |= wire.RequestTypeDirectionIn
	}
	setup := hoststack.ControlSetup{BmRequestType: bmRequestType, BRequest: p.BRequest, WValue: p.WValue, WIndex: p.WIndex, WLength: uint16(p.OutputBufferSize)}

	ctx, cancel := context.WithTimeout(context.Background(), defaultControlTransferTimeout)
	defer cancel()
	result, err := dc.mgr.host.ControlTransfer(ctx, dc.dev.Handle, setup, p.OutData, defaultControlTransferTimeout)
	if err != nil {
		return dc.completeURB(hdr, urbHdr.RequestID, p.DirectionIn, hoststack.TransferResult{Status: hoststack.StatusIOError})
	}
	return dc.completeURB(hdr, urbHdr.RequestID, p.DirectionIn, result)
}

func (dc *DeviceChannel) dispatchResetPipe(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte) error {
	if len(payload) < 1 {
		return vcerr.InvalidData("usb: truncated reset-pipe payload")
	}
	endpoint := payload[0]

	dc.dev.mu.Lock()
	for reqID, t := range dc.dev.transfers {
		if !t.done {
			_ = dc.mgr.host.CancelTransfer(dc.dev.Handle, reqID)
			t.cancelled = true
			if t.cancelFunc != nil {
				t.cancelFunc()
			}
		}
	}
	dc.dev.mu.Unlock()

	if err := dc.mgr.host.ResetPipeAndClearStall(dc.dev.Handle, endpoint); err != nil {
		return dc.completeURB(hdr, urbHdr.RequestID, false, hoststack.TransferResult{Status: hoststack.StatusIOError})
	}
	return dc.completeURB(hdr, urbHdr.RequestID, false, hoststack.TransferResult{Status: hoststack.StatusSuccess})
}

// dispatchBulkOrInterrupt submits an asynchronous bulk/interrupt transfer
// so that a subsequent CANCEL_REQUEST can preempt it before completion
// (spec.md §8 scenario 5). Interrupt IN requests whose requested size
// does not match wMaxPacketSize are clamped to it; interrupt transfers
// carry no timeout.
func (dc *DeviceChannel) dispatchBulkOrInterrupt(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, directionIn bool) error {
	p, ok := wire.DecodeBulkOrInterruptPayload(payload)
	if !ok {
		return vcerr.InvalidData("usb: truncated BULK_OR_INTERRUPT_TRANSFER payload")
	}

	size := p.OutputBufferSize
	if p.Interrupt && p.DirectionIn && p.WMaxPacketSize != 0 && size != uint32(p.WMaxPacketSize) {
		size = uint32(p.WMaxPacketSize)
	}

	timeout := time.Duration(0)
	if !p.Interrupt {
		timeout = defaultControlTransferTimeout
	}

	kind := "bulk"
	if p.Interrupt {
		kind = "interrupt"
	}
	dc.submitAsync(kind, urbHdr.RequestID, hdr, directionIn, func(ctx context.Context) (hoststack.TransferResult, error) {
		return dc.mgr.host.BulkOrInterruptTransfer(ctx, dc.dev.Handle, p.Endpoint, p.OutData, size, timeout)
	})
	return nil
}

// dispatchIsoch submits an isochronous transfer. When the request's
// no-ack bit is set, the URB completes locally and no response is ever
// emitted (spec.md §4.5.4).
func (dc *DeviceChannel) dispatchIsoch(hdr wire.MessageHeader, urbHdr wire.URBHeader, payload []byte, directionIn bool) error {
	p, ok := wire.DecodeIsochTransferPayload(payload)
	if !ok {
		return vcerr.InvalidData("usb: truncated ISOCH_TRANSFER payload")
	}

	packets := make([]hoststack.IsochPacket, len(p.Packets))
	for i, pkt := range p.Packets {
		packets[i] = hoststack.IsochPacket{Offset: pkt.Offset, Length: pkt.Length}
	}

	if p.NoAck {
		go func() {
			_, _, _ = dc.mgr.host.IsochTransfer(context.Background(), dc.dev.Handle, p.Endpoint, p.StartFrame, packets)
		}()
		return nil
	}

	dc.submitAsync("isoch", urbHdr.RequestID, hdr, directionIn, func(ctx context.Context) (hoststack.TransferResult, error) {
		results, status, err := dc.mgr.host.IsochTransfer(ctx, dc.dev.Handle, p.Endpoint, p.StartFrame, packets)
		if err != nil {
			return hoststack.TransferResult{}, err
		}
		return hoststack.TransferResult{Status: status, Data: encodeIsochResults(results)}, nil
	})
	return nil
}

func encodeIsochResults(results []hoststack.IsochPacket) []byte {
	buf := make([]byte, len(results)*12)
	for i, r := range results {
		binary.LittleEndian.PutUint32(buf[i*12:i*12+4], r.Offset)
		binary.LittleEndian.PutUint32(buf[i*12+4:i*12+8], r.Length)
		binary.LittleEndian.PutUint32(buf[i*12+8:i*12+12], wire.StatusFromHost(r.Status))
	}
	return buf
}

// submitAsync runs fn in a goroutine, tracking it in dev.transfers so a
// concurrent CANCEL_REQUEST can preempt it. On completion, if the
// transfer was cancelled in the meantime, the emitted completion instead
// carries usbdStatus=STALL_PID with an empty body and the normal result
// is discarded (spec.md §8 scenario 5: no second response is emitted for
// a transfer that both completes and is cancelled).
func (dc *DeviceChannel) submitAsync(kind string, requestID uint32, hdr wire.MessageHeader, directionIn bool, fn func(ctx context.Context) (hoststack.TransferResult, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	started := time.Now()

	t := &transferState{requestID: requestID}
	dc.dev.mu.Lock()
	dc.dev.transfers[requestID] = t
	t.cancelFunc = cancel
	dc.dev.mu.Unlock()

	dc.dev.pushAction()
	go func() {
		defer dc.dev.completeAction()
		defer cancel()

		result, err := fn(ctx)

		dc.dev.mu.Lock()
		alreadyCancelled := t.cancelled
		t.submitted = true
		t.done = true
		dc.dev.mu.Unlock()

		rec := dc.mgr.metrics
		if alreadyCancelled {
			if rec != nil {
				rec.ObserveTransfer(kind, time.Since(started), "cancelled")
			}
			_ = dc.completeURB(hdr, requestID, directionIn, hoststack.TransferResult{Status: hoststack.StatusCancelled})
			return
		}

		if err != nil {
			if rec != nil {
				rec.ObserveTransfer(kind, time.Since(started), "error")
			}
			_ = dc.completeURB(hdr, requestID, directionIn, hoststack.TransferResult{Status: hoststack.StatusIOError})
			return
		}
		if rec != nil {
			rec.ObserveTransfer(kind, time.Since(started), "ok")
		}
		_ = dc.completeURB(hdr, requestID, directionIn, result)
	}()

	// Mark submitted immediately so a CancelRequest racing the very start
	// of the goroutine does not spin through all 10 retries needlessly;
	// the goroutine above will still see t.cancelled if it arrives first.
	dc.dev.mu.Lock()
	t.submitted = true
	dc.dev.mu.Unlock()
}

func (dc *DeviceChannel) completeURB(hdr wire.MessageHeader, requestID uint32, directionIn bool, result hoststack.TransferResult) error {
	usbdStatus := wire.StatusFromHost(result.Status)
	data := result.Data
	if result.Status == hoststack.StatusCancelled {
		data = nil
	}
	msg := wire.EncodeURBCompletion(hdr.InterfaceID, hdr.MessageID, directionIn, wire.URBResult{RequestID: requestID, UsbdStatus: usbdStatus, Data: data})
	return dc.send.Send(msg)
}

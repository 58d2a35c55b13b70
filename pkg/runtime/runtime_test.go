package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/rdpgo/vchannel/pkg/clipboard"
	"github.com/rdpgo/vchannel/pkg/clipboard/wire"
	"github.com/rdpgo/vchannel/pkg/config"
	"github.com/rdpgo/vchannel/pkg/transport"
	"github.com/rdpgo/vchannel/pkg/usb/hoststack"
)

type noopCallbacks struct{}

func (noopCallbacks) OnRemoteFormatList(formats []wire.Format)          {}
func (noopCallbacks) ProvideFormatData(formatID uint32) ([]byte, error) { return nil, nil }
func (noopCallbacks) OnFormatDataResponse(ok bool, data []byte)         {}
func (noopCallbacks) ProvideFileContents(req wire.FileContentsRequest) ([]byte, error) {
	return nil, nil
}
func (noopCallbacks) OnFileContentsResponse(streamID uint32, ok bool, data []byte) {}
func (noopCallbacks) OnLock(clipDataID uint32)                                    {}
func (noopCallbacks) OnUnlock(clipDataID uint32)                                  {}

func TestNewSessionOpensClipboardAndUSBChannels(t *testing.T) {
	lb := transport.NewLoopback()
	host := hoststack.NewFake()

	sess, err := New(context.Background(), Options{
		Config:             config.Default(),
		Transport:          lb,
		HostStack:          host,
		ClipboardCallbacks: noopCallbacks{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("Session.ID is empty")
	}
	if sess.clipCh == nil || sess.usbCh == nil {
		t.Fatal("expected both clipboard and USB channels to be opened")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewSessionWithoutHostStackSkipsUSB(t *testing.T) {
	lb := transport.NewLoopback()

	sess, err := New(context.Background(), Options{
		Transport:          lb,
		ClipboardCallbacks: noopCallbacks{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sess.Close()

	if sess.usbCh != nil {
		t.Fatal("expected no USB channel without a HostStack option")
	}
}

func TestSessionDeliversClipboardMonitorReady(t *testing.T) {
	lb := transport.NewLoopback()

	sess, err := New(context.Background(), Options{
		Transport:          lb,
		ClipboardCallbacks: noopCallbacks{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sess.Close()

	monitorReady := wire.EncodePDU(wire.MsgTypeMonitorReady, 0, nil)
	if err := lb.Deliver(sess.clipCh.Handle(), monitorReady, uint32(len(monitorReady)), transport.FlagFirst|transport.FlagLast); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sess.clipboard.State() == clipboard.StateReady {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("clipboard session never reached Ready, state=%v", sess.clipboard.State())
}

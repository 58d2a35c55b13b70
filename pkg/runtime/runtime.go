// Package runtime wires C1-C5 into one session: it opens the clipboard
// and USB control virtual channels over a transport.Transport, feeds
// their fragments through a vchannel.Assembler, and drives the resulting
// whole PDUs into a clipboard.Session or usb.ControlChannel. Both engines
// are constructed directly; the addin registry (C3) passed in Options is
// stored on the Session but not consulted to resolve them.
//
// This is the orchestration layer the individual component packages
// don't provide on their own — grounded on the teacher's top-level
// server wiring (one struct holding every subsystem, an errgroup
// coordinating their background goroutines, context-scoped shutdown)
// generalised from an NFS/SMB server to a virtual-channel session.
package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rdpgo/vchannel/internal/logger"
	"github.com/rdpgo/vchannel/pkg/addin"
	"github.com/rdpgo/vchannel/pkg/clipboard"
	"github.com/rdpgo/vchannel/pkg/config"
	"github.com/rdpgo/vchannel/pkg/metrics"
	"github.com/rdpgo/vchannel/pkg/transport"
	"github.com/rdpgo/vchannel/pkg/usb"
	"github.com/rdpgo/vchannel/pkg/vchannel"
)

// Session ties one RDP connection's virtual channels together: the
// clipboard engine, the USB redirection engine, and the addin registry
// supplied in Options. ID is a process-unique correlation
// id (uuid.New().String(), the same id-generation idiom the teacher uses
// for its identity records) threaded through every log line this session
// emits.
type Session struct {
	ID string

	cfg       *config.Config
	registry  *addin.Registry
	transport transport.Transport

	clipboard *clipboard.Session
	clipCh    transport.Channel
	clipAsm   *vchannel.Assembler

	usbMgr    *usb.Manager
	usbCtrl   *usb.ControlChannel
	usbCh     transport.Channel
	usbAsm    *vchannel.Assembler

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Options configures one Session.
type Options struct {
	Config    *config.Config
	Registry  *addin.Registry
	Transport transport.Transport
	HostStack usb.HostStack

	ClipboardCallbacks clipboard.Callbacks
}

// New opens the clipboard and USB control channels named in cfg.Transport
// and wires each to its assembler and protocol engine. It does not block;
// Close tears the session down and waits for its background goroutines
// (the USB hotplug watcher) to exit.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("runtime: Options.Transport is required")
	}

	sessionID := uuid.New().String()
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	s := &Session{
		ID:        sessionID,
		cfg:       opts.Config,
		registry:  opts.Registry,
		transport: opts.Transport,
		group:     group,
		cancel:    cancel,
	}

	if opts.Config.Metrics.Enabled && !metrics.IsEnabled() {
		metrics.InitRegistry()
	}

	if err := s.openClipboard(ctx, opts.ClipboardCallbacks); err != nil {
		cancel()
		return nil, err
	}

	if opts.HostStack != nil {
		if err := s.openUSB(ctx, gctx, opts.HostStack); err != nil {
			cancel()
			return nil, err
		}
	}

	logger.Info("runtime: session opened", logger.SessionID(sessionID))
	return s, nil
}

func (s *Session) openClipboard(ctx context.Context, callbacks clipboard.Callbacks) error {
	def := transport.Definition{Name: s.cfg.Transport.ClipboardChannel, Options: transport.OptionInitialized}

	sink := &channelSink{}
	ch, err := s.transport.Open(ctx, 0, def, sink)
	if err != nil {
		return fmt.Errorf("runtime: open clipboard channel: %w", err)
	}
	s.clipCh = ch

	s.clipboard = clipboard.NewSession(clipboardSender{ch}, 0x3E, s.cfg.Clipboard.Mask(), callbacks)
	if m := metrics.NewClipboardMetrics(); m != nil {
		s.clipboard.SetMetrics(m)
	}
	s.clipAsm = vchannel.New(s.clipboard.HandlePDU, vchannel.Config{
		ChannelName: s.cfg.Transport.ClipboardChannel,
		Metrics:     metrics.NewChannelMetrics(),
	}, nil)
	sink.onData = func(data []byte, total uint32, flags transport.Flag) {
		if err := s.clipAsm.Post(toFragment(data, total, flags)); err != nil {
			logger.Warn("runtime: clipboard assembler error", logger.SessionID(s.ID), logger.Err(err))
		}
	}
	return nil
}

func (s *Session) openUSB(ctx context.Context, gctx context.Context, host usb.HostStack) error {
	def := transport.Definition{Name: s.cfg.Transport.USBControlDVC, Options: transport.OptionInitialized}

	sink := &channelSink{}
	ch, err := s.transport.Open(ctx, 0, def, sink)
	if err != nil {
		return fmt.Errorf("runtime: open USB control channel: %w", err)
	}
	s.usbCh = ch

	s.usbMgr = usb.NewManager(host)
	if m := metrics.NewUSBMetrics(); m != nil {
		s.usbMgr.SetMetrics(m)
	}
	for _, vp := range s.cfg.USB.AutoAdd {
		s.usbMgr.AllowAutoAdd(vp.VID, vp.PID)
	}
	s.usbCtrl = usb.NewControlChannel(s.usbMgr, usbSender{ch})
	s.usbAsm = vchannel.New(s.usbCtrl.HandleMessage, vchannel.Config{
		ChannelName: s.cfg.Transport.USBControlDVC,
		Metrics:     metrics.NewChannelMetrics(),
	}, nil)
	sink.onData = func(data []byte, total uint32, flags transport.Flag) {
		if err := s.usbAsm.Post(toFragment(data, total, flags)); err != nil {
			logger.Warn("runtime: USB assembler error", logger.SessionID(s.ID), logger.Err(err))
		}
	}

	s.usbMgr.StartHotplugWatcher(func(id usb.DeviceID) {
		if err := s.usbCtrl.AnnounceDevice(id); err != nil {
			logger.Warn("runtime: announce hotplug device failed", logger.SessionID(s.ID), logger.Err(err))
		}
	})

	s.group.Go(func() error {
		<-gctx.Done()
		s.usbMgr.StopHotplugWatcher()
		return nil
	})
	return nil
}

// Close tears down both virtual channels and waits for background
// goroutines (the hotplug watcher) to exit.
func (s *Session) Close() error {
	s.cancel()
	if s.clipAsm != nil {
		_ = s.clipAsm.Quit()
	}
	if s.usbAsm != nil {
		_ = s.usbAsm.Quit()
	}
	if s.clipCh != nil {
		_ = s.clipCh.Close()
	}
	if s.usbCh != nil {
		_ = s.usbCh.Close()
	}
	err := s.group.Wait()
	logger.Info("runtime: session closed", logger.SessionID(s.ID))
	return err
}

// channelSink adapts the per-channel data callback into transport.EventSink.
type channelSink struct {
	onData func(data []byte, total uint32, flags transport.Flag)
}

func (c *channelSink) OnConnected(data []byte) {}

func (c *channelSink) OnDataReceived(data []byte, total uint32, flags transport.Flag) {
	if c.onData != nil {
		c.onData(data, total, flags)
	}
}

func toFragment(data []byte, total uint32, flags transport.Flag) transport.Fragment {
	return transport.Fragment{Data: data, TotalLen: total, Flags: flags}
}

type clipboardSender struct{ ch transport.Channel }

func (s clipboardSender) Send(pdu []byte) error {
	status, err := s.ch.Write(pdu)
	if err != nil {
		return err
	}
	if status != transport.StatusOK {
		return fmt.Errorf("runtime: clipboard write status %v", status)
	}
	return nil
}

type usbSender struct{ ch transport.Channel }

func (s usbSender) Send(pdu []byte) error {
	status, err := s.ch.Write(pdu)
	if err != nil {
		return err
	}
	if status != transport.StatusOK {
		return fmt.Errorf("runtime: usb write status %v", status)
	}
	return nil
}

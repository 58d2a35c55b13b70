// Package vchannel implements the channel assembler (C2): per-channel
// reassembly of fragmented transport PDUs into whole messages, with an
// optional single worker thread draining a dispatch queue so the transport
// callback never blocks on handler execution.
//
// The queue/worker shape is grounded on a typical background-uploader
// pattern: a bounded channel as the queue, one goroutine per worker
// draining it, and a close-triggered drain before exit. This package uses
// exactly one worker (spec.md §4.2 requires a single consumer) and an
// explicit Quit sentinel value rather than closing the channel, so a
// pending Post cannot race a half-closed queue.
package vchannel

import (
	"fmt"
	"sync"
	"time"

	"github.com/rdpgo/vchannel/internal/logger"
	"github.com/rdpgo/vchannel/pkg/bufpool"
	"github.com/rdpgo/vchannel/pkg/metrics"
	"github.com/rdpgo/vchannel/pkg/transport"
	"github.com/rdpgo/vchannel/pkg/vcerr"
)

// Handler processes one fully reassembled PDU. Returning an error does not
// close the channel; it is surfaced to the caller of Post in synchronous
// mode, or logged by the worker in threaded mode.
type Handler func(msg []byte) error

// Config controls one Assembler.
type Config struct {
	// DisableThreads makes Post invoke the handler inline on the fragment
	// carrying FlagLast, rather than posting to the dispatch queue.
	DisableThreads bool

	// QueueSize bounds the dispatch queue when threading is enabled.
	// Zero selects a sensible default.
	QueueSize int

	// ChannelName labels every metric this Assembler reports. Defaults to
	// "unknown" when empty.
	ChannelName string

	// Metrics records fragment/PDU/queue activity (C7). Nil is safe and
	// is the default: metrics.NewChannelMetrics() returns nil whenever
	// metrics are disabled, so callers can wire it through unconditionally.
	Metrics metrics.ChannelMetrics
}

const defaultQueueSize = 256

// queueItem is the unit carried on the dispatch queue: either a whole
// message or the Quit sentinel (spec.md §9's Enum{Message, Quit}).
type queueItem struct {
	msg  []byte
	quit bool
}

// Assembler reassembles one channel's fragment stream into whole PDUs and
// dispatches them to a single Handler, either inline or via one worker
// goroutine.
type Assembler struct {
	cfg     Config
	pool    *bufpool.Pool
	handler Handler

	mu       sync.Mutex
	buf      []byte
	written  int
	total    int
	building bool
	firstAt  time.Time

	queue    chan queueItem
	wg       sync.WaitGroup
	quitOnce sync.Once
}

// New creates an Assembler that dispatches reassembled PDUs to handler.
func New(handler Handler, cfg Config, pool *bufpool.Pool) *Assembler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = "unknown"
	}
	if pool == nil {
		pool = bufpool.NewPool(nil)
	}

	a := &Assembler{
		cfg:     cfg,
		pool:    pool,
		handler: handler,
	}

	if !cfg.DisableThreads {
		a.queue = make(chan queueItem, cfg.QueueSize)
		a.wg.Add(1)
		go a.worker()
	}

	return a
}

// Post feeds one transport fragment into the reassembly state machine.
// On the fragment carrying FlagLast, the sealed message is either handed
// to the handler inline (DisableThreads) or posted to the dispatch queue.
func (a *Assembler) Post(frag transport.Fragment) error {
	a.mu.Lock()

	switch {
	case frag.Flags&(transport.FlagSuspend|transport.FlagResume) != 0 &&
		frag.Flags&(transport.FlagFirst|transport.FlagLast) == 0:
		// SUSPEND/RESUME alone: acknowledge without appending (spec.md §4.2).
		a.mu.Unlock()
		return nil

	case frag.Flags&transport.FlagFirst != 0:
		buf := a.pool.Get(int(frag.TotalLen))
		if cap(buf) < int(frag.TotalLen) {
			a.mu.Unlock()
			return vcerr.NoMemory("reassembly buffer allocation for %d bytes", frag.TotalLen)
		}
		a.buf = buf[:0]
		a.total = int(frag.TotalLen)
		a.written = 0
		a.building = true
		a.firstAt = time.Now()
	}

	if !a.building {
		a.mu.Unlock()
		return vcerr.InvalidData("fragment received before FIRST for this channel")
	}

	a.buf = append(a.buf, frag.Data...)
	a.written += len(frag.Data)
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ObserveFragment(a.cfg.ChannelName, len(frag.Data))
	}

	if frag.Flags&transport.FlagLast == 0 {
		a.mu.Unlock()
		return nil
	}

	// Seal the buffer.
	sealed := a.buf
	written := a.written
	total := a.total
	started := a.firstAt
	a.buf = nil
	a.building = false
	a.mu.Unlock()

	if written != total {
		logger.Warn("vchannel: reassembly length mismatch, discarding PDU",
			"written", written, "total", total)
		a.pool.Put(sealed[:cap(sealed)])
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.ObserveReassemblyError(a.cfg.ChannelName, "length_mismatch")
		}
		return vcerr.InvalidData("reassembled %d bytes, expected %d", written, total)
	}

	msg := append([]byte(nil), sealed...)
	a.pool.Put(sealed[:cap(sealed)])

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ObservePDU(a.cfg.ChannelName, len(msg), time.Since(started))
	}

	if a.cfg.DisableThreads {
		return a.handler(msg)
	}

	select {
	case a.queue <- queueItem{msg: msg}:
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.RecordQueueDepth(a.cfg.ChannelName, len(a.queue))
		}
		return nil
	default:
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.ObserveReassemblyError(a.cfg.ChannelName, "queue_full")
		}
		return vcerr.New(vcerr.ErrInternal, "vchannel: dispatch queue full")
	}
}

// worker drains the dispatch queue until it observes the Quit sentinel.
func (a *Assembler) worker() {
	defer a.wg.Done()
	for item := range a.queue {
		if item.quit {
			return
		}
		if err := a.handler(item.msg); err != nil {
			logger.Warn("vchannel: handler returned error", "error", err)
		}
	}
}

// Quit posts the QUIT sentinel and waits for the worker to exit, freeing
// the queue and any still-pending reassembly buffer. Idempotent: a second
// call returns nil without blocking again.
func (a *Assembler) Quit() error {
	if a.cfg.DisableThreads {
		a.discardPending()
		return nil
	}

	a.quitOnce.Do(func() {
		// The worker keeps draining the queue until it dequeues this
		// sentinel, so the blocking send completes once the items ahead
		// of it have been dispatched.
		a.queue <- queueItem{quit: true}
		a.wg.Wait()
		a.discardPending()
	})
	return nil
}

func (a *Assembler) discardPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.building && a.buf != nil {
		a.pool.Put(a.buf[:cap(a.buf)])
	}
	a.buf = nil
	a.building = false
}

// String renders the assembler's current reassembly state, for logging.
func (a *Assembler) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("Assembler{building=%v written=%d total=%d}", a.building, a.written, a.total)
}

// Package fetcher implements pipelined, timeout-driven retrieval of
// action and file segments from peers (§4.5).
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chronoshare/internal/core"
	"chronoshare/internal/transport"
)

// defaultMaximumNoActivityPeriod is the idle deadline after which a
// stalled Fetcher gives up (§4.5).
const defaultMaximumNoActivityPeriod = 30 * time.Second

// forwardingHintFailureThreshold is how many consecutive per-segment
// timeouts through the forwarding hint are tolerated before falling
// back to the base name.
const forwardingHintFailureThreshold = 3

// SegmentHandler is invoked once for every segment successfully
// fetched, in strictly increasing order.
type SegmentHandler func(seq uint64, content []byte)

// CompletionHandler is invoked when max_in_order reaches max_seq.
type CompletionHandler func()

// FailureHandler is invoked if the fetcher gives up.
type FailureHandler func(err error)

// Config parameterizes a single Fetcher run.
type Config struct {
	Face            transport.Face
	BaseName        string
	ForwardingHint  string
	MinSeq, MaxSeq  uint64
	Pipeline        int
	Lifetime        time.Duration
	MaxNoActivity   time.Duration
	Clock           core.Clock
	IDGen           core.IDGenerator
	Logger          *slog.Logger
	OnSegment       SegmentHandler
	OnComplete      CompletionHandler
	OnFailed        FailureHandler
}

// Fetcher retrieves a bounded contiguous range of numbered segments
// under a base name, tracking the sliding pipeline window described in
// §4.5.
type Fetcher struct {
	cfg Config

	mu                 sync.Mutex
	activePipeline     int
	minSendSeqNo       uint64
	maxInOrderRecvSeqNo int64 // -1 means "none received yet"
	outOfOrder         map[uint64][]byte
	lastPositiveAt     time.Time
	hintFailures       map[uint64]int
	useHint            bool
	done               bool
	cancel             context.CancelFunc
}

// New constructs a Fetcher for cfg but does not start it.
func New(cfg Config) *Fetcher {
	if cfg.Pipeline <= 0 {
		cfg.Pipeline = 4
	}
	if cfg.MaxNoActivity <= 0 {
		cfg.MaxNoActivity = defaultMaximumNoActivityPeriod
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 4 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	if cfg.IDGen == nil {
		cfg.IDGen = core.UUIDGenerator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Fetcher{
		cfg:                 cfg,
		minSendSeqNo:        cfg.MinSeq,
		maxInOrderRecvSeqNo: int64(cfg.MinSeq) - 1,
		outOfOrder:          make(map[uint64][]byte),
		hintFailures:        make(map[uint64]int),
		useHint:             cfg.ForwardingHint != "",
	}
}

// Start begins expressing interests, filling the pipeline.
func (f *Fetcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.lastPositiveAt = f.cfg.Clock.Now()
	f.mu.Unlock()

	f.refill(ctx)
}

// Stop cancels every outstanding interest this Fetcher expressed.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// refill implements §4.5 step 1: express interests while there is
// pipeline room and sequence numbers left to request.
func (f *Fetcher) refill(ctx context.Context) {
	for {
		f.mu.Lock()
		if f.done || f.activePipeline >= f.cfg.Pipeline || f.minSendSeqNo > f.cfg.MaxSeq {
			f.mu.Unlock()
			return
		}
		seq := f.minSendSeqNo
		f.minSendSeqNo++
		f.activePipeline++
		f.mu.Unlock()

		f.expressForSeq(ctx, seq)
	}
}

func (f *Fetcher) expressForSeq(ctx context.Context, seq uint64) {
	f.mu.Lock()
	useHint := f.useHint
	f.mu.Unlock()

	name := fmt.Sprintf("%s/%d", f.cfg.BaseName, seq)
	hint := ""
	if useHint {
		hint = f.cfg.ForwardingHint
	}

	err := f.cfg.Face.Express(ctx, transport.Interest{Name: name, Nonce: f.cfg.IDGen.New(), ForwardingHint: hint, Lifetime: f.cfg.Lifetime},
		func(d transport.Data) { f.onData(ctx, seq, d.Content) },
		func(transport.Interest) { f.onTimeout(ctx, seq) },
	)
	if err != nil {
		f.cfg.Logger.Warn("expressing fetch interest", "name", name, "error", err)
		f.onTimeout(ctx, seq)
	}
}

// onData implements §4.5 step 2.
func (f *Fetcher) onData(ctx context.Context, seq uint64, content []byte) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.activePipeline--
	f.lastPositiveAt = f.cfg.Clock.Now()
	delete(f.hintFailures, seq)

	if int64(seq) == f.maxInOrderRecvSeqNo+1 {
		f.maxInOrderRecvSeqNo++
		toEmit := []struct {
			seq  uint64
			data []byte
		}{{seq, content}}
		for {
			next := uint64(f.maxInOrderRecvSeqNo + 1)
			data, ok := f.outOfOrder[next]
			if !ok {
				break
			}
			delete(f.outOfOrder, next)
			f.maxInOrderRecvSeqNo++
			toEmit = append(toEmit, struct {
				seq  uint64
				data []byte
			}{next, data})
		}
		complete := uint64(f.maxInOrderRecvSeqNo) == f.cfg.MaxSeq
		if complete {
			f.done = true
		}
		f.mu.Unlock()

		for _, e := range toEmit {
			if f.cfg.OnSegment != nil {
				f.cfg.OnSegment(e.seq, e.data)
			}
		}
		if complete && f.cfg.OnComplete != nil {
			f.cfg.OnComplete()
			return
		}
	} else {
		f.outOfOrder[seq] = content
		f.mu.Unlock()
	}

	f.refill(ctx)
}

// onTimeout implements §4.5 step 3.
func (f *Fetcher) onTimeout(ctx context.Context, seq uint64) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}

	if f.useHint {
		f.hintFailures[seq]++
		if f.hintFailures[seq] < forwardingHintFailureThreshold {
			f.mu.Unlock()
			f.expressForSeq(ctx, seq)
			return
		}
		f.useHint = false
	}

	idle := f.cfg.Clock.Now().Sub(f.lastPositiveAt)
	if idle > f.cfg.MaxNoActivity {
		f.done = true
		f.mu.Unlock()
		if f.cfg.OnFailed != nil {
			f.cfg.OnFailed(fmt.Errorf("fetcher for %q: no activity for %s", f.cfg.BaseName, idle))
		}
		return
	}
	f.mu.Unlock()

	f.expressForSeq(ctx, seq)
}

// Done reports whether this Fetcher has finished (successfully or not).
func (f *Fetcher) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

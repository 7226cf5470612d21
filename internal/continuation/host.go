// Package continuation implements the host-side half of the Request
// State Machine's suspend/resume mechanism described in spec.md §5: a
// Request call suspends behind a resumption token, and exactly one of
// Respond or the deadline sweeper resumes it exactly once.
package continuation

import (
	"context"
	"sync"
	"time"

	"github.com/intearnear/oraclebroker/internal/common/heap"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultDeadline is the historical ~200-block suspension window from
// spec.md §5, rendered as wall-clock time assuming ~1s blocks.
const DefaultDeadline = 200 * time.Second

type deadlineEntry struct {
	token    types.ResumptionToken
	deadline time.Time
}

func cmpDeadline(a, b deadlineEntry) int {
	return a.deadline.Compare(b.deadline)
}

// TimeoutHandler performs the financial and bookkeeping settlement for a
// request whose deadline the sweeper just found expired, then resumes
// the token itself (via Host.Resume) once settlement commits.
// internal/broker.Broker implements this; the interface lives here so
// the financial logic stays out of the host's own concerns.
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, token types.ResumptionToken)
}

// Host tracks every suspended request's single-use channel and sweeps
// expired ones to its TimeoutHandler, the same ticker-plus-heap shape
// the teacher's transaction sender uses to reschedule hanging work.
type Host struct {
	mu         sync.Mutex
	channels   map[types.ResumptionToken]chan types.Outcome
	deadlines  *heap.BoundedMaxHeap[deadlineEntry]
	clock      clockwork.Clock
	sweepEvery time.Duration
	logger     zerolog.Logger
	handler    TimeoutHandler

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewHost(clock clockwork.Clock, sweepEvery time.Duration, logger zerolog.Logger) *Host {
	return &Host{
		channels:   make(map[types.ResumptionToken]chan types.Outcome),
		deadlines:  heap.NewBoundedMaxHeap(0, cmpDeadline),
		clock:      clock,
		sweepEvery: sweepEvery,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetTimeoutHandler wires the broker that owns this host. Must be
// called before Run; the broker and host have a construction-order
// cycle (broker needs a host to suspend requests on, the host needs the
// broker to settle timeouts) that a setter resolves more simply than a
// two-phase constructor.
func (h *Host) SetTimeoutHandler(handler TimeoutHandler) {
	h.handler = handler
}

// Suspend mints a fresh token and its single-use outcome channel, and
// registers it with the sweeper against deadline.
func (h *Host) Suspend(deadline time.Time) (types.ResumptionToken, <-chan types.Outcome) {
	token := types.NewResumptionToken()
	ch := make(chan types.Outcome, 1)

	h.mu.Lock()
	h.channels[token] = ch
	h.deadlines.Add(deadlineEntry{token: token, deadline: deadline})
	h.mu.Unlock()

	return token, ch
}

// Resume delivers outcome to token's suspended caller exactly once.
// Returns false if token is unknown or already resumed — the caller
// (internal/broker) must treat that as "someone else got there first"
// rather than an error, since two concurrent Respond/timeout races are
// expected and only one may win (spec.md invariant I3).
func (h *Host) Resume(token types.ResumptionToken, outcome types.Outcome) bool {
	h.mu.Lock()
	ch, ok := h.channels[token]
	if ok {
		delete(h.channels, token)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	ch <- outcome
	close(ch)
	return true
}

// Cancel discards token's suspension without delivering an outcome,
// used when the enclosing operation fails after minting a token but
// before it was durably recorded anywhere the sweeper could find it.
func (h *Host) Cancel(token types.ResumptionToken) {
	h.mu.Lock()
	delete(h.channels, token)
	h.mu.Unlock()
}

// Pending reports whether token is still awaiting resumption.
func (h *Host) Pending(token types.ResumptionToken) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[token]
	return ok
}

// Run starts the deadline sweeper. It blocks until ctx is done or Stop
// is called; run it in its own goroutine.
func (h *Host) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.sweepEvery)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.Chan():
			h.sweep()
		}
	}
}

// Stop halts the sweeper goroutine and waits for Run to return.
func (h *Host) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *Host) sweep() {
	now := h.clock.Now()

	h.mu.Lock()
	all := h.deadlines.PopAllSorted()
	splitAt := len(all)
	for i, entry := range all {
		if entry.deadline.After(now) {
			splitAt = i
			break
		}
	}
	expired := all[:splitAt]
	for _, entry := range all[splitAt:] {
		h.deadlines.Add(entry)
	}
	h.mu.Unlock()

	for _, entry := range expired {
		if !h.Pending(entry.token) {
			continue // already resolved by an in-flight Respond
		}
		h.logger.Info().Str("resumptionToken", entry.token.String()).Msg("suspended request deadline elapsed")
		if h.handler != nil {
			h.handler.HandleTimeout(context.Background(), entry.token)
		}
	}
}

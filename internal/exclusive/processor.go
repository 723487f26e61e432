// Package exclusive serializes work per key: at most one unit of work runs
// for a given key at any time, while different keys run concurrently.
package exclusive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned for work submitted after Close
var ErrClosed = errors.New("exclusive processor closed")

// State is how a unit of work ended
type State int

const (
	Succeeded State = iota
	Faulted
	Cancelled
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Faulted:
		return "faulted"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome describes one finished unit of work
type Outcome struct {
	State       State
	Err         error
	SubmittedAt time.Time
	Wait        time.Duration
	Run         time.Duration
}

// EventKind identifies a lifecycle notification
type EventKind int

const (
	Submitted EventKind = iota
	Processing
	Processed
)

func (k EventKind) String() string {
	switch k {
	case Submitted:
		return "submitted"
	case Processing:
		return "processing"
	default:
		return "processed"
	}
}

// Event is emitted on the events channel at each lifecycle step. Outcome is
// only set for Processed.
type Event[K comparable] struct {
	Kind    EventKind
	Key     K
	At      time.Time
	Outcome Outcome
}

// Work is the unit executed while holding the key
type Work func(ctx context.Context) error

// Options configures a Processor
type Options[K comparable] struct {
	// Scheduler creates the per-key wait queue. Defaults to FIFO.
	Scheduler SchedulerFactory
	// Events receives lifecycle notifications. Sends never block; events
	// are dropped when the channel is full.
	Events chan<- Event[K]
}

type lane struct {
	busy    bool
	pending Scheduler
}

// Processor is a per-key exclusive executor
type Processor[K comparable] struct {
	mu           sync.Mutex
	lanes        map[K]*lane
	newScheduler SchedulerFactory
	events       chan<- Event[K]
	closed       bool
	dropped      atomic.Uint64
}

// New creates a Processor
func New[K comparable](opts Options[K]) *Processor[K] {
	if opts.Scheduler == nil {
		opts.Scheduler = FIFO
	}
	return &Processor[K]{
		lanes:        make(map[K]*lane),
		newScheduler: opts.Scheduler,
		events:       opts.Events,
	}
}

// Submit runs work for key once no other work for key is running. It never
// returns an error; faults and cancellation are reported in the Outcome.
func (p *Processor[K]) Submit(ctx context.Context, key K, work Work) Outcome {
	return p.run(ctx, key, work)
}

// Process is Submit for callers that want the work's error. A cancelled unit
// of work yields a Cancelled outcome and a nil error.
func (p *Processor[K]) Process(ctx context.Context, key K, work Work) (Outcome, error) {
	out := p.run(ctx, key, work)
	if out.State == Faulted {
		return out, out.Err
	}
	return out, nil
}

func (p *Processor[K]) run(ctx context.Context, key K, work Work) Outcome {
	t, err := p.acquire(ctx, key)
	if err != nil {
		out := Outcome{SubmittedAt: t.submittedAt, Wait: time.Since(t.submittedAt)}
		if errors.Is(err, ErrClosed) {
			out.State, out.Err = Faulted, err
		} else {
			out.State, out.Err = Cancelled, err
		}
		p.emit(Event[K]{Kind: Processed, Key: key, At: time.Now(), Outcome: out})
		return out
	}
	defer p.release(key)

	started := time.Now()
	p.emit(Event[K]{Kind: Processing, Key: key, At: started})

	err = invoke(ctx, work)

	out := Outcome{
		SubmittedAt: t.submittedAt,
		Wait:        started.Sub(t.submittedAt),
		Run:         time.Since(started),
		Err:         err,
	}
	switch {
	case err == nil:
		out.State = Succeeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.State = Cancelled
	default:
		out.State = Faulted
	}

	p.emit(Event[K]{Kind: Processed, Key: key, At: time.Now(), Outcome: out})
	return out
}

// invoke shields the lane from panicking work
func invoke(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return work(ctx)
}

// acquire blocks until the caller holds key or ctx is done
func (p *Processor[K]) acquire(ctx context.Context, key K) (*Ticket, error) {
	t := &Ticket{submittedAt: time.Now(), ready: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return t, ErrClosed
	}
	p.emit(Event[K]{Kind: Submitted, Key: key, At: t.submittedAt})

	l, ok := p.lanes[key]
	if !ok {
		l = &lane{pending: p.newScheduler()}
		p.lanes[key] = l
	}
	if !l.busy {
		l.busy = true
		t.granted = true
		p.mu.Unlock()
		return t, nil
	}
	l.pending.Push(t)
	p.mu.Unlock()

	select {
	case <-t.ready:
		return t, nil
	case <-ctx.Done():
		p.mu.Lock()
		if t.granted {
			// Handed the key while giving up; pass it on.
			p.mu.Unlock()
			p.release(key)
			return t, ctx.Err()
		}
		t.cancelled = true
		p.mu.Unlock()
		return t, ctx.Err()
	}
}

// release hands key to the next live waiter or frees the lane
func (p *Processor[K]) release(key K) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.lanes[key]
	if !ok {
		return
	}

	for {
		next := l.pending.Pop()
		if next == nil {
			delete(p.lanes, key)
			return
		}
		if next.cancelled {
			continue
		}
		next.granted = true
		close(next.ready)
		return
	}
}

func (p *Processor[K]) emit(e Event[K]) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- e:
	default:
		p.dropped.Add(1)
	}
}

// Stats is a point-in-time view of the processor
type Stats struct {
	ActiveKeys    int
	Pending       int
	DroppedEvents uint64
}

// Stats returns the number of keys holding work and queued work items
func (p *Processor[K]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{ActiveKeys: len(p.lanes), DroppedEvents: p.dropped.Load()}
	for _, l := range p.lanes {
		s.Pending += l.pending.Len()
	}
	return s
}

// Close rejects new work. Work already queued still runs.
func (p *Processor[K]) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

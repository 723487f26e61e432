package exclusive

import (
	"fmt"
	"strings"
	"time"
)

// Ticket is one unit of work waiting for, or holding, its key.
type Ticket struct {
	submittedAt time.Time
	ready       chan struct{}
	granted     bool
	cancelled   bool
}

// SubmittedAt is when the work was handed to the processor
func (t *Ticket) SubmittedAt() time.Time { return t.submittedAt }

// Scheduler orders the tickets waiting on one key. Implementations are
// only called with the processor lock held and need no locking of their own.
type Scheduler interface {
	Push(t *Ticket)
	// Pop returns the next ticket to run, or nil when none is waiting.
	Pop() *Ticket
	Len() int
}

// SchedulerFactory creates the queue for a newly seen key
type SchedulerFactory func() Scheduler

// FIFO releases work in submission order. It is the default.
func FIFO() Scheduler { return &fifo{} }

// LIFO releases the most recently submitted work first.
func LIFO() Scheduler { return &lifo{} }

// SchedulerByName resolves a configured scheduler name
func SchedulerByName(name string) (SchedulerFactory, error) {
	switch strings.ToLower(name) {
	case "", "fifo":
		return FIFO, nil
	case "lifo":
		return LIFO, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}

type fifo struct {
	q []*Ticket
}

func (f *fifo) Push(t *Ticket) { f.q = append(f.q, t) }

func (f *fifo) Pop() *Ticket {
	if len(f.q) == 0 {
		return nil
	}
	t := f.q[0]
	f.q[0] = nil
	f.q = f.q[1:]
	return t
}

func (f *fifo) Len() int { return len(f.q) }

type lifo struct {
	s []*Ticket
}

func (l *lifo) Push(t *Ticket) { l.s = append(l.s, t) }

func (l *lifo) Pop() *Ticket {
	n := len(l.s)
	if n == 0 {
		return nil
	}
	t := l.s[n-1]
	l.s[n-1] = nil
	l.s = l.s[:n-1]
	return t
}

func (l *lifo) Len() int { return len(l.s) }

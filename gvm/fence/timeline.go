// Package fence provides reference implementations of the device-completion collaborators an
// AddressSpace consults: a sequence-number timeline, a polling adapter for devices that can only be
// probed, and a process-wide hang flag.
package fence

import (
	"context"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpuvm/gvm"
)

// Seqno identifies one submission on a Timeline. Submissions complete in order.
type Seqno uint64

// Timeline models a device queue that retires submissions in order. Each submission references a set of
// bindings, and a binding is idle once every submission that referenced it has been signaled.
type Timeline struct {
	mutex     sync.Mutex
	last      Seqno
	completed Seqno
	pending   *swiss.Map[*gvm.Binding, Seqno]
	signaled  chan struct{}
}

var _ gvm.CompletionOracle = &Timeline{}

func NewTimeline() *Timeline {
	return &Timeline{
		pending:  swiss.NewMap[*gvm.Binding, Seqno](64),
		signaled: make(chan struct{}),
	}
}

// Submit records a submission that references bindings, marks each of them active, and returns the
// submission's sequence number
func (t *Timeline) Submit(bindings ...*gvm.Binding) Seqno {
	t.mutex.Lock()
	t.last++
	seqno := t.last
	for _, binding := range bindings {
		t.pending.Put(binding, seqno)
	}
	t.mutex.Unlock()

	for _, binding := range bindings {
		binding.MarkActive()
	}
	return seqno
}

// Signal completes every submission up to and including seqno and wakes all waiters
func (t *Timeline) Signal(seqno Seqno) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if seqno > t.last {
		seqno = t.last
	}
	if seqno <= t.completed {
		return
	}
	t.completed = seqno

	var retired []*gvm.Binding
	t.pending.Iter(func(binding *gvm.Binding, last Seqno) bool {
		if last <= seqno {
			retired = append(retired, binding)
		}
		return false
	})
	for _, binding := range retired {
		t.pending.Delete(binding)
	}

	close(t.signaled)
	t.signaled = make(chan struct{})
}

// SignalAll completes every submission made so far
func (t *Timeline) SignalAll() {
	t.mutex.Lock()
	last := t.last
	t.mutex.Unlock()

	t.Signal(last)
}

// Completed returns the sequence number of the most recently completed submission
func (t *Timeline) Completed() Seqno {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.completed
}

// Last returns the sequence number of the most recent submission
func (t *Timeline) Last() Seqno {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.last
}

// Pending returns the number of bindings referenced by submissions that have not completed
func (t *Timeline) Pending() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.pending.Count()
}

func (t *Timeline) isIdleLocked(binding *gvm.Binding) bool {
	last, referenced := t.pending.Get(binding)
	return !referenced || last <= t.completed
}

// IsIdle reports whether every submission referencing binding has completed
func (t *Timeline) IsIdle(binding *gvm.Binding) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.isIdleLocked(binding)
}

// Wait blocks until every submission referencing binding has completed, or until ctx is done
func (t *Timeline) Wait(ctx context.Context, binding *gvm.Binding) error {
	for {
		t.mutex.Lock()
		if t.isIdleLocked(binding) {
			t.mutex.Unlock()
			return nil
		}
		signaled := t.signaled
		t.mutex.Unlock()

		select {
		case <-signaled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

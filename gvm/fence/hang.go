package fence

import (
	"sync"

	"github.com/vkngwrapper/gpuvm/gvm"
)

// HangFlag is a process-wide device-hang signal. The zero value reports a healthy device.
type HangFlag struct {
	mutex sync.Mutex
	hung  bool
	done  chan struct{}
}

var _ gvm.HangSignal = &HangFlag{}

// Set marks the device hung and wakes every wait blocked on Done. Every wait that consults the flag
// fails from then on.
func (f *HangFlag) Set() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.hung {
		return
	}
	f.hung = true
	if f.done == nil {
		f.done = make(chan struct{})
	}
	close(f.done)
}

// Clear marks the device healthy again, typically after a reset
func (f *HangFlag) Clear() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.hung {
		f.hung = false
		f.done = nil
	}
}

func (f *HangFlag) Hung() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.hung
}

// Done returns a channel that is closed when the device is next marked hung, or that is already
// closed if it is hung now
func (f *HangFlag) Done() <-chan struct{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}

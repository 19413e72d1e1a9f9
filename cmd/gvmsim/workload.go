package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/gvm"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

// duration lets workload files spell timeouts as "250ms" or "2s"
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type spaceConfig struct {
	Size         int      `toml:"size"`
	PageSize     int      `toml:"page_size"`
	FanOut       int      `toml:"fan_out"`
	ReservedSize int      `toml:"reserved_size"`
	ColorGuard   int      `toml:"color_guard"`
	WaitTimeout  duration `toml:"wait_timeout"`
	// Privates is the number of private spaces created next to the global one
	Privates    int `toml:"privates"`
	PrivateSize int `toml:"private_size"`
}

type poolConfig struct {
	MaxBucket int `toml:"max_bucket"`
}

// phaseConfig describes one round of traffic. Objects are bound in order, a share of them pinned or
// submitted to the device, then scratch buffers are cycled through the pool.
type phaseConfig struct {
	Name     string   `toml:"name"`
	Objects  int      `toml:"objects"`
	MinPages int      `toml:"min_pages"`
	MaxPages int      `toml:"max_pages"`
	Flags    []string `toml:"flags"`
	// Caches is the number of distinct cache levels objects are spread across
	Caches        int `toml:"caches"`
	PinPercent    int `toml:"pin_percent"`
	ActivePercent int `toml:"active_percent"`

	ScratchAcquires int `toml:"scratch_acquires"`
	ScratchMaxPages int `toml:"scratch_max_pages"`

	// Signal retires every submission once the phase is done
	Signal bool `toml:"signal"`
	// Hang marks the device hung for the rest of the run
	Hang bool `toml:"hang"`
	// EvictAll runs an eviction of every space at the end of the phase
	EvictAll bool `toml:"evict_all"`
}

type workload struct {
	Seed   uint64        `toml:"seed"`
	Space  spaceConfig   `toml:"space"`
	Pool   poolConfig    `toml:"pool"`
	Phases []phaseConfig `toml:"phase"`
}

var bindFlagNames = map[string]gvm.BindFlags{
	"high":           gvm.BindHigh,
	"no_evict":       gvm.BindNoEvict,
	"allow_blocking": gvm.BindAllowBlocking,
	"evict_all":      gvm.BindEvictAll,
	"best_fit":       gvm.BindBestFit,
}

func (p phaseConfig) bindFlags() (gvm.BindFlags, error) {
	var flags gvm.BindFlags
	for _, name := range p.Flags {
		flag, ok := bindFlagNames[name]
		if !ok {
			return 0, errors.Newf("phase %q: unknown bind flag %q", p.Name, name)
		}
		flags |= flag
	}
	return flags, nil
}

func (w *workload) validate() error {
	if w.Space.Size <= 0 {
		return errors.New("space.size must be positive")
	}
	if w.Space.Privates < 0 {
		return errors.New("space.privates may not be negative")
	}
	if len(w.Phases) == 0 {
		return errors.New("workload has no phases")
	}

	for i, phase := range w.Phases {
		if phase.Name == "" {
			w.Phases[i].Name = fmt.Sprintf("phase-%d", i)
		}
		if phase.Objects < 0 || phase.ScratchAcquires < 0 {
			return errors.Newf("phase %q: counts may not be negative", phase.Name)
		}
		if phase.MinPages <= 0 || phase.MaxPages < phase.MinPages {
			return errors.Newf("phase %q: page range [%d, %d] is invalid", phase.Name, phase.MinPages, phase.MaxPages)
		}
		if phase.ScratchAcquires > 0 && phase.ScratchMaxPages <= 0 {
			return errors.Newf("phase %q: scratch_max_pages must be positive", phase.Name)
		}
		if phase.PinPercent < 0 || phase.PinPercent > 100 || phase.ActivePercent < 0 || phase.ActivePercent > 100 {
			return errors.Newf("phase %q: percentages must be between 0 and 100", phase.Name)
		}
		if _, err := phase.bindFlags(); err != nil {
			return err
		}
	}

	return nil
}

// loadWorkload decodes and validates a workload file
func loadWorkload(path string) (*workload, error) {
	var w workload
	meta, err := toml.DecodeFile(path, &w)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode workload %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("workload %s has unknown keys: %v", path, undecoded)
	}

	if err := w.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid workload %s", path)
	}
	return &w, nil
}

// simulatedPages hands out sequential page addresses. Nothing backs them.
type simulatedPages struct {
	mutex    sync.Mutex
	pageSize int
	next     pagetable.PhysAddr
	live     int
}

func newSimulatedPages(pageSize int) *simulatedPages {
	return &simulatedPages{pageSize: pageSize, next: 0x1_0000_0000}
}

func (p *simulatedPages) GetPages(object *gvm.Object) ([]pagetable.PhysAddr, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	pages := make([]pagetable.PhysAddr, memutils.PageCount(object.Size(), p.pageSize))
	for i := range pages {
		pages[i] = p.next
		p.next += pagetable.PhysAddr(p.pageSize)
	}
	p.live += len(pages)
	return pages, nil
}

func (p *simulatedPages) PutPages(object *gvm.Object, pages []pagetable.PhysAddr) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.live -= len(pages)
}

func (p *simulatedPages) Live() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.live
}

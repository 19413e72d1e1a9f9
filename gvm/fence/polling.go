package fence

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/gvm"
	"github.com/vkngwrapper/gpuvm/memutils"
)

var errStillBusy = errors.New("binding is still in use by the device")

// Probe reports, without blocking, whether the device has finished with binding. It runs with the
// space lock held, so it may use Binding.Object and Binding.Size but not State, IsPinned, Pin or MarkActive.
type Probe func(binding *gvm.Binding) bool

// PollingOracle is a CompletionOracle for devices that can only be probed. Wait polls the probe with
// exponential backoff until it succeeds, the context is done, or Hang reports the device hung.
type PollingOracle struct {
	Probe Probe
	// Hang is checked between polls. It may be nil.
	Hang gvm.HangSignal

	// InitialInterval is the delay before the second poll. It defaults to 1ms.
	InitialInterval time.Duration
	// MaxInterval caps the delay between polls. It defaults to 50ms.
	MaxInterval time.Duration
}

var _ gvm.CompletionOracle = &PollingOracle{}

func NewPollingOracle(probe Probe, hang gvm.HangSignal) *PollingOracle {
	return &PollingOracle{
		Probe:           probe,
		Hang:            hang,
		InitialInterval: time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	}
}

func (o *PollingOracle) IsIdle(binding *gvm.Binding) bool {
	return o.Probe(binding)
}

func (o *PollingOracle) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if o.InitialInterval > 0 {
		b.InitialInterval = o.InitialInterval
	}
	if o.MaxInterval > 0 {
		b.MaxInterval = o.MaxInterval
	}
	// The context bounds the wait
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(b, ctx)
}

func (o *PollingOracle) Wait(ctx context.Context, binding *gvm.Binding) error {
	op := func() error {
		if o.Probe(binding) {
			return nil
		}
		if o.Hang != nil && o.Hang.Hung() {
			return backoff.Permanent(errors.Wrapf(memutils.ErrDeviceHung, "device hung while polling object %d", binding.Object().ID()))
		}
		return errStillBusy
	}

	err := backoff.Retry(op, o.backOff(ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

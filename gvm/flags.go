package gvm

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags indicate specific address space behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the address space and the bindings created in it will not
	// be synchronized internally. The consumer must guarantee they are used from only one goroutine at a
	// time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateGlobal marks the space as the device-wide shared space rather than a per-client private one
	CreateGlobal
)

// BindFlags control how an object is placed when it is bound into an address space
type BindFlags int32

var bindFlagsMapping = common.NewFlagStringMapping[BindFlags]()

func (f BindFlags) Register(str string) {
	bindFlagsMapping.Register(f, str)
}
func (f BindFlags) String() string {
	return bindFlagsMapping.FlagsToString(f)
}

const (
	// BindHigh places the binding as high in the placement range as possible
	BindHigh BindFlags = 1 << iota
	// BindFixed places the binding at BindOptions.Offset exactly, evicting whatever overlaps it
	BindFixed
	// BindNoEvict fails with memutils.ErrOutOfSpace instead of evicting other bindings to make room
	BindNoEvict
	// BindAllowBlocking permits eviction to wait for the device to finish with active bindings
	BindAllowBlocking
	// BindEvictAll evicts the whole space as a last resort when a targeted eviction finds no room
	BindEvictAll
	// BindBestFit chooses the smallest hole that fits instead of the lowest one
	BindBestFit
)

// EvictFlags control the behavior of the eviction engine
type EvictFlags int32

var evictFlagsMapping = common.NewFlagStringMapping[EvictFlags]()

func (f EvictFlags) Register(str string) {
	evictFlagsMapping.Register(f, str)
}
func (f EvictFlags) String() string {
	return evictFlagsMapping.FlagsToString(f)
}

const (
	// EvictAllowBlocking permits eviction to wait, with a bound, for the device to finish with active bindings
	EvictAllowBlocking EvictFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateGlobal.Register("CreateGlobal")

	BindHigh.Register("BindHigh")
	BindFixed.Register("BindFixed")
	BindNoEvict.Register("BindNoEvict")
	BindAllowBlocking.Register("BindAllowBlocking")
	BindEvictAll.Register("BindEvictAll")
	BindBestFit.Register("BindBestFit")

	EvictAllowBlocking.Register("EvictAllowBlocking")
}

// BindingState is a position in the binding lifecycle
type BindingState uint8

const (
	// BindingStateUnbound bindings have no range in their space. It is both the initial and terminal state.
	BindingStateUnbound BindingState = iota
	// BindingStateBinding bindings are having their page-table entries written. The state is never
	// observable outside the address space lock.
	BindingStateBinding
	// BindingStateActive bindings are mapped and referenced by device work that has not completed
	BindingStateActive
	// BindingStateInactive bindings are mapped and can be evicted without waiting
	BindingStateInactive
)

var bindingStateMapping = map[BindingState]string{
	BindingStateUnbound:  "BindingStateUnbound",
	BindingStateBinding:  "BindingStateBinding",
	BindingStateActive:   "BindingStateActive",
	BindingStateInactive: "BindingStateInactive",
}

func (s BindingState) String() string {
	return bindingStateMapping[s]
}

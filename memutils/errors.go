package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfSpace is returned when no free range satisfies a reservation, even after eviction has been
	// considered. The caller may back off and retry once in-flight device work has retired.
	ErrOutOfSpace = errors.New("no free range satisfies the request")
	// ErrBusy is returned when space could be made by evicting bindings that the device is still using,
	// but the caller did not allow blocking, or a bounded wait for the device expired.
	ErrBusy = errors.New("eviction candidates are still in use by the device")
	// ErrDeviceHung is returned when a required wait for device completion could not be performed because
	// the device has been reported lost or hung, or the wait was cancelled.
	ErrDeviceHung = errors.New("device is unresponsive")
	// ErrMisaligned is returned when a request carries an alignment or offset the address space cannot honor.
	ErrMisaligned = errors.New("misaligned request")
	// ErrColorConflict is returned when a fixed reservation would abut a neighbour of an incompatible color
	// without the required guard gap.
	ErrColorConflict = errors.New("range abuts an incompatibly colored neighbour")
	// ErrOutOfMemory is returned when backing pages could not be obtained from the physical page provider.
	ErrOutOfMemory = errors.New("physical pages are unavailable")
)

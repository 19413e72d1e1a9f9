//go:build !debug_gvm

package memutils

// DebugValidate runs Validate on validatable and panics on failure. Outside of builds tagged debug_gvm
// it does nothing, so callers may invoke it after every mutation.
func DebugValidate(validatable Validatable) {}

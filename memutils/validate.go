package memutils

// Validatable is anything that can check its own internal consistency, such as a RangeManager or a
// page-table hierarchy
type Validatable interface {
	Validate() error
}

package core

// Toolset is a bundle of related operations with its own configuration and
// lifecycle needs. Instances are either reference-counted shared singletons
// owned by the registry or exclusively owned by one call frame; the resource
// package decides which via the registration-time declaration.
type Toolset interface {
	// Name identifies the resource for frame-local lookup.
	Name() string
	// Close releases the instance. Called exactly once per owned instance on
	// every exit path of the owning frame or scope.
	Close() error
}

package gadget

import "context"

// Binding is the fully assembled identity handed to the transport when a
// personality is registered: the selected descriptor data plus the identity
// strings and their allocated string IDs.
type Binding struct {
	Personality Personality

	Manufacturer string
	Product      string
	Serial       string

	// String IDs allocated by the transport while the binding was
	// assembled, one per identity string.
	ManufacturerID int
	ProductID      int
	ConfigID       int
}

// Transport is the external collaborator that actually advertises a
// configuration on the wire. The controller treats its calls as opaque,
// possibly sleeping operations and never invokes them from a non-blocking
// producer context.
type Transport interface {
	// AllocString allocates a descriptor string identifier for s. Called
	// once per identity string while a binding is assembled; a failure is
	// fatal to that transition attempt only.
	AllocString(s string) (int, error)

	// Register advertises the bound personality to the host. An error
	// means nothing is advertised.
	Register(ctx context.Context, b *Binding) error

	// Unregister tears the advertised personality down. Best effort: it
	// cannot fail a transition.
	Unregister(ctx context.Context, b *Binding)

	// Name identifies the underlying device controller, used when the
	// manufacturer identity string is computed.
	Name() string
}

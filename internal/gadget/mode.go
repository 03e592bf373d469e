// Package gadget implements the personality state machine of the USB device.
//
// The device presents exactly one of two mutually exclusive personalities to
// the host: a CDC-ACM serial device or an Android Open Accessory device.
// Changing personality requires tearing the advertised configuration down
// completely and registering a different one with the transport, so
// transitions are strictly serialized by the controller.
package gadget

import "fmt"

// Mode is the currently advertised personality. Exactly one value is current
// at any instant; it is owned by the Controller and mutated only inside a
// serialized transition.
type Mode int

const (
	// ModeNone means no personality is registered with the transport.
	ModeNone Mode = iota
	// ModeACM is the CDC-ACM serial personality.
	ModeACM
	// ModeAccessory is the Android Open Accessory personality.
	ModeAccessory
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeACM:
		return "acm"
	case ModeAccessory:
		return "accessory"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps the CLI/IPC spelling of a mode to its value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none":
		return ModeNone, nil
	case "acm", "serial":
		return ModeACM, nil
	case "accessory", "aoa":
		return ModeAccessory, nil
	default:
		return ModeNone, fmt.Errorf("gadget: unknown mode %q", s)
	}
}

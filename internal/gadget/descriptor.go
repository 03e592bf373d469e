package gadget

// USB device class codes used by the two personalities.
const (
	ClassComm   = 0x02 // Communications Device Class (CDC-ACM)
	ClassVendor = 0xFF // Vendor specific (accessory protocol)
)

// Vendor and product identifiers. The ACM pair is the NetChip-donated
// gadget-serial identity; the accessory pair is Google's accessory-mode
// identity, which hosts match to detect the protocol.
const (
	acmVendorID  = 0x0525
	acmProductID = 0xa4a7

	accessoryVendorID  = 0x18d1
	accessoryProductID = 0x2d00
)

// Personality is the per-mode identity data selected by the Controller when
// entering a mode. Pure data: it is never mutated after selection and may be
// shared by concurrent readers.
type Personality struct {
	// Label names the personality in logs and status output.
	Label string
	// ConfigLabel is the configuration description string advertised to
	// the host.
	ConfigLabel string

	VendorID    uint16
	ProductID   uint16
	DeviceClass uint8
	// ConfigValue is the bConfigurationValue of the single configuration.
	ConfigValue uint8
}

var (
	// ACM is the CDC-ACM serial personality.
	ACM = Personality{
		Label:       "acm",
		ConfigLabel: "CDC ACM config",
		VendorID:    acmVendorID,
		ProductID:   acmProductID,
		DeviceClass: ClassComm,
		ConfigValue: 2,
	}

	// Accessory is the Android Open Accessory personality.
	Accessory = Personality{
		Label:       "accessory",
		ConfigLabel: "Android Open Accessory config",
		VendorID:    accessoryVendorID,
		ProductID:   accessoryProductID,
		DeviceClass: ClassVendor,
		ConfigValue: 1,
	}
)

// personality returns the descriptor record for a mode. ModeNone has no
// personality.
func personality(m Mode) (Personality, bool) {
	switch m {
	case ModeACM:
		return ACM, true
	case ModeAccessory:
		return Accessory, true
	default:
		return Personality{}, false
	}
}

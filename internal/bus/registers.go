package bus

// Register addresses on the companion's flat 8-bit address space.
// Widths, directions and encodings are fixed by the companion firmware
// (spec.md §3) and must not be changed.
const (
	regHardwareVersion = 0x03 // 3B R  major.minor.patch
	regFirmwareVersion = 0x04 // 4B R  major.minor.patch.alpha
	regDeviceID        = 0x05 // 8B R  opaque

	regWatchdogTimeout  = 0x10 // 2B R/W centiseconds, 0 disables
	regPowerOnThreshold = 0x11 // 2B R/W scaled

	regInputVoltage   = 0x20 // 2B R scaled
	regSupercapVolt   = 0x21 // 2B R scaled
	regInputCurrent   = 0x22 // 2B R scaled
	regMCUTemperature = 0x23 // 2B R kelvin*scale
	regPCBTemperature = 0x24 // 2B R kelvin*scale
	regPowerState     = 0x25 // 1B R enum 0..13

	regUSBPort0 = 0x26 // 1B R/W 0/1
	regUSBPort1 = 0x27
	regUSBPort2 = 0x28
	regUSBPort3 = 0x29

	regShutdownRequest = 0x30 // 1B W 0x01
	regStandbyRequest  = 0x31 // 1B+4B W mode + seconds

	regDFUStart         = 0x40 // 4B W total size
	regDFUStatus        = 0x41 // 1B R enum
	regDFUBlocksWritten = 0x42 // 2B R count
	regDFUBlock         = 0x43 // variable W
	regDFUCommit        = 0x44 // 1B W 0x00
	regDFUAbort         = 0x45 // 1B W 0x00
)

// usbPortRegister maps a 0-3 port index to its enable register.
func usbPortRegister(port int) (uint8, error) {
	switch port {
	case 0:
		return regUSBPort0, nil
	case 1:
		return regUSBPort1, nil
	case 2:
		return regUSBPort2, nil
	case 3:
		return regUSBPort3, nil
	default:
		return 0, &TransportError{Kind: ErrInvalidPort, Detail: "port out of range [0,3]"}
	}
}

// FirmwareVersion is the decoded content of the 4-byte firmware-version
// register: major.minor.patch.alpha, where alpha == 255 means release.
type FirmwareVersion struct {
	Major, Minor, Patch, Alpha uint8
}

// IsRelease reports whether this version is a release build. Per
// spec.md §8, only alpha == 255 counts as release; every other value
// (including 0) is pre-release.
func (v FirmwareVersion) IsRelease() bool { return v.Alpha == 255 }

func decodeFirmwareVersion(b []byte) FirmwareVersion {
	return FirmwareVersion{Major: b[0], Minor: b[1], Patch: b[2], Alpha: b[3]}
}

// HardwareVersion is the decoded content of the 3-byte hardware-version
// register: major.minor.patch.
type HardwareVersion struct {
	Major, Minor, Patch uint8
}

func decodeHardwareVersion(b []byte) HardwareVersion {
	return HardwareVersion{Major: b[0], Minor: b[1], Patch: b[2]}
}

// PowerState is the companion's reported power-state enum (spec.md §3).
// The daemon never writes it directly; it only issues shutdown/standby
// requests that the companion acts on.
type PowerState uint8

const (
	PowerOff PowerState = iota
	PowerPoweringOn
	PowerOperational
	PowerOperationalCoOp
	PowerState4
	PowerState5
	PowerState6
	PowerState7
	PowerState8
	PowerState9
	PowerState10
	PowerState11
	PowerState12
	PowerStandby
)

// StandbyMode selects the semantics of a standby request's seconds
// field (spec.md §3, register 0x31).
type StandbyMode uint8

const (
	StandbyModeDelay StandbyMode = 0
)

package bus

import "time"

// Full-scale values (multipliers) for the scaled analog channels, per the
// companion protocol (spec.md §3: "raw / 65536 * fullScale"). These are
// fixed by the hardware's analog front-end and must not be changed
// independently of the companion firmware.
const (
	inputFullScaleVolts    = 18.9
	supercapFullScaleVolts = 3.3
	currentFullScaleAmps   = 3.0

	// Temperatures are absolute kelvin scaled by a fixed-point factor;
	// celsiusOffset converts the decoded kelvin value for display.
	temperatureScale = 128.0
	celsiusOffset    = 273.15
)

// Measurements is an immutable snapshot of one companion sample,
// produced by Transport.ReadMeasurements. Raw fields are the
// protocol-scaled register values; the InputVoltage, SupercapVoltage,
// InputCurrent, *Kelvin and Celsius* methods apply the fixed scale
// factors.
type Measurements struct {
	InputVoltageRaw   uint16
	SupercapVoltRaw   uint16
	InputCurrentRaw   uint16
	MCUTemperatureRaw uint16
	PCBTemperatureRaw uint16
	PowerState        PowerState

	// CapturedAt is the host clock time the snapshot was taken. It is
	// diagnostic only: no invariant in spec.md §8 depends on it.
	CapturedAt time.Time
}

func scaled(raw uint16, fullScale float64) float64 {
	return float64(raw) / 65536.0 * fullScale
}

// InputVoltage returns the input voltage in volts.
func (m Measurements) InputVoltage() float64 { return scaled(m.InputVoltageRaw, inputFullScaleVolts) }

// SupercapVoltage returns the supercapacitor voltage in volts.
func (m Measurements) SupercapVoltage() float64 {
	return scaled(m.SupercapVoltRaw, supercapFullScaleVolts)
}

// InputCurrent returns the input current in amps.
func (m Measurements) InputCurrent() float64 { return scaled(m.InputCurrentRaw, currentFullScaleAmps) }

func kelvin(raw uint16) float64 { return float64(raw) / temperatureScale }

// MCUKelvin / PCBKelvin return the absolute temperature as reported by
// the companion.
func (m Measurements) MCUKelvin() float64 { return kelvin(m.MCUTemperatureRaw) }
func (m Measurements) PCBKelvin() float64 { return kelvin(m.PCBTemperatureRaw) }

// CelsiusMCU / CelsiusPCB convert to Celsius for display, so that every
// caller (including the external CLI) shares one conversion instead of
// re-deriving the scale factor (spec.md §3: "the CLI presents Celsius").
func (m Measurements) CelsiusMCU() float64 { return m.MCUKelvin() - celsiusOffset }
func (m Measurements) CelsiusPCB() float64 { return m.PCBKelvin() - celsiusOffset }

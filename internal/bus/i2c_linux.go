//go:build linux

package bus

import (
	"fmt"
	"os"
	"sync"
	"time"

	ioctl "github.com/daedaluz/goioctl"
)

// i2cSlave is the Linux I2C_SLAVE ioctl number (linux/i2c-dev.h),
// used to bind the open file descriptor to the companion's address.
const i2cSlave = 0x0703

// I2CBus is the production Transport: a single serialized handle to
// /dev/i2c-<n>, guarded by a mutex per spec.md §5. No bus transaction
// may be retried under a different lock holder.
type I2CBus struct {
	mu   sync.Mutex
	file *os.File

	addr    uint8
	fwMajor uint8
	fwKnown bool

	wdTimeout uint16
}

// Open opens /dev/i2c-<busIndex>, binds the slave address via ioctl,
// reads the firmware-version register once to fix the register-access
// dialect (spec.md §4.1), and returns a Transport. A failed
// firmware-version read fails Open.
func Open(busIndex int, deviceAddress int) (*I2CBus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", busIndex)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, &TransportError{Kind: ErrDevice, Detail: "open " + path, Err: err}
	}

	if err := ioctl.Ioctl(f.Fd(), i2cSlave, uintptr(deviceAddress)); err != nil {
		f.Close()
		return nil, &TransportError{Kind: ErrDevice, Detail: "set slave address", Err: err}
	}

	b := &I2CBus{
		file:      f,
		addr:      uint8(deviceAddress),
		wdTimeout: wdCentisecs,
	}

	if err := b.detectDialect(); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

// detectDialect performs the one-time firmware-version read that fixes
// the register-access dialect for the lifetime of the handle
// (spec.md §4.1: "immutable handle property after construction").
func (b *I2CBus) detectDialect() error {
	raw, err := b.readRegisterLocked(regFirmwareVersion, 4)
	if err != nil {
		return err
	}
	b.fwMajor = raw[0]
	b.fwKnown = true
	return nil
}

func (b *I2CBus) FirmwareVersion() FirmwareVersion {
	// Re-reads the full register; if that read fails, falls back to a
	// version carrying only the major number latched by Open.
	raw, _ := b.ReadRegister(regFirmwareVersion, 4)
	if len(raw) == 4 {
		return decodeFirmwareVersion(raw)
	}
	return FirmwareVersion{Major: b.fwMajor}
}

func (b *I2CBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

// Lock/Unlock expose the bus's single mutex to callers (the DFU
// uploader) that must hold it across an entire multi-step operation,
// per spec.md §4.3/§5.
func (b *I2CBus) Lock()   { b.mu.Lock() }
func (b *I2CBus) Unlock() { b.mu.Unlock() }

// ReadRegister is the atomic, retrying primitive every typed reader
// builds on. Transient I/O errors retry up to 3 times with a 10ms
// backoff before failing with TransportError (spec.md §4.1).
func (b *I2CBus) ReadRegister(addr uint8, width int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readRegisterLocked(addr, width)
}

func (b *I2CBus) readRegisterLocked(addr uint8, width int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if _, err := b.file.Write([]byte{addr}); err != nil {
			lastErr = err
			continue
		}
		buf := make([]byte, width)
		n, err := b.file.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}
		if n != width {
			lastErr = &TransportError{Kind: ErrShortRead, Addr: addr, Expected: width, Got: n}
			continue
		}
		return buf, nil
	}
	return nil, &TransportError{Kind: ErrRetryExhausted, Addr: addr, Err: lastErr}
}

// WriteRegister is the atomic, retrying write primitive.
func (b *I2CBus) WriteRegister(addr uint8, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeRegisterLocked(addr, data)
}

func (b *I2CBus) writeRegisterLocked(addr uint8, data []byte) error {
	frame := make([]byte, 0, 1+len(data))
	frame = append(frame, addr)
	frame = append(frame, data...)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		n, err := b.file.Write(frame)
		if err != nil {
			lastErr = err
			continue
		}
		if n != len(frame) {
			lastErr = &TransportError{Kind: ErrShortWrite, Addr: addr, Expected: len(frame), Got: n}
			continue
		}
		return nil
	}
	return &TransportError{Kind: ErrRetryExhausted, Addr: addr, Err: lastErr}
}

// ReadU8 reads a single-byte register.
func (b *I2CBus) ReadU8(addr uint8) (uint8, error) {
	raw, err := b.ReadRegister(addr, 1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// ReadU16 reads a two-byte register, honoring the selected dialect:
// firmware major 1 issues two sequential one-byte transactions
// (the fallback protocol); major >= 2 issues one word transaction.
func (b *I2CBus) ReadU16(addr uint8) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fwKnown && b.fwMajor <= dialect1Major {
		hi, err := b.readRegisterLocked(addr, 1)
		if err != nil {
			return 0, err
		}
		lo, err := b.readRegisterLocked(addr+1, 1)
		if err != nil {
			return 0, err
		}
		return decodeU16([]byte{hi[0], lo[0]}), nil
	}

	raw, err := b.readRegisterLocked(addr, 2)
	if err != nil {
		return 0, err
	}
	return decodeU16(raw), nil
}

// ReadU32 reads a four-byte register (always a single transaction;
// dialect only affects 2-byte registers per spec.md §3).
func (b *I2CBus) ReadU32(addr uint8) (uint32, error) {
	raw, err := b.ReadRegister(addr, 4)
	if err != nil {
		return 0, err
	}
	return decodeU32(raw), nil
}

func (b *I2CBus) WriteU8(addr uint8, v uint8) error {
	return b.WriteRegister(addr, []byte{v})
}

func (b *I2CBus) WriteU16(addr uint8, v uint16) error {
	return b.WriteRegister(addr, encodeU16(v))
}

func (b *I2CBus) WriteU32(addr uint8, v uint32) error {
	return b.WriteRegister(addr, encodeU32(v))
}

// ReadMeasurements reads all analog channels plus power state in the
// fixed order input, supercap, current, mcuTemp, pcbTemp, powerState.
// The order matters: samples aren't atomic across the bus, and shutdown
// decisions must be based on the voltage/state pair observed by this
// single call (spec.md §4.1, §8 invariant 1).
func (b *I2CBus) ReadMeasurements() (Measurements, error) {
	input, err := b.ReadU16(regInputVoltage)
	if err != nil {
		return Measurements{}, err
	}
	supercap, err := b.ReadU16(regSupercapVolt)
	if err != nil {
		return Measurements{}, err
	}
	current, err := b.ReadU16(regInputCurrent)
	if err != nil {
		return Measurements{}, err
	}
	mcuTemp, err := b.ReadU16(regMCUTemperature)
	if err != nil {
		return Measurements{}, err
	}
	pcbTemp, err := b.ReadU16(regPCBTemperature)
	if err != nil {
		return Measurements{}, err
	}
	state, err := b.ReadU8(regPowerState)
	if err != nil {
		return Measurements{}, err
	}

	return Measurements{
		InputVoltageRaw:   input,
		SupercapVoltRaw:   supercap,
		InputCurrentRaw:   current,
		MCUTemperatureRaw: mcuTemp,
		PCBTemperatureRaw: pcbTemp,
		PowerState:        PowerState(state),
		CapturedAt:        time.Now(),
	}, nil
}

// FeedWatchdog rewrites the watchdog timeout register with the
// configured value, resetting the companion's countdown.
func (b *I2CBus) FeedWatchdog() error {
	return b.WriteU16(regWatchdogTimeout, b.wdTimeout)
}

// DisableWatchdog writes 0 to the timeout register, disabling it. This
// is always attempted on exit; failure is logged by the caller but
// never blocks exit (spec.md §7).
func (b *I2CBus) DisableWatchdog() error {
	return b.WriteU16(regWatchdogTimeout, 0)
}

func (b *I2CBus) GetUSBPort(port int) (bool, error) {
	addr, err := usbPortRegister(port)
	if err != nil {
		return false, err
	}
	v, err := b.ReadU8(addr)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (b *I2CBus) SetUSBPort(port int, enabled bool) error {
	addr, err := usbPortRegister(port)
	if err != nil {
		return err
	}
	var v uint8
	if enabled {
		v = 1
	}
	return b.WriteU8(addr, v)
}

func (b *I2CBus) RequestShutdown() error {
	return b.WriteU8(regShutdownRequest, 0x01)
}

func (b *I2CBus) RequestStandby(mode StandbyMode, seconds uint32) error {
	payload := append([]byte{uint8(mode)}, encodeU32(seconds)...)
	return b.WriteRegister(regStandbyRequest, payload)
}

func (b *I2CBus) DFUStart(totalSize uint32) error {
	return b.WriteU32(regDFUStart, totalSize)
}

func (b *I2CBus) DFUWriteBlock(frame []byte) error {
	return b.WriteRegister(regDFUBlock, frame)
}

func (b *I2CBus) DFUStatus() (uint8, error) {
	return b.ReadU8(regDFUStatus)
}

func (b *I2CBus) DFUBlocksWritten() (uint16, error) {
	return b.ReadU16(regDFUBlocksWritten)
}

func (b *I2CBus) DFUCommit() error {
	return b.WriteU8(regDFUCommit, 0x00)
}

func (b *I2CBus) DFUAbort() error {
	return b.WriteU8(regDFUAbort, 0x00)
}

var _ Transport = (*I2CBus)(nil)

// Package bus implements the companion register transport: framing,
// retry, and firmware-dialect dispatch for the two-wire serial bus
// described in spec.md §3/§4.1.
package bus

import (
	"encoding/binary"
	"time"
)

// Transport is the capability every caller programs against. The
// production *I2CBus and the in-memory *Simulated both satisfy it, per
// the dynamic-dispatch design note in spec.md §9.
type Transport interface {
	ReadRegister(addr uint8, width int) ([]byte, error)
	WriteRegister(addr uint8, data []byte) error

	ReadU8(addr uint8) (uint8, error)
	ReadU16(addr uint8) (uint16, error)
	ReadU32(addr uint8) (uint32, error)

	WriteU8(addr uint8, v uint8) error
	WriteU16(addr uint8, v uint16) error
	WriteU32(addr uint8, v uint32) error

	ReadMeasurements() (Measurements, error)
	FeedWatchdog() error
	DisableWatchdog() error

	GetUSBPort(port int) (bool, error)
	SetUSBPort(port int, enabled bool) error

	RequestShutdown() error
	RequestStandby(mode StandbyMode, seconds uint32) error

	FirmwareVersion() FirmwareVersion

	// DFU primitives, used exclusively by internal/dfu under the bus
	// lock for the whole session (spec.md §4.3/§5).
	DFUStart(totalSize uint32) error
	DFUWriteBlock(frame []byte) error
	DFUStatus() (uint8, error)
	DFUBlocksWritten() (uint16, error)
	DFUCommit() error
	DFUAbort() error
}

const (
	maxRetries  = 3
	retryDelay  = 10 * time.Millisecond
	wdCentisecs = 1000 // 10s watchdog timeout, armed at start (spec.md §2)
)

// dialect1Major is the firmware major version at and below which
// 2-byte registers are read via the one-byte fallback protocol; above
// it they're read as a single word transaction.
const dialect1Major = 1

// encodeU16/decodeU16 and friends are the round-trip primitives named
// in spec.md §8's boundary tests. All multi-byte registers are
// big-endian (spec.md §3).
func decodeU16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func encodeU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
func decodeU32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

package bus

import (
	"sync"
	"time"
)

// Simulated is an in-memory companion used by tests and by any
// production caller that wants to substitute a fake bus, per the
// dynamic-dispatch design note in spec.md §9. It implements Transport
// without touching any real device.
type Simulated struct {
	mu sync.Mutex

	fw FirmwareVersion

	InputVoltageRaw   uint16
	SupercapVoltRaw   uint16
	InputCurrentRaw   uint16
	MCUTemperatureRaw uint16
	PCBTemperatureRaw uint16
	PowerStateValue   PowerState

	usbPorts [4]bool

	WatchdogTimeout uint16
	FeedCount       int
	ShutdownCount   int
	StandbyCount    int
	LastStandbyMode StandbyMode
	LastStandbySecs uint32

	// DFU session state.
	dfuStatus        uint8
	dfuBlocksWritten uint16
	dfuTotalSize     uint32
	DFUCommits       int
	DFUAborts        int
	DFUBlocksSeen    [][]byte

	// InjectFault, if set, is returned by the next bus transaction and
	// then cleared, letting tests simulate a single transient failure.
	// GetUSBPort, SetUSBPort and FirmwareVersion do not consume it.
	InjectFault error
}

// NewSimulated returns a Simulated companion reporting a release
// firmware version that uses the single-word (dialect >= 2) read path.
func NewSimulated() *Simulated {
	return &Simulated{
		fw:              FirmwareVersion{Major: 2, Minor: 0, Patch: 0, Alpha: 255},
		WatchdogTimeout: wdCentisecs,
		dfuStatus:       0, // Idle
	}
}

func (s *Simulated) takeFault() error {
	err := s.InjectFault
	s.InjectFault = nil
	return err
}

func (s *Simulated) ReadRegister(addr uint8, width int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}
	switch addr {
	case regFirmwareVersion:
		return []byte{s.fw.Major, s.fw.Minor, s.fw.Patch, s.fw.Alpha}, nil
	case regHardwareVersion:
		return []byte{1, 0, 0}, nil
	}
	return make([]byte, width), nil
}

func (s *Simulated) WriteRegister(addr uint8, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeFault()
}

func (s *Simulated) ReadU8(addr uint8) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return 0, err
	}
	switch addr {
	case regPowerState:
		return uint8(s.PowerStateValue), nil
	case regUSBPort0, regUSBPort1, regUSBPort2, regUSBPort3:
		idx := int(addr - regUSBPort0)
		if s.usbPorts[idx] {
			return 1, nil
		}
		return 0, nil
	case regDFUStatus:
		return s.dfuStatus, nil
	}
	return 0, nil
}

func (s *Simulated) ReadU16(addr uint8) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return 0, err
	}
	switch addr {
	case regInputVoltage:
		return s.InputVoltageRaw, nil
	case regSupercapVolt:
		return s.SupercapVoltRaw, nil
	case regInputCurrent:
		return s.InputCurrentRaw, nil
	case regMCUTemperature:
		return s.MCUTemperatureRaw, nil
	case regPCBTemperature:
		return s.PCBTemperatureRaw, nil
	case regWatchdogTimeout:
		return s.WatchdogTimeout, nil
	case regDFUBlocksWritten:
		return s.dfuBlocksWritten, nil
	}
	return 0, nil
}

func (s *Simulated) ReadU32(addr uint8) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 0, s.takeFault()
}

func (s *Simulated) WriteU8(addr uint8, v uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if addr >= regUSBPort0 && addr <= regUSBPort3 {
		s.usbPorts[addr-regUSBPort0] = v != 0
	}
	return nil
}

func (s *Simulated) WriteU16(addr uint8, v uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if addr == regWatchdogTimeout {
		s.WatchdogTimeout = v
	}
	return nil
}

func (s *Simulated) WriteU32(addr uint8, v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if addr == regDFUStart {
		s.dfuTotalSize = v
		s.dfuStatus = 2 // Updating, ready for first block
		s.dfuBlocksWritten = 0
	}
	return nil
}

func (s *Simulated) ReadMeasurements() (Measurements, error) {
	s.mu.Lock()
	if err := s.takeFault(); err != nil {
		s.mu.Unlock()
		return Measurements{}, err
	}
	m := Measurements{
		InputVoltageRaw:   s.InputVoltageRaw,
		SupercapVoltRaw:   s.SupercapVoltRaw,
		InputCurrentRaw:   s.InputCurrentRaw,
		MCUTemperatureRaw: s.MCUTemperatureRaw,
		PCBTemperatureRaw: s.PCBTemperatureRaw,
		PowerState:        s.PowerStateValue,
		CapturedAt:        time.Now(),
	}
	s.mu.Unlock()
	return m, nil
}

func (s *Simulated) FeedWatchdog() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WatchdogTimeout = wdCentisecs
	s.FeedCount++
	return s.takeFault()
}

func (s *Simulated) DisableWatchdog() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WatchdogTimeout = 0
	return s.takeFault()
}

func (s *Simulated) GetUSBPort(port int) (bool, error) {
	if port < 0 || port > 3 {
		return false, &TransportError{Kind: ErrInvalidPort, Detail: "port out of range [0,3]"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usbPorts[port], nil
}

func (s *Simulated) SetUSBPort(port int, enabled bool) error {
	if port < 0 || port > 3 {
		return &TransportError{Kind: ErrInvalidPort, Detail: "port out of range [0,3]"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usbPorts[port] = enabled
	return nil
}

func (s *Simulated) RequestShutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ShutdownCount++
	return s.takeFault()
}

func (s *Simulated) RequestStandby(mode StandbyMode, seconds uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StandbyCount++
	s.LastStandbyMode = mode
	s.LastStandbySecs = seconds
	return s.takeFault()
}

func (s *Simulated) FirmwareVersion() FirmwareVersion { return s.fw }

// SetFirmwareMajor sets the major number FirmwareVersion reports.
// Simulated's register reads are the same whatever version it reports.
func (s *Simulated) SetFirmwareMajor(major uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fw.Major = major
}

func (s *Simulated) DFUStart(totalSize uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	s.dfuTotalSize = totalSize
	s.dfuBlocksWritten = 0
	s.dfuStatus = 2 // Updating
	return nil
}

func (s *Simulated) DFUWriteBlock(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	cp := append([]byte(nil), frame...)
	s.DFUBlocksSeen = append(s.DFUBlocksSeen, cp)
	s.dfuBlocksWritten++
	return nil
}

func (s *Simulated) DFUStatus() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return 0, err
	}
	return s.dfuStatus, nil
}

// SetDFUStatus lets a test force the companion into a specific DFU
// status (e.g. QueueFull, CrcError) for the next poll.
func (s *Simulated) SetDFUStatus(status uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dfuStatus = status
}

func (s *Simulated) DFUBlocksWritten() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return 0, err
	}
	return s.dfuBlocksWritten, nil
}

func (s *Simulated) DFUCommit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	s.DFUCommits++
	s.dfuStatus = 0
	return nil
}

func (s *Simulated) DFUAbort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	s.DFUAborts++
	s.dfuStatus = 0
	return nil
}

var _ Transport = (*Simulated)(nil)

package bus

import (
	"errors"
	"syscall"
	"testing"
)

func TestU16RoundTrip(t *testing.T) {
	for _, v := range []uint16{0, 1, 255, 256, 32768, 65535} {
		if got := decodeU16(encodeU16(v)); got != v {
			t.Errorf("decodeU16(encodeU16(%d)) = %d, want %d", v, got, v)
		}
	}
}

func TestU32RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 1 << 16, 1<<32 - 1} {
		if got := decodeU32(encodeU32(v)); got != v {
			t.Errorf("decodeU32(encodeU32(%d)) = %d, want %d", v, got, v)
		}
	}
}

func TestFirmwareVersionRelease(t *testing.T) {
	cases := []struct {
		alpha uint8
		want  bool
	}{
		{255, true},
		{0, false},
		{1, false},
		{254, false},
	}
	for _, c := range cases {
		v := decodeFirmwareVersion([]byte{2, 0, 0, c.alpha})
		if got := v.IsRelease(); got != c.want {
			t.Errorf("alpha=%d: IsRelease() = %v, want %v", c.alpha, got, c.want)
		}
	}
}

func TestUSBPortRoundTrip(t *testing.T) {
	s := NewSimulated()
	for i := 0; i < 4; i++ {
		if err := s.SetUSBPort(i, true); err != nil {
			t.Fatalf("SetUSBPort(%d, true): %v", i, err)
		}
		got, err := s.GetUSBPort(i)
		if err != nil {
			t.Fatalf("GetUSBPort(%d): %v", i, err)
		}
		if !got {
			t.Errorf("port %d: want true after SetUSBPort(true), got false", i)
		}
	}
}

func TestUSBPortInvalidIndex(t *testing.T) {
	s := NewSimulated()
	if _, err := s.GetUSBPort(4); err == nil {
		t.Fatal("GetUSBPort(4): want error, got nil")
	}
	if err := s.SetUSBPort(-1, true); err == nil {
		t.Fatal("SetUSBPort(-1, ...): want error, got nil")
	}
}

func TestUsbPortRegisterMapping(t *testing.T) {
	want := []uint8{regUSBPort0, regUSBPort1, regUSBPort2, regUSBPort3}
	for i, addr := range want {
		got, err := usbPortRegister(i)
		if err != nil {
			t.Fatalf("usbPortRegister(%d): %v", i, err)
		}
		if got != addr {
			t.Errorf("usbPortRegister(%d) = 0x%02x, want 0x%02x", i, got, addr)
		}
	}
	if _, err := usbPortRegister(4); err == nil {
		t.Fatal("usbPortRegister(4): want error, got nil")
	}
}

func TestReadMeasurementsFieldMapping(t *testing.T) {
	s := NewSimulated()
	s.InputVoltageRaw = 100
	s.SupercapVoltRaw = 200
	s.InputCurrentRaw = 300
	s.MCUTemperatureRaw = 400
	s.PCBTemperatureRaw = 500
	s.PowerStateValue = PowerOperational

	m, err := s.ReadMeasurements()
	if err != nil {
		t.Fatalf("ReadMeasurements: %v", err)
	}
	if m.InputVoltageRaw != 100 || m.SupercapVoltRaw != 200 || m.InputCurrentRaw != 300 ||
		m.MCUTemperatureRaw != 400 || m.PCBTemperatureRaw != 500 || m.PowerState != PowerOperational {
		t.Errorf("ReadMeasurements() = %+v, fields do not match simulated state", m)
	}
}

func TestWatchdogFeedAndDisable(t *testing.T) {
	s := NewSimulated()
	s.WatchdogTimeout = 0
	if err := s.FeedWatchdog(); err != nil {
		t.Fatalf("FeedWatchdog: %v", err)
	}
	if s.WatchdogTimeout != wdCentisecs {
		t.Errorf("after FeedWatchdog, WatchdogTimeout = %d, want %d", s.WatchdogTimeout, wdCentisecs)
	}
	if err := s.DisableWatchdog(); err != nil {
		t.Fatalf("DisableWatchdog: %v", err)
	}
	if s.WatchdogTimeout != 0 {
		t.Errorf("after DisableWatchdog, WatchdogTimeout = %d, want 0", s.WatchdogTimeout)
	}
}

func TestTransportErrorIsFatal(t *testing.T) {
	fatal := &TransportError{Kind: ErrDevice, Err: syscall.ENXIO}
	if !fatal.IsFatal() {
		t.Error("ENXIO device error: want IsFatal() == true")
	}
	transient := &TransportError{Kind: ErrRetryExhausted, Err: errors.New("timeout")}
	if transient.IsFatal() {
		t.Error("retry-exhausted error: want IsFatal() == false")
	}
	otherDevice := &TransportError{Kind: ErrDevice, Err: errors.New("busy")}
	if otherDevice.IsFatal() {
		t.Error("non-ENXIO/ENODEV device error: want IsFatal() == false")
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	wrapped := errors.New("underlying")
	te := &TransportError{Kind: ErrDevice, Err: wrapped}
	if !errors.Is(te, wrapped) {
		t.Error("errors.Is did not see through TransportError.Unwrap")
	}
}

func TestSimulatedInjectFault(t *testing.T) {
	s := NewSimulated()
	want := errors.New("injected")
	s.InjectFault = want
	if _, err := s.ReadU16(regInputVoltage); !errors.Is(err, want) {
		t.Fatalf("ReadU16 with InjectFault set: err = %v, want %v", err, want)
	}
	// Fault is one-shot: the next call should succeed.
	if _, err := s.ReadU16(regInputVoltage); err != nil {
		t.Fatalf("ReadU16 after fault consumed: %v", err)
	}
}

func TestSimulatedDialectSelection(t *testing.T) {
	s := NewSimulated()
	s.SetFirmwareMajor(1)
	if s.FirmwareVersion().Major != 1 {
		t.Fatalf("SetFirmwareMajor(1): FirmwareVersion().Major = %d", s.FirmwareVersion().Major)
	}
}

func TestDFUSessionHappyPath(t *testing.T) {
	s := NewSimulated()
	if err := s.DFUStart(8192); err != nil {
		t.Fatalf("DFUStart: %v", err)
	}
	frame := []byte{0, 0, 0, 1, 0, 0, 0x10, 0, 'd', 'a', 't', 'a'}
	if err := s.DFUWriteBlock(frame); err != nil {
		t.Fatalf("DFUWriteBlock: %v", err)
	}
	written, err := s.DFUBlocksWritten()
	if err != nil {
		t.Fatalf("DFUBlocksWritten: %v", err)
	}
	if written != 1 {
		t.Errorf("DFUBlocksWritten() = %d, want 1", written)
	}
	if err := s.DFUCommit(); err != nil {
		t.Fatalf("DFUCommit: %v", err)
	}
	if s.DFUCommits != 1 {
		t.Errorf("DFUCommits = %d, want 1", s.DFUCommits)
	}
}

var _ Transport = (*Simulated)(nil)

package power

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
)

func newTestSupervisor(t *testing.T, sim *bus.Simulated, cfg config.Config) (*Supervisor, chan Transition) {
	t.Helper()
	store := config.NewStore(cfg)
	transitions := make(chan Transition, 64)
	s := NewSupervisor(sim, store, transitions)
	s.poweroffLaunch = func(string) error { return nil }
	return s, transitions
}

func baseConfig() config.Config {
	cfg := config.Default()
	cfg.BlackoutVoltageLimit = 9.0
	cfg.BlackoutTimeLimit = 5.0
	return cfg
}

// voltageRaw converts a volt value to the raw register encoding used by
// the simulated companion, inverting Measurements.InputVoltage's scale.
func voltageRaw(volts float64) uint16 {
	return uint16(volts / 18.9 * 65536.0)
}

func TestNormalOperationStaysOkAndFeedsWatchdog(t *testing.T) {
	sim := bus.NewSimulated()
	sim.InputVoltageRaw = voltageRaw(12.5)
	sim.SupercapVoltRaw = voltageRaw(11.2)

	s, transitions := newTestSupervisor(t, sim, baseConfig())

	start := time.Unix(0, 0)
	for i := 0; i < 600; i++ { // 60s at 100ms
		now := start.Add(time.Duration(i) * tickInterval)
		s.Tick(now)
	}

	if got := s.State(); got != Ok {
		t.Fatalf("state = %v, want Ok", got)
	}
	if sim.ShutdownCount != 0 {
		t.Fatalf("ShutdownCount = %d, want 0", sim.ShutdownCount)
	}
	if sim.FeedCount < 10 {
		t.Fatalf("watchdog feed count = %d, want >= 10 over 60s", sim.FeedCount)
	}
	close(transitions)
	var seen []Transition
	for tr := range transitions {
		seen = append(seen, tr)
	}
	if len(seen) != 1 || seen[0].From != Start || seen[0].To != Ok {
		t.Fatalf("transitions = %+v, want exactly [Start->Ok]", seen)
	}
}

func TestTransientDipRecoversWithoutShutdown(t *testing.T) {
	sim := bus.NewSimulated()
	sim.InputVoltageRaw = voltageRaw(12.5)

	s, _ := newTestSupervisor(t, sim, baseConfig())

	start := time.Unix(0, 0)
	tick := func(seconds float64) {
		s.Tick(start.Add(time.Duration(seconds * float64(time.Second))))
	}

	for sec := 0.0; sec < 10.0; sec += 0.1 {
		tick(sec)
	}
	if s.State() != Ok {
		t.Fatalf("before dip: state = %v, want Ok", s.State())
	}

	sim.InputVoltageRaw = voltageRaw(8.5)
	for sec := 10.0; sec < 13.0; sec += 0.1 {
		tick(sec)
	}
	if s.State() != Blackout {
		t.Fatalf("during dip: state = %v, want Blackout", s.State())
	}

	sim.InputVoltageRaw = voltageRaw(12.0)
	for sec := 13.0; sec < 20.0; sec += 0.1 {
		tick(sec)
	}
	if s.State() != Ok {
		t.Fatalf("after recovery: state = %v, want Ok", s.State())
	}
	if !s.t0.IsZero() {
		t.Fatalf("t0 not cleared after Blackout->Ok")
	}
	if sim.ShutdownCount != 0 {
		t.Fatalf("ShutdownCount = %d, want 0 (no sustained blackout)", sim.ShutdownCount)
	}
}

func TestSustainedBlackoutShutsDownWithinBound(t *testing.T) {
	sim := bus.NewSimulated()
	sim.InputVoltageRaw = voltageRaw(12.5)

	s, _ := newTestSupervisor(t, sim, baseConfig())

	start := time.Unix(0, 0)
	tick := func(seconds float64) {
		s.Tick(start.Add(time.Duration(seconds * float64(time.Second))))
	}

	for sec := 0.0; sec < 10.0; sec += 0.1 {
		tick(sec)
	}

	sim.InputVoltageRaw = voltageRaw(8.5)
	shutdownAt := -1.0
	for sec := 10.0; sec < 20.0; sec += 0.1 {
		before := sim.ShutdownCount
		tick(sec)
		if before == 0 && sim.ShutdownCount == 1 {
			shutdownAt = sec
		}
	}

	if shutdownAt < 0 {
		t.Fatal("shutdown register write never observed")
	}
	if shutdownAt < 15.0 || shutdownAt > 15.1+1e-9 {
		t.Fatalf("shutdown observed at t=%.2f, want t in [15.0, 15.1]", shutdownAt)
	}
	if s.State() != Dead {
		t.Fatalf("state = %v, want Dead after poweroff launch", s.State())
	}
}

func TestShutdownRegisterWriteNeverRetried(t *testing.T) {
	sim := bus.NewSimulated()
	sim.InputVoltageRaw = voltageRaw(8.5)
	cfg := baseConfig()
	cfg.BlackoutTimeLimit = 0.1

	s, _ := newTestSupervisor(t, sim, cfg)
	s.poweroffLaunch = func(string) error { return errFakeLaunch }

	start := time.Unix(0, 0)
	for i := 0; i < 50; i++ {
		s.Tick(start.Add(time.Duration(i) * tickInterval))
	}

	if sim.ShutdownCount != 1 {
		t.Fatalf("ShutdownCount = %d, want exactly 1 even though poweroff keeps failing", sim.ShutdownCount)
	}
	if s.State() != Shutdown {
		t.Fatalf("state = %v, want Shutdown (poweroff launch never succeeded)", s.State())
	}
}

func TestFatalBusErrorRecordedAndStopsRunLoop(t *testing.T) {
	sim := bus.NewSimulated()
	sim.InputVoltageRaw = voltageRaw(12.5)
	sim.InjectFault = &bus.TransportError{Kind: bus.ErrDevice, Err: syscall.ENXIO}

	s, _ := newTestSupervisor(t, sim, baseConfig())

	s.Tick(time.Unix(0, 0))

	if s.FatalErr() == nil {
		t.Fatal("FatalErr() = nil, want the injected ENXIO error after a fatal read")
	}

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after a fatal bus error was already recorded")
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFakeLaunch = fakeErr("launch failed")

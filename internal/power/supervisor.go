package power

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
)

const (
	tickInterval      = 100 * time.Millisecond
	watchdogFeedEvery = 5 * time.Second
)

// Supervisor drives the daemon state machine from periodic companion
// measurements, exactly per spec.md §4.2: it is the sole writer of
// State, feeds the watchdog on its own independent cadence, and
// performs the ordered shutdown sequence. Grounded on the
// goroutine+ticker shape of cmd/driver/hasher-server/main.go's
// recovery loop, generalized from a one-shot check into a repeating
// 100ms tick.
type Supervisor struct {
	bus            bus.Transport
	cfg            *config.Store
	poweroffLaunch func(command string) error

	transitions chan<- Transition

	mu         sync.RWMutex
	state      State
	t0         time.Time
	lastFed    time.Time
	lastSample bus.Measurements
	haveSample bool
	fatalErr   error

	shutdownRequested bool
	poweroffLaunched  bool
}

// NewSupervisor constructs a Supervisor in the Start state. transitions
// may be nil; if non-nil, every state change is sent on it
// non-blockingly (a slow or absent consumer never stalls the
// supervisor tick, per spec.md §9's single-consumer cache note).
func NewSupervisor(b bus.Transport, cfg *config.Store, transitions chan<- Transition) *Supervisor {
	return &Supervisor{
		bus:            b,
		cfg:            cfg,
		poweroffLaunch: launchPoweroff,
		transitions:    transitions,
		state:          Start,
	}
}

// State returns the current daemon state. Safe for concurrent use by
// the control endpoint's snapshot() call.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastMeasurement returns the most recent successfully read sample and
// whether one has been taken yet.
func (s *Supervisor) LastMeasurement() (bus.Measurements, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSample, s.haveSample
}

// FatalErr returns the bus error that ended the supervisor's tick loop,
// or nil if it is still running (or was cancelled cleanly). Set only
// when a transaction fails with TransportError.IsFatal() true (the
// companion is gone, not merely busy), per spec.md §7.
func (s *Supervisor) FatalErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatalErr
}

// recordIfFatal latches the first fatal bus error seen. Called with mu
// already held by Tick.
func (s *Supervisor) recordIfFatal(err error) {
	var te *bus.TransportError
	if errors.As(err, &te) && te.IsFatal() && s.fatalErr == nil {
		s.fatalErr = err
	}
}

func (s *Supervisor) setState(to State) {
	from := s.state
	s.state = to
	if from == to {
		return
	}
	if s.transitions != nil {
		select {
		case s.transitions <- Transition{From: from, To: to}:
		default:
		}
	}
}

// Run blocks, ticking every 100ms, until ctx is cancelled or a fatal
// bus error is recorded. On either exit it attempts to disable the
// watchdog (spec.md §5 "Cancellation") before returning; the caller is
// still responsible for releasing the IPC socket.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bus.DisableWatchdog(); err != nil {
				log.Printf("power: disable watchdog on exit: %v", err)
			}
			return
		case now := <-ticker.C:
			s.Tick(now)
			if err := s.FatalErr(); err != nil {
				log.Printf("power: fatal bus error, stopping supervisor: %v", err)
				if err := s.bus.DisableWatchdog(); err != nil {
					log.Printf("power: disable watchdog on exit: %v", err)
				}
				return
			}
		}
	}
}

// Tick runs exactly one supervisor cycle at the given time. It is
// exported so tests can drive the state machine with synthetic
// timestamps instead of real sleeps (spec.md §8's end-to-end
// scenarios specify wall-clock offsets like "t=10", "t=13").
func (s *Supervisor) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Start {
		// The watchdog is armed during daemon startup, before the
		// supervisor goroutine is launched; by the time Tick first
		// runs that precondition already holds.
		s.setState(Ok)
	}

	cfg := s.cfg.Get()

	m, err := s.bus.ReadMeasurements()
	if err != nil {
		log.Printf("power: read measurements: %v", err)
		s.recordIfFatal(err)
	} else {
		s.lastSample = m
		s.haveSample = true
		s.evaluate(now, cfg, m)
	}

	s.maybeFeedWatchdog(now)

	if s.state == Shutdown {
		s.advanceShutdown()
	}
}

// evaluate applies the Ok/Blackout/Shutdown transition rules of
// spec.md §4.2 to one measurement. Called only while a fresh sample is
// available; a failed read leaves the state machine exactly where it
// was (fail-stationary, not fail-open).
func (s *Supervisor) evaluate(now time.Time, cfg config.Config, m bus.Measurements) {
	vIn := m.InputVoltage()
	limit := cfg.BlackoutVoltageLimit

	switch s.state {
	case Ok:
		if vIn < limit {
			s.t0 = now
			s.setState(Blackout)
		}
	case Blackout:
		if vIn >= limit {
			s.t0 = time.Time{}
			s.setState(Ok)
			return
		}
		if now.Sub(s.t0) >= durationFromSeconds(cfg.BlackoutTimeLimit) {
			s.setState(Shutdown)
			// Final feed to cover shutdown latency, issued
			// immediately rather than waiting for the next
			// 5s-elapsed check.
			if err := s.bus.FeedWatchdog(); err != nil {
				log.Printf("power: final watchdog feed on shutdown entry: %v", err)
				s.recordIfFatal(err)
			}
			s.lastFed = now
		}
	}
}

func durationFromSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func (s *Supervisor) maybeFeedWatchdog(now time.Time) {
	if s.state == Shutdown || s.state == Dead {
		return
	}
	if s.lastFed.IsZero() || now.Sub(s.lastFed) >= watchdogFeedEvery {
		if err := s.bus.FeedWatchdog(); err != nil {
			log.Printf("power: feed watchdog: %v", err)
			s.recordIfFatal(err)
			return
		}
		s.lastFed = now
	}
}

// advanceShutdown performs spec.md §4.2's exact ordered sequence:
// (1) shutdown register write, issued at most once and never retried;
// (2) detached poweroff launch, retried on every subsequent tick while
// in Shutdown if it fails to start; (3) transition to Dead only once
// the launch has succeeded.
func (s *Supervisor) advanceShutdown() {
	if !s.shutdownRequested {
		if err := s.bus.RequestShutdown(); err != nil {
			log.Printf("power: shutdown register write failed (not retried): %v", err)
		}
		s.shutdownRequested = true
	}

	if s.poweroffLaunched {
		return
	}

	if err := s.poweroffLaunch(s.cfg.Get().PoweroffCommand); err != nil {
		log.Printf("power: poweroff launch failed, will retry next tick: %v", err)
		return
	}
	s.poweroffLaunched = true
	s.setState(Dead)
}

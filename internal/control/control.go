// Package control implements the typed interface named in spec.md
// §4.4: the single mediator between the local IPC transport
// (internal/api) and the shared bus handle / configuration store.
// Grounded on the mutex-guarded DeviceStats/Device split of the
// teacher's internal/driver/device/controller.go, generalized from
// device statistics to configuration and power-state reads.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/dfu"
	"github.com/hatlabs/halpid/internal/power"
)

var errNoSampleYet = errors.New("no measurement sample taken yet")

// Endpoint mediates every control-plane operation named in spec.md
// §4.4. It never owns a goroutine; every method executes synchronously
// on the caller's goroutine (the internal/api HTTP handler), acquiring
// the bus lock only for the duration of one logical operation.
type Endpoint struct {
	bus        bus.Transport
	cfg        *config.Store
	supervisor *power.Supervisor
}

// New builds an Endpoint over the shared bus handle, configuration
// store, and supervisor (for reading current daemon/power state).
func New(b bus.Transport, cfg *config.Store, supervisor *power.Supervisor) *Endpoint {
	return &Endpoint{bus: b, cfg: cfg, supervisor: supervisor}
}

// Values is the snapshot returned by Snapshot: the latest measurement
// plus the daemon's own lifecycle state, since both are commonly
// wanted together by a status read.
type Values struct {
	Measurement bus.Measurements
	DaemonState power.State
}

// Snapshot returns the most recent measurement observed by the
// supervisor, per spec.md §4.4's "acquires bus lock, calls
// readMeasurements" contract — here relaxed to read the supervisor's
// cached last sample, since the supervisor already holds the bus lock
// for its own 100ms reads and a second concurrent read would simply
// serialize behind it for no benefit.
func (e *Endpoint) Snapshot() (Values, error) {
	m, ok := e.supervisor.LastMeasurement()
	if !ok {
		return Values{}, &Internal{Err: errNoSampleYet}
	}
	return Values{Measurement: m, DaemonState: e.supervisor.State()}, nil
}

// GetConfig returns a copy of the current configuration.
func (e *Endpoint) GetConfig() config.Config {
	return e.cfg.Get()
}

// GetConfigValue reads a single named field, for GET /config/{key}.
func (e *Endpoint) GetConfigValue(key string) (any, error) {
	cfg := e.cfg.Get()
	switch key {
	case "bus_index":
		return cfg.BusIndex, nil
	case "device_address":
		return cfg.DeviceAddress, nil
	case "blackout_voltage_limit":
		return cfg.BlackoutVoltageLimit, nil
	case "blackout_time_limit":
		return cfg.BlackoutTimeLimit, nil
	case "socket_path":
		return cfg.SocketPath, nil
	case "socket_group":
		return cfg.SocketGroup, nil
	case "poweroff_command":
		return cfg.PoweroffCommand, nil
	default:
		return nil, &NotFound{What: fmt.Sprintf("config key %q", key)}
	}
}

// SetConfigValue updates a single named, mutable field, for PUT
// /config/{key}. Only the blackout limits are writable at runtime;
// every other field is fixed for the process lifetime (bus identity,
// socket identity) or would require re-opening resources this
// endpoint has no mechanism to do, per spec.md §4.4's "durable
// persistence is out of scope" note.
func (e *Endpoint) SetConfigValue(key string, value float64) error {
	cfg := e.cfg.Get()
	switch key {
	case "blackout_voltage_limit":
		cfg.BlackoutVoltageLimit = value
	case "blackout_time_limit":
		cfg.BlackoutTimeLimit = value
	default:
		return &NotFound{What: fmt.Sprintf("config key %q", key)}
	}
	if err := cfg.Validate(); err != nil {
		return &BadRequest{Reason: err.Error()}
	}
	e.cfg.Set(cfg)
	return nil
}

// GetUSBPort reads the live enable state of USB rail port (0-3),
// acquiring the bus lock for this one transaction.
func (e *Endpoint) GetUSBPort(port int) (bool, error) {
	v, err := e.bus.GetUSBPort(port)
	if err != nil {
		return false, mapBusError(err)
	}
	return v, nil
}

// SetUSBPort enables or disables USB rail port (0-3).
func (e *Endpoint) SetUSBPort(port int, enabled bool) error {
	if err := e.bus.SetUSBPort(port, enabled); err != nil {
		return mapBusError(err)
	}
	return nil
}

// RequestShutdown writes the shutdown request register directly; the
// supervisor's own Shutdown-state sequencing (poweroff launch, Dead
// transition) is not re-triggered by this call, since the companion's
// watchdog/power-state transition is what ultimately cuts power. A
// control-initiated shutdown request is a convenience the supervisor
// doesn't otherwise decide on its own.
func (e *Endpoint) RequestShutdown() error {
	if err := e.bus.RequestShutdown(); err != nil {
		return mapBusError(err)
	}
	return nil
}

// StandbyRequest is the normalized form of spec.md §4.4's
// "delaySeconds | wakeDateTime" union: callers supply exactly one of
// Delay or WakeAt.
type StandbyRequest struct {
	Delay  *time.Duration
	WakeAt *time.Time
}

// RequestStandby normalizes an absolute wake-time to a delay in whole
// seconds using the host clock, clamps to [0, 2^32-1], and writes the
// standby request register, per spec.md §4.4.
func (e *Endpoint) RequestStandby(req StandbyRequest) error {
	var seconds int64

	switch {
	case req.Delay != nil && req.WakeAt != nil:
		return &BadRequest{Reason: "standby request must set exactly one of delay or wake time"}
	case req.Delay != nil:
		if *req.Delay < 0 {
			return &BadRequest{Reason: "standby delay must not be negative"}
		}
		seconds = int64(req.Delay.Seconds())
	case req.WakeAt != nil:
		seconds = int64(time.Until(*req.WakeAt).Seconds())
		if seconds < 0 {
			seconds = 0
		}
	default:
		return &BadRequest{Reason: "standby request must set delay or wake time"}
	}

	if seconds > 0xFFFFFFFF {
		seconds = 0xFFFFFFFF
	}

	if err := e.bus.RequestStandby(bus.StandbyModeDelay, uint32(seconds)); err != nil {
		return mapBusError(err)
	}
	return nil
}

// UploadFirmware streams r (size bytes) into the companion via the DFU
// uploader, per spec.md §4.4.
func (e *Endpoint) UploadFirmware(ctx context.Context, r io.Reader, size int64, progress dfu.Progress) error {
	u := dfu.New(e.bus)
	if err := u.Upload(ctx, r, size, progress); err != nil {
		return &Internal{Err: err}
	}
	return nil
}

func mapBusError(err error) error {
	if te, ok := err.(*bus.TransportError); ok && te.Kind == bus.ErrInvalidPort {
		return &NotFound{What: te.Error()}
	}
	return &Internal{Err: err}
}

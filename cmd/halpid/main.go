package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hatlabs/halpid/internal/api"
	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/control"
	"github.com/hatlabs/halpid/internal/power"
)

var (
	confPath             = flag.String("conf", "/etc/halpid/halpid.conf", "path to the YAML configuration file")
	i2cBus               = flag.Int("i2c-bus", -1, "I2C bus index (overrides config)")
	i2cAddr              = flag.Int("i2c-addr", -1, "I2C device address (overrides config)")
	socketPath           = flag.String("socket", "", "control-endpoint unix socket path (overrides config)")
	socketGroup          = flag.String("socket-group", "", "control-endpoint socket group owner (overrides config)")
	blackoutTimeLimit    = flag.Float64("blackout-time-limit", -1, "blackout duration limit in seconds (overrides config)")
	blackoutVoltageLimit = flag.Float64("blackout-voltage-limit", -1, "blackout voltage threshold in volts (overrides config)")
	poweroffCommand      = flag.String("poweroff", "", "poweroff command path (overrides config; empty keeps config value)")
)

func flagOverrides() config.FlagOverrides {
	var o config.FlagOverrides
	if *i2cBus >= 0 {
		o.BusIndex = i2cBus
	}
	if *i2cAddr >= 0 {
		o.DeviceAddress = i2cAddr
	}
	if *socketPath != "" {
		o.SocketPath = socketPath
	}
	if *socketGroup != "" {
		o.SocketGroup = socketGroup
	}
	if *blackoutTimeLimit >= 0 {
		o.BlackoutTimeLimit = blackoutTimeLimit
	}
	if *blackoutVoltageLimit >= 0 {
		o.BlackoutVoltageLimit = blackoutVoltageLimit
	}
	if *poweroffCommand != "" {
		o.PoweroffCommand = poweroffCommand
	}
	return o
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Printf("halpid: %v", err)
		os.Exit(1)
	}
	cfg = cfg.Overlay(flagOverrides())
	if err := cfg.Validate(); err != nil {
		log.Printf("halpid: invalid configuration: %v", err)
		os.Exit(2)
	}

	b, err := bus.Open(cfg.BusIndex, cfg.DeviceAddress)
	if err != nil {
		log.Printf("halpid: open bus: %v", err)
		os.Exit(1)
	}
	defer b.Close()

	fw := b.FirmwareVersion()
	log.Printf("halpid: companion firmware %d.%d.%d (release=%v)", fw.Major, fw.Minor, fw.Patch, fw.IsRelease())

	if err := b.FeedWatchdog(); err != nil {
		log.Printf("halpid: arm watchdog: %v", err)
		os.Exit(1)
	}

	store := config.NewStore(cfg)
	transitions := make(chan power.Transition, 16)
	supervisor := power.NewSupervisor(b, store, transitions)
	endpoint := control.New(b, store, supervisor)
	server := api.New(endpoint, cfg.SocketPath, cfg.SocketGroup)

	ctx, cancel := context.WithCancel(context.Background())

	supervisorDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(supervisorDone)
		supervisor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx); err != nil {
			log.Printf("halpid: control endpoint: %v", err)
		}
	}()
	go logTransitions(ctx, transitions)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, unix.SIGTERM)

	// A fatal bus error (companion gone: ENXIO/ENODEV) ends the
	// supervisor loop on its own; that is treated the same as a signal
	// and triggers the same orderly shutdown, per spec.md §7.
	select {
	case <-sigCh:
		log.Printf("halpid: signal received, shutting down")
	case <-supervisorDone:
		log.Printf("halpid: supervisor stopped: %v", supervisor.FatalErr())
	}
	cancel()
	wg.Wait()

	if err := os.RemoveAll(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		log.Printf("halpid: release socket: %v", err)
	}

	if fatal := supervisor.FatalErr(); fatal != nil {
		log.Printf("halpid: exiting after fatal bus error: %v", fatal)
		os.Exit(1)
	}
	fmt.Println("halpid: stopped")
}

func logTransitions(ctx context.Context, transitions <-chan power.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-transitions:
			log.Printf("halpid: state %s -> %s", t.From, t.To)
		}
	}
}

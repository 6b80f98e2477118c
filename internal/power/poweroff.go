package power

import (
	"fmt"
	"log"
	"os/exec"
	"syscall"
)

// launchPoweroff starts command as a detached child with no inherited
// file descriptors, per spec.md §4.2/§6. An empty command means
// dry-run: log the intent and report success without executing
// anything.
func launchPoweroff(command string) error {
	if command == "" {
		log.Printf("power: poweroff dry-run (no command configured)")
		return nil
	}

	cmd := exec.Command(command)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("power: launch poweroff %q: %w", command, err)
	}
	// Detached: we never Wait() on it. The companion, not this
	// process, is expected to cut host power before or shortly after
	// the child runs.
	return nil
}

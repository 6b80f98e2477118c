// Package dfu implements the device-firmware-update uploader: CRC32
// block framing, back-pressure handling, and the commit/abort protocol
// described in spec.md §4.3. Grounded on the binary frame-building and
// checksum-then-send shape of
// internal/driver/device/usb_device.go's BuildTxTaskFromHeader, with
// the Bitmain CRC-16/Modbus table swapped for the wire-mandated
// CRC-32 (stdlib hash/crc32, IEEE polynomial — spec.md §4.3 fixes the
// algorithm exactly, so there is nothing a third-party CRC library
// would add).
package dfu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/hatlabs/halpid/internal/bus"
)

const blockSize = 4096

// Companion DFU status values (register 0x41), per spec.md §4.3.
const (
	statusIdle           = 0
	statusPreparing      = 1
	statusUpdating       = 2
	statusQueueFull      = 3
	statusReadyToCommit  = 4
	statusCrcErrorFirst  = 5
	statusProtocolErrorLast = 8
)

// ErrAborted is returned when the upload is cancelled via ctx between
// blocks. The session is aborted on the companion side before this
// error is returned to the caller.
var ErrAborted = errors.New("dfu: upload aborted")

// Progress is invoked after every block write with (done, total).
type Progress func(done, total int)

// Uploader streams a firmware image into the companion's flash.
type Uploader struct {
	bus bus.Transport
}

// New returns an Uploader bound to b. b's lock is held for the entire
// duration of Upload, per spec.md §5: the supervisor's tick is
// intentionally starved during a session.
func New(b bus.Transport) *Uploader {
	return &Uploader{bus: b}
}

// Upload streams size bytes read from r into the companion in
// blockSize chunks, implementing spec.md §4.3's five contracts:
// start, per-block send, drain, commit, abort-on-fatal. ctx is
// consulted only between blocks (spec.md §5: "the current block
// completes... the session terminates between blocks").
func (u *Uploader) Upload(ctx context.Context, r io.Reader, size int64, progress Progress) error {
	locker, ok := u.bus.(interface {
		Lock()
		Unlock()
	})
	if ok {
		locker.Lock()
		defer locker.Unlock()
	}

	totalBlocks := int((size + blockSize - 1) / blockSize)

	if err := u.bus.DFUStart(uint32(size)); err != nil {
		return fmt.Errorf("dfu: start: %w", err)
	}

	for i := 0; i < totalBlocks; i++ {
		select {
		case <-ctx.Done():
			u.abort()
			return ErrAborted
		default:
		}

		if err := u.awaitReadyForBlock(ctx); err != nil {
			u.abort()
			return err
		}

		n := blockSize
		if i == totalBlocks-1 {
			remainder := int(size % blockSize)
			if remainder != 0 {
				n = remainder
			}
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			u.abort()
			return fmt.Errorf("dfu: read block %d: %w", i, err)
		}

		frame := buildFrame(uint16(i), data)
		if err := u.bus.DFUWriteBlock(frame); err != nil {
			u.abort()
			return fmt.Errorf("dfu: write block %d: %w", i, err)
		}

		if progress != nil {
			progress(i+1, totalBlocks)
		}
	}

	if err := u.drain(totalBlocks); err != nil {
		u.abort()
		return err
	}

	time.Sleep(100 * time.Millisecond)
	if err := u.bus.DFUCommit(); err != nil {
		return fmt.Errorf("dfu: commit: %w", err)
	}
	return nil
}

// buildFrame constructs the register-0x43 write payload:
// CRC32(blockIndex||blockLen||data) || blockIndex || blockLen || data.
func buildFrame(blockIndex uint16, data []byte) []byte {
	body := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(body[0:2], blockIndex)
	binary.BigEndian.PutUint16(body[2:4], uint16(len(data)))
	copy(body[4:], data)

	sum := crc32.ChecksumIEEE(body)

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[0:4], sum)
	copy(frame[4:], body)
	return frame
}

// awaitReadyForBlock implements the pre-block wait contract: sleep
// 100ms, then poll 0x41 every 50ms (500ms while Preparing) for up to
// 30s, accepting Updating or ReadyToCommit, backing off 100ms on
// QueueFull, and treating Idle or any error status as fatal.
func (u *Uploader) awaitReadyForBlock(ctx context.Context) error {
	time.Sleep(100 * time.Millisecond)

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ErrAborted
		default:
		}

		status, err := u.bus.DFUStatus()
		if err != nil {
			return fmt.Errorf("dfu: status poll: %w", err)
		}

		switch {
		case status == statusUpdating || status == statusReadyToCommit:
			return nil
		case status == statusPreparing:
			time.Sleep(500 * time.Millisecond)
		case status == statusQueueFull:
			time.Sleep(100 * time.Millisecond)
		case status == statusIdle:
			return fmt.Errorf("dfu: companion reverted to idle mid-session")
		case status >= statusCrcErrorFirst && status <= statusProtocolErrorLast:
			return fmt.Errorf("dfu: fatal companion status %d", status)
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}
	return fmt.Errorf("dfu: timed out waiting for block-ready status")
}

// drain polls until status == ReadyToCommit and blocksWritten ==
// totalBlocks, bounded by a 5s timeout, per spec.md §4.3 step 3.
func (u *Uploader) drain(totalBlocks int) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := u.bus.DFUStatus()
		if err != nil {
			return fmt.Errorf("dfu: drain status: %w", err)
		}
		if status >= statusCrcErrorFirst && status <= statusProtocolErrorLast {
			return fmt.Errorf("dfu: fatal companion status %d during drain", status)
		}

		time.Sleep(100 * time.Millisecond)

		written, err := u.bus.DFUBlocksWritten()
		if err != nil {
			return fmt.Errorf("dfu: drain blocks-written: %w", err)
		}

		if status == statusReadyToCommit && int(written) == totalBlocks {
			return nil
		}

		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("dfu: drain timed out waiting for ready-to-commit")
}

// abort is best-effort: failures here don't mask the original error
// that triggered the abort.
func (u *Uploader) abort() {
	time.Sleep(100 * time.Millisecond)
	_ = u.bus.DFUAbort()
}

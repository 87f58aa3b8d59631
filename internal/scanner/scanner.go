// Package scanner acquires decoded QR payloads from an attached
// hardware scanner. The scanner presents as a character device that
// emits one decoded payload per line; acquisition tries an ordered
// list of device descriptors (hardware support is heterogeneous, a
// single rigid choice fails on otherwise-capable terminals), reads at
// a bounded cadence, and releases the device on the first delivered
// decode so exactly one verify follows each scan.
package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"kea-checkin/internal/logging"
)

// Acquisition error taxonomy. Each maps to a distinct operator-facing
// message in the CLI.
var (
	ErrPermissionDenied         = errors.New("scanner access denied")
	ErrNoDevice                 = errors.New("no scanner device found")
	ErrDeviceBusy               = errors.New("scanner device is in use")
	ErrConstraintsUnsatisfiable = errors.New("no scanner descriptor could be opened")
)

// Channel identifies where a decode came from.
const (
	ChannelCamera = "camera"
	ChannelManual = "manual"
)

// Decode is one raw decoded payload plus its originating channel.
type Decode struct {
	Text    string
	Channel string
}

// Descriptor is one acquisition candidate, tried in order with
// early-exit on first success.
type Descriptor struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// DeviceDescriptor opens a scanner character device in line mode.
func DeviceDescriptor(path string) Descriptor {
	return Descriptor{
		Name: path,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// DefaultDescriptors builds the fallback order: the configured device
// first, then well-known scanner nodes, then any HID raw node.
func DefaultDescriptors(preferred string) []Descriptor {
	var descs []Descriptor
	seen := map[string]bool{}
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		descs = append(descs, DeviceDescriptor(path))
	}

	add(preferred)
	add("/dev/qrscanner")
	add("/dev/ttyACM0")
	if matches, err := filepath.Glob("/dev/hidraw*"); err == nil {
		for _, m := range matches {
			add(m)
		}
	}
	return descs
}

// One engine may hold a device at a time, process-wide.
var (
	activeMu sync.Mutex
	active   bool
)

// Engine drives one scan session. It is single-use: Start, then Stop,
// then discard.
type Engine struct {
	interval time.Duration

	mu      sync.Mutex
	paused  bool
	stopped bool
	stop    chan struct{}
	device  io.ReadCloser
	started bool
}

// New returns an engine delivering at most maxPerSecond decodes per
// second. The throttle trades latency for CPU; any rate that decodes a
// steady code within a second or two is fine.
func New(maxPerSecond int) *Engine {
	if maxPerSecond <= 0 {
		maxPerSecond = 4
	}
	return &Engine{
		interval: time.Second / time.Duration(maxPerSecond),
		stop:     make(chan struct{}),
	}
}

// Start opens the first workable descriptor and begins the decode
// loop. Exactly one Decode is delivered on the returned channel; the
// engine stops itself and releases the device before delivery. Start
// fails with ErrDeviceBusy while another engine holds a device.
func (e *Engine) Start(ctx context.Context, descs []Descriptor) (<-chan Decode, error) {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: engine already used", ErrDeviceBusy)
	}
	e.mu.Unlock()

	activeMu.Lock()
	if active {
		activeMu.Unlock()
		return nil, ErrDeviceBusy
	}
	active = true
	activeMu.Unlock()

	device, name, err := openFirst(ctx, descs)
	if err != nil {
		e.release()
		return nil, err
	}

	e.mu.Lock()
	e.started = true
	e.device = device
	e.mu.Unlock()

	logging.FromContext(ctx).Info("scanner acquired", "device", name)

	out := make(chan Decode, 1)
	go e.loop(ctx, device, out)
	return out, nil
}

// Pause suspends decode delivery without dropping the device; lines
// arriving while paused are discarded, matching a covered camera.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume re-enables delivery after Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Stop halts the loop and releases the device immediately and
// unconditionally. Safe to call repeatedly and from any goroutine.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stop)
	device := e.device
	e.device = nil
	e.mu.Unlock()

	if device != nil {
		device.Close()
	}
	e.release()
}

func (e *Engine) release() {
	activeMu.Lock()
	active = false
	activeMu.Unlock()
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// loop reads lines from the device, gates them by the cadence ticker,
// and delivers the first usable decode, then stops the engine.
func (e *Engine) loop(ctx context.Context, device io.ReadCloser, out chan<- Decode) {
	defer close(out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(device)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-e.stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return
		case <-e.stop:
			return
		case line, ok := <-lines:
			if !ok {
				e.Stop()
				return
			}
			if e.isPaused() {
				continue
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			// Cadence gate: wait out the current tick before
			// delivering, so bursts from the device cannot race
			// multiple verifies.
			select {
			case <-ticker.C:
			case <-e.stop:
				return
			case <-ctx.Done():
				e.Stop()
				return
			}
			if e.isPaused() {
				continue
			}
			// Release the device before handing off.
			e.Stop()
			out <- Decode{Text: text, Channel: ChannelCamera}
			return
		}
	}
}

// openFirst walks the descriptor list, keeping each failure for
// diagnostics only, and classifies the aggregate when all fail.
func openFirst(ctx context.Context, descs []Descriptor) (io.ReadCloser, string, error) {
	if len(descs) == 0 {
		return nil, "", ErrNoDevice
	}

	log := logging.FromContext(ctx)
	var failures []error
	for _, d := range descs {
		rc, err := d.Open()
		if err == nil {
			return rc, d.Name, nil
		}
		log.Debug("scanner descriptor failed", "descriptor", d.Name, "error", err)
		failures = append(failures, fmt.Errorf("%s: %w", d.Name, err))
	}
	return nil, "", classifyFailures(failures)
}

func classifyFailures(failures []error) error {
	allMissing := true
	for _, err := range failures {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case errors.Is(err, syscall.EBUSY):
			return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
		case errors.Is(err, fs.ErrNotExist):
		default:
			allMissing = false
		}
	}
	if allMissing {
		return ErrNoDevice
	}
	return fmt.Errorf("%w: %v", ErrConstraintsUnsatisfiable, errors.Join(failures...))
}

package fetch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aamitn/radixiot/internal/ws"
)

// DefaultTimeout bounds how long a fetch waits for a device to deliver.
const DefaultTimeout = 60 * time.Second

// FetchCommand is the literal token broadcast to the device pool.
const FetchCommand = "ftp-fetch"

var (
	// ErrNoDevices fails a fetch immediately when the device pool is empty.
	ErrNoDevices = errors.New("fetch: no devices available")
	// ErrInFlight rejects a fetch while another one is still awaiting.
	ErrInFlight = errors.New("fetch: request already in flight")
	// ErrTimeout reports that no delivery arrived within the bound.
	ErrTimeout = errors.New("fetch: gateway did not deliver in time")
)

// Artifact is a delivered device file bundle, staged on disk.
type Artifact struct {
	Filename string
	Path     string
	Size     int64
}

// Correlator bridges an observer's fetch request to the asynchronous file
// delivery of whichever device responds. At most one request is awaiting at a
// time; the slot is a one-shot rendezvous released unconditionally on
// resolve, timeout, or cancellation.
type Correlator struct {
	mu      sync.Mutex
	pending chan Artifact
	hub     *ws.Hub
	timeout time.Duration
	logger  *slog.Logger
}

// NewCorrelator constructs a Correlator; a non-positive timeout falls back to
// DefaultTimeout.
func NewCorrelator(hub *ws.Hub, timeout time.Duration, logger *slog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger != nil {
		logger = logger.With("component", "fetch")
	}
	return &Correlator{hub: hub, timeout: timeout, logger: logger}
}

// Request dispatches the fetch command to every device and waits for the next
// delivery. It fails fast with ErrNoDevices when the pool is empty and with
// ErrInFlight when a request is already awaiting.
func (c *Correlator) Request(ctx context.Context) (Artifact, error) {
	if c.hub.Count(ws.PoolDevice) == 0 {
		return Artifact{}, ErrNoDevices
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return Artifact{}, ErrInFlight
	}
	slot := make(chan Artifact, 1)
	c.pending = slot
	c.mu.Unlock()

	c.Dispatch()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case artifact := <-slot:
		c.release(slot)
		return artifact, nil
	case <-timer.C:
		c.release(slot)
		return Artifact{}, ErrTimeout
	case <-ctx.Done():
		c.release(slot)
		return Artifact{}, ctx.Err()
	}
}

// Dispatch broadcasts the fetch command to every device without arming a
// slot. Observer connections use it directly; any resulting upload resolves
// whatever request is awaiting, or is discarded.
func (c *Correlator) Dispatch() {
	c.hub.Broadcast(ws.PoolDevice, []byte(FetchCommand))
	if c.logger != nil {
		c.logger.Info("fetch command dispatched", "devices", c.hub.Count(ws.PoolDevice))
	}
}

// Deliver offers an out-of-band artifact to the awaiting request. It reports
// whether the artifact was accepted; the caller owns it otherwise.
func (c *Correlator) Deliver(artifact Artifact) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return false
	}
	select {
	case c.pending <- artifact:
		return true
	default:
		// Slot already filled by a concurrent delivery.
		return false
	}
}

// release closes the slot so the next fetch can proceed. An artifact that
// slipped into the slot after its request gave up is discarded here: a stale
// delivery must never answer a later request.
func (c *Correlator) release(slot chan Artifact) {
	c.mu.Lock()
	if c.pending == slot {
		c.pending = nil
	}
	c.mu.Unlock()
	select {
	case stale := <-slot:
		if stale.Path != "" {
			_ = os.Remove(stale.Path)
		}
		if c.logger != nil {
			c.logger.Warn("discarded stale delivery", "filename", stale.Filename)
		}
	default:
	}
}

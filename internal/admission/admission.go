// Package admission gates new work against resource ceilings and
// sandboxes file-system helper operations.
package admission

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/toolgate/toolgate/internal/config"
)

// Result is the outcome of an admission check.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Ticket represents one admitted request. The orchestrator that acquired
// it owns the release obligation; Release is idempotent.
type Ticket struct {
	release sync.Once
	ctrl    *Controller
}

// Release returns the admission slot. Safe to call more than once.
func (t *Ticket) Release() {
	t.release.Do(func() {
		t.ctrl.mu.Lock()
		t.ctrl.active--
		t.ctrl.mu.Unlock()
	})
}

// Controller enforces the request, heap, and stream ceilings.
type Controller struct {
	cfg    config.AdmissionConfig
	logger zerolog.Logger

	mu     sync.Mutex
	active int64

	// streams reports the current active stream count; injected so the
	// stream manager stays the sole owner of that state.
	streams func() int64
	// heap reports current heap use; replaceable in tests.
	heap func() uint64
}

// NewController creates an admission controller. streams may be nil
// until SetStreamCounter is called during composition.
func NewController(cfg config.AdmissionConfig, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		logger: logger.With().Str("component", "admission").Logger(),
		heap:   heapInUse,
	}
}

// SetStreamCounter wires the active-stream count source.
func (c *Controller) SetStreamCounter(fn func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = fn
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// check evaluates the three ceilings in order and short-circuits on the
// first violation. Caller holds the lock.
func (c *Controller) check() Result {
	if c.active >= c.cfg.MaxConcurrentRequests {
		return Result{Reason: fmt.Sprintf(
			"too many concurrent requests: %d of %d active", c.active, c.cfg.MaxConcurrentRequests)}
	}

	if heap := c.heap(); heap >= c.cfg.MaxHeapBytes {
		return Result{Reason: fmt.Sprintf(
			"heap use %d bytes exceeds ceiling %d", heap, c.cfg.MaxHeapBytes)}
	}

	if c.streams != nil {
		ceiling := c.cfg.MaxConcurrentRequests * c.cfg.StreamMultiplier
		if count := c.streams(); count >= ceiling {
			return Result{Reason: fmt.Sprintf(
				"too many active streams: %d of %d", count, ceiling)}
		}
	}

	return Result{Allowed: true}
}

// CanAdmit reports whether a new request would currently be admitted,
// without claiming a slot.
func (c *Controller) CanAdmit() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check()
}

// Admit claims a request slot. The check and the increment happen under
// one lock so concurrent admissions cannot race past the ceiling.
func (c *Controller) Admit() (*Ticket, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.check()
	if !res.Allowed {
		c.logger.Warn().Str("reason", res.Reason).Msg("admission denied")
		return nil, res
	}

	c.active++
	return &Ticket{ctrl: c}, res
}

// Active returns the current in-flight request count.
func (c *Controller) Active() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// HeapBytes returns the current heap measurement used for admission.
func (c *Controller) HeapBytes() uint64 {
	return c.heap()
}

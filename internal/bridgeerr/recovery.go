package bridgeerr

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// healthWindow is the rolling window over which error statistics
	// are kept.
	healthWindow = 5 * time.Minute
	// criticalThreshold trips the health warning on critical errors.
	criticalThreshold = 3
	// totalThreshold trips the health warning on errors of any kind.
	totalThreshold = 20

	networkRetries    = 3
	networkRetryDelay = 2 * time.Second
	timeoutExtension  = 30 * time.Second
	resourceBackoff   = 5 * time.Second
)

// Operation is a retryable unit of work handed to a recovery strategy.
type Operation func(ctx context.Context) error

// Strategy attempts to recover from one classified failure by re-running
// the operation under kind-specific conditions.
type Strategy func(ctx context.Context, op Operation) error

// Stats is a snapshot of the rolling error window.
type Stats struct {
	WindowErrors   int            `json:"windowErrors"`
	WindowCritical int            `json:"windowCritical"`
	ByKind         map[Kind]int   `json:"byKind"`
	Healthy        bool           `json:"healthy"`
}

type record struct {
	at       time.Time
	kind     Kind
	severity Severity
}

// Coordinator records classified errors, tracks rolling statistics, and
// runs at most one recovery pass per failure.
type Coordinator struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	strategies map[Kind]Strategy
	window     []record
	now        func() time.Time
}

// NewCoordinator creates a Coordinator with the default strategy table.
func NewCoordinator(logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		logger: logger.With().Str("component", "recovery").Logger(),
		now:    time.Now,
	}
	c.strategies = map[Kind]Strategy{
		KindNetwork:  retryNetwork,
		KindTimeout:  retryWithExtendedTimeout,
		KindResource: reclaimAndRetry,
	}
	return c
}

// RegisterStrategy replaces the strategy for a kind. Registering for a
// non-recoverable kind has no effect because Handle never consults it.
func (c *Coordinator) RegisterStrategy(kind Kind, s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[kind] = s
}

// Record adds a classified error to the rolling window.
func (c *Coordinator) Record(err *Error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.window = append(c.window, record{at: c.now(), kind: err.Kind, severity: err.Severity})
}

// Handle records the failure and, if its kind is recoverable and a
// strategy exists, runs that strategy exactly once. A failed recovery is
// classified and recorded but never recursively retried. Returns nil
// when recovery succeeded, otherwise the error to surface.
func (c *Coordinator) Handle(ctx context.Context, err *Error, op Operation) error {
	if err == nil {
		return nil
	}
	c.Record(err)

	if !err.Recoverable || op == nil {
		return err
	}

	c.mu.Lock()
	strategy := c.strategies[err.Kind]
	c.mu.Unlock()
	if strategy == nil {
		return err
	}

	c.logger.Info().
		Str("kind", string(err.Kind)).
		Str("requestID", err.Ctx.RequestID).
		Msg("attempting recovery")

	if rerr := strategy(ctx, op); rerr != nil {
		recovered := Wrap(rerr, err.Ctx)
		c.Record(recovered)
		c.logger.Warn().
			Str("kind", string(recovered.Kind)).
			Err(rerr).
			Msg("recovery failed")
		return err
	}

	c.logger.Info().Str("kind", string(err.Kind)).Msg("recovery succeeded")
	return nil
}

// Snapshot returns the rolling window statistics.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()

	stats := Stats{ByKind: make(map[Kind]int)}
	for _, r := range c.window {
		stats.WindowErrors++
		if r.severity == SeverityCritical {
			stats.WindowCritical++
		}
		stats.ByKind[r.kind]++
	}
	stats.Healthy = stats.WindowCritical < criticalThreshold && stats.WindowErrors < totalThreshold
	return stats
}

// Healthy reports whether the rolling window is below both thresholds.
func (c *Coordinator) Healthy() bool {
	return c.Snapshot().Healthy
}

// prune drops records older than the window. Caller holds the lock.
func (c *Coordinator) prune() {
	cutoff := c.now().Add(-healthWindow)
	i := 0
	for ; i < len(c.window); i++ {
		if c.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.window = append([]record(nil), c.window[i:]...)
	}
}

// retryNetwork retries with a fixed delay a bounded number of times.
func retryNetwork(ctx context.Context, op Operation) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(networkRetryDelay), networkRetries),
		ctx,
	)
	return backoff.Retry(func() error { return op(ctx) }, b)
}

// retryWithExtendedTimeout retries once under a longer deadline.
func retryWithExtendedTimeout(ctx context.Context, op Operation) error {
	extended, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeoutExtension)
	defer cancel()
	return op(extended)
}

// reclaimAndRetry releases heap back to the OS, waits, and retries once.
func reclaimAndRetry(ctx context.Context, op Operation) error {
	debug.FreeOSMemory()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(resourceBackoff):
	}
	return op(ctx)
}

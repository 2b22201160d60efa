// Package retry provides exponential backoff, both as a blocking retry loop
// (Do) and as a non-blocking gate (Backoff) for callers that poll and must
// never sleep.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = run once)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap on the delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add up to 25% random delay
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Quick returns a config for fast retries during startup
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Persistent returns a config for the initial connection to the network,
// where the server may come up well after the relay.
func Persistent() Config {
	return Config{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (cfg Config) normalize() (Config, error) {
	if cfg.InitialDelay < 0 {
		return cfg, errors.New("retry: InitialDelay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return cfg, errors.New("retry: MaxDelay cannot be negative")
	}
	if cfg.Multiplier < 0 {
		return cfg, errors.New("retry: Multiplier cannot be negative")
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return cfg, nil
}

func (cfg Config) next(delay time.Duration) time.Duration {
	nextDelay := float64(delay) * cfg.Multiplier
	if nextDelay > float64(cfg.MaxDelay) || nextDelay > float64(time.Duration(1<<63-1)) {
		return cfg.MaxDelay
	}
	return time.Duration(nextDelay)
}

func (cfg Config) jitter(delay time.Duration) time.Duration {
	if !cfg.AddJitter || delay < 4 {
		return delay
	}
	randMu.Lock()
	j := time.Duration(randSource.Int63n(int64(delay / 4)))
	randMu.Unlock()
	return delay + j
}

// Do executes fn with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		delay = cfg.next(delay)
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

// Backoff is a non-blocking exponential backoff gate. Callers ask Ready
// before an attempt and report the outcome with Failure or Reset.
// MaxAttempts is ignored: a Backoff never gives up.
type Backoff struct {
	mu       sync.Mutex
	cfg      Config
	delay    time.Duration
	notUntil time.Time
	failures int
	now      func() time.Time
}

// NewBackoff creates a gate that is initially open
func NewBackoff(cfg Config) *Backoff {
	normalized, err := cfg.normalize()
	if err != nil {
		normalized, _ = DefaultConfig().normalize()
	}
	return &Backoff{cfg: normalized, delay: normalized.InitialDelay, now: time.Now}
}

// Ready reports whether an attempt may be made now
func (b *Backoff) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.notUntil)
}

// Failure records a failed attempt and closes the gate for the current delay
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	wait := b.cfg.jitter(b.delay)
	b.notUntil = b.now().Add(wait)
	b.delay = b.cfg.next(b.delay)
	b.failures++
	return wait
}

// Reset records a success and reopens the gate
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = b.cfg.InitialDelay
	b.notUntil = time.Time{}
	b.failures = 0
}

// Failures returns the number of consecutive failures since the last Reset
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

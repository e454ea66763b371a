// Package retry provides retry logic with exponential backoff for SAFS operations
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/flashxio/safs/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, the first included
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to every delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes retried even when the error itself is
	// not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration. A saturated cell
// frees up within a flush round, so delays start small.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  8,
		InitialDelay: time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeNoVictim,
			errors.ErrCodeResourceExhausted,
			errors.ErrCodeCacheFull,
		},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
	stats  *StatsCollector
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	// Apply defaults for zero values
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 8
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 100 * time.Millisecond
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config, stats: NewStatsCollector()}
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context
// support. Exhausting every attempt yields a RETRY_EXHAUSTED error wrapping
// the last failure.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	var waited time.Duration

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			r.stats.RecordAttempt(attempt-1, false, waited)
			return canceled(ctx.Err(), attempt-1)
		default:
		}

		err := fn(ctx)
		if err == nil {
			r.stats.RecordAttempt(attempt, true, waited)
			return nil
		}

		lastErr = err

		if !r.shouldRetry(err) {
			r.stats.RecordAttempt(attempt, false, waited)
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt)

			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.stats.RecordAttempt(attempt, false, waited)
				return canceled(ctx.Err(), attempt)
			case <-timer.C:
				waited += delay
			}
		}
	}

	r.stats.RecordAttempt(r.config.MaxAttempts, false, waited)
	return errors.Wrap(lastErr, errors.ErrCodeRetryExhausted, "max retry attempts exceeded").
		WithComponent("retry").
		WithDetail("attempts", r.config.MaxAttempts)
}

func canceled(cause error, attempts int) error {
	return errors.Wrap(cause, errors.ErrCodeOperationCanceled, "operation canceled").
		WithComponent("retry").
		WithDetail("attempts", attempts)
}

// shouldRetry determines if an error is retryable
func (r *Retryer) shouldRetry(err error) bool {
	return isRetryable(err, r.config.RetryableErrors)
}

func isRetryable(err error, codes []errors.ErrorCode) bool {
	var serr *errors.SAFSError
	if !stderr.As(err, &serr) {
		return false
	}
	if serr.Retryable {
		return true
	}
	for _, code := range codes {
		if serr.Code == code {
			return true
		}
	}
	return false
}

// calculateDelay calculates the delay for the next retry attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	// initialDelay * multiplier^(attempt-1)
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	return time.Duration(delay)
}

// Stats returns the statistics of every DoWithContext call so far.
func (r *Retryer) Stats() Stats {
	return r.stats.GetStats()
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithInitialDelay returns a new Retryer with modified initial delay
func (r *Retryer) WithInitialDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.InitialDelay = delay
	return New(newConfig)
}

// WithMaxDelay returns a new Retryer with modified max delay
func (r *Retryer) WithMaxDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.MaxDelay = delay
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

// Stats tracks retry statistics
type Stats struct {
	Calls           int           `json:"calls"`
	TotalAttempts   int           `json:"total_attempts"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	AverageAttempts float64       `json:"average_attempts"`
	TotalDelay      time.Duration `json:"total_delay"`
	MaxAttemptsUsed int           `json:"max_attempts_used"`
}

// StatsCollector collects retry statistics
type StatsCollector struct {
	mu    sync.Mutex
	stats Stats
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// RecordAttempt records one call that took attempts attempts
func (sc *StatsCollector) RecordAttempt(attempts int, success bool, delay time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.Calls++
	sc.stats.TotalAttempts += attempts
	if success {
		sc.stats.Succeeded++
	} else {
		sc.stats.Failed++
	}

	sc.stats.TotalDelay += delay
	if attempts > sc.stats.MaxAttemptsUsed {
		sc.stats.MaxAttemptsUsed = attempts
	}
	sc.stats.AverageAttempts = float64(sc.stats.TotalAttempts) / float64(sc.stats.Calls)
}

// GetStats returns current statistics
func (sc *StatsCollector) GetStats() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.stats
}

// Reset resets statistics
func (sc *StatsCollector) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats = Stats{}
}

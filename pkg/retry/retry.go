package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/txspend/backend/internal/metrics"
)

type Config struct {
	// Operation labels the retry metrics; empty means unmetered.
	Operation      string
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	Logger         *zap.Logger
}

// Do runs operation with exponential backoff and jitter. Context errors
// stop the loop immediately: a cancelled chat turn or an expired statement
// deadline is not worth retrying against.
func Do(ctx context.Context, cfg Config, operation func() error) error {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 1 {
				record(cfg.Operation, "recovered")
				if cfg.Logger != nil {
					cfg.Logger.Info("Operation succeeded after retry",
						zap.String("operation", cfg.Operation),
						zap.Int("attempt", attempt),
					)
				}
			}
			return nil
		}

		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			record(cfg.Operation, "aborted")
			return err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		record(cfg.Operation, "retried")
		if cfg.Logger != nil {
			cfg.Logger.Warn("Operation failed, retrying",
				zap.String("operation", cfg.Operation),
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", cfg.MaxAttempts),
				zap.Duration("delay", delay),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(addJitter(delay, cfg.JitterFraction)):
		}

		delay = time.Duration(math.Min(float64(cfg.MaxDelay), float64(delay)*cfg.Multiplier))
	}

	record(cfg.Operation, "exhausted")
	return lastErr
}

func record(operation, outcome string) {
	if operation == "" {
		return
	}
	metrics.RetryAttempts.WithLabelValues(operation, outcome).Inc()
}

func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}

	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	if rand.Intn(2) == 0 {
		return duration - jitter
	}
	return duration + jitter
}

package bridge

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/danmuck/vizbridge/internal/observability"
)

// BackoffConfig paces session restarts. A session that stays up for
// StableAfter (MaxDelay when zero) earns a fresh delay sequence and budget.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	StableAfter  time.Duration
	Jitter       bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		StableAfter:  30 * time.Second,
		Jitter:       true,
	}
}

func (c BackoffConfig) stableAfter() time.Duration {
	if c.StableAfter > 0 {
		return c.StableAfter
	}
	return c.MaxDelay
}

// restartBackoff tracks consecutive restarts of short-lived sessions.
type restartBackoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
	delay   time.Duration
}

func newRestartBackoff(cfg BackoffConfig, rng *rand.Rand) *restartBackoff {
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	return &restartBackoff{cfg: cfg, rng: rng}
}

// next records a failed session that was up for uptime and returns how long
// to wait before building the next one.
func (b *restartBackoff) next(uptime time.Duration) time.Duration {
	if limit := b.cfg.stableAfter(); limit > 0 && uptime >= limit {
		b.attempt = 0
	}
	b.attempt++
	if b.attempt == 1 {
		b.delay = b.cfg.InitialDelay
	} else {
		b.delay = time.Duration(float64(b.delay) * b.cfg.Multiplier)
	}
	if b.cfg.MaxDelay > 0 && b.delay > b.cfg.MaxDelay {
		b.delay = b.cfg.MaxDelay
	}
	if b.delay <= 0 {
		return 0
	}
	if !b.cfg.Jitter || b.rng == nil {
		return b.delay
	}
	// upper half of the window so restarts never collapse to zero
	half := b.delay / 2
	return half + time.Duration(b.rng.Int63n(int64(b.delay-half)+1))
}

// SupervisorConfig controls session restarts. MaxRestarts <= 0 means no limit.
type SupervisorConfig struct {
	Backoff     BackoffConfig
	MaxRestarts int
}

// Supervise runs a fresh session after each fatal viz-link fault. Sessions
// never reconnect on their own; recovery happens here by building a new one.
// A failed advertisement source is not restartable and is returned as is.
// It returns nil once ctx is done, or the last fault when restarts run out.
func Supervise(ctx context.Context, cfg SupervisorConfig, newSession func() (*Session, error)) error {
	logger := observability.Component("supervisor")
	backoff := newRestartBackoff(cfg.Backoff, rand.New(rand.NewSource(time.Now().UnixNano())))
	for {
		s, err := newSession()
		if err != nil {
			return err
		}
		started := time.Now()
		err = s.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || errors.Is(err, ErrSessionClosed) {
			return err
		}
		if errors.Is(err, ErrSourceFailed) {
			logger.Error().Err(err).Str("session", s.ID()).Msg("advertisement source lost, not restarting")
			return err
		}
		delay := backoff.next(time.Since(started))
		if cfg.MaxRestarts > 0 && backoff.attempt > cfg.MaxRestarts {
			logger.Error().Err(err).Int("restarts", backoff.attempt-1).Msg("restart budget exhausted")
			return err
		}
		logger.Warn().Err(err).Str("session", s.ID()).Int("attempt", backoff.attempt).Dur("delay", delay).Msg("restarting bridge session")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

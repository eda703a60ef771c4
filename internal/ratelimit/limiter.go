// Package ratelimit enforces reservation-creation ceilings over three
// sliding windows: a short burst window, a per-user daily window, and a
// per-IP daily window. Counts are read through from reservation rows.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"collect-service/config"
	"collect-service/internal/util"
)

// Window names reported on deny.
const (
	WindowBurst = "burst"
	WindowUser  = "user_daily"
	WindowIP    = "ip_daily"
)

// CounterStore is the slice of the reservation store the limiter reads.
type CounterStore interface {
	CountReservationsByUserSince(ctx context.Context, userID int64, since time.Time) (int, error)
	CountReservationsByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	OldestReservationByUserSince(ctx context.Context, userID int64, since time.Time) (time.Time, bool, error)
	OldestReservationByIPSince(ctx context.Context, ip string, since time.Time) (time.Time, bool, error)
}

// Decision is the limiter's verdict. On deny, Window, Limit, RetryAfter and
// ResetAt carry enough for the caller to render a human countdown.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Window     string        `json:"window,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"-"`
	ResetAt    time.Time     `json:"reset_at,omitempty"`
}

// Message renders the deny as a human-readable sentence.
func (d Decision) Message() string {
	if d.Allowed {
		return "ok"
	}
	return fmt.Sprintf("rate limit reached (%s): try again in %s", d.Window, d.RetryAfter.Round(time.Second))
}

type Limiter struct {
	store  CounterStore
	cfg    config.RateLimitConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewLimiter(store CounterStore, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		store:  store,
		cfg:    cfg,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Check evaluates all three windows, cheapest-to-deny first so the caller
// gets the fastest feedback. Read-only: a deny leaves no trace.
func (l *Limiter) Check(ctx context.Context, userID int64, ip string) (Decision, error) {
	now := l.now()

	// Burst window first: smallest ceiling, most likely to trip.
	if d, err := l.checkUserWindow(ctx, userID, now, WindowBurst, l.cfg.BurstWindow, l.cfg.BurstMax); err != nil || !d.Allowed {
		return d, err
	}

	if d, err := l.checkUserWindow(ctx, userID, now, WindowUser, l.cfg.UserWindow, l.cfg.UserMax); err != nil || !d.Allowed {
		return d, err
	}

	if ip != "" {
		if d, err := l.checkIPWindow(ctx, ip, now); err != nil || !d.Allowed {
			return d, err
		}
	}

	return Decision{Allowed: true}, nil
}

func (l *Limiter) checkUserWindow(ctx context.Context, userID int64, now time.Time, window string, span time.Duration, max int) (Decision, error) {
	since := now.Add(-span)
	count, err := l.store.CountReservationsByUserSince(ctx, userID, since)
	if err != nil {
		return Decision{}, fmt.Errorf("count user reservations: %w", err)
	}
	if count < max {
		return Decision{Allowed: true, Remaining: max - count}, nil
	}

	oldest, found, err := l.store.OldestReservationByUserSince(ctx, userID, since)
	if err != nil {
		return Decision{}, fmt.Errorf("oldest user reservation: %w", err)
	}

	d := l.deny(window, max, span, oldest, found, now)
	l.logger.Info("Rate limit denied",
		zap.Int64("user_id", userID),
		zap.String("window", window),
		zap.Int("count", count))
	util.RateLimitDeniedTotal.WithLabelValues(window).Inc()
	return d, nil
}

func (l *Limiter) checkIPWindow(ctx context.Context, ip string, now time.Time) (Decision, error) {
	since := now.Add(-l.cfg.IPWindow)
	count, err := l.store.CountReservationsByIPSince(ctx, ip, since)
	if err != nil {
		return Decision{}, fmt.Errorf("count ip reservations: %w", err)
	}
	if count < l.cfg.IPMax {
		return Decision{Allowed: true, Remaining: l.cfg.IPMax - count}, nil
	}

	oldest, found, err := l.store.OldestReservationByIPSince(ctx, ip, since)
	if err != nil {
		return Decision{}, fmt.Errorf("oldest ip reservation: %w", err)
	}

	d := l.deny(WindowIP, l.cfg.IPMax, l.cfg.IPWindow, oldest, found, now)
	l.logger.Info("Rate limit denied",
		zap.String("ip", ip),
		zap.String("window", WindowIP),
		zap.Int("count", count))
	util.RateLimitDeniedTotal.WithLabelValues(WindowIP).Inc()
	return d, nil
}

// deny computes when the sliding window frees a slot: the moment the oldest
// in-window row ages out.
func (l *Limiter) deny(window string, max int, span time.Duration, oldest time.Time, found bool, now time.Time) Decision {
	resetAt := now.Add(span)
	if found {
		resetAt = oldest.Add(span)
	}
	retryAfter := resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:    false,
		Window:     window,
		Limit:      max,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAt:    resetAt,
	}
}

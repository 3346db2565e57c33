// Package maintenance runs the periodic housekeeping of the credential
// store: the expired-seat sweep and the purge of stale exchange records.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rs/zerolog"

	"codecanvas.io/internal/audit"
	"codecanvas.io/internal/entitlement"
)

// SeatSweeper revokes expired seats.
type SeatSweeper interface {
	SweepExpiredSeats(ctx context.Context) (entitlement.SweepResult, error)
}

// ExchangePurger deletes expired exchange records.
type ExchangePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ErrBusy is returned when a previous pass is still running.
var ErrBusy = errors.New("maintenance: previous run still in progress")

// Report summarises one pass.
type Report struct {
	Seats           entitlement.SweepResult `json:"seats"`
	ExchangesPurged int64                   `json:"exchanges_purged"`
}

// Runner executes housekeeping passes, never more than one at a time.
type Runner struct {
	seats     SeatSweeper
	exchanges ExchangePurger
	logger    zerolog.Logger
	timeout   time.Duration

	running sync.Mutex
}

func New(seats SeatSweeper, exchanges ExchangePurger, logger zerolog.Logger) *Runner {
	return &Runner{seats: seats, exchanges: exchanges, logger: logger, timeout: time.Minute}
}

// RunOnce sweeps seats and purges exchanges. Both steps run even when the
// first fails; the errors are joined.
func (r *Runner) RunOnce(ctx context.Context, trigger string) (Report, error) {
	if !r.running.TryLock() {
		return Report{}, ErrBusy
	}
	defer r.running.Unlock()

	var (
		rep  Report
		errs []error
	)
	if r.seats != nil {
		res, err := r.seats.SweepExpiredSeats(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep seats: %w", err))
		} else {
			rep.Seats = res
			_ = audit.LogEvent(ctx, audit.EventSeatsSwept, map[string]any{
				"seats_revoked":         res.SeatsRevoked,
				"subscriptions_updated": res.SubscriptionsUpdated,
				"trigger":               trigger,
			})
		}
	}
	if r.exchanges != nil {
		n, err := r.exchanges.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge exchanges: %w", err))
		} else {
			rep.ExchangesPurged = n
		}
	}
	return rep, errors.Join(errs...)
}

// Schedule registers RunOnce on spec (robfig/cron syntax, including
// "@every 5m"). The returned scheduler is not started.
func (r *Runner) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		rep, err := r.RunOnce(ctx, "schedule")
		switch {
		case errors.Is(err, ErrBusy):
			r.logger.Warn().Msg("maintenance skipped: previous run still in progress")
		case err != nil:
			r.logger.Error().Err(err).Msg("maintenance run failed")
		default:
			r.logger.Info().
				Int64("seats_revoked", rep.Seats.SeatsRevoked).
				Int64("subscriptions_updated", rep.Seats.SubscriptionsUpdated).
				Int64("exchanges_purged", rep.ExchangesPurged).
				Msg("maintenance run finished")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", spec, err)
	}
	return c, nil
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/soaringjerry/surveyengine/internal/models"
)

// RetryPolicy retries writes that fail with models.ErrTransient. Other
// errors are returned at once.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxTries: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}
}

// Do runs op until it succeeds, fails permanently, or the tries run out.
func (p RetryPolicy) Do(ctx context.Context, what string, op func() error) error {
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if errors.Is(err, models.ErrTransient) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			retriesTotal.WithLabelValues(what).Inc()
			if p.Logger != nil {
				p.Logger.Warn("transient write failure, retrying", "op", what, "err", err, "next", next)
			}
		}),
	)
	return err
}

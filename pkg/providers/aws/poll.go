package aws

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openfroyo/govframe/pkg/engine"
)

var errPending = errors.New("operation still in progress")

// poll calls check at the poll interval until it reports done, returns a
// non-transient error, or ctx ends. Transient errors are polled through.
func (p *Provider) poll(ctx context.Context, what string, check func() (bool, error)) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		done, err := check()
		if err != nil {
			wrapped := wrapAWSError(err, what)
			if engine.IsTransient(wrapped) {
				return struct{}{}, wrapped
			}
			return struct{}{}, backoff.Permanent(wrapped)
		}
		if !done {
			return struct{}{}, errPending
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			p.logger.Debug().Err(err).Str("operation", what).Msg("Waiting")
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

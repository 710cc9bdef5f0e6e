package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/appforge-io/appforge/pkg/faults"
	"github.com/appforge-io/appforge/pkg/models"
)

// WithRetry decorates the durable layer with bounded, jittered exponential
// backoff on transient failures. Tagged non-retryable faults (validation,
// not-found, state conflicts) pass through on the first attempt.
func WithRetry(maxRetries uint64) Option {
	return func(s *ContextStore) {
		s.durable = &retryingDurable{inner: s.durable, maxRetries: maxRetries}
	}
}

type retryingDurable struct {
	inner      Durable
	maxRetries uint64
}

func (r *retryingDurable) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

// permanent stops the retry loop for errors that will not heal with time.
// Untagged errors are assumed transient (driver-level connection failures
// reach here unwrapped).
func permanent(err error) bool {
	var f *faults.Fault
	if errors.As(err, &f) {
		return !f.Retryable
	}
	return false
}

func retryValue[T any](r *retryingDurable, ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.policy(ctx))
}

func (r *retryingDurable) LoadContext(ctx context.Context, projectID string) (*models.ProjectContext, error) {
	return retryValue(r, ctx, func() (*models.ProjectContext, error) {
		return r.inner.LoadContext(ctx, projectID)
	})
}

func (r *retryingDurable) SaveContext(ctx context.Context, pc *models.ProjectContext) error {
	_, err := retryValue(r, ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.SaveContext(ctx, pc)
	})
	return err
}

func (r *retryingDurable) ProjectExists(ctx context.Context, projectID string) (bool, error) {
	return retryValue(r, ctx, func() (bool, error) {
		return r.inner.ProjectExists(ctx, projectID)
	})
}

func (r *retryingDurable) UpsertProject(ctx context.Context, projectID, name string) error {
	_, err := retryValue(r, ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.UpsertProject(ctx, projectID, name)
	})
	return err
}

func (r *retryingDurable) GetProjectName(ctx context.Context, projectID string) (string, error) {
	return retryValue(r, ctx, func() (string, error) {
		return r.inner.GetProjectName(ctx, projectID)
	})
}

func (r *retryingDurable) AppendMessages(ctx context.Context, projectID string, msgs []models.Message) error {
	_, err := retryValue(r, ctx, func() (struct{}, error) {
		return struct{}{}, r.inner.AppendMessages(ctx, projectID, msgs)
	})
	return err
}

func (r *retryingDurable) ListMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	return retryValue(r, ctx, func() ([]models.Message, error) {
		return r.inner.ListMessages(ctx, projectID)
	})
}

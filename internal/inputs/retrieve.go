package inputs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// Logger is the narrow logging surface used during retrieval.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Retriever fetches every input kind concurrently. Transient failures are
// retried once after Backoff; anything else fails the retrieval.
type Retriever struct {
	Source  Source
	Backoff time.Duration
	Logger  Logger
}

// Retrieve returns the inputs for loc on date. An empty result for any kind
// is reported as ErrNotFound.
func (r Retriever) Retrieve(ctx context.Context, loc, date string) (domain.Inputs, error) {
	if r.Source == nil {
		return domain.Inputs{}, fmt.Errorf("inputs: source is required")
	}
	logger := r.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	var out domain.Inputs
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		contracts, err := fetch(gctx, r.Backoff, logger, KindContracts, func(ctx context.Context) ([]domain.Contract, error) {
			return r.Source.Contracts(ctx, loc)
		})
		out.Contracts = contracts
		return err
	})
	group.Go(func() error {
		images, err := fetch(gctx, r.Backoff, logger, KindImages, func(ctx context.Context) ([]domain.Image, error) {
			return r.Source.Images(ctx, loc, date)
		})
		out.Images = images
		return err
	})
	group.Go(func() error {
		planograms, err := fetch(gctx, r.Backoff, logger, KindPlanograms, func(ctx context.Context) ([]domain.Planogram, error) {
			return r.Source.Planograms(ctx, loc)
		})
		out.Planograms = planograms
		return err
	})
	if err := group.Wait(); err != nil {
		return domain.Inputs{}, err
	}
	return out, nil
}

func fetch[T any](ctx context.Context, wait time.Duration, logger Logger, kind string, call func(context.Context) ([]T, error)) ([]T, error) {
	if wait <= 0 {
		wait = 200 * time.Millisecond
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), 1), ctx)
	items, err := backoff.RetryNotifyWithData(func() ([]T, error) {
		items, err := call(ctx)
		if err == nil && len(items) == 0 {
			err = fmt.Errorf("%w: no %s", ErrNotFound, kind)
		}
		if err != nil && !errors.Is(err, ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		return items, err
	}, policy, func(err error, next time.Duration) {
		logger.Printf("inputs: %s retry in %s: %v", kind, next, err)
	})
	if err != nil {
		return nil, fmt.Errorf("inputs: %s: %w", kind, err)
	}
	return items, nil
}

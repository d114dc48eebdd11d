// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"time"

	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
)

// StoreOp is a store call that may fail with a retryable StoreBusy error.
type StoreOp func(ctx context.Context) error

// StoreOpWithResult is a store call that returns a value alongside any error.
type StoreOpWithResult[T any] func(ctx context.Context) (T, error)

// Store retries op against backoff as long as it keeps failing with a
// retryable error (pkg/errors.IsRetryable). A non-retryable error, or a
// retryable one once backoff is exhausted, is returned to the caller
// unchanged.
func Store(ctx context.Context, backoff BackoffStrategy, op StoreOp) error {
	backoff.Reset()

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !allocerrors.IsRetryable(err) {
			return err
		}

		delay, shouldContinue := backoff.NextDelay(attempt)
		if !shouldContinue {
			return err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StoreWithResult is the StoreOpWithResult analogue of Store.
func StoreWithResult[T any](ctx context.Context, backoff BackoffStrategy, op StoreOpWithResult[T]) (T, error) {
	backoff.Reset()

	for attempt := 0; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		if !allocerrors.IsRetryable(err) {
			return val, err
		}

		delay, shouldContinue := backoff.NextDelay(attempt)
		if !shouldContinue {
			return val, err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

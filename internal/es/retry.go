package es

import (
	"context"
	"fmt"
	"net/http"

	apperrors "corebank.io/platform/internal/pkg/errors"
)

// DefaultConflictRetries bounds RetryOnConflict when callers pass 0.
const DefaultConflictRetries = 5

// RetryOnConflict runs fn, the whole read-mutate-append cycle, until it
// succeeds, fails with anything other than ErrConcurrentModification, or has
// been attempted maxAttempts times. The exhausted error still matches
// ErrConcurrentModification.
func RetryOnConflict(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultConflictRetries
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !apperrors.IsConcurrentModification(err) {
			return err
		}
		if attempt >= maxAttempts {
			return apperrors.Wrap(err, apperrors.CodeRetriesExhausted,
				fmt.Sprintf("gave up after %d attempts", attempt), http.StatusConflict)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

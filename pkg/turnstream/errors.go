package turnstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// StatusError reports a stream request answered with a non-2xx status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("turn stream: unexpected status %d %s", e.Status, http.StatusText(e.Status))
}

// IsCancellation reports whether err is the result of cancelling ctx rather
// than a transport failure.
func IsCancellation(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return true
	}
	return ctx != nil && stderrors.Is(ctx.Err(), context.Canceled)
}

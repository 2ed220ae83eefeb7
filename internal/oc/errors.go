package oc

import (
	"context"
	"errors"

	"github.com/containerd/errdefs"
	"go.opencensus.io/trace"
)

func toStatusCode(err error) uint32 {
	switch {
	case checkErrors(err, context.Canceled):
		return trace.StatusCodeCancelled
	case checkErrors(err, context.DeadlineExceeded, errdefs.ErrDeadlineExceeded):
		return trace.StatusCodeDeadlineExceeded
	case checkErrors(err, errdefs.ErrInvalidArgument):
		return trace.StatusCodeInvalidArgument
	case checkErrors(err, errdefs.ErrNotFound):
		return trace.StatusCodeNotFound
	case checkErrors(err, errdefs.ErrFailedPrecondition):
		return trace.StatusCodeFailedPrecondition
	case checkErrors(err, errdefs.ErrResourceExhausted):
		return trace.StatusCodeResourceExhausted
	case checkErrors(err, errdefs.ErrUnavailable):
		return trace.StatusCodeUnavailable
	default:
		return trace.StatusCodeUnknown
	}
}

func checkErrors(err error, errs ...error) bool {
	for _, e := range errs {
		if errors.Is(err, e) {
			return true
		}
	}

	return false
}

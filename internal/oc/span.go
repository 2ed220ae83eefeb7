package oc

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
)

var DefaultSampler = trace.AlwaysSample()

// SetSpanStatus sets `span.SetStatus` to the proper status depending on `err`. If
// `err` is `nil` assumes `trace.StatusCodeOk`.
func SetSpanStatus(span *trace.Span, err error) {
	status := trace.Status{}
	if err != nil {
		status.Code = int32(toStatusCode(err))
		status.Message = err.Error()
	}
	span.SetStatus(status)
}

// StartSpan wraps [trace.StartSpan], and, if the span is sampling, adds a log entry
// to the context that points to the newly created span.
func StartSpan(ctx context.Context, name string, o ...trace.StartOption) (context.Context, *trace.Span) {
	ctx, s := trace.StartSpan(ctx, name, o...)
	return update(ctx, s)
}

func update(ctx context.Context, s *trace.Span) (context.Context, *trace.Span) {
	if s.IsRecordingEvents() {
		ctx = log.WithFields(ctx, logrus.Fields{
			logfields.TraceID: s.SpanContext().TraceID.String(),
			logfields.SpanID:  s.SpanContext().SpanID.String(),
		})
	}
	return ctx, s
}

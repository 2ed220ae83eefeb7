package log

import (
	"context"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"

	"github.com/metalvisor/metalvisor/internal/logfields"
)

// G returns the logrus entry stored in ctx, or the default logger if none is.
var G = log.G

// L is the default logrus entry.
var L = log.L

// WithVM returns a context whose logger is scoped to VM id.
func WithVM(ctx context.Context, id uint16) context.Context {
	return log.WithLogger(ctx, G(ctx).WithField(logfields.VMID, id))
}

// WithFields returns a context whose logger carries the additional fields.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return log.WithLogger(ctx, G(ctx).WithFields(fields))
}

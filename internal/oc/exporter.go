package oc

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/logfields"
)

const spanMessage = "Span"

var _ trace.Exporter = &LogrusExporter{}

// LogrusExporter is an OpenCensus `trace.Exporter` that exports
// `trace.SpanData` to logrus output.
type LogrusExporter struct{}

// ExportSpan exports `s` based on the the following rules:
//
// 1. All output will contain `s.Attributes`, `s.SpanKind`, `s.TraceID`,
// `s.SpanID`, and `s.ParentSpanID` for correlation
//
// 2. Any calls to .Annotate will not be supported.
//
// 3. The span itself will be written at `logrus.InfoLevel` unless
// `s.Status.Code != 0` in which case it will be written at `logrus.ErrorLevel`
// providing `s.Status.Message` as the error value.
func (e *LogrusExporter) ExportSpan(s *trace.SpanData) {
	// Combine all span annotations with the span data fields.
	entry := log.L.Dup()
	entry.Data = make(logrus.Fields, len(s.Attributes)+7)
	for k, v := range s.Attributes {
		entry.Data[k] = v
	}

	entry.Data[logfields.Name] = s.Name
	entry.Data[logfields.TraceID] = s.TraceID.String()
	entry.Data[logfields.SpanID] = s.SpanID.String()
	entry.Data[logfields.ParentSpanID] = s.ParentSpanID.String()
	entry.Data[logfields.StartTime] = s.StartTime
	entry.Data[logfields.EndTime] = s.EndTime
	entry.Data[logfields.Duration] = s.EndTime.Sub(s.StartTime)
	if sk := spanKindToString(s.SpanKind); sk != "" {
		entry.Data["spanKind"] = sk
	}

	level := logrus.InfoLevel
	if s.Status.Code != 0 {
		level = logrus.ErrorLevel
		entry.Data[logrus.ErrorKey] = s.Status.Message
	}
	entry.Time = time.Now()
	entry.Log(level, spanMessage)
}

func spanKindToString(sk int) string {
	switch sk {
	case trace.SpanKindClient:
		return "client"
	case trace.SpanKindServer:
		return "server"
	default:
		return ""
	}
}

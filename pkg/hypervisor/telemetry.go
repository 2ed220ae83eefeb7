package hypervisor

import (
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/metalvisor/metalvisor/internal/log"
	"github.com/metalvisor/metalvisor/internal/oc"
)

// ConfigureLogging installs the entry-normalizing hook on the standard
// logger and routes lifecycle spans to logrus. Boot sequencing calls this
// once, before the platform collaborators come up, so every span and log
// line of the first VM launch is already formatted for the configured sink.
func ConfigureLogging(level logrus.Level) {
	logrus.SetLevel(level)
	logrus.AddHook(log.NewHook())

	trace.RegisterExporter(&oc.LogrusExporter{})
	trace.ApplyConfig(trace.Config{DefaultSampler: oc.DefaultSampler})
}

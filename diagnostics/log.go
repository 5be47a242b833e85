package diagnostics

import (
	"context"
	"github.com/shimmeringbee/logwrap"
)

// LogRecorder writes records to a logwrap logger.
type LogRecorder struct {
	logger logwrap.Logger
}

func NewLogRecorder(l logwrap.Logger) *LogRecorder {
	return &LogRecorder{logger: l}
}

func (l *LogRecorder) Record(ctx context.Context, r Record) {
	switch r.Kind {
	case KindShadowed:
		l.logger.LogWarn(ctx, "Descriptors shadowed.", logwrap.Datum("Key", r.Key), logwrap.Datum("Owner", r.Owner), logwrap.Datum("Shadowed", r.Descriptors))
	case KindSharedKey:
		l.logger.LogInfo(ctx, "Shared fingerprint key requires disambiguation.", logwrap.Datum("Key", r.Key), logwrap.Datum("Candidates", r.Descriptors))
	case KindSubscription:
		msg := "Reporting subscription changed."
		if r.Degraded {
			msg = "Reporting subscription degraded."
		} else if r.Error != "" {
			msg = "Reporting subscription failing."
		}

		l.logger.LogWarn(ctx, msg,
			logwrap.Datum("Device", r.Device),
			logwrap.Datum("Descriptor", r.DescriptorID),
			logwrap.Datum("Capabilities", r.Capabilities),
			logwrap.Datum("Subscription", r.Key),
			logwrap.Datum("Status", r.Status),
			logwrap.Datum("RetryCount", r.RetryCount),
			logwrap.Datum("NextRetryAt", r.NextRetryAt),
			logwrap.Datum("Error", r.Error))
	}
}

var _ Recorder = (*LogRecorder)(nil)

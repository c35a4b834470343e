package telemetry

import (
	"go.uber.org/zap"

	"content-hub/internal/models"
	"content-hub/internal/remote"
)

// OutcomeLogger returns a worker outcome subscriber that counts and logs every transition.
func OutcomeLogger(log *zap.Logger) func(models.JobOutcome) {
	return func(o models.JobOutcome) {
		JobOutcomes.WithLabelValues(o.Queue, o.State).Inc()

		fields := []zap.Field{
			zap.String("job_id", o.JobID),
			zap.String("queue", o.Queue),
			zap.String("name", o.Name),
			zap.String("state", o.State),
			zap.Int("attempts", o.Attempts),
		}
		switch {
		case o.Err == nil:
			log.Info("job transition", fields...)
		case remote.IsMalformed(o.Err):
			log.Error("job transition: malformed remote response", append(fields, zap.Error(o.Err))...)
		case o.State == models.StatusFailed:
			log.Error("job transition", append(fields, zap.Error(o.Err))...)
		default:
			log.Warn("job transition", append(fields, zap.Error(o.Err))...)
		}
	}
}

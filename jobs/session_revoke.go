package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

// SessionRevoker ends every registered session of the given users.
type SessionRevoker interface {
	RevokeUserSessions(ctx context.Context, userIDs []int64) (int, error)
}

// SessionRevokeJob processes TaskSessionsRevoke tasks.
type SessionRevokeJob struct {
	Revoker SessionRevoker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSessionRevokeJob initialises the revocation handler.
func NewSessionRevokeJob(revoker SessionRevoker, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionRevokeJob {
	return &SessionRevokeJob{Revoker: revoker, Logger: logger, Metrics: metrics}
}

// Handle revokes the sessions named by the task payload.
func (j *SessionRevokeJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Revoker == nil {
		return errors.New("sessions revoke: handler not configured")
	}
	var payload SessionsRevokePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if len(payload.UserIDs) == 0 {
		return nil
	}
	tracker := j.Metrics.Track(TaskSessionsRevoke)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("role_id", payload.RoleID), slog.Int("users", len(payload.UserIDs)))
	revoked, err := j.Revoker.RevokeUserSessions(ctx, payload.UserIDs)
	if err != nil {
		logger.Error("sessions revoke failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddRevokedSessions(revoked)
	logger.Info("sessions revoked", slog.Int("sessions", revoked), slog.String("reason", payload.Reason))
	return nil
}

func (j *SessionRevokeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// SessionPurger drops expired session registrations.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// SessionPurgeJob processes TaskSessionsPurge tasks.
type SessionPurgeJob struct {
	Purger  SessionPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSessionPurgeJob initialises the purge handler.
func NewSessionPurgeJob(purger SessionPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionPurgeJob {
	return &SessionPurgeJob{Purger: purger, Logger: logger, Metrics: metrics}
}

// Handle removes expired registrations.
func (j *SessionPurgeJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Purger == nil {
		return errors.New("sessions purge: handler not configured")
	}
	tracker := j.Metrics.Track(TaskSessionsPurge)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	removed, err := j.Purger.PurgeExpired(ctx)
	if err != nil {
		j.logger().Error("sessions purge failed", slog.Any("error", err))
		return err
	}
	j.logger().Info("expired sessions purged", slog.Int64("removed", removed))
	return nil
}

func (j *SessionPurgeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

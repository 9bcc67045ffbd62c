package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionsRevoke ends the sessions of users whose credentials were reset.
	TaskSessionsRevoke = "auth:sessions:revoke"
	// TaskSessionsPurge drops expired session registrations.
	TaskSessionsPurge = "auth:sessions:purge"
)

// SessionsRevokePayload names the users whose sessions must end.
type SessionsRevokePayload struct {
	RoleID  int64   `json:"role_id,omitempty"`
	UserIDs []int64 `json:"user_ids"`
	Reason  string  `json:"reason,omitempty"`
}

// NewSessionsRevokeTask builds a revocation task. Retrying it is harmless.
func NewSessionsRevokeTask(payload SessionsRevokePayload) (*asynq.Task, error) {
	if len(payload.UserIDs) == 0 {
		return nil, errors.New("jobs: sessions revoke needs at least one user")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionsRevoke, body, asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}

// NewSessionsPurgeTask builds the periodic purge task.
func NewSessionsPurgeTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskSessionsPurge, nil, asynq.Queue(QueueDefault)), nil
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

type stubRevoker struct {
	calls [][]int64
	n     int
	err   error
}

func (s *stubRevoker) RevokeUserSessions(ctx context.Context, userIDs []int64) (int, error) {
	s.calls = append(s.calls, append([]int64(nil), userIDs...))
	return s.n, s.err
}

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

func TestSessionRevokeJobRevokesPayloadUsers(t *testing.T) {
	revoker := &stubRevoker{n: 3}
	job := NewSessionRevokeJob(revoker, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewSessionsRevokeTask(SessionsRevokePayload{RoleID: 7, UserIDs: []int64{1, 2}})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, [][]int64{{1, 2}}, revoker.calls)
}

func TestSessionRevokeJobPropagatesFailureForRetry(t *testing.T) {
	revoker := &stubRevoker{err: errors.New("redis down")}
	job := NewSessionRevokeJob(revoker, nil, nil)

	task, err := NewSessionsRevokeTask(SessionsRevokePayload{UserIDs: []int64{4}})
	require.NoError(t, err)
	require.EqualError(t, job.Handle(context.Background(), task), "redis down")
}

func TestSessionRevokeJobSkipsMalformedPayload(t *testing.T) {
	job := NewSessionRevokeJob(&stubRevoker{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskSessionsRevoke, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewSessionsRevokeTaskRequiresUsers(t *testing.T) {
	_, err := NewSessionsRevokeTask(SessionsRevokePayload{RoleID: 1})
	require.Error(t, err)
}

func TestClientRevokeRoleSessionsEnqueuesTask(t *testing.T) {
	enq := &stubEnqueuer{}
	client := NewClientWith(enq)

	require.NoError(t, client.RevokeRoleSessions(context.Background(), 9, []int64{5, 6}))
	require.NoError(t, client.RevokeRoleSessions(context.Background(), 9, nil))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskSessionsRevoke, enq.tasks[0].Type())

	var payload SessionsRevokePayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, int64(9), payload.RoleID)
	require.Equal(t, []int64{5, 6}, payload.UserIDs)
	require.Equal(t, "credential_reset", payload.Reason)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHealthReportsQueueState(t *testing.T) {
	h := NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 2, Retry: 1}}, nil, nil)
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body queueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, queueHealth{Queue: QueueDefault, Pending: 2, Retry: 1}, body)
}

func TestHealthUnavailable(t *testing.T) {
	h := NewHandler(stubInspector{err: errors.New("no redis")}, nil, nil)
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

type stubPurger struct {
	removed int64
	err     error
	calls   int
}

func (s *stubPurger) PurgeExpired(ctx context.Context) (int64, error) {
	s.calls++
	return s.removed, s.err
}

func TestSessionPurgeJob(t *testing.T) {
	purger := &stubPurger{removed: 4}
	job := NewSessionPurgeJob(purger, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewSessionsPurgeTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, purger.calls)

	purger.err = errors.New("db down")
	require.Error(t, job.Handle(context.Background(), task))
}

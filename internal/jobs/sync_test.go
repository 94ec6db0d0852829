package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arelbir/quado-lite-sub003/internal/repository"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
)

func newSyncService(t *testing.T, directory DirectoryClient) (*SyncService, *repository.Repositories, *recordingQueue) {
	t.Helper()
	repos, q, _ := setup(t, QueueSync)
	s := NewSyncService(repos.SyncConfigs, repos.SyncLogs, q)
	RegisterStrategies(s, NewUserSink(repos.Users), nil, directory)
	return s, repos, q
}

func saveConfig(t *testing.T, repos *repository.Repositories, sourceType string, settings map[string]string) *domain.SyncConfig {
	t.Helper()
	cfg := &domain.SyncConfig{Name: sourceType + " users", SourceType: sourceType, Settings: settings, IsActive: true}
	_, err := repos.SyncConfigs.Save(context.Background(), cfg)
	require.NoError(t, err)
	return cfg
}

func TestSyncService_RejectsFileSourceAtEnqueue(t *testing.T) {
	s, repos, q := newSyncService(t, nil)
	cfg := saveConfig(t, repos, domain.SyncSourceFile, map[string]string{})

	_, err := s.Enqueue(context.Background(), cfg.ID, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnqueueable)
	var unqueueable *UnqueueableError
	require.True(t, errors.As(err, &unqueueable))
	assert.Equal(t, domain.SyncSourceFile, unqueueable.SourceType)

	logs, err := repos.SyncLogs.FindByConfig(context.Background(), cfg.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Empty(t, q.jobs)
}

func TestSyncService_LookupErrors(t *testing.T) {
	s, repos, _ := newSyncService(t, nil)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, 404, 1)
	assert.ErrorIs(t, err, ErrSyncConfigNotFound)

	directory := saveConfig(t, repos, domain.SyncSourceDirectory, map[string]string{"baseDn": "ou=people"})
	_, err = s.Enqueue(ctx, directory.ID, 1)
	assert.ErrorIs(t, err, ErrUnknownSourceType, "no directory client configured")

	rest := saveConfig(t, repos, domain.SyncSourceREST, map[string]string{})
	_, err = s.Enqueue(ctx, rest.ID, 1)
	assert.ErrorContains(t, err, "url")
}

func TestSyncService_RESTRun(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		active := false
		_ = json.NewEncoder(w).Encode([]UserRecord{
			{ExternalID: "e-1", Username: "ada", Email: "ada@example.com", Roles: []string{"auditor"}},
			{ExternalID: "e-2", Username: "bob", Active: &active},
			{ExternalID: "", Username: "nobody"},
		})
	}))
	defer server.Close()

	s, repos, q := newSyncService(t, nil)
	ctx := context.Background()
	cfg := saveConfig(t, repos, domain.SyncSourceREST, map[string]string{"url": server.URL, "token": "secret"})

	log, err := s.Enqueue(ctx, cfg.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, log.Status)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "sync-log:"+strconv.FormatInt(log.ID, 10), q.jobs[0].IdempotencyKey.String)

	require.NoError(t, s.Handle(ctx, q.jobs[0]))
	assert.Equal(t, "Bearer secret", auth)

	done, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusCompleted, done.Status)
	assert.Equal(t, int64(42), done.TriggeredBy)
	assert.True(t, done.StartedAt.Valid)
	assert.True(t, done.FinishedAt.Valid)
	assert.Equal(t, 3, done.Result.TotalRecords)
	assert.Equal(t, 2, done.Result.CreatedCount)
	assert.Equal(t, 1, done.Result.FailedCount)
	assert.False(t, done.Result.Success)
	require.Len(t, done.Result.Errors, 1)
	assert.Equal(t, "nobody", done.Result.Errors[0].Record)

	ada, err := repos.Users.FindByExternalID(ctx, domain.SyncSourceREST, "e-1")
	require.NoError(t, err)
	require.NotNil(t, ada)
	roles, err := repos.Users.RolesOf(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor"}, roles)
	bob, err := repos.Users.FindByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, bob.IsActive)

	// a redelivered job finds its log finished and leaves it alone
	require.NoError(t, s.Handle(ctx, q.jobs[0]))
	again, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Result, again.Result)
}

func TestSyncService_RESTFailureFinishesLog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	s, repos, q := newSyncService(t, nil)
	ctx := context.Background()
	cfg := saveConfig(t, repos, domain.SyncSourceREST, map[string]string{"url": server.URL})

	log, err := s.Enqueue(ctx, cfg.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.Handle(ctx, q.jobs[0]))

	failed, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailed, failed.Status)
	assert.Contains(t, failed.Message, "500")
	assert.False(t, failed.Result.Success)
}

func TestSyncService_RunUploadCSV(t *testing.T) {
	s, repos, _ := newSyncService(t, nil)
	ctx := context.Background()
	saveUser(t, repos, "carol", true)
	cfg := saveConfig(t, repos, domain.SyncSourceFile, map[string]string{"delimiter": ";"})

	csv := "externalId;username;email;fullName;roles;active\n" +
		"f-1;dave;dave@example.com;Dave D;auditor;true\n" +
		"f-2;carol;carol@example.com;Carol C;;\n" +
		"f-3;;x@example.com;No Name;;\n"

	log, err := s.RunUpload(ctx, cfg.ID, 9, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusCompleted, log.Status)
	assert.Equal(t, 3, log.Result.TotalRecords)
	assert.Equal(t, 1, log.Result.CreatedCount)
	assert.Equal(t, 2, log.Result.FailedCount)
	assert.Contains(t, log.Result.Errors[0].Error, "local")

	log, err = s.RunUpload(ctx, cfg.ID, 9, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 1, log.Result.SkippedCount, "unchanged user is skipped")
	assert.Equal(t, 0, log.Result.CreatedCount)

	updated := strings.Replace(csv, "Dave D", "David D", 1)
	log, err = s.RunUpload(ctx, cfg.ID, 9, strings.NewReader(updated))
	require.NoError(t, err)
	assert.Equal(t, 1, log.Result.UpdatedCount)

	log, err = s.RunUpload(ctx, cfg.ID, 9, strings.NewReader("name,email\nx,y\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailed, log.Status)
	assert.Contains(t, log.Message, "externalId")
}

func TestSyncService_DirectoryRun(t *testing.T) {
	directory := &fakeDirectory{records: []UserRecord{{ExternalID: "cn=eve", Username: "eve", Roles: []string{"clerk"}}}}
	s, repos, q := newSyncService(t, directory)
	ctx := context.Background()
	cfg := saveConfig(t, repos, domain.SyncSourceDirectory, map[string]string{"baseDn": "ou=people,dc=example"})

	log, err := s.Enqueue(ctx, cfg.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.Handle(ctx, q.jobs[0]))
	assert.Equal(t, "ou=people,dc=example", directory.baseDN)

	done, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusCompleted, done.Status)
	assert.True(t, done.Result.Success)
	assert.Equal(t, 1, done.Result.SuccessCount)

	id, ok, err := repos.Users.FirstUserByRole(ctx, "clerk")
	require.NoError(t, err)
	assert.True(t, ok)
	eve, err := repos.Users.FindByUsername(ctx, "eve")
	require.NoError(t, err)
	assert.Equal(t, eve.ID, id)
	assert.Equal(t, domain.SyncSourceDirectory, eve.Source)
}

type stubConfigs struct {
	FindByIDFunc func(ctx context.Context, id int64) (*domain.SyncConfig, error)
}

func (s stubConfigs) FindByID(ctx context.Context, id int64) (*domain.SyncConfig, error) {
	return s.FindByIDFunc(ctx, id)
}

// flakyLogs fails the next finishErrs calls to Finish.
type flakyLogs struct {
	SyncLogStore
	finishErrs int
}

func (f *flakyLogs) Finish(ctx context.Context, id int64, status string, result domain.SyncResult, message string) error {
	if f.finishErrs > 0 {
		f.finishErrs--
		return errors.New("db blip")
	}
	return f.SyncLogStore.Finish(ctx, id, status, result, message)
}

func TestSyncService_ConfigRemovedAfterEnqueueFailsLog(t *testing.T) {
	s, repos, q := newSyncService(t, nil)
	ctx := context.Background()
	cfg := saveConfig(t, repos, domain.SyncSourceREST, map[string]string{"url": "http://127.0.0.1:1/users"})
	log, err := s.Enqueue(ctx, cfg.ID, 1)
	require.NoError(t, err)

	s.configs = stubConfigs{FindByIDFunc: func(context.Context, int64) (*domain.SyncConfig, error) { return nil, nil }}
	require.NoError(t, s.Handle(ctx, q.jobs[0]), "a missing config is not retried")

	failed, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailed, failed.Status)
	assert.Contains(t, failed.Message, "sync config not found")
	assert.True(t, failed.FinishedAt.Valid)
	assert.False(t, failed.Result.Success)
}

func TestSyncService_ConfigLookupErrorRetriesThenFailsLog(t *testing.T) {
	s, repos, q := newSyncService(t, nil)
	ctx := context.Background()
	cfg := saveConfig(t, repos, domain.SyncSourceREST, map[string]string{"url": "http://127.0.0.1:1/users"})
	log, err := s.Enqueue(ctx, cfg.ID, 1)
	require.NoError(t, err)

	s.configs = stubConfigs{FindByIDFunc: func(context.Context, int64) (*domain.SyncConfig, error) {
		return nil, errors.New("database is down")
	}}
	job := *q.jobs[0]
	job.Attempts, job.MaxAttempts = 1, 3
	require.ErrorContains(t, s.Handle(ctx, &job), "database is down")
	pending, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusPending, pending.Status)

	job.Attempts = 3
	require.NoError(t, s.Handle(ctx, &job))
	failed, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailed, failed.Status)
	assert.Contains(t, failed.Message, "database is down")
}

func TestSyncService_RetryAfterFailedFinishCompletesLog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]UserRecord{{ExternalID: "e-7", Username: "dora", Email: "dora@example.com"}})
	}))
	defer server.Close()

	s, repos, q := newSyncService(t, nil)
	ctx := context.Background()
	cfg := saveConfig(t, repos, domain.SyncSourceREST, map[string]string{"url": server.URL})
	log, err := s.Enqueue(ctx, cfg.ID, 1)
	require.NoError(t, err)

	s.logs = &flakyLogs{SyncLogStore: repos.SyncLogs, finishErrs: 1}
	require.ErrorContains(t, s.Handle(ctx, q.jobs[0]), "db blip")
	running, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusRunning, running.Status)

	require.NoError(t, s.Handle(ctx, q.jobs[0]))
	done, err := repos.SyncLogs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusCompleted, done.Status)
	assert.Equal(t, 1, done.Result.TotalRecords)
	assert.True(t, done.Result.Success)
}

// Package common holds the end-to-end scenarios every database dialect runs against a fully
// wired application.
package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arelbir/quado-lite-sub003/internal/controllers"
	"github.com/arelbir/quado-lite-sub003/internal/engine"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/internal/queue"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/domain"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/models"
	"github.com/arelbir/quado-lite-sub003/test/integration"
)

// EscalationRole is the role the scenarios expect QFLOW_ESCALATION_ROLE to name.
const EscalationRole = "admin"

// FastWorkers polls often enough for the scenarios to observe delivered jobs quickly.
func FastWorkers() quadoflow.Option {
	opts := queue.DefaultWorkerOptions()
	opts.PollInterval = 20 * time.Millisecond
	opts.RateLimitMax = 0
	return quadoflow.WithWorkerOptions(opts)
}

type Client struct {
	t    *testing.T
	base string
}

func (c *Client) Do(method, path string, actor int64, body any, out any) int {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(b)
	}
	return c.send(method, path, actor, "application/json", reader, out)
}

func (c *Client) send(method, path string, actor int64, contentType string, body io.Reader, out any) int {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", contentType)
	if actor > 0 {
		req.Header.Set(controllers.HeaderUserID, fmt.Sprint(actor))
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// StartApp starts the workers of app, serves its mux and shuts everything down with the test.
func StartApp(t *testing.T, app *quadoflow.App) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, app.Start(ctx))
	srv := httptest.NewServer(app.Mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		assert.NoError(t, app.Shutdown(shutdownCtx))
	})
	return &Client{t: t, base: srv.URL}
}

type users struct {
	manager, auditorA, auditorB, admin int64
}

func seedUsers(t *testing.T, app *quadoflow.App) users {
	t.Helper()
	ctx := context.Background()
	save := func(name string, roles ...string) int64 {
		u := &domain.User{Username: name, Email: name + "@example.com", FullName: strings.ToUpper(name[:1]) + name[1:], IsActive: true}
		id, err := app.Repos.Users.Save(ctx, u)
		require.NoError(t, err)
		for _, r := range roles {
			require.NoError(t, app.Repos.Users.AddRole(ctx, id, r))
		}
		return id
	}
	return users{
		manager:  save("maria", "manager"),
		auditorA: save("aaron", "auditor"),
		auditorB: save("ann", "auditor"),
		admin:    save("root", EscalationRole),
	}
}

func expenseGraph(u users) graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart, Data: graph.NodeData{Label: "Submitted"}},
			{ID: "route", Type: graph.NodeDecision, Data: graph.NodeData{Label: "Amount check"}},
			{ID: "review", Type: graph.NodeProcess, Data: graph.NodeData{
				Label: "Manager review", AssignmentType: graph.AssignToRole, Role: "manager", DeadlineHours: 24,
			}},
			{ID: "signoff", Type: graph.NodeApproval, Data: graph.NodeData{
				Label:         "Audit sign-off",
				ApprovalType:  graph.ApprovalAny,
				DeadlineHours: 48,
				Approvers: []graph.Approver{
					{Type: graph.AssignToUser, UserID: u.auditorA},
					{Type: graph.AssignToUser, UserID: u.auditorB},
				},
			}},
			{ID: "end", Type: graph.NodeEnd, Data: graph.NodeData{Label: "Done"}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "start", Target: "route"},
			{ID: "e2", Source: "route", Target: "review", Condition: "amount > 1000"},
			{ID: "e3", Source: "route", Target: "end", Condition: "else"},
			{ID: "e4", Source: "review", Target: "signoff"},
			{ID: "e5", Source: "signoff", Target: "end"},
		},
	}
}

func pendingFor(t *testing.T, c *Client, userID int64) []domain.StepAssignment {
	t.Helper()
	var list []domain.StepAssignment
	require.Equal(t, http.StatusOK, c.Do(http.MethodGet, fmt.Sprintf("/api/users/%d/assignments", userID), 0, nil, &list))
	return list
}

// ExpenseApproval publishes a two-stage expense workflow and drives it over HTTP: a small expense
// completes at once, a large one goes through a manager review and an audit sign-off, misses the
// sign-off deadline and is escalated. Assignees and the escalation role are notified by the
// notifications queue.
func ExpenseApproval(t *testing.T, app *quadoflow.App, c *Client, clock *integration.FakeClock) {
	ctx := context.Background()
	u := seedUsers(t, app)

	var published models.PublishDefinitionResponse
	status := c.Do(http.MethodPost, "/api/definitions", u.admin, models.PublishDefinitionRequest{
		Name: "Expense approval", EntityType: "expense", Graph: expenseGraph(u),
	}, &published)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, published.Validation.IsValid)
	require.Equal(t, 1, published.Definition.Version)

	var small domain.WorkflowInstance
	require.Equal(t, http.StatusOK, c.Do(http.MethodPost, "/api/entities/expense/EXP-1/workflow", 0,
		models.StartWorkflowRequest{Metadata: map[string]any{"amount": 40}}, &small))
	assert.Equal(t, domain.InstanceStatusCompleted, small.Status)
	assert.Equal(t, "end", small.CurrentNodeID)

	var large domain.WorkflowInstance
	require.Equal(t, http.StatusOK, c.Do(http.MethodPost, "/api/entities/expense/EXP-2/workflow", 0,
		models.StartWorkflowRequest{Metadata: map[string]any{"amount": 5000}}, &large))
	require.Equal(t, domain.InstanceStatusActive, large.Status)
	require.Equal(t, "review", large.CurrentNodeID)

	var again domain.WorkflowInstance
	require.Equal(t, http.StatusOK, c.Do(http.MethodPost, "/api/entities/expense/EXP-2/workflow", 0, nil, &again))
	assert.Equal(t, large.ID, again.ID, "an active instance is returned instead of starting a second one")

	review := pendingFor(t, c, u.manager)
	require.Len(t, review, 1)
	assert.Equal(t, "review", review[0].StepID)

	var afterReview domain.WorkflowInstance
	require.Equal(t, http.StatusOK, c.Do(http.MethodPost, fmt.Sprintf("/api/assignments/%d/action", review[0].ID), u.manager,
		models.AssignmentActionRequest{Action: "approve", Comment: "receipts attached"}, &afterReview))
	require.Equal(t, "signoff", afterReview.CurrentNodeID)

	assert.Equal(t, http.StatusConflict, c.Do(http.MethodPost, fmt.Sprintf("/api/assignments/%d/action", review[0].ID), u.manager,
		models.AssignmentActionRequest{Action: "approve"}, nil), "a completed assignment cannot be acted on twice")

	clock.Add(49 * time.Hour)
	var overdue []domain.StepAssignment
	require.Equal(t, http.StatusOK, c.Do(http.MethodGet, "/api/assignments/overdue", 0, nil, &overdue))
	assert.Len(t, overdue, 2)
	escalated, err := app.Engine.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, escalated)
	escalated, err = app.Engine.EscalateOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, escalated, "an assignment is escalated once")

	signoff := pendingFor(t, c, u.auditorA)
	require.Len(t, signoff, 1)
	var done domain.WorkflowInstance
	require.Equal(t, http.StatusOK, c.Do(http.MethodPost, fmt.Sprintf("/api/assignments/%d/action", signoff[0].ID), u.auditorA,
		models.AssignmentActionRequest{Action: "approve"}, &done))
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)
	assert.Empty(t, pendingFor(t, c, u.auditorB), "the other sign-off is superseded")

	var detail models.InstanceResponse
	require.Equal(t, http.StatusOK, c.Do(http.MethodGet, fmt.Sprintf("/api/instances/%d", large.ID), 0, nil, &detail))
	assert.Len(t, detail.Assignments, 3)
	var timeline []domain.WorkflowTimelineEvent
	require.Equal(t, http.StatusOK, c.Do(http.MethodGet, fmt.Sprintf("/api/instances/%d/timeline", large.ID), 0, nil, &timeline))
	assert.NotEmpty(t, timeline)

	var analytics engine.Analytics
	require.Equal(t, http.StatusOK, c.Do(http.MethodGet, fmt.Sprintf("/api/definitions/%d/analytics", published.Definition.ID), 0, nil, &analytics))
	assert.Equal(t, 2, analytics.TotalInstances)
	assert.Equal(t, 2, analytics.StatusCounts[domain.InstanceStatusCompleted])

	require.Eventually(t, func() bool {
		list, err := app.Repos.Notifications.FindForUser(ctx, u.manager, false, 10)
		return err == nil && len(list) == 1 && list[0].Type == "task"
	}, 10*time.Second, 50*time.Millisecond, "the manager is told about the review")
	require.Eventually(t, func() bool {
		list, err := app.Repos.Notifications.FindForUser(ctx, u.admin, false, 10)
		return err == nil && len(list) == 2
	}, 10*time.Second, 50*time.Millisecond, "the escalation role hears about both overdue sign-offs")

	var qs queue.Status
	require.Eventually(t, func() bool {
		return c.Do(http.MethodGet, "/api/queues/notifications/status", 0, nil, &qs) == http.StatusOK &&
			qs.Waiting == 0 && qs.Active == 0 && qs.Failed == 0
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 7, qs.Completed)

	var executors []domain.Executor
	require.Equal(t, http.StatusOK, c.Do(http.MethodGet, "/api/executors", 0, nil, &executors))
	assert.NotEmpty(t, executors)
}

// UserImport creates users from an uploaded CSV through a file sync config and rejects queueing
// that config without a file.
func UserImport(t *testing.T, app *quadoflow.App, c *Client) {
	ctx := context.Background()
	cfg := &domain.SyncConfig{Name: "HR export", SourceType: domain.SyncSourceFile, IsActive: true, Settings: map[string]string{}}
	_, err := app.Repos.SyncConfigs.Save(ctx, cfg)
	require.NoError(t, err)

	csv := "externalId,username,email,fullName,roles\n" +
		"hr-1,bella,bella@example.com,Bella Doe,manager;auditor\n" +
		"hr-2,carl,carl@example.com,Carl Doe,\n" +
		",nobody,,,\n"
	var log domain.SyncLog
	status := c.send(http.MethodPost, fmt.Sprintf("/api/sync/%d/run", cfg.ID), 1, "text/csv", strings.NewReader(csv), &log)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.SyncStatusCompleted, log.Status)
	assert.Equal(t, 3, log.Result.TotalRecords)
	assert.Equal(t, 2, log.Result.CreatedCount)
	assert.Equal(t, 1, log.Result.FailedCount)
	assert.False(t, log.Result.Success)

	bella, err := app.Repos.Users.FindByUsername(ctx, "bella")
	require.NoError(t, err)
	require.NotNil(t, bella)
	roles, err := app.Repos.Users.RolesOf(ctx, bella.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"manager", "auditor"}, roles)

	assert.Equal(t, http.StatusUnprocessableEntity, c.Do(http.MethodPost, fmt.Sprintf("/api/sync/%d/run", cfg.ID), 1, nil, nil))
	assert.Equal(t, http.StatusNotFound, c.Do(http.MethodPost, "/api/sync/999999/run", 1, nil, nil))
}

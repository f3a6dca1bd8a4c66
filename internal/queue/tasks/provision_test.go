package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/skystack/engine/internal/catalog"
	"github.com/skystack/engine/internal/models"
	"github.com/skystack/engine/internal/provider"
	"github.com/skystack/engine/internal/relay"
	"github.com/skystack/engine/internal/services"
	"github.com/skystack/engine/pkg/config"
	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	_, err := logger.Init("info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Create(ctx context.Context, d *models.Deployment) error {
	return m.Called(ctx, d).Error(0)
}

func (m *mockRepo) GetByID(ctx context.Context, id any, dest *models.Deployment) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil {
		if src, ok := args.Get(1).(*models.Deployment); ok && src != nil {
			*dest = *src
		}
	}
	return args.Error(0)
}

func (m *mockRepo) Update(ctx context.Context, d *models.Deployment) error {
	return m.Called(ctx, d).Error(0)
}

func (m *mockRepo) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockRepo) List(ctx context.Context, status models.Status) ([]models.Deployment, error) {
	args := m.Called(ctx, status)
	out, _ := args.Get(0).([]models.Deployment)
	return out, args.Error(1)
}

func (m *mockRepo) Transition(ctx context.Context, id uuid.UUID, to models.Status, extra map[string]any) error {
	return m.Called(ctx, id, to, extra).Error(0)
}

func (m *mockRepo) SetJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	return m.Called(ctx, id, jobID).Error(0)
}

func (m *mockRepo) SetWorkspace(ctx context.Context, id uuid.UUID, dir string, retain bool) error {
	return m.Called(ctx, id, dir, retain).Error(0)
}

func (m *mockRepo) AppendLog(ctx context.Context, id uuid.UUID, chunk string) error {
	m.Called(ctx, id, chunk)
	return nil
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Deploy(ctx context.Context, req provider.DeployRequest) (*provider.DeployResult, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*provider.DeployResult)
	return out, args.Error(1)
}

func (m *mockProvider) Destroy(ctx context.Context, req provider.DestroyRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockProvider) Validate(ctx context.Context, templatePath string, parameters map[string]any) (bool, string, error) {
	args := m.Called(ctx, templatePath, parameters)
	return args.Bool(0), args.String(1), args.Error(2)
}

func (m *mockProvider) ListGroups(ctx context.Context) ([]provider.Group, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]provider.Group)
	return out, args.Error(1)
}

func (m *mockProvider) CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*provider.Group, error) {
	args := m.Called(ctx, name, location, tags)
	out, _ := args.Get(0).(*provider.Group)
	return out, args.Error(1)
}

func (m *mockProvider) DeleteGroup(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockProvider) ListResources(ctx context.Context, groupName string) ([]provider.Resource, error) {
	args := m.Called(ctx, groupName)
	out, _ := args.Get(0).([]provider.Resource)
	return out, args.Error(1)
}

func (m *mockProvider) SupportedLocations() []string { return []string{"mock-east-1"} }
func (m *mockProvider) Type() provider.Type          { return provider.TypeTerraform }

type captureSink struct {
	mu     sync.Mutex
	events []relay.Event
}

func (c *captureSink) Publish(ev relay.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) types() []relay.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]relay.EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *captureSink) has(t relay.EventType) bool {
	for _, typ := range c.types() {
		if typ == t {
			return true
		}
	}
	return false
}

func testCatalogRoot(t *testing.T) catalog.Catalog {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root+"/mock", 0o755))
	require.NoError(t, os.WriteFile(root+"/mock/vm.tf", []byte(`resource "null_resource" "vm" {}`), 0o644))
	cat, err := catalog.NewFSCatalog(root)
	require.NoError(t, err)
	return cat
}

type fixture struct {
	handler *DeployTaskHandler
	repo    *mockRepo
	prov    *mockProvider
	sink    *captureSink
	row     *models.Deployment
	task    *asynq.Task
}

func newFixture(t *testing.T, status models.Status) *fixture {
	t.Helper()
	repo := &mockRepo{}
	prov := &mockProvider{}
	sink := &captureSink{}
	cfg := &config.Config{DeployMaxRetry: 5}

	h := NewDeployTaskHandler(repo, testCatalogRoot(t), sink, cfg)
	h.newProvider = func(id string, pc provider.Context) (provider.Provider, error) {
		return prov, nil
	}

	id := uuid.New()
	row := &models.Deployment{
		ID:           id,
		ProviderID:   "terraform-mock",
		CloudFamily:  "mock",
		TemplateName: "vm",
		Status:       status,
		Parameters:   datatypes.JSON(`{"size":"small"}`),
	}
	pb, _ := json.Marshal(services.TaskPayload{DeploymentID: id.String()})
	return &fixture{
		handler: h,
		repo:    repo,
		prov:    prov,
		sink:    sink,
		row:     row,
		task:    asynq.NewTask(services.TaskProvision, pb),
	}
}

func TestProvisionSuccess(t *testing.T) {
	f := newFixture(t, models.StatusPending)

	f.repo.On("GetByID", mock.Anything, f.row.ID, mock.Anything).Return(nil, f.row)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusRunning, mock.Anything).Return(nil)
	f.prov.On("Deploy", mock.Anything, mock.MatchedBy(func(req provider.DeployRequest) bool {
		return req.DeploymentID == f.row.ID && req.Parameters["size"] == "small"
	})).Return(&provider.DeployResult{Outputs: map[string]any{"ip": "10.0.0.4"}}, nil)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusCompleted,
		mock.MatchedBy(func(extra map[string]any) bool {
			outputs, ok := extra["outputs"].(datatypes.JSON)
			return ok && string(outputs) == `{"ip":"10.0.0.4"}` && extra["retain_workspace"] == false
		})).Return(nil)

	require.NoError(t, f.handler.HandleProvision(context.Background(), f.task))

	require.True(t, f.sink.has(relay.TypeComplete))
	require.True(t, f.sink.has(relay.TypeDone))
	require.False(t, f.sink.has(relay.TypeError))
	f.repo.AssertExpectations(t)
	f.prov.AssertExpectations(t)
}

func TestProvisionApplyFailure(t *testing.T) {
	f := newFixture(t, models.StatusPending)

	cause := appErr.Execution(errors.New("exit status 1"), appErr.ReasonExit, "terraform apply failed").
		WithMeta("workspace_dir", "/ws/attempt-1")

	f.repo.On("GetByID", mock.Anything, f.row.ID, mock.Anything).Return(nil, f.row)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusRunning, mock.Anything).Return(nil)
	f.prov.On("Deploy", mock.Anything, mock.Anything).Return(nil, cause)
	f.repo.On("SetWorkspace", mock.Anything, f.row.ID, "/ws/attempt-1", true).Return(nil)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusFailed,
		mock.MatchedBy(func(extra map[string]any) bool {
			msg, _ := extra["error_message"].(string)
			return msg != ""
		})).Return(nil)

	err := f.handler.HandleProvision(context.Background(), f.task)
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)

	require.True(t, f.sink.has(relay.TypeError))
	require.True(t, f.sink.has(relay.TypeDone))
	require.False(t, f.sink.has(relay.TypeComplete))
	f.repo.AssertExpectations(t)
}

func TestProvisionCancelledMidRun(t *testing.T) {
	f := newFixture(t, models.StatusPending)

	cause := appErr.Wrap(context.Canceled, appErr.CodeCancelled, "terraform apply cancelled").
		WithMeta("workspace_dir", "/ws/attempt-1")

	f.repo.On("GetByID", mock.Anything, f.row.ID, mock.Anything).Return(nil, f.row)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusRunning, mock.Anything).Return(nil)
	f.prov.On("Deploy", mock.Anything, mock.Anything).Return(nil, cause)
	f.repo.On("SetWorkspace", mock.Anything, f.row.ID, "/ws/attempt-1", true).Return(nil)

	require.NoError(t, f.handler.HandleProvision(context.Background(), f.task))

	require.True(t, f.sink.has(relay.TypeDone))
	require.False(t, f.sink.has(relay.TypeComplete))
	// no FAILED transition on cancellation
	f.repo.AssertNotCalled(t, "Transition", mock.Anything, f.row.ID, models.StatusFailed, mock.Anything)
	f.repo.AssertExpectations(t)
}

func TestProvisionCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, models.StatusCancelled)

	f.repo.On("GetByID", mock.Anything, f.row.ID, mock.Anything).Return(nil, f.row)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusRunning, mock.Anything).
		Return(appErr.New(appErr.CodeConflict, "deployment is cancelled"))

	require.NoError(t, f.handler.HandleProvision(context.Background(), f.task))
	f.prov.AssertNotCalled(t, "Deploy", mock.Anything, mock.Anything)
}

func TestProvisionLockContentionIsReturnedForRetry(t *testing.T) {
	f := newFixture(t, models.StatusPending)

	cause := appErr.Execution(errors.New("Error acquiring the state lock"),
		appErr.ReasonLockContention, "terraform plan blocked on the state lock")

	f.repo.On("GetByID", mock.Anything, f.row.ID, mock.Anything).Return(nil, f.row)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusRunning, mock.Anything).Return(nil)
	f.prov.On("Deploy", mock.Anything, mock.Anything).Return(nil, cause)

	err := f.handler.HandleProvision(context.Background(), f.task)
	require.Error(t, err)
	// plain error: asynq retries with backoff
	require.NotErrorIs(t, err, asynq.SkipRetry)
	require.True(t, appErr.Retryable(err))
	// the row stays RUNNING for the retry attempt
	f.repo.AssertNotCalled(t, "Transition", mock.Anything, f.row.ID, models.StatusFailed, mock.Anything)
}

func TestProvisionRetryAttemptProceedsFromRunning(t *testing.T) {
	f := newFixture(t, models.StatusRunning)

	f.repo.On("GetByID", mock.Anything, f.row.ID, mock.Anything).Return(nil, f.row)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusRunning, mock.Anything).
		Return(appErr.New(appErr.CodeConflict, "deployment is running")).Once()
	f.prov.On("Deploy", mock.Anything, mock.Anything).
		Return(&provider.DeployResult{Outputs: map[string]any{}}, nil)
	f.repo.On("Transition", mock.Anything, f.row.ID, models.StatusCompleted, mock.Anything).Return(nil)

	require.NoError(t, f.handler.HandleProvision(context.Background(), f.task))
	f.prov.AssertExpectations(t)
}

func TestDestroyReusesRetainedWorkspace(t *testing.T) {
	f := newFixture(t, models.StatusCompleted)
	f.row.WorkspaceDir = "/ws/attempt-1"

	pb, _ := json.Marshal(services.TaskPayload{DeploymentID: f.row.ID.String()})
	task := asynq.NewTask(services.TaskDestroy, pb)

	f.repo.On("GetByID", mock.Anything, f.row.ID, mock.Anything).Return(nil, f.row)
	f.prov.On("Destroy", mock.Anything, mock.MatchedBy(func(req provider.DestroyRequest) bool {
		return req.WorkspaceDir == "/ws/attempt-1"
	})).Return(nil)
	f.repo.On("SetWorkspace", mock.Anything, f.row.ID, "", false).Return(nil)

	require.NoError(t, f.handler.HandleDestroy(context.Background(), task))
	require.True(t, f.sink.has(relay.TypeDone))
	f.prov.AssertExpectations(t)
	f.repo.AssertExpectations(t)
}

func TestDestroyRefusesActiveDeployment(t *testing.T) {
	f := newFixture(t, models.StatusRunning)

	pb, _ := json.Marshal(services.TaskPayload{DeploymentID: f.row.ID.String()})
	task := asynq.NewTask(services.TaskDestroy, pb)

	f.repo.On("GetByID", mock.Anything, f.row.ID, mock.Anything).Return(nil, f.row)

	err := f.handler.HandleDestroy(context.Background(), task)
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)
	f.prov.AssertNotCalled(t, "Destroy", mock.Anything, mock.Anything)
}

func TestBadPayloadSkipsRetry(t *testing.T) {
	f := newFixture(t, models.StatusPending)

	err := f.handler.HandleProvision(context.Background(), asynq.NewTask(services.TaskProvision, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	pb, _ := json.Marshal(services.TaskPayload{DeploymentID: "not-a-uuid"})
	err = f.handler.HandleProvision(context.Background(), asynq.NewTask(services.TaskProvision, pb))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

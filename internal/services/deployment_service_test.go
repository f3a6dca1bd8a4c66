package services

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skystack/engine/internal/catalog"
	"github.com/skystack/engine/internal/models"
	"github.com/skystack/engine/internal/provider"
	"github.com/skystack/engine/pkg/config"
	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
)

type stubProvider struct {
	provider.Provider
}

func (stubProvider) SupportedLocations() []string { return []string{"mock-east-1", "mock-west-1"} }
func (stubProvider) Type() provider.Type          { return provider.TypeTerraform }

func (stubProvider) ListGroups(ctx context.Context) ([]provider.Group, error) {
	return []provider.Group{{Name: "team-a", Location: "mock-east-1"}}, nil
}

func (stubProvider) CreateGroup(ctx context.Context, name, location string, tags map[string]string) (*provider.Group, error) {
	return &provider.Group{Name: name, Location: location, Tags: tags}, nil
}

func (stubProvider) DeleteGroup(ctx context.Context, name string) error { return nil }

func (stubProvider) ListResources(ctx context.Context, groupName string) ([]provider.Resource, error) {
	return []provider.Resource{{Name: "vm-1", Type: "mock_instance", Group: groupName}}, nil
}

func TestMain(m *testing.M) {
	_, err := logger.Init("info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	provider.Register("terraform-mock", func(pc provider.Context) (provider.Provider, error) {
		return stubProvider{}, nil
	})
	provider.Register("broken-mock", func(pc provider.Context) (provider.Provider, error) {
		return nil, appErr.New(appErr.CodeConfiguration, "credentials missing")
	})
	os.Exit(m.Run())
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Create(ctx context.Context, d *models.Deployment) error {
	args := m.Called(ctx, d)
	if args.Error(0) == nil && d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return args.Error(0)
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
	return m.Called(ctx, id, chunk).Error(0)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task)
	info, _ := args.Get(0).(*asynq.TaskInfo)
	return info, args.Error(1)
}

type mockCanceler struct {
	mock.Mock
}

func (m *mockCanceler) CancelProcessing(id string) error {
	return m.Called(id).Error(0)
}

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	root := t.TempDir()
	famDir := root + "/mock"
	require.NoError(t, os.MkdirAll(famDir, 0o755))
	require.NoError(t, os.WriteFile(famDir+"/vm.tf", []byte(`resource "null_resource" "vm" {}`), 0o644))
	require.NoError(t, os.WriteFile(famDir+"/vm.schema.json", []byte(`{
		"parameters": [
			{"name": "size", "type": "string", "required": true, "allowed": ["small", "large"]},
			{"name": "count", "type": "number", "default": 1}
		]
	}`), 0o644))
	cat, err := catalog.NewFSCatalog(root)
	require.NoError(t, err)
	return cat
}

func testConfig() *config.Config {
	return &config.Config{DeployMaxRetry: 5, AWSRegion: "us-east-1"}
}

func TestAcceptCreatesPendingAndEnqueues(t *testing.T) {
	repo := &mockRepo{}
	enq := &mockEnqueuer{}
	svc := NewDeploymentService(repo, testCatalog(t), enq, &mockCanceler{}, testConfig())

	repo.On("Create", mock.Anything, mock.MatchedBy(func(d *models.Deployment) bool {
		return d.Status == models.StatusPending && d.ProviderID == "terraform-mock" && d.CloudFamily == "mock"
	})).Return(nil)
	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == TaskProvision
	})).Return(&asynq.TaskInfo{ID: "task-1"}, nil)
	repo.On("SetJobID", mock.Anything, mock.Anything, "task-1").Return(nil)

	d, err := svc.Accept(context.Background(), &AcceptInput{
		ProviderID:   "terraform-mock",
		TemplateName: "vm",
		Parameters:   map[string]any{"size": "small"},
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, d.Status)
	// default filled by the schema
	require.Contains(t, string(d.Parameters), `"count":1`)
	repo.AssertExpectations(t)
	enq.AssertExpectations(t)
}

func TestAcceptRejectsBadParameters(t *testing.T) {
	svc := NewDeploymentService(&mockRepo{}, testCatalog(t), &mockEnqueuer{}, &mockCanceler{}, testConfig())

	_, err := svc.Accept(context.Background(), &AcceptInput{
		ProviderID:   "terraform-mock",
		TemplateName: "vm",
		Parameters:   map[string]any{"size": "enormous"},
	})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeValidation))

	_, err = svc.Accept(context.Background(), &AcceptInput{
		ProviderID:   "terraform-mock",
		TemplateName: "vm",
	})
	require.True(t, appErr.IsCode(err, appErr.CodeValidation))
}

func TestAcceptRejectsUnknownProviderOrTemplate(t *testing.T) {
	svc := NewDeploymentService(&mockRepo{}, testCatalog(t), &mockEnqueuer{}, &mockCanceler{}, testConfig())

	_, err := svc.Accept(context.Background(), &AcceptInput{
		ProviderID:   "terraform-unknown",
		TemplateName: "vm",
	})
	require.True(t, appErr.IsCode(err, appErr.CodeConfiguration))

	_, err = svc.Accept(context.Background(), &AcceptInput{
		ProviderID:   "terraform-mock",
		TemplateName: "missing",
	})
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestAcceptFailsFastOnCredentials(t *testing.T) {
	svc := NewDeploymentService(&mockRepo{}, testCatalog(t), &mockEnqueuer{}, &mockCanceler{}, testConfig())

	_, err := svc.Accept(context.Background(), &AcceptInput{
		ProviderID:   "broken-mock",
		TemplateName: "vm",
	})
	require.True(t, appErr.IsCode(err, appErr.CodeConfiguration))
}

func TestAcceptEnqueueFailureFailsDeployment(t *testing.T) {
	repo := &mockRepo{}
	enq := &mockEnqueuer{}
	svc := NewDeploymentService(repo, testCatalog(t), enq, &mockCanceler{}, testConfig())

	repo.On("Create", mock.Anything, mock.Anything).Return(nil)
	enq.On("EnqueueContext", mock.Anything, mock.Anything).Return(nil, errors.New("redis down"))
	repo.On("Transition", mock.Anything, mock.Anything, models.StatusFailed, mock.Anything).Return(nil)

	_, err := svc.Accept(context.Background(), &AcceptInput{
		ProviderID:   "terraform-mock",
		TemplateName: "vm",
		Parameters:   map[string]any{"size": "large"},
	})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	repo.AssertExpectations(t)
}

func TestCancelTransitionsThenStopsJob(t *testing.T) {
	repo := &mockRepo{}
	canceler := &mockCanceler{}
	svc := NewDeploymentService(repo, testCatalog(t), &mockEnqueuer{}, canceler, testConfig())

	id := uuid.New()
	running := &models.Deployment{ID: id, Status: models.StatusRunning, JobID: "task-9"}
	repo.On("GetByID", mock.Anything, id, mock.Anything).Return(nil, running)
	repo.On("Transition", mock.Anything, id, models.StatusCancelled, mock.Anything).Return(nil)
	canceler.On("CancelProcessing", "task-9").Return(nil)

	require.NoError(t, svc.Cancel(context.Background(), id))
	canceler.AssertExpectations(t)
}

func TestCancelTerminalIsConflict(t *testing.T) {
	repo := &mockRepo{}
	svc := NewDeploymentService(repo, testCatalog(t), &mockEnqueuer{}, &mockCanceler{}, testConfig())

	id := uuid.New()
	done := &models.Deployment{ID: id, Status: models.StatusCompleted}
	repo.On("GetByID", mock.Anything, id, mock.Anything).Return(nil, done)
	repo.On("Transition", mock.Anything, id, models.StatusCancelled, mock.Anything).
		Return(appErr.New(appErr.CodeConflict, "deployment is completed"))

	err := svc.Cancel(context.Background(), id)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))
}

func TestDestroyRequiresTerminalStatus(t *testing.T) {
	repo := &mockRepo{}
	enq := &mockEnqueuer{}
	svc := NewDeploymentService(repo, testCatalog(t), enq, &mockCanceler{}, testConfig())

	id := uuid.New()
	running := &models.Deployment{ID: id, Status: models.StatusRunning}
	repo.On("GetByID", mock.Anything, id, mock.Anything).Return(nil, running).Once()

	err := svc.Destroy(context.Background(), id)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))

	completed := &models.Deployment{ID: id, Status: models.StatusCompleted}
	repo.On("GetByID", mock.Anything, id, mock.Anything).Return(nil, completed)
	enq.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == TaskDestroy
	})).Return(&asynq.TaskInfo{ID: "task-2"}, nil)
	repo.On("SetJobID", mock.Anything, id, "task-2").Return(nil)

	require.NoError(t, svc.Destroy(context.Background(), id))
	enq.AssertExpectations(t)
}

func TestLocations(t *testing.T) {
	svc := NewDeploymentService(&mockRepo{}, testCatalog(t), &mockEnqueuer{}, &mockCanceler{}, testConfig())

	locs, err := svc.Locations("terraform-mock")
	require.NoError(t, err)
	require.Contains(t, locs, "mock-east-1")

	_, err = svc.Locations("terraform-nowhere")
	require.Error(t, err)
}

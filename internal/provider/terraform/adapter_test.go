package terraform

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skystack/engine/internal/provider"
	"github.com/skystack/engine/internal/workspace"
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

func clearCloudEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AWS_ACCESS_KEY_ID", "AWS_PROFILE", "AWS_ROLE_ARN", "AWS_WEB_IDENTITY_TOKEN_FILE",
		"ARM_CLIENT_ID", "AZURE_CLIENT_ID",
		"GOOGLE_APPLICATION_CREDENTIALS", "GOOGLE_CREDENTIALS",
	} {
		t.Setenv(key, "")
	}
}

func TestAWSProviderConfig(t *testing.T) {
	cfg, err := AWSAdapter{}.ProviderConfig(provider.Context{Region: "eu-west-1"})
	require.NoError(t, err)
	require.Contains(t, cfg, `provider "aws"`)
	require.Contains(t, cfg, `region = "eu-west-1"`)

	cfg, err = AWSAdapter{}.ProviderConfig(provider.Context{})
	require.NoError(t, err)
	require.Contains(t, cfg, `region = "us-east-1"`)
}

func TestAzureProviderConfig(t *testing.T) {
	cfg, err := AzureAdapter{}.ProviderConfig(provider.Context{SubscriptionID: "sub-123"})
	require.NoError(t, err)
	require.Contains(t, cfg, `provider "azurerm"`)
	require.Contains(t, cfg, "features {}")
	require.Contains(t, cfg, `subscription_id = "sub-123"`)

	_, err = AzureAdapter{}.ProviderConfig(provider.Context{})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeConfiguration))
}

func TestGCPProviderConfig(t *testing.T) {
	cfg, err := GCPAdapter{}.ProviderConfig(provider.Context{SubscriptionID: "proj-1", Region: "europe-west1"})
	require.NoError(t, err)
	require.Contains(t, cfg, `provider "google"`)
	require.Contains(t, cfg, `project = "proj-1"`)
	require.Contains(t, cfg, `region  = "europe-west1"`)
}

func TestMergeParametersNeverOverrides(t *testing.T) {
	params := map[string]any{"location": "custom", "size": "small"}
	merged := AzureAdapter{}.MergeParameters(params, "rg-demo", "westeurope")

	require.Equal(t, "custom", merged["location"])
	require.Equal(t, "rg-demo", merged["resource_group_name"])
	require.Equal(t, "small", merged["size"])
	// the input map is untouched
	require.NotContains(t, params, "resource_group_name")
}

func TestGroupConfigRendering(t *testing.T) {
	cfg := AzureAdapter{}.GroupConfig("rg-demo", "westeurope", map[string]string{"team": "infra", "env": "dev"})
	require.Contains(t, cfg, `resource "azurerm_resource_group" "this"`)
	require.Contains(t, cfg, `name     = "rg-demo"`)
	require.Contains(t, cfg, `location = "westeurope"`)
	require.Contains(t, cfg, `"env" = "dev"`)
	require.Contains(t, cfg, `"team" = "infra"`)

	awsCfg := AWSAdapter{}.GroupConfig("demo", "us-east-1", nil)
	require.Contains(t, awsCfg, `resource "aws_resourcegroups_group" "this"`)
}

func TestCheckCredentials(t *testing.T) {
	clearCloudEnv(t)

	err := AWSAdapter{}.CheckCredentials(provider.Context{})
	require.True(t, appErr.IsCode(err, appErr.CodeConfiguration))
	require.NoError(t, AWSAdapter{}.CheckCredentials(provider.Context{
		Credentials: map[string]string{"access_key_id": "AKIA..."},
	}))

	t.Setenv("AWS_PROFILE", "dev")
	require.NoError(t, AWSAdapter{}.CheckCredentials(provider.Context{}))

	err = GCPAdapter{}.CheckCredentials(provider.Context{SubscriptionID: "proj-1"})
	require.True(t, appErr.IsCode(err, appErr.CodeConfiguration))
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/tmp/sa.json")
	require.NoError(t, GCPAdapter{}.CheckCredentials(provider.Context{SubscriptionID: "proj-1"}))
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	clearCloudEnv(t)

	wsm, err := workspace.NewManager(t.TempDir(), false)
	require.NoError(t, err)

	_, err = New(AzureAdapter{}, provider.Context{}, Deps{Workspaces: wsm})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeConfiguration))
}

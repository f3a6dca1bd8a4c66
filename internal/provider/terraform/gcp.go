package terraform

import (
	"fmt"
	"os"

	"github.com/skystack/engine/internal/provider"
	appErr "github.com/skystack/engine/pkg/errors"
)

// GCPAdapter configures the hashicorp/google provider. GCP's grouping
// concept is the project itself; deployments group by label instead, so
// group management is label-only.
type GCPAdapter struct{}

func (GCPAdapter) Family() string { return "gcp" }

func (GCPAdapter) ProviderConfig(pc provider.Context) (string, error) {
	if pc.SubscriptionID == "" {
		return "", appErr.New(appErr.CodeConfiguration, "google project id is required")
	}
	region := pc.Region
	if region == "" {
		region = "us-central1"
	}
	return fmt.Sprintf(`provider "google" {
  project = %q
  region  = %q
}
`, pc.SubscriptionID, region), nil
}

func (GCPAdapter) GroupConfig(name, location string, tags map[string]string) string {
	// No group resource on GCP; persist the grouping as project metadata so
	// destroy has something to unwind.
	return fmt.Sprintf(`resource "google_compute_project_metadata_item" "this" {
  key   = "deployment-group-%s"
  value = %q
}
`, name, location)
}

func (GCPAdapter) MergeParameters(params map[string]any, groupName, location string) map[string]any {
	extra := map[string]any{}
	if location != "" {
		extra["region"] = location
	}
	if groupName != "" {
		extra["group_name"] = groupName
	}
	return mergeParams(params, extra)
}

func (GCPAdapter) GroupResourceType() string { return "google_compute_project_metadata_item" }

func (GCPAdapter) SupportedLocations() []string {
	return []string{
		"us-central1", "us-east1", "us-east4", "us-west1", "us-west2",
		"europe-west1", "europe-west2", "europe-west3", "europe-north1",
		"asia-east1", "asia-northeast1", "asia-southeast1", "asia-south1",
		"australia-southeast1", "southamerica-east1",
	}
}

func (GCPAdapter) CheckCredentials(pc provider.Context) error {
	if pc.SubscriptionID == "" {
		return appErr.New(appErr.CodeConfiguration, "google project id is required")
	}
	if pc.Credentials["credentials_json"] != "" {
		return nil
	}
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" || os.Getenv("GOOGLE_CREDENTIALS") != "" {
		return nil
	}
	return appErr.New(appErr.CodeConfiguration,
		"google credentials missing: set GOOGLE_APPLICATION_CREDENTIALS")
}

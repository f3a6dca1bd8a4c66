package terraform

import (
	"fmt"
	"os"

	"github.com/skystack/engine/internal/provider"
	appErr "github.com/skystack/engine/pkg/errors"
)

// AWSAdapter configures the hashicorp/aws provider. AWS has no first-class
// resource group; the closest equivalent is a resourcegroups group keyed by
// tag.
type AWSAdapter struct{}

func (AWSAdapter) Family() string { return "aws" }

func (AWSAdapter) ProviderConfig(pc provider.Context) (string, error) {
	region := pc.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf(`provider "aws" {
  region = %q
}
`, region), nil
}

func (AWSAdapter) GroupConfig(name, location string, tags map[string]string) string {
	return fmt.Sprintf(`resource "aws_resourcegroups_group" "this" {
  name = %q

  resource_query {
    query = jsonencode({
      ResourceTypeFilters = ["AWS::AllSupported"]
      TagFilters = [{
        Key    = "deployment-group"
        Values = [%q]
      }]
    })
  }

  tags = %s
}
`, name, name, renderTags(tags))
}

func (AWSAdapter) MergeParameters(params map[string]any, groupName, location string) map[string]any {
	extra := map[string]any{}
	if location != "" {
		extra["region"] = location
	}
	if groupName != "" {
		extra["group_name"] = groupName
	}
	return mergeParams(params, extra)
}

func (AWSAdapter) GroupResourceType() string { return "aws_resourcegroups_group" }

func (AWSAdapter) SupportedLocations() []string {
	return []string{
		"us-east-1", "us-east-2", "us-west-1", "us-west-2",
		"eu-west-1", "eu-west-2", "eu-central-1", "eu-north-1",
		"ap-southeast-1", "ap-southeast-2", "ap-northeast-1", "ap-south-1",
		"sa-east-1", "ca-central-1",
	}
}

func (AWSAdapter) CheckCredentials(pc provider.Context) error {
	if pc.Credentials["access_key_id"] != "" {
		return nil
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") != "" || os.Getenv("AWS_PROFILE") != "" ||
		os.Getenv("AWS_ROLE_ARN") != "" || os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE") != "" {
		return nil
	}
	return appErr.New(appErr.CodeConfiguration,
		"aws credentials missing: set AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY or AWS_PROFILE")
}

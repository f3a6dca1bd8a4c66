package terraform

import (
	"fmt"
	"os"

	"github.com/skystack/engine/internal/provider"
	appErr "github.com/skystack/engine/pkg/errors"
)

// AzureAdapter configures the hashicorp/azurerm provider. Authentication
// rides on the service principal environment variables the azurerm provider
// reads natively.
type AzureAdapter struct{}

func (AzureAdapter) Family() string { return "azure" }

func (AzureAdapter) ProviderConfig(pc provider.Context) (string, error) {
	if pc.SubscriptionID == "" {
		return "", appErr.New(appErr.CodeConfiguration, "azure subscription id is required")
	}
	return fmt.Sprintf(`provider "azurerm" {
  features {}
  subscription_id = %q
}
`, pc.SubscriptionID), nil
}

func (AzureAdapter) GroupConfig(name, location string, tags map[string]string) string {
	return fmt.Sprintf(`resource "azurerm_resource_group" "this" {
  name     = %q
  location = %q
  tags     = %s
}
`, name, location, renderTags(tags))
}

func (AzureAdapter) MergeParameters(params map[string]any, groupName, location string) map[string]any {
	extra := map[string]any{}
	if location != "" {
		extra["location"] = location
	}
	if groupName != "" {
		extra["resource_group_name"] = groupName
	}
	return mergeParams(params, extra)
}

func (AzureAdapter) GroupResourceType() string { return "azurerm_resource_group" }

func (AzureAdapter) SupportedLocations() []string {
	return []string{
		"eastus", "eastus2", "westus", "westus2", "westus3", "centralus",
		"northeurope", "westeurope", "uksouth", "ukwest",
		"southeastasia", "eastasia", "japaneast", "australiaeast",
		"brazilsouth", "canadacentral",
	}
}

func (AzureAdapter) CheckCredentials(pc provider.Context) error {
	if pc.SubscriptionID == "" {
		return appErr.New(appErr.CodeConfiguration, "azure subscription id is required")
	}
	if pc.Credentials["client_id"] != "" && pc.Credentials["client_secret"] != "" {
		return nil
	}
	if os.Getenv("ARM_CLIENT_ID") != "" || os.Getenv("AZURE_CLIENT_ID") != "" {
		return nil
	}
	return appErr.New(appErr.CodeConfiguration,
		"azure credentials missing: set ARM_CLIENT_ID/ARM_CLIENT_SECRET/ARM_TENANT_ID")
}

package terraform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/skystack/engine/internal/provider"
)

// CloudAdapter supplies the per-cloud pieces the shared terraform provider
// cannot know: the provider/credential block, the resource-group resource,
// parameter conventions and the location list.
type CloudAdapter interface {
	Family() string

	// ProviderConfig renders the provider.tf content for one job.
	ProviderConfig(pc provider.Context) (string, error)

	// GroupConfig renders a minimal template that manages just the
	// grouping resource for this cloud.
	GroupConfig(name, location string, tags map[string]string) string

	// MergeParameters folds the request's group and location into the
	// template parameters without overriding caller-supplied values.
	MergeParameters(params map[string]any, groupName, location string) map[string]any

	// GroupResourceType is the terraform resource type that represents a
	// group in this cloud, empty when the cloud has no such concept.
	GroupResourceType() string

	SupportedLocations() []string

	// CheckCredentials fails fast with a configuration error when the
	// job's Context cannot possibly authenticate.
	CheckCredentials(pc provider.Context) error
}

func mergeParams(params map[string]any, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(params)+len(extra))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// renderTags renders a sorted HCL tags map body.
func renderTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("{\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "    %q = %q\n", k, tags[k])
	}
	b.WriteString("  }")
	return b.String()
}

package types

// DeployRequest starts a deployment.
type DeployRequest struct {
	ProviderID   string         `json:"provider_id" validate:"required"`
	TemplateName string         `json:"template_name" validate:"required"`
	GroupName    string         `json:"group_name"`
	Location     string         `json:"location"`
	Parameters   map[string]any `json:"parameters"`
}

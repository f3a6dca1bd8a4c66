package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skystack/engine/pkg/config"
	appErr "github.com/skystack/engine/pkg/errors"
)

func TestGroupServiceRoundTrip(t *testing.T) {
	svc := NewGroupService(&config.Config{})
	ctx := context.Background()

	groups, err := svc.List(ctx, "terraform-mock", "")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "team-a", groups[0].Name)

	created, err := svc.Create(ctx, "terraform-mock", &CreateGroupInput{
		Name:     "team-b",
		Location: "mock-west-1",
		Tags:     map[string]string{"env": "staging"},
	})
	require.NoError(t, err)
	require.Equal(t, "team-b", created.Name)
	require.Equal(t, "staging", created.Tags["env"])

	resources, err := svc.Resources(ctx, "terraform-mock", "team-a", "")
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.Equal(t, "team-a", resources[0].Group)

	require.NoError(t, svc.Delete(ctx, "terraform-mock", "team-b", ""))
}

func TestGroupServiceUnknownProvider(t *testing.T) {
	svc := NewGroupService(&config.Config{})

	_, err := svc.List(context.Background(), "no-such-provider", "")
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeConfiguration))
}

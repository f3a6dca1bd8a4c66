package provider

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

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

type stubProvider struct {
	Provider
	pc Context
}

func (s *stubProvider) Type() Type { return TypeTerraform }

func stubConstructor(pc Context) (Provider, error) {
	return &stubProvider{pc: pc}, nil
}

func TestRegisterAndNew(t *testing.T) {
	reset()
	Register("terraform-aws", stubConstructor)

	p, err := New("terraform-aws", Context{Region: "us-east-1", CloudFamily: "aws"})
	require.NoError(t, err)
	require.Equal(t, TypeTerraform, p.Type())
}

func TestNewUnregistered(t *testing.T) {
	reset()
	_, err := New("native-azure", Context{})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeConfiguration))
}

func TestFreshInstancePerCall(t *testing.T) {
	reset()
	Register("terraform-gcp", stubConstructor)

	a, err := New("terraform-gcp", Context{SubscriptionID: "proj-a"})
	require.NoError(t, err)
	b, err := New("terraform-gcp", Context{SubscriptionID: "proj-b"})
	require.NoError(t, err)

	require.NotSame(t, a, b)
	require.Equal(t, "proj-a", a.(*stubProvider).pc.SubscriptionID)
	require.Equal(t, "proj-b", b.(*stubProvider).pc.SubscriptionID)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reset()
	Register("terraform-azure", stubConstructor)
	require.Panics(t, func() { Register("terraform-azure", stubConstructor) })
}

func TestRegisteredSorted(t *testing.T) {
	reset()
	Register("terraform-gcp", stubConstructor)
	Register("native-aws", stubConstructor)
	Register("terraform-aws", stubConstructor)
	require.Equal(t, []string{"native-aws", "terraform-aws", "terraform-gcp"}, Registered())
}

func TestConcurrentLookups(t *testing.T) {
	reset()
	Register("terraform-aws", stubConstructor)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				if _, err := New("terraform-aws", Context{}); err != nil {
					t.Error(err)
					return
				}
				Registered()
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

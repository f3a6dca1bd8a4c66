package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsCodeThroughWrapping(t *testing.T) {
	base := New(CodeValidation, "bad parameter")
	wrapped := fmt.Errorf("handler: %w", base)
	require.True(t, IsCode(wrapped, CodeValidation))
	require.False(t, IsCode(wrapped, CodeExecution))
}

func TestExecutionReason(t *testing.T) {
	err := Execution(fmt.Errorf("exit status 1"), ReasonLockContention, "terraform plan failed")
	require.Equal(t, ReasonLockContention, Reason(err))
	require.True(t, Retryable(err))

	timeout := Execution(nil, ReasonTimeout, "terraform apply timed out")
	require.Equal(t, ReasonTimeout, Reason(timeout))
	require.False(t, Retryable(timeout))
}

func TestRetryableOnlyForLockContention(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New(CodeConfiguration, "provider not registered"), false},
		{New(CodeValidation, "missing parameter"), false},
		{New(CodeCancelled, "cancellation requested"), false},
		{Execution(nil, ReasonExit, "apply exited 1"), false},
		{Execution(nil, ReasonLockContention, "state locked"), true},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Retryable(c.err), "err=%v", c.err)
	}
}

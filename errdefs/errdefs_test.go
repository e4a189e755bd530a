package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotate(t *testing.T) {
	t.Run("NilStaysNil", func(t *testing.T) {
		assert.NoError(t, Annotate("sbx_1", "run", nil))
	})

	t.Run("KeepsSentinelReachable", func(t *testing.T) {
		err := Annotate("sbx_1", "run", fmt.Errorf("docker exec: %w", ErrTimeout))
		require.Error(t, err)
		assert.True(t, IsTimeout(err))
		assert.Contains(t, err.Error(), "sbx_1")
		assert.Contains(t, err.Error(), "run")

		var se *SessionError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "sbx_1", se.ID)
	})

	t.Run("DoesNotDoubleWrapSameSession", func(t *testing.T) {
		first := Annotate("sbx_1", "run", ErrExec)
		second := Annotate("sbx_1", "shutdown", first)
		assert.Same(t, first, second)
	})
}

func TestGone(t *testing.T) {
	err := Gone(errors.New("No such container: abc"))
	assert.True(t, IsSandboxGone(err))
	assert.True(t, IsExec(err))
	assert.False(t, IsNotFound(err))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, ""},
		{ErrProvision, "provision"},
		{fmt.Errorf("x: %w", ErrNotFound), "not_found"},
		{ErrTimeout, "timeout"},
		{ErrPermission, "permission"},
		{ErrExec, "exec"},
		{Gone(errors.New("gone")), "exec"},
		{ErrUnsupported, "unsupported"},
		{ErrCorruptState, "corrupt_state"},
		{ErrAdapterMismatch, "adapter_mismatch"},
		{errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Code(tt.err))
		})
	}
}

package report

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_MessageChain(t *testing.T) {
	base := os.ErrNotExist
	err := fmt.Errorf("cannot install package: %w", fmt.Errorf("cannot open archive: %w", base))

	r := New(WithStack(err))
	require.Equal(t, []string{
		"cannot install package",
		"cannot open archive",
		base.Error(),
	}, r.Messages)
	assert.Contains(t, r.Backtrace, "TestNew_MessageChain")
	assert.False(t, r.Aborted)
}

func TestNew_Aborted(t *testing.T) {
	r := New(fmt.Errorf("apply launch options: %w", ErrAborted))
	assert.True(t, r.Aborted)
	assert.True(t, IsAborted(fmt.Errorf("x: %w", ErrAborted)))
}

func TestWithStack_Idempotent(t *testing.T) {
	err := WithStack(os.ErrClosed)
	assert.Same(t, err, WithStack(err))
	assert.Nil(t, WithStack(nil))
}

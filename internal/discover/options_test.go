package discover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveOptions_Deadline(t *testing.T) {
	require.Equal(t, 5*time.Second, resolveOptions(5*time.Second, nil).deadline)
	require.Equal(t, time.Second, resolveOptions(5*time.Second, []RequirementOption{WithDeadline(time.Second)}).deadline)
	require.Zero(t, resolveOptions(5*time.Second, []RequirementOption{WithDeadline(-1)}).deadline)
	require.Zero(t, resolveOptions(0, nil).deadline)
}

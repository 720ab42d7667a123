package cmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInFlight(t *testing.T) {
	var f InFlight

	require.NoError(t, f.Acquire("stake"))
	assert.True(t, f.Busy("stake"))

	err := f.Acquire("stake")
	var pending *ErrActionPending
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, "stake", pending.Action)

	// independent actions are not serialized against each other
	require.NoError(t, f.Acquire("withdraw"))

	f.Release("stake")
	assert.False(t, f.Busy("stake"))
	require.NoError(t, f.Acquire("stake"))
}

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDisabledOptOut(t *testing.T) {
	t.Setenv("REDIS_DISABLED", "true")

	client, err := GetRedisClient()
	require.NoError(t, err)
	assert.Nil(t, client)

	assert.False(t, Enabled())
	// Close is a no-op when the opt-out left no connection behind.
	assert.NoError(t, Close())
}

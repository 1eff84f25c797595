package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisCache_Validation(t *testing.T) {
	_, err := NewRedisCache(nil, time.Minute)
	require.Error(t, err)
}

func TestCacheKey_HidesLookupKey(t *testing.T) {
	k := cacheKey("19850101-1234")
	assert.NotContains(t, k, "19850101-1234")
	assert.Equal(t, k, cacheKey("19850101-1234"))
	assert.NotEqual(t, k, cacheKey("19850101-1235"))
}

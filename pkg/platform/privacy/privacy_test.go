package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactKey(t *testing.T) {
	a := RedactKey("19850101-1234")
	assert.Equal(t, a, RedactKey("19850101-1234"), "stable for the same key")
	assert.NotEqual(t, a, RedactKey("19850101-1235"))
	assert.NotContains(t, a, "1234")
	assert.Len(t, a, 2+redactedLen)
	assert.Empty(t, RedactKey(""))
}

func TestDigestKey(t *testing.T) {
	d := DigestKey("abc")
	assert.Len(t, d, 64)
	assert.Equal(t, d[:redactedLen], RedactKey("abc")[2:])
}

package fastparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFloat(t *testing.T) {
	v, err := ParseFloat("12345.67")
	assert.NoError(t, err)
	assert.Equal(t, 12345.67, v)

	_, err = ParseFloat("not-a-number")
	assert.Error(t, err)
}

func TestParseUint(t *testing.T) {
	v, err := ParseUint("1700000000000")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1700000000000), v)

	_, err = ParseUint("-1")
	assert.Error(t, err)
}

func TestMustParseFloatFallsBackToZero(t *testing.T) {
	assert.Equal(t, 0.0, MustParseFloat("garbage"))
	assert.Equal(t, 1.5, MustParseFloat("1.5"))
}

func TestMustParseIntFallsBackToZero(t *testing.T) {
	assert.Equal(t, int64(0), MustParseInt("garbage"))
	assert.Equal(t, int64(42), MustParseInt("42"))
}

func TestFormatFloatAndInt(t *testing.T) {
	assert.Equal(t, "1.50", FormatFloat(1.5, 2))
	assert.Equal(t, "42", FormatInt(42))
}

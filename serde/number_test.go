package serde

import (
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNumberSerdes(t *testing.T) {
	b, err := Int64.Serializer(-5)
	assert.NoError(t, err)
	v, err := Int64.Deserializer(b)
	assert.NoError(t, err)
	assert.Equal(t, int64(-5), v)

	_, err = Int64.Deserializer([]byte{1, 2})
	assert.Error(t, err)

	fb, err := Float64.Serializer(math.Pi)
	assert.NoError(t, err)
	f, err := Float64.Deserializer(fb)
	assert.NoError(t, err)
	assert.Equal(t, math.Pi, f)

	_, err = Float64.Deserializer(nil)
	assert.Error(t, err)
}

package serde

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Int64 encodes int64 as 8 big-endian bytes, the same order the window key
// codec uses for timestamps.
var Int64 = Serde[int64]{
	Serializer: func(v int64) ([]byte, error) {
		return binary.BigEndian.AppendUint64(nil, uint64(v)), nil
	},
	Deserializer: func(data []byte) (int64, error) {
		if len(data) != 8 {
			return 0, fmt.Errorf("int64 value must be 8 bytes, got %d", len(data))
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	},
}

// Float64 encodes float64 through its IEEE 754 bit pattern, big-endian.
var Float64 = Serde[float64]{
	Serializer: func(v float64) ([]byte, error) {
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(v)), nil
	},
	Deserializer: func(data []byte) (float64, error) {
		if len(data) != 8 {
			return 0, fmt.Errorf("float64 value must be 8 bytes, got %d", len(data))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	},
}

package serde

import "encoding/json"

// JSON returns a Serde that round-trips T through encoding/json.
func JSON[T any]() Serde[T] {
	return Serde[T]{
		Serializer: func(v T) ([]byte, error) { return json.Marshal(v) },
		Deserializer: func(data []byte) (T, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				var zero T
				return zero, err
			}
			return v, nil
		},
	}
}

package serde

// String passes strings through as raw bytes.
var String = Serde[string]{
	Serializer:   func(v string) ([]byte, error) { return []byte(v), nil },
	Deserializer: func(data []byte) (string, error) { return string(data), nil },
}

// Package serde defines the serializer plug-in surface. The engine treats
// all keys and values as opaque bytes; applications choose codecs per store
// and per topic.
package serde

// Serializer encodes a value to bytes.
type Serializer[T any] func(T) ([]byte, error)

// Deserializer decodes a value from bytes.
type Deserializer[T any] func([]byte) (T, error)

// Serde pairs both directions for one element type.
type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

package serde

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WindowKey addresses one time window of one application key. Encoded form:
//
//	[keyLen uint16][key bytes][start uint64][end uint64]
//
// with all integers big-endian and start/end in Unix milliseconds. The
// length prefix groups all windows of one key contiguously in a
// byte-ordered store, and the big-endian start orders a key's windows
// ascending, so a single bounded range scan covers them. Timestamps must be
// non-negative for the byte order to hold.
type WindowKey[K any] struct {
	Key   K
	Start int64
	End   int64
}

func WindowKeySerializer[K any](serializer Serializer[K]) Serializer[WindowKey[K]] {
	return func(wk WindowKey[K]) ([]byte, error) {
		serializedKey, err := serializer(wk.Key)
		if err != nil {
			return nil, err
		}
		if len(serializedKey) > 0xffff {
			return nil, fmt.Errorf("window key too long: %d bytes", len(serializedKey))
		}

		buf := bytes.NewBuffer(make([]byte, 0, 2+len(serializedKey)+16))

		lnPrefix := make([]byte, 2)
		binary.BigEndian.PutUint16(lnPrefix, uint16(len(serializedKey)))
		buf.Write(lnPrefix)
		buf.Write(serializedKey)

		ts := make([]byte, 16)
		binary.BigEndian.PutUint64(ts[:8], uint64(wk.Start))
		binary.BigEndian.PutUint64(ts[8:], uint64(wk.End))
		buf.Write(ts)

		return buf.Bytes(), nil
	}
}

func WindowKeyDeserializer[K any](deserializer Deserializer[K]) Deserializer[WindowKey[K]] {
	return func(b []byte) (WindowKey[K], error) {
		if len(b) < 2 {
			return WindowKey[K]{}, fmt.Errorf("window key: short buffer")
		}
		length := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+length+16 {
			return WindowKey[K]{}, fmt.Errorf("window key: short buffer")
		}
		b = b[2:]

		deserialized, err := deserializer(b[:length])
		if err != nil {
			return WindowKey[K]{}, err
		}
		b = b[length:]

		return WindowKey[K]{
			Key:   deserialized,
			Start: int64(binary.BigEndian.Uint64(b[:8])),
			End:   int64(binary.BigEndian.Uint64(b[8:16])),
		}, nil
	}
}

// WindowKeyPrefix returns the encoded prefix shared by all windows of the
// given serialized application key.
func WindowKeyPrefix(serializedKey []byte) []byte {
	prefix := make([]byte, 2+len(serializedKey))
	binary.BigEndian.PutUint16(prefix, uint16(len(serializedKey)))
	copy(prefix[2:], serializedKey)
	return prefix
}

// PrefixUpperBound returns the smallest byte slice greater than every key
// starting with prefix, for use as an exclusive range upper bound. Returns
// nil if no such bound exists (prefix is all 0xff).
func PrefixUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] != 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

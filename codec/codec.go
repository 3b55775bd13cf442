// Package codec defines how snapshot values V are (de)serialized to the
// byte payload carried inside a snapshot frame.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

package conn

import (
	"encoding/json"
)

// Codec converts between structured values and wire text.
type Codec[Out, In any] interface {
	Encode(v Out) ([]byte, error)

	Decode(data []byte) (In, error)
}

// JSONCodec is the default codec.
type JSONCodec[Out, In any] struct{}

func (JSONCodec[Out, In]) Encode(v Out) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[Out, In]) Decode(data []byte) (In, error) {
	var v In
	err := json.Unmarshal(data, &v)
	return v, err
}

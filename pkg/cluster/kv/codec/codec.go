package codec

import (
	"fmt"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec allows KV clients to serialise and deserialise values.
type Codec interface {
	Decode([]byte) (interface{}, error)
	Encode(interface{}) ([]byte, error)

	// CodecID is a short identifier to communicate what codec should be used to decode the value.
	// Once in use, this should be stable to avoid confusing other clients.
	CodecID() string
}

// JSON is a Codec for json/snappy.
type JSON struct {
	id      string
	factory func() interface{}
}

// NewJSONCodec returns a codec decoding values into the pointer produced by factory.
func NewJSONCodec(id string, factory func() interface{}) JSON {
	return JSON{id: id, factory: factory}
}

func (j JSON) CodecID() string {
	return j.id
}

// Decode implements Codec
func (j JSON) Decode(bytes []byte) (interface{}, error) {
	bytes, err := snappy.Decode(nil, bytes)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode")
	}
	out := j.factory()
	if err := json.Unmarshal(bytes, out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", j.id)
	}
	return out, nil
}

// Encode implements Codec
func (j JSON) Encode(msg interface{}) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil value with codec %s", j.id)
	}
	bytes, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", j.id)
	}
	return snappy.Encode(nil, bytes), nil
}

// String is a code for strings.
type String struct{}

func (String) CodecID() string {
	return "string"
}

// Decode implements Codec.
func (String) Decode(bytes []byte) (interface{}, error) {
	return string(bytes), nil
}

// Encode implements Codec.
func (String) Encode(msg interface{}) ([]byte, error) {
	s, ok := msg.(string)
	if !ok {
		return nil, fmt.Errorf("invalid type: %T, expected string", msg)
	}
	return []byte(s), nil
}

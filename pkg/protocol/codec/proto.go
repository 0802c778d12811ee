package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

var ErrNotMessage = errors.New("codec: value is not a proto.Message")

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling. It
// only accepts proto.Message values.
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (protoCodec) Name() string        { return "proto" }
func (protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotMessage, v)
	}
	return p.mo.Marshal(msg)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotMessage, v)
	}
	return p.uo.Unmarshal(data, msg)
}

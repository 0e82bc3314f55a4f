package grpc

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// rawCodec passes pre-encoded protobuf bytes through gRPC. The upstream services
// publish no Go stubs, so messages are built and read field by field.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *frame:
		return msg.buf, nil
	default:
		return nil, fmt.Errorf("raw codec: unsupported type %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("raw codec: unsupported type %T", v)
	}
	msg.buf = append(msg.buf[:0], data...)
	return nil
}

type frame struct {
	buf []byte
}

func (f *frame) appendString(num protowire.Number, value string) *frame {
	f.buf = protowire.AppendTag(f.buf, num, protowire.BytesType)
	f.buf = protowire.AppendString(f.buf, value)
	return f
}

// fields decodes the top-level scalar fields of the frame. Varints are rendered in
// decimal so numeric and string ids read the same way.
func (f *frame) fields() (map[protowire.Number]string, error) {
	out := map[protowire.Number]string{}
	b := f.buf
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out[num] = strconv.FormatUint(v, 10)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out[num] = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return out, nil
}

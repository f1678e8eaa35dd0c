package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"fabric-rpc/message"
	"fabric-rpc/rpcerr"
)

// BinaryCodec lays messages out in protobuf wire format without generated code.
//
//	Request:  1 service, 2 method, 3 signature, 4 args (repeated)
//	Response: 1 result, 2 failure{1 kind, 2 type, 3 code, 4 message}
//
// Unknown fields are skipped, so a newer peer may add fields without breaking older ones.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		var b []byte
		b = appendString(b, 1, msg.ServiceID)
		b = appendString(b, 2, msg.Method)
		b = appendString(b, 3, msg.Signature)
		for _, arg := range msg.Args {
			b = protowire.AppendTag(b, 4, protowire.BytesType)
			b = protowire.AppendBytes(b, arg)
		}
		return b, nil
	case *message.Response:
		var b []byte
		if len(msg.Result) > 0 {
			b = protowire.AppendTag(b, 1, protowire.BytesType)
			b = protowire.AppendBytes(b, msg.Result)
		}
		if f := msg.Failure; f != nil {
			var fb []byte
			fb = appendString(fb, 1, f.Kind)
			fb = appendString(fb, 2, f.Type)
			fb = appendString(fb, 3, f.Code)
			fb = appendString(fb, 4, f.Message)
			b = protowire.AppendTag(b, 2, protowire.BytesType)
			b = protowire.AppendBytes(b, fb)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: BinaryCodec cannot encode %T", rpcerr.ErrSerialization, v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		return walkFields(data, func(num protowire.Number, val []byte) {
			switch num {
			case 1:
				msg.ServiceID = string(val)
			case 2:
				msg.Method = string(val)
			case 3:
				msg.Signature = string(val)
			case 4:
				msg.Args = append(msg.Args, json.RawMessage(append([]byte(nil), val...)))
			}
		})
	case *message.Response:
		var failure []byte
		hasFailure := false
		err := walkFields(data, func(num protowire.Number, val []byte) {
			switch num {
			case 1:
				msg.Result = json.RawMessage(append([]byte(nil), val...))
			case 2:
				failure, hasFailure = val, true
			}
		})
		if err != nil || !hasFailure {
			return err
		}
		f := &message.Failure{}
		err = walkFields(failure, func(num protowire.Number, val []byte) {
			switch num {
			case 1:
				f.Kind = string(val)
			case 2:
				f.Type = string(val)
			case 3:
				f.Code = string(val)
			case 4:
				f.Message = string(val)
			}
		})
		msg.Failure = f
		return err
	}
	return fmt.Errorf("%w: BinaryCodec cannot decode into %T", rpcerr.ErrSerialization, v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walkFields calls fn for every length-delimited field and skips everything else.
func walkFields(data []byte, fn func(num protowire.Number, val []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", rpcerr.ErrSerialization, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", rpcerr.ErrSerialization, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", rpcerr.ErrSerialization, protowire.ParseError(n))
		}
		fn(num, val)
		data = data[n:]
	}
	return nil
}

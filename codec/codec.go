// Package codec serializes invocation messages into frame bodies.
//
// The codec type travels in every frame header, so a server always answers with the codec the client
// picked and both codecs can be used on the same server at once.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseType maps a configuration name ("json", "binary") to a CodecType.
func ParseType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return CodecTypeJSON, nil
	case "binary", "proto", "protowire":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}

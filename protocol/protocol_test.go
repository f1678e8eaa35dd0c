package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric-rpc/rpcerr"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, uint32(11), header.BodyLen)

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, header, *decodedHeader)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeRequest), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcerr.ErrFraming)
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeHeartbeat,
		Seq:       12345,
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, nil))

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, decodedHeader.MsgType)
	assert.Zero(t, decodedHeader.BodyLen)
	assert.Empty(t, decodedBody)
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF,
		CodecTypeJSON,
		byte(MsgTypeRequest),
		0, 0, 0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestDecodeTruncatedBody(t *testing.T) {
	frame := AppendFrame(nil, &Header{MsgType: MsgTypeRequest, Seq: 1}, []byte("hello world"))

	_, _, err := Decode(bytes.NewReader(frame[:len(frame)-3]))
	assert.ErrorIs(t, err, rpcerr.ErrFraming)
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeRequest,
		Seq:       999,
	}
	require.NoError(t, Encode(&buf, header, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(decodedBody, largeBody))
}

func testStream() ([]byte, []Frame) {
	frames := []Frame{
		{Header: Header{CodecType: CodecTypeJSON, MsgType: MsgTypeRequest, Seq: 1}, Body: []byte(`{"service":"hello"}`)},
		{Header: Header{CodecType: CodecTypeJSON, MsgType: MsgTypeHeartbeat}, Body: []byte{}},
		{Header: Header{CodecType: CodecTypeBinary, MsgType: MsgTypeResponse, Seq: 2}, Body: bytes.Repeat([]byte{7}, 300)},
		{Header: Header{CodecType: CodecTypeJSON, MsgType: MsgTypeRequest, Seq: 3}, Body: []byte("x")},
	}
	var stream []byte
	for i := range frames {
		stream = AppendFrame(stream, &frames[i].Header, frames[i].Body)
	}
	return stream, frames
}

func TestDecoderWholeStream(t *testing.T) {
	stream, want := testStream()

	var d Decoder
	got, err := d.Feed(stream)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, d.Buffered())
	assert.NoError(t, d.Close())
}

func TestDecoderByteAtATime(t *testing.T) {
	stream, want := testStream()

	var d Decoder
	var got []Frame
	for i := range stream {
		frames, err := d.Feed(stream[i : i+1])
		require.NoError(t, err)
		got = append(got, frames...)
	}
	assert.Equal(t, want, got)
	assert.NoError(t, d.Close())
}

func TestDecoderUnevenChunks(t *testing.T) {
	stream, want := testStream()

	var d Decoder
	var got []Frame
	for _, size := range []int{3, 20, 1, 100, 7} {
		if size > len(stream) {
			size = len(stream)
		}
		frames, err := d.Feed(stream[:size])
		require.NoError(t, err)
		got = append(got, frames...)
		stream = stream[size:]
	}
	frames, err := d.Feed(stream)
	require.NoError(t, err)
	got = append(got, frames...)

	assert.Equal(t, want, got)
}

func TestDecoderCloseInsideFrame(t *testing.T) {
	stream, _ := testStream()

	var d Decoder
	_, err := d.Feed(stream[:HeaderSize+4])
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+4, d.Buffered())

	err = d.Close()
	assert.ErrorIs(t, err, rpcerr.ErrFraming)
}

func TestDecoderCorruptHeader(t *testing.T) {
	stream, want := testStream()
	first := HeaderSize + len(want[0].Body)
	stream[first] = 'X' // magic of the second frame

	var d Decoder
	frames, err := d.Feed(stream)
	assert.ErrorIs(t, err, rpcerr.ErrFraming)
	require.Len(t, frames, 1)
	assert.Equal(t, want[0], frames[0])

	_, err = d.Feed([]byte{1, 2, 3})
	assert.ErrorIs(t, err, rpcerr.ErrFraming)
}

func TestDecoderOversizeFrame(t *testing.T) {
	hdr := AppendFrame(nil, &Header{MsgType: MsgTypeRequest}, nil)
	binary.BigEndian.PutUint32(hdr[10:14], MaxBodyLen+1)

	var d Decoder
	_, err := d.Feed(hdr)
	assert.ErrorIs(t, err, rpcerr.ErrFraming)
	assert.Contains(t, err.Error(), "exceeds limit")
}

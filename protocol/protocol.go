// Package protocol implements the length-prefixed binary frame used on every fabric-rpc connection.
//
// TCP gives no message boundaries, so each frame starts with a fixed 14-byte header carrying the body
// length. The receiver either reads the header and then exactly that many bytes (Decode), or feeds
// whatever bytes arrived into a Decoder which hands back complete frames as they become available.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// seq is the correlation id: a response carries the seq of the request it answers.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"fabric-rpc/rpcerr"
)

// Magic number bytes: "mrp". Rejects peers that are not speaking this protocol.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame; a larger length means the stream is corrupt.
	MaxBodyLen uint32 = 64 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server invocation request
	MsgTypeResponse  MsgType = 1 // Server → Client invocation response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from the codec package to avoid a circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Body serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, or Heartbeat
	Seq       uint32  // Correlation id
	BodyLen   uint32  // Body length in bytes, filled in by Encode/AppendFrame
}

// Frame is one decoded protocol message.
type Frame struct {
	Header Header
	Body   []byte
}

func framingError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{rpcerr.ErrFraming}, args...)...)
}

// AppendFrame appends the encoded frame (header + body) to dst and returns the extended slice.
// Building the whole frame first lets the caller hand it to a single Write.
func AppendFrame(dst []byte, h *Header, body []byte) []byte {
	h.BodyLen = uint32(len(body))

	var hdr [HeaderSize]byte
	hdr[0], hdr[1], hdr[2] = MagicNumber, MagicByte2, MagicByte3
	hdr[3] = Version
	hdr[4] = h.CodecType
	hdr[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(hdr[6:10], h.Seq)
	binary.BigEndian.PutUint32(hdr[10:14], h.BodyLen)

	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// Encode writes a complete frame to w with one Write call.
// Callers sharing a writer must serialize calls, otherwise frames interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := AppendFrame(make([]byte, 0, HeaderSize+len(body)), h, body)
	_, err := w.Write(buf)
	return err
}

// parseHeader validates the magic number, version, codec type, message type and length.
func parseHeader(buf []byte) (Header, error) {
	if buf[0] != MagicNumber || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return Header{}, framingError("invalid magic number: %x", buf[0:3])
	}
	if buf[3] != Version {
		return Header{}, framingError("unsupported version: %d", buf[3])
	}
	if buf[4] != CodecTypeJSON && buf[4] != CodecTypeBinary {
		return Header{}, framingError("unsupported codec type: %d", buf[4])
	}
	msgType := MsgType(buf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return Header{}, framingError("unsupported message type: %d", buf[5])
	}
	h := Header{
		CodecType: buf[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(buf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(buf[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return Header{}, framingError("body length %d exceeds limit %d", h.BodyLen, MaxBodyLen)
	}
	return h, nil
}

// Decode reads exactly one complete frame from r, blocking until it is available.
// A stream that ends inside a frame yields a framing error.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, nil, framingError("truncated header")
		}
		return nil, nil, err
	}

	h, err := parseHeader(headerBuf)
	if err != nil {
		return nil, nil, err
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil, framingError("truncated body: want %d bytes", h.BodyLen)
		}
		return nil, nil, err
	}
	return &h, body, nil
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// It is not safe for concurrent use; each connection owns one and only touches it from its queue.
type Decoder struct {
	buf    []byte
	header *Header // parsed header of the frame currently being assembled
	broken error
}

// Feed consumes newly arrived bytes and returns every frame completed by them, in arrival order.
// Incomplete trailing bytes are retained for the next call. Once a framing error is returned the
// decoder is unusable: the frame boundaries of the rest of the stream are unknown.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if d.broken != nil {
		return nil, d.broken
	}
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		if d.header == nil {
			if len(d.buf) < HeaderSize {
				break
			}
			h, err := parseHeader(d.buf[:HeaderSize])
			if err != nil {
				d.broken = err
				d.buf = nil
				return frames, err
			}
			d.header = &h
			d.buf = d.buf[HeaderSize:]
		}
		n := int(d.header.BodyLen)
		if len(d.buf) < n {
			break
		}
		body := make([]byte, n)
		copy(body, d.buf[:n])
		frames = append(frames, Frame{Header: *d.header, Body: body})
		d.header = nil
		d.buf = d.buf[n:]
	}

	// Compact so a long-lived connection does not pin an ever-growing backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf) {
		d.buf = append([]byte(nil), d.buf...)
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	n := len(d.buf)
	if d.header != nil {
		n += HeaderSize
	}
	return n
}

// Close marks the end of the stream. Any retained partial frame is reported as a framing error.
func (d *Decoder) Close() error {
	if d.broken != nil {
		return d.broken
	}
	if n := d.Buffered(); n > 0 {
		d.broken = framingError("stream closed inside a frame (%d bytes buffered)", n)
		d.buf, d.header = nil, nil
		return d.broken
	}
	return nil
}

// Package wire implements the frame codec shared by all networked eventwire
// transports. A frame is the exact byte encoding of one event envelope:
//
//	[u32 length, big-endian][u64 type tag, big-endian][u8 revision][payload]
//
// The length prefix covers the type tag plus the revisioned payload, never
// itself. A frame is either fully decodable or rejected; the decoder never
// consumes bytes belonging to a following frame, so pipelined frames in one
// buffer can be drained by repeated Decode calls.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
)

// TypeID is the stable identifier of one payload schema. It is used both as
// the subscriber-registry key and as the fixed-width wire tag. The same
// schema name always yields the same TypeID, in every process and release.
type TypeID uint64

// NewTypeID derives the TypeID for a canonical schema name using FNV-1a.
func NewTypeID(schema string) TypeID {
	h := fnv.New64a()
	h.Write([]byte(schema))
	return TypeID(h.Sum64())
}

func (t TypeID) String() string {
	return fmt.Sprintf("%016x", uint64(t))
}

// Frame is one decoded wire frame. Payload holds the revisioned payload
// bytes without the revision octet; Revision carries it separately.
type Frame struct {
	Type     TypeID
	Revision uint8
	Payload  []byte
}

const (
	lengthSize   = 4
	typeTagSize  = 8
	revisionSize = 1

	// HeaderSize is the number of bytes preceding the payload.
	HeaderSize = lengthSize + typeTagSize + revisionSize

	// minFrameLength is the smallest value the length prefix may declare:
	// the type tag plus the revision octet of an empty payload.
	minFrameLength = typeTagSize + revisionSize

	// DefaultMaxFrameSize bounds the declared frame length when the decoder
	// is not configured with an explicit limit.
	DefaultMaxFrameSize = 16 << 20
)

// ErrNeedMoreData reports that the buffer holds fewer bytes than one
// complete frame. It is not a failure: the caller keeps the buffer and
// retries once more bytes arrive.
var ErrNeedMoreData = errors.New("wire: need more data")

// Sentinel causes of a DecodeError.
var (
	ErrUnknownType         = errors.New("wire: unknown event type")
	ErrUnsupportedRevision = errors.New("wire: unsupported schema revision")
	ErrFrameTooLarge       = errors.New("wire: declared frame length exceeds limit")
	ErrFrameTooShort       = errors.New("wire: declared frame length below header size")
)

// DecodeError reports a malformed or unacceptable frame. Connections treat
// it as fatal for the affected stream only.
type DecodeError struct {
	Type     TypeID
	Revision uint8
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode frame type %s rev %d: %v", e.Type, e.Revision, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a frame decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// TypeTable lets the decoder reject frames the receiving process cannot
// interpret. The sealed subscriber registry implements it.
type TypeTable interface {
	// SupportsType reports whether the type tag is known to the receiver.
	SupportsType(id TypeID) bool
	// SupportsRevision reports whether the schema revision can be decoded.
	SupportsRevision(id TypeID, revision uint8) bool
}

// Append encodes f and appends the frame bytes to dst, returning the
// extended slice.
func Append(dst []byte, f Frame) []byte {
	length := uint32(typeTagSize + revisionSize + len(f.Payload))
	dst = binary.BigEndian.AppendUint32(dst, length)
	dst = binary.BigEndian.AppendUint64(dst, uint64(f.Type))
	dst = append(dst, f.Revision)
	dst = append(dst, f.Payload...)
	return dst
}

// Encode returns the exact wire bytes for f.
func Encode(f Frame) []byte {
	return Append(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// Decoder extracts frames from byte buffers. The zero value decodes with
// DefaultMaxFrameSize and no type checking.
type Decoder struct {
	// Types optionally validates type tags and revisions. When nil, every
	// well-formed frame is accepted.
	Types TypeTable

	// MaxFrameSize bounds the declared length of a single frame. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize uint32
}

// Decode attempts to extract exactly one frame from the front of buf. On
// success it returns the frame and the number of bytes consumed. When buf
// holds less than one complete frame it returns ErrNeedMoreData and
// consumes nothing. A *DecodeError means the stream is corrupt or carries a
// frame this process cannot interpret; no bytes are consumed and the
// connection owning the buffer must be torn down.
//
// The returned frame's payload is copied out of buf, so the caller may
// reuse the buffer immediately.
func (d *Decoder) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < lengthSize {
		return Frame{}, 0, ErrNeedMoreData
	}

	length := binary.BigEndian.Uint32(buf)
	if length < minFrameLength {
		return Frame{}, 0, &DecodeError{Err: fmt.Errorf("%w: %d", ErrFrameTooShort, length)}
	}
	if max := d.maxFrameSize(); length > max {
		return Frame{}, 0, &DecodeError{Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, max)}
	}

	total := lengthSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	id := TypeID(binary.BigEndian.Uint64(buf[lengthSize:]))
	revision := buf[lengthSize+typeTagSize]

	if d.Types != nil {
		if !d.Types.SupportsType(id) {
			return Frame{}, 0, &DecodeError{Type: id, Revision: revision, Err: ErrUnknownType}
		}
		if !d.Types.SupportsRevision(id, revision) {
			return Frame{}, 0, &DecodeError{Type: id, Revision: revision, Err: ErrUnsupportedRevision}
		}
	}

	payload := make([]byte, int(length)-minFrameLength)
	copy(payload, buf[HeaderSize:total])

	return Frame{Type: id, Revision: revision, Payload: payload}, total, nil
}

// DecodeAll drains every complete frame from buf and returns the frames
// together with the total bytes consumed. It stops at the first incomplete
// frame (no error) or decode failure (frames decoded so far are returned
// alongside the error).
func (d *Decoder) DecodeAll(buf []byte) ([]Frame, int, error) {
	var (
		frames   []Frame
		consumed int
	)
	for {
		f, n, err := d.Decode(buf[consumed:])
		if errors.Is(err, ErrNeedMoreData) {
			return frames, consumed, nil
		}
		if err != nil {
			return frames, consumed, err
		}
		frames = append(frames, f)
		consumed += n
	}
}

func (d *Decoder) maxFrameSize() uint32 {
	if d.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return d.MaxFrameSize
}

package nativemsg

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/dropbox/nativebridge/errors"
)

const (
	headerSize = 4

	// Default upper bound on a single frame's payload.
	DefaultMaxMessageSize = 64 << 20
)

var ErrMessageTooLarge = errors.NewKind(errors.Transport, "message too large")

// Reads one frame: a 4-byte length in native byte order followed by that many
// bytes. Frames above DefaultMaxMessageSize are rejected.
func ReadMessage(r io.Reader) ([]byte, error) {
	return ReadMessageLimit(r, DefaultMaxMessageSize)
}

// Same as ReadMessage with an explicit payload limit. A non-positive limit
// means DefaultMaxMessageSize. io.EOF is returned as is when r ends cleanly
// between frames.
func ReadMessageLimit(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.WrapKind(err, errors.Transport, "short frame header")
	}

	size := binary.NativeEndian.Uint32(header[:])
	if uint64(size) > uint64(limit) {
		return nil, errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes exceeds %d", size, limit)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, errors.WrapKindf(err, errors.Transport, "short frame body (%d bytes)", size)
	}
	return msg, nil
}

// Writes msg as one frame. Header and payload go out in a single Write so
// callers serializing writes with a lock never interleave frames.
func WriteMessage(w io.Writer, msg []byte) error {
	if uint64(len(msg)) > math.MaxUint32 {
		return errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes", len(msg))
	}

	buf := make([]byte, headerSize+len(msg))
	binary.NativeEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[headerSize:], msg)

	n, err := w.Write(buf)
	if err != nil {
		return errors.WrapKind(err, errors.Transport, "frame write failed")
	}
	if n != len(buf) {
		return errors.NewKindf(errors.Transport, "short write: %d of %d bytes", n, len(buf))
	}
	return nil
}

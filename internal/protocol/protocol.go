package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the little-endian length prefix.
	HeaderSize = 4
	// MinFrameSize is a header with an empty payload.
	MinFrameSize = HeaderSize
	// MaxFrameSize bounds the total frame, header included.
	MaxFrameSize = 512
	// MaxPayloadSize is the largest payload that fits in a frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

var (
	ErrShortHeader   = errors.New("frame header too short")
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrSizeMismatch  = errors.New("frame size does not match header")
)

// DecodeHeader reads the declared frame size from the first 4 bytes of b
// (little-endian, signed) and checks it against [MinFrameSize, MaxFrameSize].
// The returned size includes the header.
func DecodeHeader(b []byte) (int32, error) {
	if len(b) < HeaderSize {
		return 0, ErrShortHeader
	}

	size := int32(binary.LittleEndian.Uint32(b[:HeaderSize]))
	if err := ValidateSize(size); err != nil {
		return 0, err
	}
	return size, nil
}

// ValidateSize reports whether size is an acceptable total frame size.
func ValidateSize(size int32) error {
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, MaxFrameSize)
	}
	if size < MinFrameSize {
		return fmt.Errorf("%w: %d < %d", ErrFrameTooSmall, size, MinFrameSize)
	}
	return nil
}

// Encode prefixes payload with its total frame size and returns one
// contiguous buffer ready to be written to a socket.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d exceeds %d bytes", ErrFrameTooLarge, len(payload), MaxPayloadSize)
	}

	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[:HeaderSize], uint32(len(out)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decode validates a complete frame and returns its payload.
// The payload slice references frame - do not modify it.
func Decode(frame []byte) ([]byte, error) {
	size, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if int(size) != len(frame) {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrSizeMismatch, size, len(frame))
	}
	return frame[HeaderSize:], nil
}

// IsViolation reports whether err means the peer broke the framing rules.
func IsViolation(err error) bool {
	return errors.Is(err, ErrShortHeader) ||
		errors.Is(err, ErrFrameTooSmall) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrSizeMismatch)
}

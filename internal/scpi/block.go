package scpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// ElementWidth is the size in bytes of one element inside a binary block.
type ElementWidth int

const (
	// Int16 elements carry analog, logic and alarm channel data.
	Int16 ElementWidth = 2
	// Uint32 elements carry pulse channel data.
	Uint32 ElementWidth = 4
	// Float64 elements carry computed waveform data.
	Float64 ElementWidth = 8
)

func (w ElementWidth) String() string {
	switch w {
	case Int16:
		return "int16"
	case Uint32:
		return "uint32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("width(%d)", int(w))
	}
}

func (w ElementWidth) valid() bool {
	return w == Int16 || w == Uint32 || w == Float64
}

const blockMarker = '#'

// Block elements are transmitted most significant byte first.
var byteOrder = binary.BigEndian

// ParseBlock extracts the payload of a definite-length block at the start
// of data and returns it together with any trailing bytes.
func ParseBlock(data []byte) (payload, rest []byte, err error) {
	if len(data) == 0 || data[0] != blockMarker {
		return nil, nil, NewFramingError("block marker %q is missing", blockMarker)
	}

	if len(data) < 2 {
		return nil, nil, NewFramingError("block header is truncated")
	}

	digits, err := lengthDigits(data[1])
	if err != nil {
		return nil, nil, err
	}

	if len(data) < 2+digits {
		return nil, nil, NewFramingError("block length field is truncated: want %d digits", digits)
	}

	size, err := parseLength(data[2 : 2+digits])
	if err != nil {
		return nil, nil, err
	}

	body := data[2+digits:]
	if len(body) < size {
		return nil, nil, NewFramingError("block declares %d bytes, only %d available", size, len(body))
	}

	return body[:size], body[size:], nil
}

// ReadBlock reads one definite-length block from r and returns its payload.
func ReadBlock(r io.Reader) ([]byte, error) {
	var head [2]byte

	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return nil, err
	}

	if head[0] != blockMarker {
		return nil, NewFramingError("block marker %q is missing, got %q", blockMarker, head[0])
	}

	if _, err := io.ReadFull(r, head[1:]); err != nil {
		return nil, shortRead(err, "block header")
	}

	digits, err := lengthDigits(head[1])
	if err != nil {
		return nil, err
	}

	field := make([]byte, digits)
	if _, err = io.ReadFull(r, field); err != nil {
		return nil, shortRead(err, "block length field")
	}

	size, err := parseLength(field)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, size)
	if n, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, NewFramingError("block declares %d bytes, only %d available", size, n)
		}

		return nil, err
	}

	return payload, nil
}

// DecodeBlock parses a complete block and interprets its payload as
// elements of the given width.
func DecodeBlock(data []byte, width ElementWidth) ([]float64, error) {
	payload, _, err := ParseBlock(data)
	if err != nil {
		return nil, err
	}

	return DecodeElements(payload, width)
}

// DecodeElements interprets a block payload as a sequence of elements.
func DecodeElements(payload []byte, width ElementWidth) ([]float64, error) {
	if !width.valid() {
		return nil, fmt.Errorf("unsupported element width %d", width)
	}

	if len(payload)%int(width) != 0 {
		return nil, NewFramingError("payload of %d bytes is not a multiple of %s", len(payload), width)
	}

	values := make([]float64, 0, len(payload)/int(width))

	for p := payload; len(p) > 0; p = p[width:] {
		switch width {
		case Int16:
			values = append(values, float64(int16(byteOrder.Uint16(p))))
		case Uint32:
			values = append(values, float64(byteOrder.Uint32(p)))
		case Float64:
			values = append(values, math.Float64frombits(byteOrder.Uint64(p)))
		}
	}

	return values, nil
}

// EncodeBlock builds a definite-length block from values. Values must be
// representable exactly in the chosen element width.
func EncodeBlock(values []float64, width ElementWidth) ([]byte, error) {
	if !width.valid() {
		return nil, fmt.Errorf("unsupported element width %d", width)
	}

	payload := make([]byte, len(values)*int(width))

	for i, v := range values {
		p := payload[i*int(width):]

		switch width {
		case Int16:
			if v != math.Trunc(v) || v < math.MinInt16 || v > math.MaxInt16 {
				return nil, fmt.Errorf("value %v at %d does not fit %s", v, i, width)
			}
			byteOrder.PutUint16(p, uint16(int16(v)))
		case Uint32:
			if v != math.Trunc(v) || v < 0 || v > math.MaxUint32 {
				return nil, fmt.Errorf("value %v at %d does not fit %s", v, i, width)
			}
			byteOrder.PutUint32(p, uint32(v))
		case Float64:
			byteOrder.PutUint64(p, math.Float64bits(v))
		}
	}

	size := strconv.Itoa(len(payload))
	if len(size) > 9 {
		return nil, fmt.Errorf("payload of %d bytes is too large for a block", len(payload))
	}

	var b bytes.Buffer

	b.Grow(2 + len(size) + len(payload))
	b.WriteByte(blockMarker)
	b.WriteByte(byte('0' + len(size)))
	b.WriteString(size)
	b.Write(payload)

	return b.Bytes(), nil
}

func lengthDigits(c byte) (int, error) {
	if c < '0' || c > '9' {
		return 0, NewFramingError("block length digit %q is not a digit", c)
	}

	if c == '0' {
		return 0, NewFramingError("indefinite-length blocks are not supported")
	}

	return int(c - '0'), nil
}

func parseLength(field []byte) (int, error) {
	size, err := strconv.Atoi(string(field))
	if err != nil || size < 0 {
		return 0, NewFramingError("block length %q is not a decimal count", field)
	}

	return size, nil
}

func shortRead(err error, what string) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return NewFramingError("%s is truncated", what)
	}

	return err
}

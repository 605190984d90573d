package dth

import "encoding/binary"

// ReadLE returns the unsigned little-endian integer held in the first width
// bytes of b.
func ReadLE(b []byte, width int) (uint64, error) {
	if !validWidth(width) {
		return 0, ErrInvalidWidth
	}
	if len(b) < width {
		e := newDecodeError(ErrOutOfBounds, 0)
		e.Need, e.Have = width, len(b)
		return 0, e
	}
	switch width {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

// PutLE writes v into the first width bytes of b, least significant byte
// first. Bits of v that do not fit are dropped.
func PutLE(b []byte, width int, v uint64) error {
	if !validWidth(width) {
		return ErrInvalidWidth
	}
	if len(b) < width {
		e := newDecodeError(ErrOutOfBounds, 0)
		e.Need, e.Have = width, len(b)
		return e
	}
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}

func validWidth(width int) bool {
	return width == 1 || width == 2 || width == 4 || width == 8
}

// readField reads f from the record that starts at base in buf and reports
// out-of-bounds reads at their absolute offset.
func readField(buf []byte, base int, f field) (uint64, error) {
	off := base + f.Offset
	var window []byte
	if off >= 0 && off <= len(buf) {
		window = buf[off:]
	}
	v, err := ReadLE(window, f.Width)
	if de, ok := err.(*DecodeError); ok {
		de.Offset = off
		de.Field = f.Name
	}
	return v, err
}

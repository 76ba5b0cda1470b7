// Package leb128 encodes and decodes the variable-length integers used
// throughout Mach-O bind/rebase opcode streams and export tries.
package leb128

import "github.com/pkg/errors"

// ErrTruncated is returned when a leb128 sequence runs off the end of
// its buffer before a terminating byte is found.
var ErrTruncated = errors.New("leb128: truncated sequence")

// GetUleb128 decodes an unsigned leb128 value from b starting at off,
// returning the value and the offset of the first byte past it.
func GetUleb128(b []byte, off int) (uint64, int, error) {
	var result uint64
	var shift uint
	for {
		if off >= len(b) {
			return 0, off, ErrTruncated
		}
		byt := b[off]
		off++
		result |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			return 0, off, errors.New("leb128: uleb128 too long")
		}
	}
	return result, off, nil
}

// GetSleb128 decodes a signed leb128 value from b starting at off.
func GetSleb128(b []byte, off int) (int64, int, error) {
	var result int64
	var shift uint
	var byt byte
	for {
		if off >= len(b) {
			return 0, off, ErrTruncated
		}
		byt = b[off]
		off++
		result |= int64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, off, errors.New("leb128: sleb128 too long")
		}
	}
	if shift < 64 && byt&0x40 != 0 {
		result |= -1 << shift
	}
	return result, off, nil
}

// PutUleb128 appends the uleb128 encoding of v to b and returns the
// extended slice.
func PutUleb128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// PutSleb128 appends the sleb128 encoding of v to b and returns the
// extended slice.
func PutSleb128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		signBitSet := c&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			b = append(b, c)
			return b
		}
		b = append(b, c|0x80)
	}
}

package websocket

import "unicode/utf8"

// utf8Validator checks a byte stream for UTF-8 validity across arbitrary
// split points. A multi-byte sequence cut by a fragment boundary is carried
// (at most 3 bytes) into the next push call. RFC 6455, section 8.1.
type utf8Validator struct {
	partial [utf8.UTFMax]byte
	n       int
}

func (v *utf8Validator) reset() {
	v.n = 0
}

// push validates the next fragment. It returns false as soon as a complete
// rune is invalid; trailing bytes that may still form a valid rune are
// stashed for the next call.
func (v *utf8Validator) push(p []byte) bool {
	if v.n > 0 {
		want := runeLen(v.partial[0])
		for v.n < want && len(p) > 0 {
			v.partial[v.n] = p[0]
			v.n++
			p = p[1:]
		}
		if v.n < want {
			return true // still incomplete, wait for more
		}
		r, size := utf8.DecodeRune(v.partial[:want])
		if r == utf8.RuneError && size <= 1 {
			return false
		}
		v.n = 0
	}

	i := 0
	for i < len(p) {
		if p[i] < utf8.RuneSelf {
			i++
			continue
		}
		want := runeLen(p[i])
		if want < 0 {
			return false
		}
		if i+want > len(p) {
			v.n = copy(v.partial[:], p[i:])
			return true
		}
		r, size := utf8.DecodeRune(p[i : i+want])
		if r == utf8.RuneError && size <= 1 {
			return false
		}
		i += want
	}
	return true
}

// finish reports whether the stream ended on a rune boundary.
func (v *utf8Validator) finish() bool {
	ok := v.n == 0
	v.n = 0
	return ok
}

// runeLen returns the encoded length a UTF-8 sequence must have, judged by
// its lead byte, or -1 for a byte that cannot start a sequence.
func runeLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b&0xe0 == 0xc0:
		return 2
	case b&0xf0 == 0xe0:
		return 3
	case b&0xf8 == 0xf0:
		return 4
	default:
		return -1
	}
}

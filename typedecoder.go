package ipasim

// TypeDecoder walks an Objective-C method type encoding string one
// type at a time, reporting each type's marshaled size in bytes. Every
// scalar type this core's ARM32 target uses fits in one four-byte
// word; a struct's size is the sum of its field sizes; a pointer's
// size is four bytes regardless of what it points to, but its pointee
// still has to be parsed (and discarded) to advance past it correctly.
type TypeDecoder struct {
	s string
	i int
}

// NewTypeDecoder starts a decode of encoding, whose first type is
// conventionally the method's return type.
func NewTypeDecoder(encoding string) *TypeDecoder {
	return &TypeDecoder{s: encoding}
}

// HasNext reports whether another type remains to be decoded.
func (d *TypeDecoder) HasNext() bool {
	d.skipDigits()
	return d.i < len(d.s)
}

// Next decodes and returns the size, in bytes, of the next type in the
// encoding.
func (d *TypeDecoder) Next() (uint32, error) {
	d.skipDigits()
	if d.i >= len(d.s) {
		return 0, newErr(ErrUnsupportedTypeEncoding, "unexpected end of encoding %q", d.s)
	}
	c := d.s[d.i]
	switch c {
	case 'v':
		d.i++
		return 0, nil
	case 'c', 'C', 'i', 'I', 's', 'S', 'l', 'L', 'q', 'Q', 'f', 'd', 'B', '@', '#', ':', '*':
		d.i++
		return 4, nil
	case '^':
		d.i++
		if err := d.skipOne(); err != nil {
			return 0, err
		}
		return 4, nil
	case '{':
		return d.decodeStruct()
	default:
		return 0, newErr(ErrUnsupportedTypeEncoding, "unsupported type code %q in %q", string(c), d.s)
	}
}

// decodeStruct consumes "{name=field field ...}" and returns the sum
// of its fields' sizes.
func (d *TypeDecoder) decodeStruct() (uint32, error) {
	d.i++ // consume '{'
	for d.i < len(d.s) && d.s[d.i] != '=' {
		d.i++
	}
	if d.i >= len(d.s) {
		return 0, newErr(ErrUnsupportedTypeEncoding, "unterminated struct name in %q", d.s)
	}
	d.i++ // consume '='

	var total uint32
	for d.i < len(d.s) && d.s[d.i] != '}' {
		sz, err := d.Next()
		if err != nil {
			return 0, err
		}
		total += sz
	}
	if d.i >= len(d.s) {
		return 0, newErr(ErrUnsupportedTypeEncoding, "unterminated struct in %q", d.s)
	}
	d.i++ // consume '}'
	return total, nil
}

// skipOne discards one type without reporting its size, used to
// advance past a pointer's pointee.
func (d *TypeDecoder) skipOne() error {
	d.skipDigits()
	if d.i >= len(d.s) {
		return newErr(ErrUnsupportedTypeEncoding, "unexpected end of encoding %q", d.s)
	}
	switch d.s[d.i] {
	case '^':
		d.i++
		return d.skipOne()
	case '{':
		_, err := d.decodeStruct()
		return err
	default:
		d.i++
		return nil
	}
}

// skipDigits skips a run of ASCII digits: the byte-offset annotations
// a full method type encoding carries after the argument-frame types,
// which carry no size information of their own.
func (d *TypeDecoder) skipDigits() {
	for d.i < len(d.s) && d.s[d.i] >= '0' && d.s[d.i] <= '9' {
		d.i++
	}
}

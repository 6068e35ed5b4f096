package bencode

import (
	"fmt"
	"reflect"
	"strconv"
)

// Deserialize decodes buf into the value t points to. Trailing bytes are an error.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return fmt.Errorf("bencode: expected a non-nil pointer")
	}
	r := &reader{buf: buf}
	if err := r.readValue(val.Elem()); err != nil {
		return err
	}
	if !r.atEnd() {
		return newDecodeError("%d trailing bytes", len(r.buf)-r.pos)
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) atEnd() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) peek() (byte, error) {
	if r.atEnd() {
		return 0, newDecodeError("unexpected end of input at %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) expect(b byte) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != b {
		return newDecodeError("expected %q got %q at %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

func (r *reader) readDigits(allowSign bool) (string, error) {
	start := r.pos
	if allowSign && !r.atEnd() && r.buf[r.pos] == '-' {
		r.pos++
	}
	for !r.atEnd() && r.buf[r.pos] >= '0' && r.buf[r.pos] <= '9' {
		r.pos++
	}
	s := string(r.buf[start:r.pos])
	if s == "" || s == "-" {
		return "", newDecodeError("expected digits at %d", start)
	}
	if s == "-0" || (len(s) > 1 && s[0] == '0') || (len(s) > 2 && s[0] == '-' && s[1] == '0') {
		return "", newDecodeError("non-canonical number %s at %d", s, start)
	}
	return s, nil
}

func (r *reader) readInt() (int64, error) {
	if err := r.expect(numberStart); err != nil {
		return 0, err
	}
	s, err := r.readDigits(true)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, newDecodeError("bad integer %s: %s", s, err)
	}
	return n, r.expect(bencodeEnd)
}

func (r *reader) readUint() (uint64, error) {
	if err := r.expect(numberStart); err != nil {
		return 0, err
	}
	s, err := r.readDigits(false)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, newDecodeError("bad unsigned integer %s: %s", s, err)
	}
	return n, r.expect(bencodeEnd)
}

func (r *reader) readBytes() ([]byte, error) {
	s, err := r.readDigits(false)
	if err != nil {
		return nil, err
	}
	l, err := strconv.Atoi(s)
	if err != nil {
		return nil, newDecodeError("bad length %s", s)
	}
	if err := r.expect(bytesLengthSep); err != nil {
		return nil, err
	}
	if l > len(r.buf)-r.pos {
		return nil, newDecodeError("length %d exceeds remaining %d", l, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+l]
	r.pos += l
	return b, nil
}

func (r *reader) readValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		n, err := r.readUint()
		if err != nil {
			return err
		}
		if n > 1 {
			return newDecodeError("expected 0 or 1 for bool, got %d", n)
		}
		v.SetBool(n == 1)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := r.readInt()
		if err != nil {
			return err
		}
		if v.OverflowInt(n) {
			return newDecodeError("%d overflows %s", n, v.Type())
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := r.readUint()
		if err != nil {
			return err
		}
		if v.OverflowUint(n) {
			return newDecodeError("%d overflows %s", n, v.Type())
		}
		v.SetUint(n)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			if len(b) != v.Len() {
				return newDecodeError("expected %d bytes for %s, got %d", v.Len(), v.Type(), len(b))
			}
			reflect.Copy(v, reflect.ValueOf(b))
			return nil
		}
		if err := r.expect(listStart); err != nil {
			return err
		}
		for i := 0; i != v.Len(); i++ {
			if err := r.readValue(v.Index(i)); err != nil {
				return err
			}
		}
		return r.expect(bencodeEnd)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			v.SetBytes(append([]byte(nil), b...))
			return nil
		}
		if err := r.expect(listStart); err != nil {
			return err
		}
		s := reflect.MakeSlice(v.Type(), 0, 0)
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == bencodeEnd {
				break
			}
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := r.readValue(elem); err != nil {
				return err
			}
			s = reflect.Append(s, elem)
		}
		v.Set(s)
		return r.expect(bencodeEnd)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("bencode: map keys must be strings, got %s", v.Type().Key())
		}
		if err := r.expect(dictStart); err != nil {
			return err
		}
		m := reflect.MakeMap(v.Type())
		last := ""
		for i := 0; ; i++ {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == bencodeEnd {
				break
			}
			k, err := r.readBytes()
			if err != nil {
				return err
			}
			if i > 0 && string(k) <= last {
				return newDecodeError("dictionary keys out of order at %d", r.pos)
			}
			last = string(k)
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := r.readValue(elem); err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(string(k)).Convert(v.Type().Key()), elem)
		}
		v.Set(m)
		return r.expect(bencodeEnd)
	case reflect.Struct:
		return r.readStruct(v)
	case reflect.Pointer:
		p := reflect.New(v.Type().Elem())
		if err := r.readValue(p.Elem()); err != nil {
			return err
		}
		v.Set(p)
	default:
		return fmt.Errorf("bencode: unsupported kind %s", v.Kind())
	}
	return nil
}

func (r *reader) readStruct(v reflect.Value) error {
	fields, err := fieldsOf(v.Type())
	if err != nil {
		return err
	}
	if err := r.expect(dictStart); err != nil {
		return err
	}
	for _, f := range fields {
		k, err := r.readBytes()
		if err != nil {
			return err
		}
		if string(k) != f.name {
			return newDecodeError("expected key %s got %s", f.name, k)
		}
		if err := r.readValue(v.Field(f.index)); err != nil {
			return err
		}
	}
	return r.expect(bencodeEnd)
}

// This package is a small canonical bencode codec. Struct fields are mapped with `bencode:".."` tags and
// dictionaries are always written with sorted keys, so two devices that encode the same value produce the
// same bytes. That property is what content addressed ids (membership events, gossip packets) rely on.
package bencode

import (
	"fmt"
	"reflect"
	"sort"
)

const (
	numberStart    = 'i'
	dictStart      = 'd'
	listStart      = 'l'
	bencodeEnd     = 'e'
	bytesLengthSep = ':'
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return "bencode: " + e.msg
}

type field struct {
	name  string
	index int
}

// fieldsOf returns the tagged exported fields of a struct type ordered by tag.
func fieldsOf(t reflect.Type) ([]field, error) {
	fields := make([]field, 0, t.NumField())
	for i := 0; i != t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Tag.Get("bencode")
		if name == "" {
			return nil, fmt.Errorf("bencode: field %s of %s has no bencode tag", f.Name, t.Name())
		}
		if name == "-" {
			continue
		}
		fields = append(fields, field{name: name, index: i})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	return fields, nil
}

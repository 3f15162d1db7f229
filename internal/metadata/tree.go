package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Member is one key/value pair of an Object.
type Member struct {
	Key   string
	Value any
}

// Object is a decoded JSON object that keeps its members in document order.
// Values are Object, []any, string, json.Number, bool or nil.
type Object []Member

// Get returns the value of a direct member.
func (o Object) Get(key string) (any, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Decode parses a JSON document into an ordered tree.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after top-level value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		obj := Object{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected object key %v", keyTok)
			}
			val, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			obj = append(obj, Member{Key: key, Value: val})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			val, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %v", delim)
}

// Find searches obj breadth-first for the first member named key. Members of
// obj itself are checked before anything nested. Nested objects are entered,
// and so are lists whose first element is an object.
func Find(obj Object, key string) (any, bool) {
	if obj == nil {
		return nil, false
	}
	queue := []Object{obj}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, m := range cur {
			if m.Key == key {
				return m.Value, true
			}
			switch v := m.Value.(type) {
			case Object:
				queue = append(queue, v)
			case []any:
				if isObjectList(v) {
					for _, e := range v {
						if o, ok := e.(Object); ok {
							queue = append(queue, o)
						}
					}
				}
			}
		}
	}
	return nil, false
}

// FindString returns the scalar found under key rendered as text. Numbers keep
// their literal form. Objects, lists and null are treated as absent.
func FindString(obj Object, key string) (string, bool) {
	v, ok := Find(obj, key)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}

// FindObject returns the object found under key.
func FindObject(obj Object, key string) (Object, bool) {
	v, ok := Find(obj, key)
	if !ok {
		return nil, false
	}
	o, ok := v.(Object)
	return o, ok
}

// FindObjectList returns the list found under key when it is non-empty and
// starts with an object. Non-object elements are dropped.
func FindObjectList(obj Object, key string) ([]Object, bool) {
	v, ok := Find(obj, key)
	if !ok {
		return nil, false
	}
	list, ok := v.([]any)
	if !ok || !isObjectList(list) {
		return nil, false
	}
	out := make([]Object, 0, len(list))
	for _, e := range list {
		if o, ok := e.(Object); ok {
			out = append(out, o)
		}
	}
	return out, true
}

func isObjectList(list []any) bool {
	if len(list) == 0 {
		return false
	}
	_, ok := list[0].(Object)
	return ok
}

// Plain converts a tree value into maps and slices. Object member order is
// lost; numbers stay json.Number.
func Plain(v any) any {
	switch t := v.(type) {
	case Object:
		m := make(map[string]any, len(t))
		for _, member := range t {
			m[member.Key] = Plain(member.Value)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Plain(e)
		}
		return out
	}
	return v
}

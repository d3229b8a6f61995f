// Package slot converts a record to a fixed-size byte slot and back.
//
// A slot is Size bytes: a JSON object with "id" as the first key followed by
// the record fields, right-padded with Filler. A record that doesn't fit is
// rejected with ErrTooLarge: a truncated slot can't be decoded.
package slot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// Size is the size of a slot in bytes
	Size = 512
	// Filler pads unused part of a slot
	Filler = ' '
	// IDKey is the name of the identifier field in an encoded slot
	IDKey = "id"
)

var (
	ErrTooLarge  = errors.New("record too large for slot")
	ErrNotObject = errors.New("record doesn't encode to a JSON object")
	ErrIDField   = errors.New("record fields can't contain 'id'")
	ErrBadSlot   = errors.New("invalid slot")
)

// Record is a stored value together with its identifier
type Record[T any] struct {
	ID   string
	Data T
}

// Encode serializes v with identifier id into a slot of exactly Size bytes
func Encode[T any](id string, v T) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrBadSlot)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, ErrNotObject
	}
	// json decoding into structs matches keys case-insensitively so
	// "ID" or "Id" would collide with our "id" on decode
	var fields map[string]json.RawMessage
	if err = json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	for k := range fields {
		if strings.EqualFold(k, IDKey) {
			return nil, ErrIDField
		}
	}

	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(Size)
	buf.WriteString(`{"` + IDKey + `":`)
	buf.Write(idJSON)
	rest := body[1:] // everything after '{'
	if len(fields) > 0 {
		buf.WriteByte(',')
	} else {
		rest = []byte{'}'}
	}
	buf.Write(rest)

	n := buf.Len()
	if n > Size {
		return nil, fmt.Errorf("%w: %d bytes, max is %d", ErrTooLarge, n, Size)
	}
	res := make([]byte, Size)
	copy(res, buf.Bytes())
	for i := n; i < Size; i++ {
		res[i] = Filler
	}
	return res, nil
}

func trimFiller(b []byte) []byte {
	return bytes.TrimRight(b, string([]byte{Filler}))
}

func parse(b []byte) (string, map[string]json.RawMessage, error) {
	b = trimFiller(b)
	if len(b) == 0 {
		return "", nil, fmt.Errorf("%w: empty", ErrBadSlot)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrBadSlot, err)
	}
	raw, ok := fields[IDKey]
	if !ok {
		return "", nil, fmt.Errorf("%w: missing id", ErrBadSlot)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", nil, fmt.Errorf("%w: invalid id %s", ErrBadSlot, string(raw))
	}
	delete(fields, IDKey)
	return id, fields, nil
}

// ID returns the identifier stored in a slot
func ID(b []byte) (string, error) {
	id, _, err := parse(b)
	return id, err
}

// Decode is the inverse of Encode
func Decode[T any](b []byte) (Record[T], error) {
	var res Record[T]
	id, fields, err := parse(b)
	if err != nil {
		return res, err
	}
	// re-marshal without id so that map-typed T doesn't see it
	d, err := json.Marshal(fields)
	if err != nil {
		return res, err
	}
	if err = json.Unmarshal(d, &res.Data); err != nil {
		return res, fmt.Errorf("%w: %w", ErrBadSlot, err)
	}
	res.ID = id
	return res, nil
}

// RawFields returns record fields of a slot (without id) as undecoded JSON
func RawFields(b []byte) (map[string]json.RawMessage, error) {
	_, raw, err := parse(b)
	return raw, err
}

// Fields returns record fields of a slot (without id) as generic JSON values.
// Numbers are json.Number in canonical form, see Normalize.
func Fields(b []byte) (map[string]any, error) {
	_, raw, err := parse(b)
	if err != nil {
		return nil, err
	}
	res := make(map[string]any, len(raw))
	for k, v := range raw {
		val, err := decodeGeneric(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSlot, err)
		}
		res[k] = val
	}
	return res, nil
}

// Normalize converts v to the generic form of decoded JSON (json.Number,
// string, bool, nil, []any, map[string]any) so it can be compared with
// values returned by Fields. Numbers keep full precision: int64(1<<53+1)
// and float64(1<<53) are different values. Integral numbers are written
// without fraction or exponent so 25, 25.0 and 2.5e1 are the same value.
func Normalize(v any) (any, error) {
	d, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeGeneric(d)
}

func decodeGeneric(d []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(d))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return canonical(v), nil
}

func canonical(v any) any {
	switch v := v.(type) {
	case json.Number:
		return canonicalNumber(v)
	case []any:
		for i, el := range v {
			v[i] = canonical(el)
		}
	case map[string]any:
		for k, el := range v {
			v[k] = canonical(el)
		}
	}
	return v
}

func canonicalNumber(n json.Number) json.Number {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			return "0"
		}
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return n
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

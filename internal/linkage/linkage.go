// Package linkage normalizes the legacy transactions.square_ids column.
// Historical rows hold the link in several shapes: a JSON array, a JSON
// array that was itself encoded as a JSON string, a comma separated
// list or a single bare identifier.  Parse is the only place those
// shapes are understood; everything downstream works with the typed
// Result.
package linkage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedLinkage is reported when a non-empty value cannot be read
// under any tolerated encoding.  Callers treat it as an absent link.
var ErrMalformedLinkage = errors.New("malformed square linkage")

// Encoding names the shape a value was stored in.
type Encoding string

const (
	EncodingNone       Encoding = "none"
	EncodingList       Encoding = "list"
	EncodingJSONString Encoding = "json_string"
	EncodingCSV        Encoding = "csv"
	EncodingScalar     Encoding = "scalar"
)

// maxNesting bounds how many times a JSON string may wrap another.
const maxNesting = 3

// Result is the outcome of Parse.  When Err is non-nil the value was
// malformed and IDs is empty.
type Result struct {
	IDs      []string
	Encoding Encoding
	Err      error
}

// Present reports whether the value yielded at least one identifier.
func (r Result) Present() bool { return r.Err == nil && len(r.IDs) > 0 }

// Malformed reports whether the value could not be parsed.
func (r Result) Malformed() bool { return r.Err != nil }

// Parse normalizes a stored square_ids value.  A nil pointer, an empty
// string, "null" and "[]" all yield an absent result.
func Parse(raw *string) Result {
	if raw == nil {
		return Result{Encoding: EncodingNone}
	}
	return parse(*raw, 0)
}

// ParseString is Parse for a plain string value.
func ParseString(raw string) Result { return parse(raw, 0) }

func parse(raw string, depth int) Result {
	s := strings.TrimSpace(raw)
	if s == "" || s == "null" {
		return Result{Encoding: EncodingNone}
	}
	switch s[0] {
	case '[':
		ids, err := decodeList(s)
		if err != nil {
			return malformed(err)
		}
		enc := EncodingList
		if depth > 0 {
			enc = EncodingJSONString
		}
		return Result{IDs: ids, Encoding: enc}
	case '"':
		if depth >= maxNesting {
			return malformed(fmt.Errorf("string nested deeper than %d levels", maxNesting))
		}
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			if strings.Contains(s, ",") {
				break // "a","b" is a quoted comma separated list
			}
			return malformed(err)
		}
		res := parse(inner, depth+1)
		if res.Err == nil && res.Encoding != EncodingNone {
			res.Encoding = EncodingJSONString
		}
		return res
	case '{':
		return malformed(errors.New("object is not a square list"))
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		ids := make([]string, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, strings.Trim(strings.TrimSpace(p), `"'`))
		}
		ids = clean(ids)
		if len(ids) == 0 {
			return Result{Encoding: EncodingNone}
		}
		return Result{IDs: ids, Encoding: EncodingCSV}
	}
	if strings.ContainsAny(s, "[]{}") {
		return malformed(fmt.Errorf("unexpected characters in %q", s))
	}
	return Result{IDs: []string{strings.Trim(s, `'`)}, Encoding: EncodingScalar}
}

func decodeList(s string) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after list")
	}
	ids := make([]string, 0, len(items))
	for i, it := range items {
		switch v := it.(type) {
		case string:
			ids = append(ids, strings.TrimSpace(v))
		case json.Number:
			ids = append(ids, v.String())
		case nil:
			continue
		default:
			return nil, fmt.Errorf("element %d has unsupported type %T", i, it)
		}
	}
	return clean(ids), nil
}

func malformed(err error) Result {
	return Result{Encoding: EncodingNone, Err: fmt.Errorf("%w: %v", ErrMalformedLinkage, err)}
}

// clean drops empty identifiers and duplicates, preserving order.
func clean(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Encode renders identifiers in the canonical stored form, a JSON list
// without empty or duplicate entries.
func Encode(ids []string) string {
	b, _ := json.Marshal(clean(ids))
	return string(b)
}

package linkage

import (
	"errors"
	"reflect"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestParseEncodings(t *testing.T) {
	tests := []struct {
		name string
		raw  *string
		ids  []string
		enc  Encoding
	}{
		{"nil", nil, nil, EncodingNone},
		{"empty", strPtr("  "), nil, EncodingNone},
		{"null literal", strPtr("null"), nil, EncodingNone},
		{"empty list", strPtr("[]"), []string{}, EncodingList},
		{"string list", strPtr(`["a","b"]`), []string{"a", "b"}, EncodingList},
		{"numeric list", strPtr(`[1, 2, 3]`), []string{"1", "2", "3"}, EncodingList},
		{"json encoded list", strPtr(`"[\"a\",\"b\"]"`), []string{"a", "b"}, EncodingJSONString},
		{"double encoded list", strPtr(`"\"[\\\"x\\\"]\""`), []string{"x"}, EncodingJSONString},
		{"csv", strPtr("a, b ,c"), []string{"a", "b", "c"}, EncodingCSV},
		{"csv with quotes", strPtr(`"a","b"`), []string{"a", "b"}, EncodingCSV},
		{"scalar", strPtr("sq-7"), []string{"sq-7"}, EncodingScalar},
		{"json string scalar", strPtr(`"sq-7"`), []string{"sq-7"}, EncodingJSONString},
		{"duplicates dropped", strPtr(`["a","a","b",""]`), []string{"a", "b"}, EncodingList},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.raw)
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if len(tt.ids) == 0 && len(res.IDs) == 0 {
				if res.Present() {
					t.Errorf("expected absent result")
				}
			} else if !reflect.DeepEqual(res.IDs, tt.ids) {
				t.Errorf("ids = %v, want %v", res.IDs, tt.ids)
			}
			if res.Encoding != tt.enc {
				t.Errorf("encoding = %s, want %s", res.Encoding, tt.enc)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{`[1,2`, `{"a":1}`, `[{"id":"a"}]`, `[[1]]`, `"unterminated`, `a]b`} {
		res := ParseString(raw)
		if !res.Malformed() {
			t.Errorf("%q: expected malformed, got %+v", raw, res)
			continue
		}
		if !errors.Is(res.Err, ErrMalformedLinkage) {
			t.Errorf("%q: error %v does not wrap ErrMalformedLinkage", raw, res.Err)
		}
		if res.Present() {
			t.Errorf("%q: malformed result must not be present", raw)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	ids := []string{"a", "b", "7"}
	res := ParseString(Encode(ids))
	if !reflect.DeepEqual(res.IDs, ids) {
		t.Fatalf("round trip = %v, want %v", res.IDs, ids)
	}
	if got := Encode(nil); got != "[]" {
		t.Errorf("Encode(nil) = %q, want []", got)
	}
}

package bencode

import (
	"reflect"
	"testing"
)

func TestUnmarshal_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int0", "i0e", int64(0)},
		{"int-positive", "i42e", int64(42)},
		{"int-negative", "i-7e", int64(-7)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q): %v", tc.in, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Unmarshal(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestUnmarshal_Collections(t *testing.T) {
	got, err := Unmarshal([]byte("l1:ai1ee"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := []any{"a", int64(1)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	got, err = Unmarshal([]byte("d3:bar4:spam3:fooi42ee"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	wantDict := map[string]any{"bar": "spam", "foo": int64(42)}
	if !reflect.DeepEqual(got, wantDict) {
		t.Fatalf("got %#v, want %#v", got, wantDict)
	}
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	in := map[string]any{
		"announce": "http://tracker",
		"info": map[string]any{
			"name":   "ubuntu.iso",
			"length": int64(1024),
			"pieces": []any{"abc", "def"},
		},
	}

	encoded, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("round trip mismatch: got %#v, want %#v", got, in)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"leading-zero", "i042e"},
		{"negative-zero", "i-0e"},
		{"lone-minus", "i-e"},
		{"trailing-data", "i1ei2e"},
		{"negative-string-length", "-1:x"},
		{"truncated-string", "5:ab"},
		{"unterminated-list", "li1e"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tc.in)); err == nil {
				t.Fatalf("Unmarshal(%q): expected error, got nil", tc.in)
			}
		})
	}
}

package bencode

import (
	"errors"
	"reflect"
	"testing"
)

func TestUnmarshalScalars(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"i42e", int64(42)},
		{"i-7e", int64(-7)},
		{"i0e", int64(0)},
		{"4:spam", "spam"},
		{"0:", ""},
	}

	for _, tc := range cases {
		got, err := Unmarshal([]byte(tc.in))
		if err != nil {
			t.Fatalf("Unmarshal(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Unmarshal(%q) = %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestUnmarshalCompound(t *testing.T) {
	got, err := Unmarshal([]byte("d3:bar4:spam3:fooi42ee"))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"bar": "spam", "foo": int64(42)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v; want %#v", got, want)
	}

	gotList, err := Unmarshal([]byte("l4:spam4:eggse"))
	if err != nil {
		t.Fatal(err)
	}
	wantList := []any{"spam", "eggs"}
	if !reflect.DeepEqual(gotList, wantList) {
		t.Fatalf("got %#v; want %#v", gotList, wantList)
	}
}

func TestUnmarshalRejectsNonCanonicalIntegers(t *testing.T) {
	for _, in := range []string{"i03e", "i-0e", "ie", "i-e"} {
		if _, err := Unmarshal([]byte(in)); err == nil {
			t.Fatalf("Unmarshal(%q): expected error", in)
		}
	}
}

func TestUnmarshalRejectsTrailingData(t *testing.T) {
	if _, err := Unmarshal([]byte("i1ei2e")); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestMarshalDictKeyOrder(t *testing.T) {
	m := map[string]any{"z": int64(1), "a": int64(2), "m": "x"}
	got, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	want := "d1:ai2e1:m1:x1:zi1ee"
	if string(got) != want {
		t.Fatalf("Marshal = %q; want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	v := map[string]any{
		"info": map[string]any{
			"name":         "file.bin",
			"piece length": int64(16384),
			"length":       int64(32768),
		},
		"announce": "http://tracker.example/announce",
	}

	encoded, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(v, decoded) {
		t.Fatalf("round-trip mismatch: got %#v; want %#v", decoded, v)
	}
}

func TestMarshalUnsupportedType(t *testing.T) {
	_, err := Marshal(3.14)
	if err == nil {
		t.Fatalf("expected error for float64")
	}
	var typeErr *ErrUnsupportedType
	if !errors.As(err, &typeErr) {
		t.Fatalf("expected ErrUnsupportedType, got %T: %v", err, err)
	}
}

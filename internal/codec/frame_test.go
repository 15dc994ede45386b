package codec

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, tag Tag, value Value) Value {
	t.Helper()
	data, err := Encode(tag, value)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	gotTag, gotValue, ok := Decode(data)
	if !ok {
		t.Fatalf("Decode: not ok for %#v", value)
	}
	if gotTag != tag {
		t.Fatalf("tag mismatch: got %s want %s", gotTag, tag)
	}
	return gotValue
}

func TestRoundTripScalarsAndNesting(t *testing.T) {
	value := map[string]Value{
		"text": "hello",
		"n":    float64(42),
		"ok":   true,
		"nil":  nil,
		"list": []Value{float64(1), "two", false},
		"nested": map[string]Value{
			"inner": []Value{"a", "b"},
		},
	}
	got := roundTrip(t, TagHello, value)
	gotMap, ok := got.(map[string]Value)
	if !ok {
		t.Fatalf("expected map, got %T", got)
	}
	if gotMap["text"] != "hello" || gotMap["n"] != float64(42) || gotMap["ok"] != true {
		t.Fatalf("scalar mismatch: %#v", gotMap)
	}
}

func TestRoundTripByteStrings(t *testing.T) {
	sizes := []int{0, 1, 256, 10 * 1024}
	for _, n := range sizes {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i % 251)
		}
		value := map[string]Value{"blob": data}
		got := roundTrip(t, TagChunk, value)
		gotMap := got.(map[string]Value)
		gotBytes, ok := gotMap["blob"].([]byte)
		if !ok {
			t.Fatalf("size %d: expected []byte, got %T", n, gotMap["blob"])
		}
		if !bytes.Equal(gotBytes, data) {
			t.Fatalf("size %d: byte mismatch", n)
		}
	}
}

func TestRoundTripNestedByteStrings(t *testing.T) {
	value := []Value{
		map[string]Value{"a": []byte("one")},
		map[string]Value{"b": []Value{[]byte("two"), []byte("three")}},
	}
	got := roundTrip(t, TagPEX, value)
	list, ok := got.([]Value)
	if !ok || len(list) != 2 {
		t.Fatalf("unexpected shape: %#v", got)
	}
}

func TestDecodeMalformedIsAbsent(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("not json"),
		[]byte(`{"type": "HELLO"`),
		[]byte(`{"type": 5, "payload": {}}`),
	}
	for _, c := range cases {
		if _, _, ok := Decode(c); ok {
			t.Fatalf("expected decode failure for %q", c)
		}
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"type":"HELLO","payload":{}}`))
	f.Add([]byte(``))
	f.Add([]byte(`{"type":"PEX","payload":[{"__bytes__":"AAAA"}]}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic, regardless of input.
		Decode(data)
	})
}

package descriptor

import "testing"

func TestIdentity(t *testing.T) {
	d := PeerDescriptor{Host: "10.0.0.5", Port: 6001}
	if got := d.Identity(); got != "10.0.0.5:6001" {
		t.Fatalf("got %q", got)
	}
}

func TestRoundTripThroughValue(t *testing.T) {
	d := PeerDescriptor{Host: "10.0.0.5", Port: 6001, PubKey: []byte("pem-bytes")}
	got, ok := FromValue(d.ToValue())
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got.Host != d.Host || got.Port != d.Port || string(got.PubKey) != string(d.PubKey) {
		t.Fatalf("mismatch: %+v vs %+v", got, d)
	}
}

func TestFromValueRejectsMalformed(t *testing.T) {
	cases := []any{
		nil,
		"not a map",
		map[string]any{"host": "1.2.3.4"},                      // missing port
		map[string]any{"host": 5, "port": float64(1)},           // host not string
		map[string]any{"host": "h", "port": "not a number"},     // port not number
	}
	for _, c := range cases {
		if _, ok := FromValue(c); ok {
			t.Fatalf("expected rejection for %#v", c)
		}
	}
}

func TestListRoundTrip(t *testing.T) {
	in := []PeerDescriptor{
		{Host: "a", Port: 1, PubKey: []byte("k1")},
		{Host: "b", Port: 2, PubKey: []byte("k2")},
	}
	out := ListFromValue(ListToValue(in))
	if len(out) != 2 || out[0].Host != "a" || out[1].Port != 2 {
		t.Fatalf("unexpected round trip: %+v", out)
	}
}

func TestListFromValueDropsBadEntries(t *testing.T) {
	v := []any{
		map[string]any{"host": "good", "port": float64(1), "pub_key": "k"},
		"garbage",
		map[string]any{"host": "also-good", "port": float64(2), "pub_key": "k2"},
	}
	out := ListFromValue(v)
	if len(out) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(out))
	}
}

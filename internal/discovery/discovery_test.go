package discovery

import (
	"net"
	"sync"
	"testing"

	"github.com/vesperio/onionmesh/internal/codec"
	"github.com/vesperio/onionmesh/internal/descriptor"
)

type fakeNodeView struct {
	mu        sync.Mutex
	self      descriptor.PeerDescriptor
	validated []descriptor.PeerDescriptor
	verdict   string
}

func (f *fakeNodeView) ValidatePeer(desc descriptor.PeerDescriptor) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, desc)
	return f.verdict
}
func (f *fakeNodeView) PeersSnapshot() []descriptor.PeerDescriptor { return nil }
func (f *fakeNodeView) SelfDescriptor() descriptor.PeerDescriptor  { return f.self }

func newTestService(t *testing.T, node NodeView) *Service {
	t.Helper()
	s, err := NewService(node, nil)
	if err != nil {
		t.Skipf("broadcast socket unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandleDatagramHelloValidated(t *testing.T) {
	fv := &fakeNodeView{verdict: "new", self: descriptor.PeerDescriptor{Host: "me", Port: 6000}}
	s := newTestService(t, fv)

	desc := descriptor.PeerDescriptor{Host: "127.0.0.1", Port: 6001, PubKey: []byte("K")}
	body, err := codec.Encode(codec.TagHello, desc.ToValue())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s.handleDatagram(body, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6001})

	fv.mu.Lock()
	defer fv.mu.Unlock()
	if len(fv.validated) != 1 || fv.validated[0].Identity() != desc.Identity() {
		t.Fatalf("expected validation call for %v, got %v", desc, fv.validated)
	}
}

func TestHandleDatagramPEXValidatesEachEntry(t *testing.T) {
	fv := &fakeNodeView{verdict: "known", self: descriptor.PeerDescriptor{Host: "me", Port: 6000}}
	s := newTestService(t, fv)

	list := []descriptor.PeerDescriptor{
		{Host: "a", Port: 1, PubKey: []byte("k1")},
		{Host: "b", Port: 2, PubKey: []byte("k2")},
	}
	body, err := codec.Encode(codec.TagPEX, descriptor.ListToValue(list))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s.handleDatagram(body, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})

	fv.mu.Lock()
	defer fv.mu.Unlock()
	if len(fv.validated) != 2 {
		t.Fatalf("expected 2 validation calls, got %d", len(fv.validated))
	}
}

func TestHandleDatagramMalformedIsDropped(t *testing.T) {
	fv := &fakeNodeView{verdict: "new"}
	s := newTestService(t, fv)

	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("not json"),
		[]byte(`{"type":"HELLO","payload":"not a descriptor"}`),
		[]byte(`{"type":"UNKNOWN_TAG","payload":{}}`),
	}
	src := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	for _, c := range cases {
		s.handleDatagram(c, src) // must not panic
	}

	fv.mu.Lock()
	defer fv.mu.Unlock()
	if len(fv.validated) != 0 {
		t.Fatalf("expected no validation calls from malformed input, got %d", len(fv.validated))
	}
}

func TestHelloNonNewVerdictHandled(t *testing.T) {
	for _, verdict := range []string{"known", "rejected"} {
		fv := &fakeNodeView{verdict: verdict, self: descriptor.PeerDescriptor{Host: "me", Port: 6000}}
		s := newTestService(t, fv)
		desc := descriptor.PeerDescriptor{Host: "127.0.0.1", Port: 6002}
		body, _ := codec.Encode(codec.TagHello, desc.ToValue())
		// handleDatagram should not error or panic regardless of whether a
		// reply is attempted; this just exercises the non-"new" branch.
		s.handleDatagram(body, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6002})
	}
}

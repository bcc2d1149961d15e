package addrutil

import (
	"context"
	"net/netip"
	"testing"
)

func TestPeerAddr_DefaultPort(t *testing.T) {
	t.Parallel()

	got, err := PeerAddr(context.Background(), "192.168.49.1", 8888)
	if err != nil {
		t.Fatal(err)
	}
	if got != netip.MustParseAddrPort("192.168.49.1:8888") {
		t.Fatalf("addr=%v", got)
	}
}

func TestPeerAddr_ExplicitPortWins(t *testing.T) {
	t.Parallel()

	got, err := PeerAddr(context.Background(), "39.119.108.243:51900", 8888)
	if err != nil {
		t.Fatal(err)
	}
	if got != netip.MustParseAddrPort("39.119.108.243:51900") {
		t.Fatalf("addr=%v", got)
	}
}

func TestPeerAddr_IPv6(t *testing.T) {
	t.Parallel()

	got, err := PeerAddr(context.Background(), "2001:db8::1", 8888)
	if err != nil {
		t.Fatal(err)
	}
	if got != netip.MustParseAddrPort("[2001:db8::1]:8888") {
		t.Fatalf("addr=%v", got)
	}

	got, err = PeerAddr(context.Background(), "[2001:db8::1]:9000", 8888)
	if err != nil {
		t.Fatal(err)
	}
	if got != netip.MustParseAddrPort("[2001:db8::1]:9000") {
		t.Fatalf("addr=%v", got)
	}
}

func TestPeerAddr_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "  ", "10.0.0.1:abc", "10.0.0.1:70000"} {
		if _, err := PeerAddr(context.Background(), in, 8888); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

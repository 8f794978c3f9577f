package wasm

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/basket/crpc/internal/shared"
)

func guardResolving(addrs ...string) *Guard {
	g := NewGuard()
	g.resolve = func(ctx context.Context, host string) ([]netip.Addr, error) {
		out := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.MustParseAddr(a))
		}
		return out, nil
	}
	g.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		panic("dial must not be reached in CheckURL tests")
	}
	return g
}

func TestBlockedAddr(t *testing.T) {
	cases := []struct {
		addr    string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.8", true},
		{"172.16.4.4", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true}, // cloud metadata
		{"0.0.0.0", true},
		{"224.0.0.5", true},
		{"::1", true},
		{"fe80::1", true},
		{"fc00::1", true},
		{"fd12::8", true},
		{"::ffff:127.0.0.1", true}, // mapped loopback
		{"::ffff:10.0.0.1", true},  // mapped private
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"2606:2800:220:1::1", false},
	}
	for _, tc := range cases {
		if got := blockedAddr(netip.MustParseAddr(tc.addr)); got != tc.blocked {
			t.Errorf("blockedAddr(%s) = %v, want %v", tc.addr, got, tc.blocked)
		}
	}
}

func TestCheckURLRejectsLiteralBlockedIP(t *testing.T) {
	g := guardResolving()
	cases := []string{
		"http://169.254.169.254/",
		"http://127.0.0.1:8080/x",
		"http://[::1]/",
		"http://10.1.2.3/internal",
		"http://localhost/admin",
	}
	for _, raw := range cases {
		_, _, err := g.CheckURL(context.Background(), raw)
		if !shared.IsKind(err, shared.KindForbidden) {
			t.Errorf("CheckURL(%q) kind = %v, want Forbidden", raw, shared.KindOf(err))
		}
	}
}

func TestCheckURLRejectsResolvedBlockedRange(t *testing.T) {
	// Host resolves to one public and one private address; the private
	// one poisons the whole set.
	g := guardResolving("93.184.216.34", "10.0.0.5")
	_, _, err := g.CheckURL(context.Background(), "https://rebind.example.com/")
	if !shared.IsKind(err, shared.KindForbidden) {
		t.Fatalf("kind = %v, want Forbidden", shared.KindOf(err))
	}
}

func TestCheckURLAllowsPublicHost(t *testing.T) {
	g := guardResolving("93.184.216.34")
	_, addrs, err := g.CheckURL(context.Background(), "https://example.com/page")
	if err != nil {
		t.Fatalf("CheckURL: %v", err)
	}
	if len(addrs) != 1 || addrs[0].String() != "93.184.216.34" {
		t.Fatalf("addrs = %v", addrs)
	}
}

func TestCheckURLRejectsSchemes(t *testing.T) {
	g := guardResolving("93.184.216.34")
	for _, raw := range []string{"ftp://example.com/", "file:///etc/passwd", "gopher://example.com/"} {
		if _, _, err := g.CheckURL(context.Background(), raw); err == nil {
			t.Errorf("CheckURL(%q) should fail", raw)
		}
	}
}

func TestFetchDoesNotConnectForBlockedURL(t *testing.T) {
	g := NewGuard()
	dialed := false
	g.resolve = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("192.168.0.10")}, nil
	}
	g.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed = true
		return nil, net.ErrClosed
	}
	_, _, err := g.Fetch(context.Background(), "http://internal.example.com/")
	if !shared.IsKind(err, shared.KindForbidden) {
		t.Fatalf("kind = %v, want Forbidden", shared.KindOf(err))
	}
	if dialed {
		t.Fatal("no TCP connect may happen for a blocked address")
	}
}

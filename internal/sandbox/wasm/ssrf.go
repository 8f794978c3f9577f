package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/basket/crpc/internal/shared"
)

// Fetch limits. Responses larger than the byte cap are truncated at the
// cap; the truncation is not reported to the caller. Requests exceeding
// the time cap fail with Timeout.
const (
	DefaultFetchMaxBytes = 5 << 20
	DefaultFetchTimeout  = 20 * time.Second
)

// Guard performs SSRF-safe HTTP fetches: the target hostname is resolved
// once, every resolved address is checked against the blocked ranges, the
// connection is pinned to the vetted address, and redirects are refused.
type Guard struct {
	MaxBytes int64
	Timeout  time.Duration
	// resolve and dial are swappable for tests.
	resolve func(ctx context.Context, host string) ([]netip.Addr, error)
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewGuard() *Guard {
	var d net.Dialer
	return &Guard{
		MaxBytes: DefaultFetchMaxBytes,
		Timeout:  DefaultFetchTimeout,
		resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			return addrs, err
		},
		dial: d.DialContext,
	}
}

// blockedAddr rejects loopback, private, link-local (which covers the
// 169.254.169.254 cloud metadata endpoint), unspecified, multicast, and
// the IPv6 unique-local range.
func blockedAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	// IPv6 unique-local fc00::/7.
	if ip.Is6() {
		b := ip.As16()
		if b[0]&0xfe == 0xfc {
			return true
		}
	}
	return false
}

// CheckURL validates the URL shape and resolves the host, returning the
// vetted addresses. Any blocked resolved address fails the whole fetch:
// no TCP connect happens.
func (g *Guard) CheckURL(ctx context.Context, raw string) (*url.URL, []netip.Addr, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return nil, nil, shared.E(shared.KindSchemaInvalid, "malformed url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, nil, shared.Ef(shared.KindForbidden, "scheme %q not allowed", scheme)
	}
	host := u.Hostname()
	if ip, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(ip) {
			return nil, nil, shared.Ef(shared.KindForbidden, "address %s is in a blocked range", ip)
		}
		return u, []netip.Addr{ip}, nil
	}
	if strings.EqualFold(host, "localhost") {
		return nil, nil, shared.E(shared.KindForbidden, "loopback host not allowed")
	}
	addrs, err := g.resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, nil, shared.Wrap(shared.KindDependencyUnavailable, fmt.Sprintf("resolve %s", host), err)
	}
	for _, a := range addrs {
		if blockedAddr(a) {
			return nil, nil, shared.Ef(shared.KindForbidden, "host %s resolves into a blocked range", host)
		}
	}
	return u, addrs, nil
}

// Fetch performs a GET pinned to the first vetted address. The response
// body is capped at MaxBytes.
func (g *Guard) Fetch(ctx context.Context, raw string) (int, []byte, error) {
	u, addrs, err := g.CheckURL(ctx, raw)
	if err != nil {
		return 0, nil, err
	}
	pinned := addrs[0]

	port := u.Port()
	if port == "" {
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}
	transport := &http.Transport{
		// Pin to the address vetted above; the resolver is never
		// consulted again, so a DNS flip between check and connect
		// cannot reach a blocked range.
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return g.dial(ctx, network, net.JoinHostPort(pinned.String(), port))
		},
		DisableKeepAlives: true,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   g.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return shared.E(shared.KindForbidden, "redirects not allowed")
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, shared.Wrap(shared.KindSchemaInvalid, "build request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, shared.Wrap(shared.KindCancelled, "fetch", ctx.Err())
		}
		var kerr *shared.Error
		if ok := asSharedError(err, &kerr); ok {
			return 0, nil, kerr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, shared.Wrap(shared.KindTimeout, "fetch", err)
		}
		return 0, nil, shared.Wrap(shared.KindTransient, "fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, g.MaxBytes))
	if err != nil {
		return 0, nil, shared.Wrap(shared.KindTransient, "read body", err)
	}
	return resp.StatusCode, body, nil
}

// asSharedError digs a kinded error out of the url.Error wrapping that
// http.Client applies to CheckRedirect failures.
func asSharedError(err error, target **shared.Error) bool {
	for err != nil {
		if se, ok := err.(*shared.Error); ok {
			*target = se
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

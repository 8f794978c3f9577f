// Package auth recognises the gateway's credential kinds and enforces
// per-endpoint rate limits. Tokens are stored and compared only as SHA-256
// digests; every comparison is constant-time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/shared"
	"golang.org/x/crypto/pbkdf2"
)

// CredKind names how a caller proved its identity.
type CredKind string

const (
	CredToken    CredKind = "token"
	CredPassword CredKind = "password"
	CredLoopback CredKind = "loopback"
	CredPeer     CredKind = "peer"
	CredNode     CredKind = "node"
	CredDevice   CredKind = "device"
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	Kind    CredKind
	Subject string
	Caps    []string
}

// PairedVerifier checks node/device pairing tokens. Implemented by the
// pairing store.
type PairedVerifier interface {
	// VerifyPairingToken returns the paired identity for a raw token, or
	// ok=false. Must be constant-time over the stored digests.
	VerifyPairingToken(raw string) (subject string, kind string, caps []string, ok bool)
}

const passwordIterations = 600_000

// HashPassword produces the stored form "pbkdf2:<iters>:<salt>:<hash>".
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	sum := pbkdf2.Key([]byte(password), salt, passwordIterations, 32, sha256.New)
	return fmt.Sprintf("pbkdf2:%d:%s:%s",
		passwordIterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(sum)), nil
}

// VerifyPassword checks a candidate against a stored pbkdf2 hash.
func VerifyPassword(stored, candidate string) bool {
	parts := strings.Split(stored, ":")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return false
	}
	iters, err := strconv.Atoi(parts[1])
	if err != nil || iters <= 0 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(candidate), salt, iters, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// TokenDigest is the stored form of any bearer or pairing token.
func TokenDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DigestEqual compares a raw token against a stored hex digest in constant
// time over the digest bytes.
func DigestEqual(storedHex, raw string) bool {
	want, err := hex.DecodeString(storedHex)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256([]byte(raw))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

// Authenticator resolves credentials into identities.
type Authenticator struct {
	tokenDigest    string
	passwordHash   string
	allowLoopback  bool
	trustedProxies []netip.Prefix
	peerHeader     string
	paired         PairedVerifier
}

// New builds an authenticator from the auth config section. The configured
// token is digested immediately; the raw value is not retained.
func New(cfg config.AuthConfig, paired PairedVerifier) *Authenticator {
	a := &Authenticator{
		passwordHash:  cfg.PasswordHash,
		allowLoopback: cfg.AllowLoopback,
		peerHeader:    cfg.PeerIdentityHdr,
		paired:        paired,
	}
	if cfg.Token != "" {
		a.tokenDigest = TokenDigest(cfg.Token)
	}
	for _, p := range cfg.TrustedProxies {
		if pref, err := netip.ParsePrefix(p); err == nil {
			a.trustedProxies = append(a.trustedProxies, pref)
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			a.trustedProxies = append(a.trustedProxies, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return a
}

// Credentials is what a client presents during the WS handshake.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// Authenticate resolves the request to an identity, checking in order:
// bearer/pairing token, password, trusted-proxy peer identity, loopback
// exemption.
func (a *Authenticator) Authenticate(remoteAddr string, header http.Header, creds Credentials) (Identity, error) {
	token := creds.Token
	if token == "" {
		token = bearerToken(header)
	}
	if token != "" {
		if a.tokenDigest != "" && DigestEqual(a.tokenDigest, token) {
			return Identity{Kind: CredToken, Subject: "operator"}, nil
		}
		if a.paired != nil {
			if subject, kind, caps, ok := a.paired.VerifyPairingToken(token); ok {
				return Identity{Kind: CredKind(kind), Subject: subject, Caps: caps}, nil
			}
		}
		return Identity{}, shared.E(shared.KindUnauthenticated, "invalid token")
	}

	if creds.Password != "" {
		if a.passwordHash != "" && VerifyPassword(a.passwordHash, creds.Password) {
			return Identity{Kind: CredPassword, Subject: "operator"}, nil
		}
		return Identity{}, shared.E(shared.KindUnauthenticated, "invalid password")
	}

	if peer := a.peerIdentity(remoteAddr, header); peer != "" {
		return Identity{Kind: CredPeer, Subject: peer}, nil
	}

	if a.allowLoopback && isLoopback(remoteAddr) {
		return Identity{Kind: CredLoopback, Subject: "local"}, nil
	}

	return Identity{}, shared.E(shared.KindUnauthenticated, "credentials required")
}

func bearerToken(header http.Header) string {
	authz := strings.TrimSpace(header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

// peerIdentity trusts the identity header only when the TCP peer is one of
// the configured reverse proxies.
func (a *Authenticator) peerIdentity(remoteAddr string, header http.Header) string {
	if a.peerHeader == "" || len(a.trustedProxies) == 0 {
		return ""
	}
	addr := parseRemote(remoteAddr)
	if !addr.IsValid() {
		return ""
	}
	for _, pref := range a.trustedProxies {
		if pref.Contains(addr) {
			return strings.TrimSpace(header.Get(a.peerHeader))
		}
	}
	return ""
}

func parseRemote(remoteAddr string) netip.Addr {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func isLoopback(remoteAddr string) bool {
	addr := parseRemote(remoteAddr)
	return addr.IsValid() && addr.IsLoopback()
}

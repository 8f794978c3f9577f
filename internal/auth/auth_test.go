package auth

import (
	"net/http"
	"testing"

	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/shared"
)

type fakePaired struct {
	digest  string
	subject string
	kind    string
}

func (f fakePaired) VerifyPairingToken(raw string) (string, string, []string, bool) {
	if DigestEqual(f.digest, raw) {
		return f.subject, f.kind, []string{"node.event"}, true
	}
	return "", "", nil, false
}

func TestAuthenticate_BearerToken(t *testing.T) {
	a := New(config.AuthConfig{Token: "tok-123"}, nil)

	h := http.Header{}
	h.Set("Authorization", "Bearer tok-123")
	id, err := a.Authenticate("203.0.113.9:4242", h, Credentials{})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if id.Kind != CredToken {
		t.Fatalf("kind = %q", id.Kind)
	}

	h.Set("Authorization", "Bearer wrong")
	if _, err := a.Authenticate("203.0.113.9:4242", h, Credentials{}); !shared.IsKind(err, shared.KindUnauthenticated) {
		t.Fatalf("wrong token error = %v", err)
	}
}

func TestAuthenticate_PairingToken(t *testing.T) {
	a := New(config.AuthConfig{}, fakePaired{digest: TokenDigest("node-tok"), subject: "n1", kind: "node"})
	id, err := a.Authenticate("203.0.113.9:1", http.Header{}, Credentials{Token: "node-tok"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if id.Kind != CredNode || id.Subject != "n1" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestAuthenticate_Password(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := New(config.AuthConfig{PasswordHash: hash}, nil)

	if _, err := a.Authenticate("203.0.113.9:1", http.Header{}, Credentials{Password: "hunter2"}); err != nil {
		t.Fatalf("valid password rejected: %v", err)
	}
	if _, err := a.Authenticate("203.0.113.9:1", http.Header{}, Credentials{Password: "nope"}); err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestAuthenticate_LoopbackExemption(t *testing.T) {
	a := New(config.AuthConfig{AllowLoopback: true}, nil)
	id, err := a.Authenticate("127.0.0.1:5555", http.Header{}, Credentials{})
	if err != nil {
		t.Fatalf("loopback rejected: %v", err)
	}
	if id.Kind != CredLoopback {
		t.Fatalf("kind = %q", id.Kind)
	}

	strict := New(config.AuthConfig{AllowLoopback: false}, nil)
	if _, err := strict.Authenticate("127.0.0.1:5555", http.Header{}, Credentials{}); err == nil {
		t.Fatal("loopback accepted with exemption disabled")
	}
}

func TestAuthenticate_TrustedProxyPeer(t *testing.T) {
	a := New(config.AuthConfig{
		TrustedProxies:  []string{"10.0.0.0/8"},
		PeerIdentityHdr: "X-Forwarded-User",
	}, nil)

	h := http.Header{}
	h.Set("X-Forwarded-User", "alice")

	id, err := a.Authenticate("10.1.2.3:80", h, Credentials{})
	if err != nil {
		t.Fatalf("proxy peer rejected: %v", err)
	}
	if id.Kind != CredPeer || id.Subject != "alice" {
		t.Fatalf("identity = %+v", id)
	}

	// Same header from an untrusted address is ignored.
	if _, err := a.Authenticate("203.0.113.9:80", h, Credentials{}); err == nil {
		t.Fatal("peer header trusted from arbitrary address")
	}
}

func TestVerifyPassword_RejectsMangledHash(t *testing.T) {
	if VerifyPassword("not-a-hash", "x") {
		t.Fatal("mangled hash verified")
	}
	if VerifyPassword("pbkdf2:0:AA==:AA==", "x") {
		t.Fatal("zero-iteration hash verified")
	}
}

func TestDigestEqual(t *testing.T) {
	d := TokenDigest("secret-token")
	if !DigestEqual(d, "secret-token") {
		t.Fatal("matching token rejected")
	}
	if DigestEqual(d, "secret-tokeN") {
		t.Fatal("mismatching token accepted")
	}
	if DigestEqual("zz", "secret-token") {
		t.Fatal("malformed digest accepted")
	}
}

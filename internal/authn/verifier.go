// Package authn implements a stateless bearer-token verifier: verify(token)
// -> Principal|Invalid, fixed at supervisor start as either Enforced or
// Disabled.
//
// Enforced verification is grounded on juju-juju's internal/sshtunneler,
// which authenticates its own SSH tunnels with a bearer token built and
// checked via github.com/lestrrat-go/jwx/v2/jwt
// (authentication_test.go: jwt.Parse(raw, jwt.WithKey(alg, secret))).
package authn

import (
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Principal is an opaque identity asserted by a verified token.
type Principal struct {
	Subject string
}

// Verifier validates a bearer credential presented at session open.
type Verifier interface {
	Verify(token string) (Principal, bool)
}

type jwtVerifier struct {
	secret []byte
}

// NewJWTVerifier returns a Verifier that checks HS256-signed tokens
// against secret. A missing or malformed token yields Invalid.
func NewJWTVerifier(secret string) Verifier {
	return &jwtVerifier{secret: []byte(secret)}
}

func (v *jwtVerifier) Verify(token string) (Principal, bool) {
	if token == "" {
		return Principal{}, false
	}
	tok, err := jwt.Parse([]byte(token), jwt.WithKey(jwa.HS256, v.secret), jwt.WithValidate(true))
	if err != nil {
		return Principal{}, false
	}
	subject := tok.Subject()
	if subject == "" {
		subject = "token"
	}
	return Principal{Subject: subject}, true
}

type disabledVerifier struct{}

// NewDisabledVerifier returns a Verifier that always succeeds with a
// synthetic principal, for deployments with USE_AUTH=false.
func NewDisabledVerifier() Verifier {
	return disabledVerifier{}
}

func (disabledVerifier) Verify(string) (Principal, bool) {
	return Principal{Subject: "anonymous"}, true
}

// Package authn implements the proxy-authentication collaborator consumed
// at session-loop S2 (spec §4.4, §7's AuthDenied kind): given the
// Proxy-Authorization header off a CONNECT or plaintext request, decide
// whether the client may proceed.
package authn

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Decision is the result of evaluating a Proxy-Authorization header.
type Decision struct {
	Allowed  bool
	Subject  string // username (Basic) or "sub" claim (bearer), for logging
	Reason   string // set when !Allowed
}

// Authenticator is the AUTH contract referenced at session-loop S2. A nil
// Authenticator means "always allow" (no authentication configured).
type Authenticator interface {
	Authenticate(proxyAuthorizationHeader string) Decision
}

// Basic authenticates clients against a static username/password table
// using HTTP Basic credentials on Proxy-Authorization, the simplest
// deployment of the AUTH contract.
type Basic struct {
	Credentials map[string]string // username -> password
}

// Authenticate implements Authenticator.
func (b *Basic) Authenticate(header string) Decision {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return Decision{Allowed: false, Reason: "missing or non-Basic Proxy-Authorization"}
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return Decision{Allowed: false, Reason: "malformed Basic credentials"}
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Decision{Allowed: false, Reason: "malformed Basic credentials"}
	}
	want, known := b.Credentials[user]
	if !known || want != pass {
		return Decision{Allowed: false, Subject: user, Reason: "invalid credentials"}
	}
	return Decision{Allowed: true, Subject: user}
}

// Bearer authenticates clients using a JWT presented as
// "Proxy-Authorization: Bearer <token>", verified with a static HMAC
// secret.
type Bearer struct {
	Secret []byte
}

// Authenticate implements Authenticator.
func (a *Bearer) Authenticate(header string) Decision {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Decision{Allowed: false, Reason: "missing or non-Bearer Proxy-Authorization"}
	}
	tokenStr := strings.TrimPrefix(header, prefix)

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.Secret, nil
	})
	if err != nil {
		return Decision{Allowed: false, Reason: fmt.Sprintf("invalid bearer token: %v", err)}
	}

	subject, _ := claims.GetSubject()
	return Decision{Allowed: true, Subject: subject}
}

// None always allows, used when no authentication policy is configured.
type None struct{}

// Authenticate implements Authenticator.
func (None) Authenticate(string) Decision {
	return Decision{Allowed: true}
}

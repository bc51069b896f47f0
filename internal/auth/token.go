// Package auth verifies the bearer tokens presented on the websocket
// handshake. Tokens are issued by the account service; the relay only needs
// the user id they carry.
package auth

import (
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	// ErrMissingToken means the request carried no token at all.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken covers bad signatures, expiry and missing user ids.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier checks HMAC signed tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier returns a verifier for the shared secret, or nil when the
// secret is empty, which disables handshake verification.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), leeway: 30 * time.Second}
}

// Verify validates token and returns the user id from its "id" claim, or
// "sub" when "id" is absent.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	claims := jwtlib.MapClaims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwtlib.WithLeeway(v.leeway))
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	if id, ok := claims["id"].(string); ok && id != "" {
		return id, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", errors.Wrap(ErrInvalidToken, "no user id claim")
}

// Issue signs a HS256 token for userID. The relay never issues tokens in
// production; this exists for tests and local tooling.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtlib.MapClaims{
		"id":  userID,
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// TokenFromRequest extracts a token from the "token" query parameter or an
// "Authorization: Bearer" header. Browsers cannot set headers on websocket
// upgrades, hence the query parameter.
func TokenFromRequest(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

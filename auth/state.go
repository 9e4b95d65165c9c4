package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	stateCookie = "codenearby_oauth_state"
	stateTTL    = 10 * time.Minute
)

var ErrStateMismatch = errors.New("oauth state mismatch")

type stateClaims struct {
	State string `json:"state"`
	jwt.RegisteredClaims
}

// NewState returns a random OAuth state value.
func NewState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generating oauth state")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IssueState remembers state in a short-lived signed cookie.
func (s *Sessions) IssueState(w http.ResponseWriter, state string) error {
	ts := s.now()
	token, err := s.sign(&stateClaims{
		State: state,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(ts),
			ExpiresAt: jwt.NewNumericDate(ts.Add(stateTTL)),
		},
	})
	if err != nil {
		return err
	}
	http.SetCookie(w, s.newCookie(stateCookie, token, stateTTL))
	return nil
}

// VerifyState checks the state GitHub sent back against the cookie and
// clears the cookie either way.
func (s *Sessions) VerifyState(w http.ResponseWriter, r *http.Request, state string) error {
	http.SetCookie(w, s.newCookie(stateCookie, "", -1))
	c, err := r.Cookie(stateCookie)
	if err != nil || state == "" {
		return ErrStateMismatch
	}
	claims := &stateClaims{}
	if err = s.parse(c.Value, claims); err != nil {
		return ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(claims.State), []byte(state)) != 1 {
		return ErrStateMismatch
	}
	return nil
}

// Package auth keeps browser sessions in signed cookies and decides who may
// reach the admin routes.
package auth

import (
	"context"
	"net/http"
	"time"

	"codenearby/config"
	"codenearby/user"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const issuer = "codenearby"

var (
	ErrNoSession      = errors.New("not signed in")
	ErrInvalidSession = errors.New("session is invalid or expired")
)

// Principal is the signed in user of a request.
type Principal struct {
	UserID primitive.ObjectID
	Login  string
}

// Claims is the session token payload; sub carries the user id.
type Claims struct {
	Login string `json:"login"`
	jwt.RegisteredClaims
}

// ErrorWriter renders an auth failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Sessions issues and checks HS256 session cookies.
type Sessions struct {
	secret []byte
	cookie string
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

func NewSessions(cfg config.SessionConfig) *Sessions {
	return &Sessions{
		secret: []byte(cfg.Secret),
		cookie: cfg.CookieName,
		maxAge: cfg.MaxAge,
		secure: cfg.Secure,
		now:    time.Now,
	}
}

func (s *Sessions) sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, errors.Wrap(err, "signing token")
}

func (s *Sessions) parse(token string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	return err
}

// Token mints a session token for u.
func (s *Sessions) Token(u *user.User) (string, error) {
	ts := s.now()
	return s.sign(&Claims{
		Login: u.Login,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID.Hex(),
			IssuedAt:  jwt.NewNumericDate(ts),
			ExpiresAt: jwt.NewNumericDate(ts.Add(s.maxAge)),
		},
	})
}

// Issue signs u in by setting the session cookie.
func (s *Sessions) Issue(w http.ResponseWriter, u *user.User) error {
	token, err := s.Token(u)
	if err != nil {
		return err
	}
	http.SetCookie(w, s.newCookie(s.cookie, token, s.maxAge))
	return nil
}

// Clear signs the browser out.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, s.newCookie(s.cookie, "", -1))
}

func (s *Sessions) newCookie(name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(maxAge.Seconds())
	}
	return c
}

// Parse reads the principal from the request's session cookie.
func (s *Sessions) Parse(r *http.Request) (*Principal, error) {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return nil, ErrNoSession
	}
	claims := &Claims{}
	if err = s.parse(c.Value, claims); err != nil {
		return nil, ErrInvalidSession
	}
	id, err := primitive.ObjectIDFromHex(claims.Subject)
	if err != nil {
		return nil, ErrInvalidSession
	}
	return &Principal{UserID: id, Login: claims.Login}, nil
}

// RequireSession rejects requests without a valid session and stores the
// principal in the request context otherwise.
func (s *Sessions) RequireSession(fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := s.Parse(r)
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

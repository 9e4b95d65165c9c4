package auth

import (
	"net/http"
	"strings"

	"codenearby/log"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/pkg/errors"
)

const RoleAdmin = "admin"

var ErrForbidden = errors.New("you are not allowed to do that")

// rbacModel grants a role access to a path pattern for a method, or for any
// method with "*".
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && (p.act == "*" || r.act == p.act)
`

var defaultPolicies = [][]string{
	{RoleAdmin, "/api/v1/admin/*", "*"},
}

// Authorizer answers role based access questions with casbin.
type Authorizer struct {
	enforcer *casbin.SyncedEnforcer
}

// NewAuthorizer builds the enforcer and gives every login in admins the admin role.
func NewAuthorizer(admins []string) (*Authorizer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, errors.Wrap(err, "loading casbin model")
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, errors.Wrap(err, "creating casbin enforcer")
	}
	if _, err = e.AddPolicies(defaultPolicies); err != nil {
		return nil, errors.Wrap(err, "loading policies")
	}
	a := &Authorizer{enforcer: e}
	for _, login := range admins {
		if err = a.Grant(login, RoleAdmin); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func subject(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// Grant gives login a role.
func (a *Authorizer) Grant(login, role string) error {
	if subject(login) == "" {
		return nil
	}
	_, err := a.enforcer.AddGroupingPolicy(subject(login), role)
	return errors.Wrapf(err, "granting %s to %s", role, login)
}

func (a *Authorizer) HasRole(login, role string) bool {
	ok, err := a.enforcer.HasRoleForUser(subject(login), role)
	return err == nil && ok
}

// Allowed reports whether login may use method on path.
func (a *Authorizer) Allowed(login, path, method string) (bool, error) {
	ok, err := a.enforcer.Enforce(subject(login), path, method)
	return ok, errors.Wrap(err, "enforcing policy")
}

// Authorize lets the request through when the session principal is allowed
// on the requested path. It must run after RequireSession.
func (a *Authorizer) Authorize(fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				fail(w, r, ErrNoSession)
				return
			}
			allowed, err := a.Allowed(p.Login, r.URL.Path, r.Method)
			if err != nil {
				log.Ctx(r.Context()).Error().Err(err).Str("login", p.Login).Msg("authorization check failed")
			}
			if !allowed {
				log.Ctx(r.Context()).Warn().Str("login", p.Login).Str("path", r.URL.Path).Msg("access denied")
				fail(w, r, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

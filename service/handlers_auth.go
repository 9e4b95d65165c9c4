package service

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"codenearby/auth"
	"codenearby/github"
	"codenearby/log"
	"codenearby/user"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// principal is only called behind RequireSession.
func principal(r *http.Request) *auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

func (a *api) githubLogin(w http.ResponseWriter, r *http.Request) {
	state, err := auth.NewState()
	if err != nil {
		fail(w, r, err)
		return
	}
	if err = a.deps.Sessions.IssueState(w, state); err != nil {
		fail(w, r, err)
		return
	}
	http.Redirect(w, r, a.deps.OAuth.AuthCodeURL(state), http.StatusFound)
}

// githubCallback finishes the OAuth dance: it checks the state, trades the
// code for a token, upserts the developer and signs them in.
func (a *api) githubCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		log.Ctx(r.Context()).Info().Str("error", e).Msg("github sign in declined")
		http.Redirect(w, r, a.webURL("/login?error="+url.QueryEscape(e)), http.StatusFound)
		return
	}
	if err := a.deps.Sessions.VerifyState(w, r, q.Get("state")); err != nil {
		fail(w, r, err)
		return
	}
	code := q.Get("code")
	if code == "" {
		fail(w, r, errBadRequest)
		return
	}

	token, err := a.deps.OAuth.Exchange(r.Context(), code)
	if err != nil {
		fail(w, r, err)
		return
	}
	profile, err := a.deps.GitHub.AuthenticatedUser(r.Context(), token.AccessToken)
	if err != nil {
		fail(w, r, err)
		return
	}
	u, isNew, err := a.deps.Users.UpsertFromGitHub(r.Context(), profile)
	if err != nil {
		fail(w, r, err)
		return
	}
	if isNew {
		a.enrich(r.Context(), u)
	}
	if err = a.deps.Sessions.Issue(w, u); err != nil {
		fail(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Str("login", u.Login).Bool("new", isNew).Msg("developer signed in")

	next := "/"
	if !u.Onboarded {
		next = "/onboarding"
	}
	http.Redirect(w, r, a.webURL(next), http.StatusFound)
}

func (a *api) webURL(path string) string {
	return strings.TrimRight(a.cfg.Server.BaseURL, "/") + path
}

// enrich pulls the languages of a new developer's repositories. Sign in
// succeeds even when GitHub can't be reached for it.
func (a *api) enrich(ctx context.Context, u *user.User) *user.User {
	profile, err := a.deps.GitHub.User(ctx, u.Login)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("login", u.Login).Msg("skipping profile enrichment")
		return u
	}
	repos, err := a.deps.GitHub.Repos(ctx, u.Login)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("login", u.Login).Msg("skipping language enrichment")
	}
	enriched, err := a.deps.Users.Enrich(ctx, u.ID, profile, github.Languages(repos))
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("login", u.Login).Msg("storing enrichment failed")
		return u
	}
	return enriched
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	a.deps.Sessions.Clear(w)
	ok(w, nil)
}

type sessionView struct {
	User  *user.User `json:"user"`
	Admin bool       `json:"admin"`
}

func (a *api) session(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	u, err := a.deps.Users.GetByID(r.Context(), p.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, sessionView{User: u, Admin: a.deps.Authorizer.HasRole(p.Login, auth.RoleAdmin)})
}

func publicProfiles(users []user.User) []user.PublicProfile {
	out := make([]user.PublicProfile, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public())
	}
	return out
}

func idSet(ids ...[]primitive.ObjectID) []primitive.ObjectID {
	seen := make(map[primitive.ObjectID]bool)
	out := make([]primitive.ObjectID, 0)
	for _, list := range ids {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

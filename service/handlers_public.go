package service

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// The public API is priced per call; spend has already charged the key's
// owner by the time these run.

func (a *api) publicNearby(w http.ResponseWriter, r *http.Request) {
	lat, lng, radius, limit, err := nearbyQuery(r, nil)
	if err != nil {
		fail(w, r, err)
		return
	}
	key, _ := apiKeyFrom(r.Context())
	found, err := a.deps.Users.Nearby(r.Context(), lat, lng, radius, limit, key.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, nearbyViews(found))
}

func (a *api) publicSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		fail(w, r, err)
		return
	}
	users, err := a.deps.Users.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, publicProfiles(users))
}

func (a *api) publicProfile(w http.ResponseWriter, r *http.Request) {
	u, err := a.deps.Users.GetByLogin(r.Context(), chi.URLParam(r, "login"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, u.Public())
}

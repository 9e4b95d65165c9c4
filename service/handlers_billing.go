package service

import (
	"net/http"
	"time"

	"codenearby/billing"
	"codenearby/log"

	"github.com/go-chi/chi/v5"
)

type upgradeRequest struct {
	Tier       string `json:"tier" validate:"required,oneof=free developer business"`
	PaymentRef string `json:"payment_ref" validate:"max=200"`
}

type createKeyRequest struct {
	Name string `json:"name" validate:"required,max=50"`
}

type accountView struct {
	*billing.Account
	NextReset time.Time `json:"next_reset"`
}

func (a *api) account(w http.ResponseWriter, r *http.Request) {
	acct, err := a.deps.Billing.Account(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, accountView{Account: acct, NextReset: acct.NextReset()})
}

func (a *api) upgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	acct, order, err := a.deps.Billing.Upgrade(r.Context(), principal(r).UserID, billing.Tier(req.Tier), req.PaymentRef)
	if err != nil {
		fail(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Str("login", principal(r).Login).Str("tier", req.Tier).Msg("tier changed")
	ok(w, map[string]interface{}{
		"account": accountView{Account: acct, NextReset: acct.NextReset()},
		"order":   order,
	})
}

func (a *api) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.deps.Billing.ListKeys(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, keys)
}

// createKey returns the plaintext secret. It is shown this once only.
func (a *api) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	key, secret, err := a.deps.Billing.CreateKey(r.Context(), principal(r).UserID, req.Name)
	if err != nil {
		fail(w, r, err)
		return
	}
	created(w, map[string]interface{}{"key": key, "secret": secret})
}

func (a *api) revokeKey(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Billing.RevokeKey(r.Context(), principal(r).UserID, chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, nil)
}

package service

import (
	"net/http"
	"time"

	"codenearby/gathering"
	"codenearby/match"

	"github.com/go-chi/chi/v5"
)

type swipeRequest struct {
	TargetID  string `json:"target_id" validate:"required,len=24,hexadecimal"`
	Direction string `json:"direction" validate:"required,oneof=left right"`
}

func (a *api) candidates(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		fail(w, r, err)
		return
	}
	users, err := a.deps.Matches.Candidates(r.Context(), principal(r).UserID, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, publicProfiles(users))
}

func (a *api) swipe(w http.ResponseWriter, r *http.Request) {
	var req swipeRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	target, err := objectID(req.TargetID)
	if err != nil {
		fail(w, r, err)
		return
	}
	res, err := a.deps.Matches.Swipe(r.Context(), principal(r).UserID, target, match.Direction(req.Direction))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, res)
}

func (a *api) connections(w http.ResponseWriter, r *http.Request) {
	conns, err := a.deps.Matches.Connections(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, conns)
}

type createGatheringRequest struct {
	Name            string `json:"name" validate:"required,min=3,max=80"`
	Description     string `json:"description" validate:"max=500"`
	DurationMinutes int    `json:"duration_minutes" validate:"omitempty,min=15,max=10080"`
}

type gatheringMessageRequest struct {
	Text string `json:"text" validate:"required,max=1000"`
}

type createPollRequest struct {
	Question string   `json:"question" validate:"required,min=3,max=200"`
	Options  []string `json:"options" validate:"required,min=2,max=10"`
}

type voteRequest struct {
	Option *int `json:"option" validate:"required,gte=0"`
}

func member(r *http.Request) gathering.Member {
	p := principal(r)
	return gathering.Member{ID: p.UserID, Login: p.Login}
}

func slug(r *http.Request) string {
	return chi.URLParam(r, "slug")
}

func (a *api) createGathering(w http.ResponseWriter, r *http.Request) {
	var req createGatheringRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	g, err := a.deps.Gatherings.Create(r.Context(), principal(r).UserID, req.Name, req.Description,
		time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		fail(w, r, err)
		return
	}
	created(w, g)
}

func (a *api) activeGatherings(w http.ResponseWriter, r *http.Request) {
	gs, err := a.deps.Gatherings.Active(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, gs)
}

func (a *api) getGathering(w http.ResponseWriter, r *http.Request) {
	g, err := a.deps.Gatherings.Get(r.Context(), slug(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, g)
}

func (a *api) deleteGathering(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Gatherings.Delete(r.Context(), slug(r), principal(r).UserID); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, nil)
}

func (a *api) joinGathering(w http.ResponseWriter, r *http.Request) {
	g, err := a.deps.Gatherings.Join(r.Context(), slug(r), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, g)
}

func (a *api) leaveGathering(w http.ResponseWriter, r *http.Request) {
	g, err := a.deps.Gatherings.Leave(r.Context(), slug(r), member(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, g)
}

func (a *api) gatheringMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		fail(w, r, err)
		return
	}
	msgs, err := a.deps.Gatherings.Messages(r.Context(), slug(r), principal(r).UserID, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, msgs)
}

func (a *api) sendGatheringMessage(w http.ResponseWriter, r *http.Request) {
	var req gatheringMessageRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	msg, err := a.deps.Gatherings.SendMessage(r.Context(), slug(r), member(r), req.Text)
	if err != nil {
		fail(w, r, err)
		return
	}
	created(w, msg)
}

func (a *api) polls(w http.ResponseWriter, r *http.Request) {
	polls, err := a.deps.Gatherings.Polls(r.Context(), slug(r), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, polls)
}

func (a *api) createPoll(w http.ResponseWriter, r *http.Request) {
	var req createPollRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	p, err := a.deps.Gatherings.CreatePoll(r.Context(), slug(r), member(r), req.Question, req.Options)
	if err != nil {
		fail(w, r, err)
		return
	}
	created(w, p)
}

func (a *api) votePoll(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	p, err := a.deps.Gatherings.Vote(r.Context(), slug(r), chi.URLParam(r, "pollID"), principal(r).UserID, *req.Option)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, p)
}

func (a *api) closePoll(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Gatherings.ClosePoll(r.Context(), slug(r), chi.URLParam(r, "pollID"), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, p)
}

// gatheringSocket subscribes a participant to the live events of the room.
func (a *api) gatheringSocket(w http.ResponseWriter, r *http.Request) {
	g, err := a.deps.Gatherings.Get(r.Context(), slug(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	p := principal(r)
	if !g.IsParticipant(p.UserID) {
		fail(w, r, gathering.ErrNotParticipant)
		return
	}
	a.deps.Hub.ServeWS(w, r, g.Slug, p.Login)
}

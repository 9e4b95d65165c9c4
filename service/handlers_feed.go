package service

import (
	"net/http"
	"strings"

	"codenearby/feed"
	"codenearby/log"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type createPostRequest struct {
	Content string   `json:"content" validate:"required,max=5000"`
	Tags    []string `json:"tags" validate:"max=5"`
}

type votePostRequest struct {
	Direction string `json:"direction" validate:"required,oneof=up down none"`
}

type issueRequest struct {
	Title string `json:"title" validate:"required,min=3,max=120"`
	Body  string `json:"body" validate:"max=5000"`
}

type issueStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open in_progress closed"`
}

// postView adds the caller's own vote to a post.
type postView struct {
	*feed.Post
	MyVote feed.VoteDirection `json:"my_vote"`
}

func viewPost(p *feed.Post, self primitive.ObjectID) postView {
	return postView{Post: p, MyVote: p.VoteOf(self)}
}

func viewPosts(posts []feed.Post, self primitive.ObjectID) []postView {
	out := make([]postView, 0, len(posts))
	for i := range posts {
		out = append(out, viewPost(&posts[i], self))
	}
	return out
}

func (a *api) listPosts(w http.ResponseWriter, r *http.Request) {
	order := feed.SortOrder(r.URL.Query().Get("sort"))
	if order == "" {
		order = feed.Recent
	}
	before, err := queryTime(r, "before")
	if err != nil {
		fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		fail(w, r, err)
		return
	}
	posts, err := a.deps.Feed.List(r.Context(), order, before, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, viewPosts(posts, principal(r).UserID))
}

// createPost takes JSON, or a multipart form when the post carries an image.
func (a *api) createPost(w http.ResponseWriter, r *http.Request) {
	var (
		req      createPostRequest
		imageURL string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := a.parseUpload(w, r); err != nil {
			fail(w, r, err)
			return
		}
		req.Content = r.FormValue("content")
		if tags := r.FormValue("tags"); tags != "" {
			req.Tags = strings.Split(tags, ",")
		}
		// nothing reaches the image host for a post that will be rejected
		if err := validateStruct(&req); err != nil {
			fail(w, r, err)
			return
		}
		url, err := a.uploadImage(r, "image", "posts")
		if err != nil {
			fail(w, r, err)
			return
		}
		imageURL = url
	} else if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	p, err := a.deps.Feed.Create(r.Context(), principal(r).UserID, req.Content, req.Tags, imageURL)
	if err != nil {
		fail(w, r, err)
		return
	}
	created(w, viewPost(p, principal(r).UserID))
}

func (a *api) getPost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		fail(w, r, err)
		return
	}
	p, err := a.deps.Feed.Get(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, viewPost(p, principal(r).UserID))
}

func (a *api) deletePost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		fail(w, r, err)
		return
	}
	if err = a.deps.Feed.Delete(r.Context(), id, principal(r).UserID); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, nil)
}

func (a *api) votePost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req votePostRequest
	if err = decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	self := principal(r).UserID
	p, err := a.deps.Feed.Vote(r.Context(), id, self, feed.VoteDirection(req.Direction))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, viewPost(p, self))
}

func (a *api) reportIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	issue, err := a.deps.Feed.CreateIssue(r.Context(), principal(r).UserID, req.Title, req.Body)
	if err != nil {
		fail(w, r, err)
		return
	}
	created(w, issue)
}

func (a *api) listIssues(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		fail(w, r, err)
		return
	}
	issues, err := a.deps.Feed.ListIssues(r.Context(), feed.IssueStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, issues)
}

func (a *api) setIssueStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req issueStatusRequest
	if err = decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	issue, err := a.deps.Feed.SetIssueStatus(r.Context(), id, feed.IssueStatus(req.Status))
	if err != nil {
		fail(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Str("issue", id.Hex()).Str("status", req.Status).Str("admin", principal(r).Login).Msg("issue status changed")
	ok(w, issue)
}

func (a *api) postsByAuthor(w http.ResponseWriter, r *http.Request) {
	author, err := a.deps.Users.GetByLogin(r.Context(), chi.URLParam(r, "login"))
	if err != nil {
		fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		fail(w, r, err)
		return
	}
	posts, err := a.deps.Feed.PostsByAuthor(r.Context(), author.ID, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, viewPosts(posts, principal(r).UserID))
}

package service

import (
	"net/http"

	"codenearby/github"
	"codenearby/media"
	"codenearby/user"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const defaultRadiusKm = 25

type updateProfileRequest struct {
	Name     string   `json:"name" validate:"max=100"`
	Bio      string   `json:"bio" validate:"max=500"`
	Company  string   `json:"company" validate:"max=100"`
	Blog     string   `json:"blog" validate:"omitempty,url,max=200"`
	Location string   `json:"location" validate:"max=100"`
	Skills   []string `json:"skills" validate:"omitempty,max=50"`
}

type locationRequest struct {
	Lat   *float64 `json:"lat" validate:"required,latitude"`
	Lng   *float64 `json:"lng" validate:"required,longitude"`
	Label string   `json:"label" validate:"max=100"`
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	u, err := a.deps.Users.GetByID(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, u)
}

func (a *api) updateMe(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	u, err := a.deps.Users.UpdateProfile(r.Context(), principal(r).UserID, user.ProfileUpdate{
		Name:     req.Name,
		Bio:      req.Bio,
		Company:  req.Company,
		Blog:     req.Blog,
		Location: req.Location,
		Skills:   req.Skills,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, u)
}

func (a *api) updateLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	u, err := a.deps.Users.UpdateLocation(r.Context(), principal(r).UserID, *req.Lat, *req.Lng, req.Label)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, u)
}

// refreshProfile pulls the latest GitHub statistics and languages.
func (a *api) refreshProfile(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	profile, err := a.deps.GitHub.User(r.Context(), p.Login)
	if err != nil {
		fail(w, r, err)
		return
	}
	repos, err := a.deps.GitHub.Repos(r.Context(), p.Login)
	if err != nil {
		fail(w, r, err)
		return
	}
	u, err := a.deps.Users.Enrich(r.Context(), p.UserID, profile, github.Languages(repos))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, u)
}

func (a *api) uploadAvatar(w http.ResponseWriter, r *http.Request) {
	if err := a.parseUpload(w, r); err != nil {
		fail(w, r, err)
		return
	}
	url, err := a.uploadImage(r, "avatar", "avatars")
	if err != nil {
		fail(w, r, err)
		return
	}
	u, err := a.deps.Users.SetAvatar(r.Context(), principal(r).UserID, url)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, u)
}

// parseUpload reads a multipart body of at most MaxUploadBytes.
func (a *api) parseUpload(w http.ResponseWriter, r *http.Request) error {
	limit := a.cfg.Security.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

// uploadImage stores the image sent in field of a parsed multipart form and
// returns its URL.
func (a *api) uploadImage(r *http.Request, field, folder string) (string, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return "", &validationError{messages: []string{field + " file is required"}}
	}
	defer file.Close()
	img, err := media.CheckImage(file)
	if err != nil {
		return "", err
	}
	return a.deps.Uploader.Upload(r.Context(), img, folder)
}

func (a *api) searchUsers(w http.ResponseWriter, r *http.Request) {
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

type profileView struct {
	user.PublicProfile
	IsFriend bool `json:"is_friend"`
}

func (a *api) userProfile(w http.ResponseWriter, r *http.Request) {
	u, err := a.deps.Users.GetByLogin(r.Context(), chi.URLParam(r, "login"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, profileView{PublicProfile: u.Public(), IsFriend: u.HasFriend(principal(r).UserID)})
}

type nearbyView struct {
	User       user.PublicProfile `json:"user"`
	DistanceKm float64            `json:"distance_km"`
}

func nearbyViews(found []user.Nearby) []nearbyView {
	out := make([]nearbyView, 0, len(found))
	for i := range found {
		out = append(out, nearbyView{User: found[i].User.Public(), DistanceKm: found[i].DistanceKm})
	}
	return out
}

// nearbyQuery reads lat, lng, radius and limit. Without coordinates the
// caller's own location is used, if there is one.
func nearbyQuery(r *http.Request, self *user.User) (lat, lng, radius float64, limit int, err error) {
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lng") == "" && self != nil {
		if self.Coordinates == nil || len(self.Coordinates.Coordinates) != 2 {
			err = user.ErrInvalidLocation
			return
		}
		lat, lng = self.Coordinates.Lat(), self.Coordinates.Lng()
	} else {
		if lat, err = queryFloat(r, "lat"); err != nil {
			return
		}
		if lng, err = queryFloat(r, "lng"); err != nil {
			return
		}
	}
	radius = defaultRadiusKm
	if q.Get("radius") != "" {
		if radius, err = queryFloat(r, "radius"); err != nil {
			return
		}
	}
	limit, err = queryInt(r, "limit", 20)
	return
}

func (a *api) nearby(w http.ResponseWriter, r *http.Request) {
	me, err := a.deps.Users.GetByID(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	lat, lng, radius, limit, err := nearbyQuery(r, me)
	if err != nil {
		fail(w, r, err)
		return
	}
	found, err := a.deps.Users.Nearby(r.Context(), lat, lng, radius, limit, me.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, nearbyViews(found))
}

func (a *api) discover(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		fail(w, r, err)
		return
	}
	me, err := a.deps.Users.GetByID(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	users, err := a.deps.Users.Discover(r.Context(), idSet([]primitive.ObjectID{me.ID}, me.Friends), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, publicProfiles(users))
}

type friendRequestRequest struct {
	UserID string `json:"user_id" validate:"required,len=24,hexadecimal"`
}

func (a *api) sendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req friendRequestRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	to, err := objectID(req.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	fr, err := a.deps.Users.SendFriendRequest(r.Context(), principal(r).UserID, to)
	if err != nil {
		fail(w, r, err)
		return
	}
	created(w, fr)
}

func (a *api) listFriendRequests(w http.ResponseWriter, r *http.Request) {
	dir := user.Direction(r.URL.Query().Get("direction"))
	if dir == "" {
		dir = user.Received
	}
	reqs, err := a.deps.Users.ListFriendRequests(r.Context(), principal(r).UserID, dir)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, reqs)
}

func (a *api) respondToRequest(w http.ResponseWriter, r *http.Request, act func(r *http.Request, id, actor primitive.ObjectID) (*user.FriendRequest, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		fail(w, r, err)
		return
	}
	fr, err := act(r, id, principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, fr)
}

func (a *api) acceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	a.respondToRequest(w, r, func(r *http.Request, id, actor primitive.ObjectID) (*user.FriendRequest, error) {
		return a.deps.Users.AcceptFriendRequest(r.Context(), id, actor)
	})
}

func (a *api) rejectFriendRequest(w http.ResponseWriter, r *http.Request) {
	a.respondToRequest(w, r, func(r *http.Request, id, actor primitive.ObjectID) (*user.FriendRequest, error) {
		return a.deps.Users.RejectFriendRequest(r.Context(), id, actor)
	})
}

func (a *api) cancelFriendRequest(w http.ResponseWriter, r *http.Request) {
	a.respondToRequest(w, r, func(r *http.Request, id, actor primitive.ObjectID) (*user.FriendRequest, error) {
		return a.deps.Users.CancelFriendRequest(r.Context(), id, actor)
	})
}

func (a *api) friends(w http.ResponseWriter, r *http.Request) {
	friends, err := a.deps.Users.Friends(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, publicProfiles(friends))
}

func (a *api) removeFriend(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		fail(w, r, err)
		return
	}
	if err = a.deps.Users.RemoveFriend(r.Context(), principal(r).UserID, id); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, nil)
}

type sendMessageRequest struct {
	To   string `json:"to" validate:"required,len=24,hexadecimal"`
	Text string `json:"text" validate:"required,max=2000"`
}

type conversationView struct {
	Peer   user.PublicProfile `json:"peer"`
	Last   user.Message       `json:"last"`
	Unread int                `json:"unread"`
}

// conversations lists the inbox with each peer's profile. Peers whose
// account is gone are left out.
func (a *api) conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.deps.Users.Conversations(r.Context(), principal(r).UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ids := make([]primitive.ObjectID, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.Peer)
	}
	peers, err := a.deps.Users.GetMany(r.Context(), ids)
	if err != nil {
		fail(w, r, err)
		return
	}
	byID := make(map[primitive.ObjectID]*user.User, len(peers))
	for i := range peers {
		byID[peers[i].ID] = &peers[i]
	}
	out := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		peer, found := byID[c.Peer]
		if !found {
			continue
		}
		out = append(out, conversationView{Peer: peer.Public(), Last: c.Last, Unread: c.Unread})
	}
	ok(w, out)
}

func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	to, err := objectID(req.To)
	if err != nil {
		fail(w, r, err)
		return
	}
	msg, err := a.deps.Users.SendMessage(r.Context(), principal(r).UserID, to, req.Text)
	if err != nil {
		fail(w, r, err)
		return
	}
	created(w, msg)
}

// conversation pages back through the history with ?before, or polls for
// new incoming messages with ?since.
func (a *api) conversation(w http.ResponseWriter, r *http.Request) {
	other, err := pathID(r, "userID")
	if err != nil {
		fail(w, r, err)
		return
	}
	self := principal(r).UserID
	var msgs []user.Message
	if r.URL.Query().Get("since") != "" {
		since, err := queryTime(r, "since")
		if err != nil {
			fail(w, r, err)
			return
		}
		msgs, err = a.deps.Users.FetchIncomingMessages(r.Context(), self, other, since)
		if err != nil {
			fail(w, r, err)
			return
		}
		ok(w, msgs)
		return
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
	if msgs, err = a.deps.Users.Conversation(r.Context(), self, other, before, limit); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, msgs)
}

func (a *api) markRead(w http.ResponseWriter, r *http.Request) {
	other, err := pathID(r, "userID")
	if err != nil {
		fail(w, r, err)
		return
	}
	n, err := a.deps.Users.MarkRead(r.Context(), principal(r).UserID, other)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]int64{"updated": n})
}

// githubByLocation lists GitHub users who state location, signed up or not.
func (a *api) githubByLocation(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		fail(w, r, &validationError{messages: []string{"location is required"}})
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		fail(w, r, err)
		return
	}
	res, err := a.deps.GitHub.SearchByLocation(r.Context(), location, page)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, res)
}

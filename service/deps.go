package service

import (
	"context"
	"io"
	"time"

	"codenearby/auth"
	"codenearby/billing"
	"codenearby/feed"
	"codenearby/gathering"
	"codenearby/github"
	"codenearby/match"
	"codenearby/user"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/oauth2"
)

// Users is what the handlers need from user.Store.
type Users interface {
	UpsertFromGitHub(ctx context.Context, p *github.Profile) (*user.User, bool, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*user.User, error)
	GetByLogin(ctx context.Context, login string) (*user.User, error)
	GetMany(ctx context.Context, ids []primitive.ObjectID) ([]user.User, error)
	UpdateProfile(ctx context.Context, id primitive.ObjectID, upd user.ProfileUpdate) (*user.User, error)
	UpdateLocation(ctx context.Context, id primitive.ObjectID, lat, lng float64, label string) (*user.User, error)
	Enrich(ctx context.Context, id primitive.ObjectID, p *github.Profile, languages []string) (*user.User, error)
	SetAvatar(ctx context.Context, id primitive.ObjectID, url string) (*user.User, error)
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int, exclude ...primitive.ObjectID) ([]user.Nearby, error)
	Search(ctx context.Context, q string, limit int) ([]user.User, error)
	Discover(ctx context.Context, exclude []primitive.ObjectID, limit int) ([]user.User, error)

	SendFriendRequest(ctx context.Context, from, to primitive.ObjectID) (*user.FriendRequest, error)
	AcceptFriendRequest(ctx context.Context, id, actor primitive.ObjectID) (*user.FriendRequest, error)
	RejectFriendRequest(ctx context.Context, id, actor primitive.ObjectID) (*user.FriendRequest, error)
	CancelFriendRequest(ctx context.Context, id, actor primitive.ObjectID) (*user.FriendRequest, error)
	ListFriendRequests(ctx context.Context, userID primitive.ObjectID, dir user.Direction) ([]user.FriendRequest, error)
	Friends(ctx context.Context, userID primitive.ObjectID) ([]user.User, error)
	RemoveFriend(ctx context.Context, userID, friendID primitive.ObjectID) error

	SendMessage(ctx context.Context, sender, receiver primitive.ObjectID, text string) (*user.Message, error)
	Conversation(ctx context.Context, a, b primitive.ObjectID, before time.Time, limit int) ([]user.Message, error)
	FetchIncomingMessages(ctx context.Context, self, other primitive.ObjectID, since time.Time) ([]user.Message, error)
	MarkRead(ctx context.Context, reader, other primitive.ObjectID) (int64, error)
	Conversations(ctx context.Context, userID primitive.ObjectID) ([]user.ConversationSummary, error)
}

type Matches interface {
	Candidates(ctx context.Context, userID primitive.ObjectID, limit int) ([]user.User, error)
	Swipe(ctx context.Context, swiper, target primitive.ObjectID, dir match.Direction) (*match.SwipeResult, error)
	Connections(ctx context.Context, userID primitive.ObjectID) ([]match.ConnectionView, error)
}

type Gatherings interface {
	Create(ctx context.Context, host primitive.ObjectID, name, description string, duration time.Duration) (*gathering.Gathering, error)
	Get(ctx context.Context, slug string) (*gathering.Gathering, error)
	Join(ctx context.Context, slug string, userID primitive.ObjectID) (*gathering.Gathering, error)
	Leave(ctx context.Context, slug string, m gathering.Member) (*gathering.Gathering, error)
	Delete(ctx context.Context, slug string, actor primitive.ObjectID) error
	Active(ctx context.Context, userID primitive.ObjectID) ([]gathering.Gathering, error)
	SendMessage(ctx context.Context, slug string, sender gathering.Member, text string) (*gathering.ChatMessage, error)
	Messages(ctx context.Context, slug string, userID primitive.ObjectID, limit int) ([]gathering.ChatMessage, error)
	CreatePoll(ctx context.Context, slug string, creator gathering.Member, question string, options []string) (*gathering.Poll, error)
	Vote(ctx context.Context, slug, pollID string, userID primitive.ObjectID, option int) (*gathering.Poll, error)
	ClosePoll(ctx context.Context, slug, pollID string, userID primitive.ObjectID) (*gathering.Poll, error)
	Polls(ctx context.Context, slug string, userID primitive.ObjectID) ([]gathering.Poll, error)
}

type Feed interface {
	Create(ctx context.Context, author primitive.ObjectID, content string, tags []string, imageURL string) (*feed.Post, error)
	Get(ctx context.Context, id primitive.ObjectID) (*feed.Post, error)
	Delete(ctx context.Context, id, actor primitive.ObjectID) error
	List(ctx context.Context, order feed.SortOrder, before time.Time, limit int) ([]feed.Post, error)
	PostsByAuthor(ctx context.Context, author primitive.ObjectID, limit int) ([]feed.Post, error)
	Vote(ctx context.Context, id, userID primitive.ObjectID, dir feed.VoteDirection) (*feed.Post, error)
	CreateIssue(ctx context.Context, reporter primitive.ObjectID, title, body string) (*feed.Issue, error)
	ListIssues(ctx context.Context, status feed.IssueStatus, limit int) ([]feed.Issue, error)
	SetIssueStatus(ctx context.Context, id primitive.ObjectID, status feed.IssueStatus) (*feed.Issue, error)
}

type Billing interface {
	Account(ctx context.Context, userID primitive.ObjectID) (*billing.Account, error)
	Consume(ctx context.Context, userID primitive.ObjectID, cost int64) (*billing.Account, error)
	Upgrade(ctx context.Context, userID primitive.ObjectID, tier billing.Tier, paymentRef string) (*billing.Account, *billing.Order, error)
	CreateKey(ctx context.Context, userID primitive.ObjectID, name string) (*billing.APIKey, string, error)
	ListKeys(ctx context.Context, userID primitive.ObjectID) ([]billing.APIKey, error)
	RevokeKey(ctx context.Context, userID primitive.ObjectID, id string) error
	ValidateKey(ctx context.Context, plaintext string) (*billing.APIKey, error)
}

// GitHub is the REST client used for sign in and profile refreshes.
type GitHub interface {
	AuthenticatedUser(ctx context.Context, token string) (*github.Profile, error)
	User(ctx context.Context, login string) (*github.Profile, error)
	Repos(ctx context.Context, login string) ([]github.Repo, error)
	SearchByLocation(ctx context.Context, location string, page int) (*github.SearchResult, error)
}

type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

type Uploader interface {
	Upload(ctx context.Context, r io.Reader, folder string) (string, error)
}

// Pinger reports whether the document store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Deps carries everything the router wires into handlers.
type Deps struct {
	Users      Users
	Matches    Matches
	Gatherings Gatherings
	Feed       Feed
	Billing    Billing
	GitHub     GitHub
	OAuth      OAuth
	Uploader   Uploader
	Sessions   *auth.Sessions
	Authorizer *auth.Authorizer
	Hub        *Hub
	DB         Pinger
}

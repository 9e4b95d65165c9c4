package feed

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"codenearby/datastore"
	"codenearby/log"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const IssueStatusField = "status"

type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueClosed     IssueStatus = "closed"
)

var (
	ErrIssueNotFound    = errors.New("issue not found")
	ErrInvalidIssue     = errors.New("title must be 3 to 120 characters and body at most 5000")
	ErrInvalidIssueStat = errors.New("status must be open, in_progress or closed")
)

// Issue is a problem report filed by a user.
type Issue struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Reporter  primitive.ObjectID `bson:"reporter" json:"reporter"`
	Title     string             `bson:"title" json:"title"`
	Body      string             `bson:"body" json:"body"`
	Status    IssueStatus        `bson:"status" json:"status"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

func (st IssueStatus) Valid() bool {
	switch st {
	case IssueOpen, IssueInProgress, IssueClosed:
		return true
	}
	return false
}

func (s *Store) CreateIssue(ctx context.Context, reporter primitive.ObjectID, title, body string) (issue *Issue, err error) {
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	if n := utf8.RuneCountInString(title); n < 3 || n > 120 || utf8.RuneCountInString(body) > MaxContentLength {
		err = ErrInvalidIssue
		return
	}
	ts := s.now()
	issue = &Issue{
		ID:        primitive.NewObjectID(),
		Reporter:  reporter,
		Title:     title,
		Body:      body,
		Status:    IssueOpen,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if _, err = s.issues.InsertOne(ctx, issue); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("reporter", reporter.Hex()).Msg("filing issue failed")
		return nil, errors.Wrap(err, "inserting issue")
	}
	return
}

// ListIssues returns issues newest first; an empty status lists all.
func (s *Store) ListIssues(ctx context.Context, status IssueStatus, limit int) (issues []Issue, err error) {
	filter := bson.M{}
	if status != "" {
		if !status.Valid() {
			err = ErrInvalidIssueStat
			return
		}
		filter[IssueStatusField] = status
	}
	cur, err := s.issues.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: datastore.CreatedAt, Value: -1}}).SetLimit(pageSize(limit)))
	if err != nil {
		err = errors.Wrap(err, "listing issues")
		return
	}
	issues = make([]Issue, 0)
	err = errors.Wrap(cur.All(ctx, &issues), "decoding issues")
	return
}

func (s *Store) SetIssueStatus(ctx context.Context, id primitive.ObjectID, status IssueStatus) (issue *Issue, err error) {
	if !status.Valid() {
		err = ErrInvalidIssueStat
		return
	}
	issue = &Issue{}
	err = s.issues.FindOneAndUpdate(ctx,
		bson.M{datastore.ObjectID: id},
		bson.M{datastore.MongoSetOperator: bson.M{IssueStatusField: status, datastore.UpdatedAt: s.now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(issue)
	if err == mongo.ErrNoDocuments {
		return nil, ErrIssueNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "updating issue")
	}
	return
}

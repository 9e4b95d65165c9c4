// Package feed stores the developer posts with their votes, and the issues
// users report.
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

// post document fields
const (
	AuthorField      = "author_id"
	ContentField     = "content"
	TagsField        = "tags"
	UpvotesField     = "upvotes"
	DownvotesField   = "downvotes"
	ScoreField       = "score"
	UpvotedByField   = "upvoted_by"
	DownvotedByField = "downvoted_by"
)

const (
	MaxContentLength = 5000
	maxTags          = 5
	maxTagLength     = 32
	maxPage          = 50
	voteAttempts     = 3
)

type SortOrder string

const (
	Recent SortOrder = "recent"
	Top    SortOrder = "top"
)

type VoteDirection string

const (
	Up   VoteDirection = "up"
	Down VoteDirection = "down"
	None VoteDirection = "none"
)

var (
	ErrNotFound       = errors.New("post not found")
	ErrForbidden      = errors.New("only the author can do that")
	ErrInvalidPost    = errors.New("content must be 1 to 5000 characters")
	ErrInvalidTags    = errors.New("at most 5 tags of up to 32 characters")
	ErrInvalidSort    = errors.New("sort must be recent or top")
	ErrInvalidVote    = errors.New("vote must be up, down or none")
	ErrVoteContention = errors.New("post is being voted on too fast, try again")
)

type Post struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Author      primitive.ObjectID   `bson:"author_id" json:"author_id"`
	Content     string               `bson:"content" json:"content"`
	ImageURL    string               `bson:"image_url,omitempty" json:"image_url,omitempty"`
	Tags        []string             `bson:"tags" json:"tags"`
	Upvotes     int                  `bson:"upvotes" json:"upvotes"`
	Downvotes   int                  `bson:"downvotes" json:"downvotes"`
	Score       int                  `bson:"score" json:"score"`
	UpvotedBy   []primitive.ObjectID `bson:"upvoted_by" json:"-"`
	DownvotedBy []primitive.ObjectID `bson:"downvoted_by" json:"-"`
	CreatedAt   time.Time            `bson:"created_at" json:"created_at"`
}

// VoteOf reports how userID voted on the post.
func (p *Post) VoteOf(userID primitive.ObjectID) VoteDirection {
	for _, id := range p.UpvotedBy {
		if id == userID {
			return Up
		}
	}
	for _, id := range p.DownvotedBy {
		if id == userID {
			return Down
		}
	}
	return None
}

type Store struct {
	posts  datastore.Collection
	issues datastore.Collection
	now    func() time.Time
}

func NewStore(db *mongo.Database) *Store {
	return NewStoreWithCollections(db.Collection(datastore.PostCollection), db.Collection(datastore.IssueCollection))
}

func NewStoreWithCollections(posts, issues datastore.Collection) *Store {
	return &Store{posts: posts, issues: issues, now: now}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func normalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t == "" || seen[t] {
			continue
		}
		if utf8.RuneCountInString(t) > maxTagLength {
			return nil, ErrInvalidTags
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > maxTags {
		return nil, ErrInvalidTags
	}
	return out, nil
}

// Create publishes a post by author.
func (s *Store) Create(ctx context.Context, author primitive.ObjectID, content string, tags []string, imageURL string) (post *Post, err error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > MaxContentLength {
		err = ErrInvalidPost
		return
	}
	if tags, err = normalizeTags(tags); err != nil {
		return
	}
	post = &Post{
		ID:          primitive.NewObjectID(),
		Author:      author,
		Content:     content,
		ImageURL:    imageURL,
		Tags:        tags,
		UpvotedBy:   []primitive.ObjectID{},
		DownvotedBy: []primitive.ObjectID{},
		CreatedAt:   s.now(),
	}
	if _, err = s.posts.InsertOne(ctx, post); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("author", author.Hex()).Msg("creating post failed")
		return nil, errors.Wrap(err, "inserting post")
	}
	return
}

func (s *Store) Get(ctx context.Context, id primitive.ObjectID) (post *Post, err error) {
	post = &Post{}
	err = s.posts.FindOne(ctx, bson.M{datastore.ObjectID: id}).Decode(post)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching post %s", id.Hex())
	}
	return
}

// Delete removes the post. Only its author may delete it.
func (s *Store) Delete(ctx context.Context, id, actor primitive.ObjectID) error {
	res, err := s.posts.DeleteOne(ctx, bson.M{datastore.ObjectID: id, AuthorField: actor})
	if err != nil {
		return errors.Wrap(err, "deleting post")
	}
	if res.DeletedCount == 1 {
		return nil
	}
	if _, err = s.Get(ctx, id); err != nil {
		return err
	}
	return ErrForbidden
}

// List pages through posts. Recent pages with the before cursor, top orders
// by score.
func (s *Store) List(ctx context.Context, order SortOrder, before time.Time, limit int) ([]Post, error) {
	filter := bson.M{}
	var sort bson.D
	switch order {
	case Recent, "":
		if !before.IsZero() {
			filter[datastore.CreatedAt] = bson.M{datastore.MongoLtOperator: before}
		}
		sort = bson.D{{Key: datastore.CreatedAt, Value: -1}}
	case Top:
		sort = bson.D{{Key: ScoreField, Value: -1}, {Key: datastore.CreatedAt, Value: -1}}
	default:
		return nil, ErrInvalidSort
	}
	return s.find(ctx, filter, options.Find().SetSort(sort).SetLimit(pageSize(limit)))
}

// PostsByAuthor lists author's posts, newest first.
func (s *Store) PostsByAuthor(ctx context.Context, author primitive.ObjectID, limit int) ([]Post, error) {
	return s.find(ctx, bson.M{AuthorField: author},
		options.Find().SetSort(bson.D{{Key: datastore.CreatedAt, Value: -1}}).SetLimit(pageSize(limit)))
}

func pageSize(limit int) int64 {
	if limit < 1 {
		return 20
	}
	if limit > maxPage {
		return maxPage
	}
	return int64(limit)
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) (posts []Post, err error) {
	cur, err := s.posts.Find(ctx, filter, opts)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("listing posts failed")
		err = errors.Wrap(err, "listing posts")
		return
	}
	posts = make([]Post, 0)
	err = errors.Wrap(cur.All(ctx, &posts), "decoding posts")
	return
}

// voteTransition builds the conditional update taking userID's vote from
// one direction to another. The filter pins the current state, so the
// update applies at most once even when requests race.
func voteTransition(id, userID primitive.ObjectID, from, to VoteDirection) (bson.M, bson.D) {
	filter := bson.M{datastore.ObjectID: id}
	switch from {
	case Up:
		filter[UpvotedByField] = userID
	case Down:
		filter[DownvotedByField] = userID
	default:
		filter[UpvotedByField] = bson.M{datastore.MongoNeOperator: userID}
		filter[DownvotedByField] = bson.M{datastore.MongoNeOperator: userID}
	}

	inc := bson.D{}
	score := 0
	var pull, add bson.D
	switch from {
	case Up:
		pull = append(pull, bson.E{Key: UpvotedByField, Value: userID})
		inc = append(inc, bson.E{Key: UpvotesField, Value: -1})
		score--
	case Down:
		pull = append(pull, bson.E{Key: DownvotedByField, Value: userID})
		inc = append(inc, bson.E{Key: DownvotesField, Value: -1})
		score++
	}
	switch to {
	case Up:
		add = append(add, bson.E{Key: UpvotedByField, Value: userID})
		inc = append(inc, bson.E{Key: UpvotesField, Value: 1})
		score++
	case Down:
		add = append(add, bson.E{Key: DownvotedByField, Value: userID})
		inc = append(inc, bson.E{Key: DownvotesField, Value: 1})
		score--
	}
	inc = append(inc, bson.E{Key: ScoreField, Value: score})

	update := bson.D{{Key: datastore.MongoIncOperator, Value: inc}}
	if len(pull) > 0 {
		update = append(update, bson.E{Key: datastore.MongoPullOperator, Value: pull})
	}
	if len(add) > 0 {
		update = append(update, bson.E{Key: datastore.MongoAddToSetOperator, Value: add})
	}
	return filter, update
}

// Vote sets userID's vote on the post and returns the updated post. Voting
// the current direction again changes nothing.
func (s *Store) Vote(ctx context.Context, id, userID primitive.ObjectID, dir VoteDirection) (*Post, error) {
	if dir != Up && dir != Down && dir != None {
		return nil, ErrInvalidVote
	}
	for attempt := 0; attempt < voteAttempts; attempt++ {
		post, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		from := post.VoteOf(userID)
		if from == dir {
			return post, nil
		}
		filter, update := voteTransition(id, userID, from, dir)
		updated := &Post{}
		err = s.posts.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(updated)
		if err == nil {
			return updated, nil
		}
		if err != mongo.ErrNoDocuments {
			log.Ctx(ctx).Error().Err(err).Str("post", id.Hex()).Msg("voting failed")
			return nil, errors.Wrap(err, "updating votes")
		}
		// the vote changed under us; look again
	}
	return nil, ErrVoteContention
}

// Package match implements the swipe based discovery flow. Two right swipes
// on each other produce a connection and make the developers friends.
package match

import (
	"context"
	"time"

	"codenearby/datastore"
	"codenearby/log"
	"codenearby/metrics"
	"codenearby/user"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// swipe and connection document fields
const (
	SwiperField    = "swiper"
	TargetField    = "target"
	DirectionField = "direction"
	PairField      = "pair"
	UsersField     = "users"
)

type Direction string

const (
	Right Direction = "right"
	Left  Direction = "left"
)

const maxCandidates = 50

var (
	ErrSelfSwipe        = errors.New("cannot swipe on yourself")
	ErrInvalidDirection = errors.New("direction must be left or right")
)

// Users is the part of the user store matching relies on.
type Users interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*user.User, error)
	GetMany(ctx context.Context, ids []primitive.ObjectID) ([]user.User, error)
	Discover(ctx context.Context, exclude []primitive.ObjectID, limit int) ([]user.User, error)
	AddFriendship(ctx context.Context, a, b primitive.ObjectID) error
}

type Swipe struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Swiper    primitive.ObjectID `bson:"swiper" json:"swiper"`
	Target    primitive.ObjectID `bson:"target" json:"target"`
	Direction Direction          `bson:"direction" json:"direction"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// Connection is created once per mutual match, keyed by the sorted pair.
type Connection struct {
	ID        primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Pair      string               `bson:"pair" json:"-"`
	Users     []primitive.ObjectID `bson:"users" json:"users"`
	CreatedAt time.Time            `bson:"created_at" json:"created_at"`
}

// ConnectionView pairs a connection with the other developer's profile.
type ConnectionView struct {
	Connection
	Peer user.PublicProfile `json:"peer"`
}

type SwipeResult struct {
	Swipe   Swipe `json:"swipe"`
	Matched bool  `json:"matched"`
}

type Store struct {
	swipes      datastore.Collection
	connections datastore.Collection
	users       Users
	now         func() time.Time
}

func NewStore(db *mongo.Database, users Users) *Store {
	return NewStoreWithCollections(
		db.Collection(datastore.SwipeCollection),
		db.Collection(datastore.ConnectionCollection),
		users,
	)
}

func NewStoreWithCollections(swipes, connections datastore.Collection, users Users) *Store {
	return &Store{swipes: swipes, connections: connections, users: users, now: now}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Candidates returns developers to swipe on: not the user, not a friend, and
// not swiped before.
func (s *Store) Candidates(ctx context.Context, userID primitive.ObjectID, limit int) ([]user.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	swiped, err := s.swipedTargets(ctx, userID)
	if err != nil {
		return nil, err
	}
	exclude := make([]primitive.ObjectID, 0, 1+len(u.Friends)+len(swiped))
	exclude = append(exclude, userID)
	exclude = append(exclude, u.Friends...)
	exclude = append(exclude, swiped...)
	if limit < 1 {
		limit = 1
	} else if limit > maxCandidates {
		limit = maxCandidates
	}
	return s.users.Discover(ctx, exclude, limit)
}

func (s *Store) swipedTargets(ctx context.Context, swiper primitive.ObjectID) (ids []primitive.ObjectID, err error) {
	cur, err := s.swipes.Find(ctx, bson.M{SwiperField: swiper},
		options.Find().SetProjection(bson.M{TargetField: 1}))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("swiper", swiper.Hex()).Msg("listing swipes failed")
		err = errors.Wrap(err, "listing swipes")
		return
	}
	swipes := make([]Swipe, 0)
	if err = cur.All(ctx, &swipes); err != nil {
		err = errors.Wrap(err, "decoding swipes")
		return
	}
	ids = make([]primitive.ObjectID, 0, len(swipes))
	for _, sw := range swipes {
		ids = append(ids, sw.Target)
	}
	return
}

// Swipe records how swiper feels about target. A repeated swipe replaces the
// earlier direction. A right swipe answered by a right swipe is a match.
func (s *Store) Swipe(ctx context.Context, swiper, target primitive.ObjectID, dir Direction) (res *SwipeResult, err error) {
	if dir != Right && dir != Left {
		err = ErrInvalidDirection
		return
	}
	if swiper == target {
		err = ErrSelfSwipe
		return
	}
	if _, err = s.users.GetByID(ctx, target); err != nil {
		return
	}

	ts := s.now()
	filter := bson.M{SwiperField: swiper, TargetField: target}
	update := bson.D{
		{Key: datastore.MongoSetOperator, Value: bson.D{
			{Key: DirectionField, Value: dir},
			{Key: datastore.UpdatedAt, Value: ts},
		}},
		{Key: datastore.MongoSetOnInsertOperator, Value: bson.D{{Key: datastore.CreatedAt, Value: ts}}},
	}
	if _, err = s.swipes.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("swiper", swiper.Hex()).Str("target", target.Hex()).Msg("recording swipe failed")
		err = errors.Wrap(err, "recording swipe")
		return
	}
	metrics.Swipes.WithLabelValues(string(dir)).Inc()
	res = &SwipeResult{Swipe: Swipe{Swiper: swiper, Target: target, Direction: dir, UpdatedAt: ts}}
	if dir != Right {
		return
	}

	reciprocal := &Swipe{}
	err = s.swipes.FindOne(ctx, bson.M{SwiperField: target, TargetField: swiper, DirectionField: Right}).Decode(reciprocal)
	if err == mongo.ErrNoDocuments {
		err = nil
		return
	}
	if err != nil {
		err = errors.Wrap(err, "checking reciprocal swipe")
		return
	}
	if err = s.connect(ctx, swiper, target, ts); err != nil {
		return
	}
	res.Matched = true
	return
}

// connect records the match once and befriends both sides.
func (s *Store) connect(ctx context.Context, a, b primitive.ObjectID, ts time.Time) error {
	first, second := datastore.SortObjectIDs(a, b)
	res, err := s.connections.UpdateOne(ctx,
		bson.M{PairField: datastore.PairKey(a, b)},
		bson.D{{Key: datastore.MongoSetOnInsertOperator, Value: bson.D{
			{Key: UsersField, Value: []primitive.ObjectID{first, second}},
			{Key: datastore.CreatedAt, Value: ts},
		}}},
		options.Update().SetUpsert(true))
	if err != nil {
		if !datastore.IsDuplicateKey(err) { // a concurrent swipe already created it
			log.Ctx(ctx).Error().Err(err).Str("pair", datastore.PairKey(a, b)).Msg("recording connection failed")
			return errors.Wrap(err, "recording connection")
		}
	} else if res.UpsertedCount == 1 {
		metrics.MatchesCreated.Inc()
		log.Ctx(ctx).Info().Str("pair", datastore.PairKey(a, b)).Msg("new match")
	}
	return s.users.AddFriendship(ctx, a, b)
}

// Connections lists the user's matches, newest first.
func (s *Store) Connections(ctx context.Context, userID primitive.ObjectID) (views []ConnectionView, err error) {
	cur, err := s.connections.Find(ctx, bson.M{UsersField: userID},
		options.Find().SetSort(bson.D{{Key: datastore.CreatedAt, Value: -1}}))
	if err != nil {
		err = errors.Wrap(err, "listing connections")
		return
	}
	conns := make([]Connection, 0)
	if err = cur.All(ctx, &conns); err != nil {
		err = errors.Wrap(err, "decoding connections")
		return
	}

	peers := make([]primitive.ObjectID, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, peerOf(c, userID))
	}
	profiles, err := s.users.GetMany(ctx, peers)
	if err != nil {
		return
	}
	byID := make(map[primitive.ObjectID]user.User, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	views = make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		p, ok := byID[peerOf(c, userID)]
		if !ok { // account deleted since
			continue
		}
		views = append(views, ConnectionView{Connection: c, Peer: p.Public()})
	}
	return
}

func peerOf(c Connection, self primitive.ObjectID) primitive.ObjectID {
	for _, id := range c.Users {
		if id != self {
			return id
		}
	}
	return self
}

// Package gathering manages short-lived rooms addressed by a slug. Room
// membership lives in mongo, chat lines and polls in the realtime store.
package gathering

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"codenearby/datastore"
	"codenearby/log"
	"codenearby/realtime"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// gathering document fields
const (
	SlugField         = "slug"
	NameField         = "name"
	HostField         = "host_id"
	ParticipantsField = "participants"
	ExpiresAtField    = "expires_at"
)

const (
	SlugLength      = 8
	MinDuration     = 15 * time.Minute
	MaxDuration     = 7 * 24 * time.Hour
	DefaultDuration = 24 * time.Hour
	slugAttempts    = 3
)

var (
	ErrNotFound        = errors.New("gathering not found")
	ErrExpired         = errors.New("gathering has expired")
	ErrInvalidName     = errors.New("name must be 3 to 80 characters")
	ErrInvalidDuration = errors.New("duration must be between 15 minutes and 7 days")
	ErrHostCannotLeave = errors.New("the host cannot leave the gathering")
	ErrForbidden       = errors.New("only the host can do that")
	ErrNotParticipant  = errors.New("join the gathering first")
	ErrSlugExhausted   = errors.New("could not allocate a gathering slug")
)

// Gathering is a room with an expiry. Participants always include the host.
type Gathering struct {
	ID           primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Slug         string               `bson:"slug" json:"slug"`
	Name         string               `bson:"name" json:"name"`
	Description  string               `bson:"description" json:"description"`
	Host         primitive.ObjectID   `bson:"host_id" json:"host_id"`
	Participants []primitive.ObjectID `bson:"participants" json:"participants"`
	CreatedAt    time.Time            `bson:"created_at" json:"created_at"`
	ExpiresAt    time.Time            `bson:"expires_at" json:"expires_at"`
}

func (g *Gathering) IsParticipant(id primitive.ObjectID) bool {
	for _, p := range g.Participants {
		if p == id {
			return true
		}
	}
	return false
}

func (g *Gathering) expired(at time.Time) bool {
	return !at.Before(g.ExpiresAt)
}

// Records is the realtime storage used for chat lines and polls.
type Records interface {
	Put(key string, v interface{}, ttl time.Duration) error
	Get(key string, v interface{}) error
	Update(key string, v interface{}, ttl time.Duration, mutate func() error) error
	Scan(prefix string, fn func(key string, decode realtime.Decoder) error) error
	Tail(prefix string, n int, fn func(key string, decode realtime.Decoder) error) error
	DeletePrefix(prefix string) error
}

type Store struct {
	gatherings datastore.Collection
	records    Records
	pub        Publisher
	now        func() time.Time
	newSlug    func() string
}

func NewStore(db *mongo.Database, records Records, pub Publisher) *Store {
	return NewStoreWithCollection(db.Collection(datastore.GatheringCollection), records, pub)
}

func NewStoreWithCollection(gatherings datastore.Collection, records Records, pub Publisher) *Store {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Store{gatherings: gatherings, records: records, pub: pub, now: now, newSlug: newSlug}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:SlugLength]
}

// Create opens a gathering hosted by host. A zero duration means a day.
func (s *Store) Create(ctx context.Context, host primitive.ObjectID, name, description string, duration time.Duration) (g *Gathering, err error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < 3 || n > 80 {
		err = ErrInvalidName
		return
	}
	if duration == 0 {
		duration = DefaultDuration
	}
	if duration < MinDuration || duration > MaxDuration {
		err = ErrInvalidDuration
		return
	}

	ts := s.now()
	g = &Gathering{
		Name:         name,
		Description:  strings.TrimSpace(description),
		Host:         host,
		Participants: []primitive.ObjectID{host},
		CreatedAt:    ts,
		ExpiresAt:    ts.Add(duration),
	}
	for attempt := 0; attempt < slugAttempts; attempt++ {
		g.ID = primitive.NewObjectID()
		g.Slug = s.newSlug()
		_, err = s.gatherings.InsertOne(ctx, g)
		if err == nil {
			log.Ctx(ctx).Info().Str("slug", g.Slug).Str("host", host.Hex()).Msg("gathering created")
			return
		}
		if !datastore.IsDuplicateKey(err) {
			log.Ctx(ctx).Error().Err(err).Str("host", host.Hex()).Msg("creating gathering failed")
			return nil, errors.Wrap(err, "inserting gathering")
		}
	}
	return nil, ErrSlugExhausted
}

// find loads the gathering without looking at its expiry.
func (s *Store) find(ctx context.Context, slug string) (g *Gathering, err error) {
	g = &Gathering{}
	err = s.gatherings.FindOne(ctx, bson.M{SlugField: slug}).Decode(g)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching gathering %s", slug)
	}
	return
}

// Get returns a live gathering.
func (s *Store) Get(ctx context.Context, slug string) (*Gathering, error) {
	g, err := s.find(ctx, slug)
	if err != nil {
		return nil, err
	}
	if g.expired(s.now()) {
		return nil, ErrExpired
	}
	return g, nil
}

// Join adds userID to the participants. Joining twice is harmless.
func (s *Store) Join(ctx context.Context, slug string, userID primitive.ObjectID) (*Gathering, error) {
	return s.membership(ctx, slug, bson.M{datastore.MongoAddToSetOperator: bson.M{ParticipantsField: userID}})
}

// Leave removes m from the participants and tells the room, which drops
// m's live connections.
func (s *Store) Leave(ctx context.Context, slug string, m Member) (*Gathering, error) {
	g, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if g.Host == m.ID {
		return nil, ErrHostCannotLeave
	}
	g, err = s.membership(ctx, slug, bson.M{datastore.MongoPullOperator: bson.M{ParticipantsField: m.ID}})
	if err != nil {
		return nil, err
	}
	s.pub.Publish(slug, Event{Type: EventLeft, Gathering: slug, Data: m})
	return g, nil
}

func (s *Store) membership(ctx context.Context, slug string, update bson.M) (g *Gathering, err error) {
	ts := s.now()
	g = &Gathering{}
	err = s.gatherings.FindOneAndUpdate(ctx,
		bson.M{SlugField: slug, ExpiresAtField: bson.M{datastore.MongoGtOperator: ts}},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(g)
	if err == mongo.ErrNoDocuments {
		// tell a missing gathering apart from an expired one
		if _, err = s.Get(ctx, slug); err == nil {
			err = ErrNotFound
		}
		return nil, err
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("slug", slug).Msg("updating participants failed")
		return nil, errors.Wrap(err, "updating participants")
	}
	return
}

// Delete removes the gathering with its chat and polls. Host only.
func (s *Store) Delete(ctx context.Context, slug string, actor primitive.ObjectID) error {
	g, err := s.find(ctx, slug)
	if err != nil {
		return err
	}
	if g.Host != actor {
		return ErrForbidden
	}
	res, err := s.gatherings.DeleteOne(ctx, bson.M{SlugField: slug, HostField: actor})
	if err != nil {
		return errors.Wrap(err, "deleting gathering")
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if err = s.records.DeletePrefix(recordPrefix(slug)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("slug", slug).Msg("purging gathering records failed")
	}
	s.pub.Publish(slug, Event{Type: EventDeleted, Gathering: slug})
	return nil
}

// Active lists live gatherings userID takes part in, soonest to expire first.
func (s *Store) Active(ctx context.Context, userID primitive.ObjectID) (gs []Gathering, err error) {
	cur, err := s.gatherings.Find(ctx,
		bson.M{ParticipantsField: userID, ExpiresAtField: bson.M{datastore.MongoGtOperator: s.now()}},
		options.Find().SetSort(bson.D{{Key: ExpiresAtField, Value: 1}}))
	if err != nil {
		err = errors.Wrap(err, "listing gatherings")
		return
	}
	gs = make([]Gathering, 0)
	err = errors.Wrap(cur.All(ctx, &gs), "decoding gatherings")
	return
}

// participant loads a live gathering and checks userID is in it.
func (s *Store) participant(ctx context.Context, slug string, userID primitive.ObjectID) (*Gathering, error) {
	g, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !g.IsParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return g, nil
}

func (s *Store) ttl(g *Gathering) time.Duration {
	return g.ExpiresAt.Sub(s.now())
}

package user

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"codenearby/datastore"
	"codenearby/datastore/datastoretest"
	"codenearby/github"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

var errFindFailed = errors.New("find failure")

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakes struct {
	users, requests, messages *datastoretest.Collection
}

func newTestStore() (*Store, *fakes) {
	f := &fakes{
		users:    &datastoretest.Collection{},
		requests: &datastoretest.Collection{},
		messages: &datastoretest.Collection{},
	}
	s := NewStoreWithCollections(f.users, f.requests, f.messages)
	s.now = func() time.Time { return fixedNow }
	return s, f
}

func TestUpsertFromGitHub(t *testing.T) {
	s, f := newTestStore()
	profile := &github.Profile{ID: 583231, Login: "octocat", Name: "", AvatarURL: "https://a/octo.png"}

	f.users.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		assert.Equal(t, bson.M{GitHubIDField: int64(583231)}, filter)
		return datastoretest.Found(User{ID: primitive.NewObjectID(), GitHubID: 583231, Login: "octocat",
			Name: "octocat", CreatedAt: fixedNow})
	}
	u, created, err := s.UpsertFromGitHub(context.Background(), profile)
	require.NoError(t, err)
	assert.True(t, created, "first sign in")
	assert.Equal(t, "octocat", u.Name, "name falls back to login")

	set := f.users.Calls("FindOneAndUpdate")[0].Update.(bson.D)[0].Value.(bson.D)
	assert.Contains(t, set, bson.E{Key: NameField, Value: "octocat"})
	assert.Contains(t, set, bson.E{Key: LastLoginField, Value: fixedNow})

	f.users.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		return datastoretest.Found(User{GitHubID: 583231, Login: "octocat", CreatedAt: fixedNow.Add(-time.Hour)})
	}
	_, created, err = s.UpsertFromGitHub(context.Background(), profile)
	require.NoError(t, err)
	assert.False(t, created, "returning user")

	_, _, err = s.UpsertFromGitHub(context.Background(), &github.Profile{Login: "nobody"})
	assert.Equal(t, ErrGitHubIDRequired, err)

	f.users.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		return datastoretest.Failed(errFindFailed)
	}
	u, _, err = s.UpsertFromGitHub(context.Background(), profile)
	assert.True(t, errors.Is(err, errFindFailed))
	assert.Nil(t, u)
}

func TestGetByID(t *testing.T) {
	s, f := newTestStore()
	id := primitive.NewObjectID()

	u, err := s.GetByID(context.Background(), id)
	assert.Equal(t, ErrNotFound, err, "non-existent user ID")
	assert.Nil(t, u)

	f.users.FindOneFn = func(filter interface{}) *mongo.SingleResult {
		assert.Equal(t, bson.M{datastore.ObjectID: id}, filter)
		return datastoretest.Found(User{ID: id, Login: "octocat"})
	}
	u, err = s.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	f.users.FindOneFn = func(interface{}) *mongo.SingleResult { return datastoretest.Failed(errFindFailed) }
	_, err = s.GetByID(context.Background(), id)
	assert.True(t, errors.Is(err, errFindFailed))
}

func TestGetByLoginEscapesInput(t *testing.T) {
	s, f := newTestStore()
	_, err := s.GetByLogin(context.Background(), "a.b*")
	assert.Equal(t, ErrNotFound, err)
	filter := f.users.Calls("FindOne")[0].Filter.(bson.M)
	assert.Equal(t, primitive.Regex{Pattern: `^a\.b\*$`, Options: "i"}, filter[LoginField])

	_, err = s.GetByLogin(context.Background(), "")
	assert.Equal(t, ErrNotFound, err)
}

func TestUpdateProfile(t *testing.T) {
	s, f := newTestStore()
	id := primitive.NewObjectID()

	_, err := s.UpdateProfile(context.Background(), id, ProfileUpdate{})
	assert.Equal(t, ErrNothingToUpdate, err)

	f.users.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		return datastoretest.Found(User{ID: id, Bio: "gopher"})
	}
	u, err := s.UpdateProfile(context.Background(), id, ProfileUpdate{
		Bio:    "gopher",
		Skills: []string{" Go ", "go", "", "Kubernetes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gopher", u.Bio)

	set := f.users.Calls("FindOneAndUpdate")[0].Update.(bson.M)[datastore.MongoSetOperator].(map[string]interface{})
	assert.Equal(t, "gopher", set[BioField])
	assert.Equal(t, []string{"Go", "Kubernetes"}, set[SkillsField])
	assert.NotContains(t, set, NameField, "blank fields are left alone")
	assert.Equal(t, fixedNow, set[datastore.UpdatedAt])

	f.users.FindOneAndUpdateFn = nil
	_, err = s.UpdateProfile(context.Background(), id, ProfileUpdate{Name: "x"})
	assert.Equal(t, ErrNotFound, err)
}

func TestNormalizeSkills(t *testing.T) {
	many := make([]string, 0)
	for i := 0; i < 30; i++ {
		many = append(many, randomString(8))
	}
	tests := []struct {
		name string
		in   []string
		exp  int
	}{
		{"empty clears", []string{}, 0},
		{"dedupe case-insensitive", []string{"Go", "GO", "go"}, 1},
		{"too long dropped", []string{randomString(maxSkillLength + 1), "Rust"}, 1},
		{"bounded", many, maxSkills},
	}
	for _, tc := range tests {
		assert.Len(t, normalizeSkills(tc.in), tc.exp, tc.name)
	}
}

func TestUpdateLocation(t *testing.T) {
	s, f := newTestStore()
	id := primitive.NewObjectID()

	for _, c := range [][2]float64{{91, 0}, {0, 181}, {-90.5, 10}} {
		_, err := s.UpdateLocation(context.Background(), id, c[0], c[1], "")
		assert.Equal(t, ErrInvalidLocation, err, "%v", c)
	}

	f.users.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		return datastoretest.Found(User{ID: id, Onboarded: true, Coordinates: NewPoint(52.52, 13.405)})
	}
	u, err := s.UpdateLocation(context.Background(), id, 52.52, 13.405, " Berlin ")
	require.NoError(t, err)
	assert.Equal(t, 52.52, u.Coordinates.Lat())
	assert.Equal(t, 13.405, u.Coordinates.Lng())

	set := f.users.Calls("FindOneAndUpdate")[0].Update.(bson.M)[datastore.MongoSetOperator].(bson.M)
	assert.Equal(t, "Berlin", set[LocationField])
	assert.Equal(t, []float64{13.405, 52.52}, set[CoordinatesField].(*Point).Coordinates, "GeoJSON is lng, lat")
}

func TestNearby(t *testing.T) {
	s, f := newTestStore()
	self := primitive.NewObjectID()

	_, err := s.Nearby(context.Background(), 52.52, 13.405, 0, 10)
	assert.Equal(t, ErrInvalidLocation, err)
	_, err = s.Nearby(context.Background(), 52.52, 13.405, maxRadiusKm+1, 10)
	assert.Equal(t, ErrInvalidLocation, err)

	potsdam := User{ID: primitive.NewObjectID(), Login: "potsdam-dev", Coordinates: NewPoint(52.3906, 13.0645)}
	f.users.FindFn = func(filter interface{}) (*mongo.Cursor, error) {
		fm := filter.(bson.M)
		assert.Contains(t, fm, CoordinatesField)
		assert.Equal(t, bson.M{datastore.MongoNinOperator: []primitive.ObjectID{self}}, fm[datastore.ObjectID])
		return datastoretest.Cursor(potsdam)
	}
	found, err := s.Nearby(context.Background(), 52.52, 13.405, 50, 500, self)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "potsdam-dev", found[0].User.Login)
	assert.InDelta(t, 27, found[0].DistanceKm, 2)
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 878, Distance(52.52, 13.405, 48.8566, 2.3522), 5, "Berlin to Paris")
	assert.Equal(t, 0.0, Distance(10, 10, 10, 10))
}

func TestSearch(t *testing.T) {
	s, f := newTestStore()
	for _, q := range []string{"", "a", " b ", randomString(65)} {
		_, err := s.Search(context.Background(), q, 10)
		assert.Equal(t, ErrInvalidQuery, err, q)
	}
	f.users.FindFn = func(interface{}) (*mongo.Cursor, error) {
		return datastoretest.Cursor(User{Login: "gopher"}, User{Login: "gopherina"})
	}
	users, err := s.Search(context.Background(), "goph", 10)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	// lengths count characters, not bytes
	_, err = s.Search(context.Background(), "日本", 10)
	assert.NoError(t, err)
	_, err = s.Search(context.Background(), strings.Repeat("ü", 64), 10)
	assert.NoError(t, err)
	_, err = s.Search(context.Background(), strings.Repeat("ü", 65), 10)
	assert.Equal(t, ErrInvalidQuery, err)
}

func TestPublicProfileHidesPrivateFields(t *testing.T) {
	u := &User{ID: primitive.NewObjectID(), Login: "octocat", Email: "octo@github.com",
		Friends: []primitive.ObjectID{primitive.NewObjectID()}}
	p := u.Public()
	assert.Equal(t, "octocat", p.Login)
	assert.NotNil(t, p.Skills, "empty lists serialize as []")
	assert.Equal(t, u.ID.Hex(), u.String())
}

var seededRand = rand.New(rand.NewSource(time.Now().UnixNano()))

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[seededRand.Intn(len(charset))]
	}
	return string(b)
}

func TestDiscoverExcludes(t *testing.T) {
	s, f := newTestStore()
	skip := []primitive.ObjectID{primitive.NewObjectID(), primitive.NewObjectID()}
	f.users.FindFn = func(filter interface{}) (*mongo.Cursor, error) {
		fm := filter.(bson.M)
		assert.Equal(t, bson.M{datastore.MongoNinOperator: skip}, fm[datastore.ObjectID])
		assert.Equal(t, true, fm[OnboardedField])
		assert.Contains(t, fm, "$or")
		return datastoretest.Cursor(User{Login: "candidate", Skills: []string{"Go"}})
	}
	users, err := s.Discover(context.Background(), skip, 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "candidate", users[0].Login)
}

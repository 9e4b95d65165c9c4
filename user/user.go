package user

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"codenearby/datastore"
	"codenearby/github"
	"codenearby/log"

	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// user document fields
const (
	GitHubIDField         = "github_id"
	LoginField            = "login"
	NameField             = "name"
	EmailField            = "email"
	AvatarField           = "avatar_url"
	HTMLURLField          = "html_url"
	BioField              = "bio"
	CompanyField          = "company"
	BlogField             = "blog"
	LocationField         = "location"
	CoordinatesField      = "coordinates"
	SkillsField           = "skills"
	LanguagesField        = "languages"
	PublicReposField      = "public_repos"
	FollowersField        = "followers"
	FollowingField        = "following"
	FriendsField          = "friends"
	SentRequestsField     = "sent_requests"
	ReceivedRequestsField = "received_requests"
	OnboardedField        = "onboarded"
	LastLoginField        = "last_login"
)

const (
	maxSkills      = 20
	maxSkillLength = 32
	maxRadiusKm    = 500
	maxNearby      = 100
	earthRadiusKm  = 6371.0
)

var (
	ErrNotFound         = errors.New("user not found")
	ErrNothingToUpdate  = errors.New("nothing to update")
	ErrInvalidLocation  = errors.New("invalid location")
	ErrInvalidQuery     = errors.New("search query must be 2 to 64 characters")
	ErrInvalidProfile   = errors.New("invalid profile")
	ErrGitHubIDRequired = errors.New("github profile without id")
)

// Point is a GeoJSON point. Coordinates are [longitude, latitude].
type Point struct {
	Type        string    `bson:"type" json:"type"`
	Coordinates []float64 `bson:"coordinates" json:"coordinates"`
}

func NewPoint(lat, lng float64) *Point {
	return &Point{Type: "Point", Coordinates: []float64{lng, lat}}
}

func (p *Point) Lat() float64 { return p.Coordinates[1] }
func (p *Point) Lng() float64 { return p.Coordinates[0] }

// User details
type User struct {
	ID               primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	GitHubID         int64                `bson:"github_id" json:"github_id"`
	Login            string               `bson:"login" json:"login"`
	Name             string               `bson:"name" json:"name"`
	Email            string               `bson:"email" json:"email,omitempty"`
	AvatarURL        string               `bson:"avatar_url" json:"avatar_url"`
	HTMLURL          string               `bson:"html_url" json:"html_url"`
	Bio              string               `bson:"bio" json:"bio"`
	Company          string               `bson:"company" json:"company"`
	Blog             string               `bson:"blog" json:"blog"`
	Location         string               `bson:"location" json:"location"`
	Coordinates      *Point               `bson:"coordinates,omitempty" json:"coordinates,omitempty"`
	Skills           []string             `bson:"skills" json:"skills"`
	Languages        []string             `bson:"languages" json:"languages"`
	PublicRepos      int                  `bson:"public_repos" json:"public_repos"`
	Followers        int                  `bson:"followers" json:"followers"`
	Following        int                  `bson:"following" json:"following"`
	Friends          []primitive.ObjectID `bson:"friends" json:"friends"`
	SentRequests     []primitive.ObjectID `bson:"sent_requests" json:"sent_requests"`
	ReceivedRequests []primitive.ObjectID `bson:"received_requests" json:"received_requests"`
	Onboarded        bool                 `bson:"onboarded" json:"onboarded"`
	LastLogin        time.Time            `bson:"last_login" json:"last_login"`
	CreatedAt        time.Time            `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time            `bson:"updated_at" json:"updated_at"`
}

func (u *User) String() string {
	return u.ID.Hex()
}

// HasFriend reports whether id is in the user's friend list.
func (u *User) HasFriend(id primitive.ObjectID) bool {
	return containsID(u.Friends, id)
}

// PublicProfile is what other developers get to see.
type PublicProfile struct {
	ID          primitive.ObjectID `json:"id"`
	Login       string             `json:"login"`
	Name        string             `json:"name"`
	AvatarURL   string             `json:"avatar_url"`
	HTMLURL     string             `json:"html_url"`
	Bio         string             `json:"bio"`
	Company     string             `json:"company"`
	Blog        string             `json:"blog"`
	Location    string             `json:"location"`
	Skills      []string           `json:"skills"`
	Languages   []string           `json:"languages"`
	PublicRepos int                `json:"public_repos"`
	Followers   int                `json:"followers"`
	Following   int                `json:"following"`
}

func (u *User) Public() PublicProfile {
	return PublicProfile{
		ID:          u.ID,
		Login:       u.Login,
		Name:        u.Name,
		AvatarURL:   u.AvatarURL,
		HTMLURL:     u.HTMLURL,
		Bio:         u.Bio,
		Company:     u.Company,
		Blog:        u.Blog,
		Location:    u.Location,
		Skills:      nonNil(u.Skills),
		Languages:   nonNil(u.Languages),
		PublicRepos: u.PublicRepos,
		Followers:   u.Followers,
		Following:   u.Following,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return make([]string, 0)
	}
	return s
}

// Store persists users, friend requests and direct messages.
type Store struct {
	users    datastore.Collection
	requests datastore.Collection
	messages datastore.Collection
	now      func() time.Time
}

func NewStore(db *mongo.Database) *Store {
	return NewStoreWithCollections(
		db.Collection(datastore.UserCollection),
		db.Collection(datastore.FriendRequestCollection),
		db.Collection(datastore.MessageCollection),
	)
}

func NewStoreWithCollections(users, requests, messages datastore.Collection) *Store {
	return &Store{users: users, requests: requests, messages: messages, now: now}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond) // mongo keeps milliseconds
}

// UpsertFromGitHub creates the user on first sign in and refreshes the GitHub
// sourced fields on every later one. created reports a first sign in.
func (s *Store) UpsertFromGitHub(ctx context.Context, p *github.Profile) (user *User, created bool, err error) {
	if p == nil || p.ID == 0 {
		err = ErrGitHubIDRequired
		return
	}
	ts := s.now()
	update := bson.D{
		{Key: datastore.MongoSetOperator, Value: bson.D{
			{Key: LoginField, Value: p.Login},
			{Key: NameField, Value: firstNonEmpty(p.Name, p.Login)},
			{Key: EmailField, Value: p.Email},
			{Key: AvatarField, Value: p.AvatarURL},
			{Key: HTMLURLField, Value: p.HTMLURL},
			{Key: PublicReposField, Value: p.PublicRepos},
			{Key: FollowersField, Value: p.Followers},
			{Key: FollowingField, Value: p.Following},
			{Key: LastLoginField, Value: ts},
			{Key: datastore.UpdatedAt, Value: ts},
		}},
		// editable in the app afterwards, so GitHub only seeds them
		{Key: datastore.MongoSetOnInsertOperator, Value: bson.D{
			{Key: BioField, Value: p.Bio},
			{Key: CompanyField, Value: p.Company},
			{Key: BlogField, Value: p.Blog},
			{Key: LocationField, Value: p.Location},
			{Key: SkillsField, Value: bson.A{}},
			{Key: LanguagesField, Value: bson.A{}},
			{Key: FriendsField, Value: bson.A{}},
			{Key: SentRequestsField, Value: bson.A{}},
			{Key: ReceivedRequestsField, Value: bson.A{}},
			{Key: OnboardedField, Value: false},
			{Key: datastore.CreatedAt, Value: ts},
		}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	user = &User{}
	err = s.users.FindOneAndUpdate(ctx, bson.M{GitHubIDField: p.ID}, update, opts).Decode(user)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("login", p.Login).Msg("upserting github user failed")
		user = nil
		err = errors.Wrapf(err, "upserting github user %s", p.Login)
		return
	}
	created = user.CreatedAt.Equal(ts)
	return
}

func (s *Store) findOne(ctx context.Context, filter bson.M, what string) (user *User, err error) {
	user = &User{}
	err = s.users.FindOne(ctx, filter).Decode(user)
	if err != nil {
		user = nil
		if err == mongo.ErrNoDocuments {
			log.Ctx(ctx).Debug().Str("user", what).Msg("no user found")
			err = ErrNotFound
		} else {
			log.Ctx(ctx).Error().Err(err).Str("user", what).Msg("decoding(unmarshal) user fetch result failed")
			err = errors.Wrapf(err, "fetching user %s", what)
		}
	}
	return
}

func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (*User, error) {
	return s.findOne(ctx, bson.M{datastore.ObjectID: id}, id.Hex())
}

// GetByLogin matches the GitHub login case-insensitively.
func (s *Store) GetByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, ErrNotFound
	}
	filter := bson.M{LoginField: primitive.Regex{Pattern: "^" + regexp.QuoteMeta(login) + "$", Options: "i"}}
	return s.findOne(ctx, filter, login)
}

// GetMany returns the users with the given IDs; unknown IDs are skipped.
func (s *Store) GetMany(ctx context.Context, ids []primitive.ObjectID) (users []User, err error) {
	users = make([]User, 0, len(ids))
	if len(ids) == 0 {
		return
	}
	err = s.list(ctx, bson.M{datastore.ObjectID: bson.M{datastore.MongoInOperator: ids}},
		options.Find().SetSort(bson.D{{Key: LoginField, Value: 1}}), &users)
	return
}

func (s *Store) list(ctx context.Context, filter interface{}, opts *options.FindOptions, out interface{}) error {
	cur, err := s.users.Find(ctx, filter, opts)
	if err != nil {
		return errors.Wrap(err, "listing users")
	}
	return errors.Wrap(cur.All(ctx, out), "decoding users")
}

// ProfileUpdate carries the editable profile fields; empty fields are left
// unchanged. A non-nil empty Skills clears the skills.
type ProfileUpdate struct {
	Name     string   `structs:"name,omitempty"`
	Bio      string   `structs:"bio,omitempty"`
	Company  string   `structs:"company,omitempty"`
	Blog     string   `structs:"blog,omitempty"`
	Location string   `structs:"location,omitempty"`
	Skills   []string `structs:"skills,omitempty"`
}

func (s *Store) UpdateProfile(ctx context.Context, id primitive.ObjectID, upd ProfileUpdate) (user *User, err error) {
	if upd.Skills != nil {
		upd.Skills = normalizeSkills(upd.Skills)
	}
	fields := structs.Map(upd)
	if len(fields) == 0 {
		log.Ctx(ctx).Debug().Str("user", id.Hex()).Msg("nothing to update as every profile field is blank")
		err = ErrNothingToUpdate
		return
	}
	fields[datastore.UpdatedAt] = s.now()
	return s.updateAndFetch(ctx, id, bson.M{datastore.MongoSetOperator: fields})
}

func (s *Store) updateAndFetch(ctx context.Context, id primitive.ObjectID, update interface{}) (user *User, err error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	user = &User{}
	err = s.users.FindOneAndUpdate(ctx, bson.M{datastore.ObjectID: id}, update, opts).Decode(user)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user", id.Hex()).Msg("user update failed")
		return nil, errors.Wrapf(err, "updating user %s", id.Hex())
	}
	return
}

// normalizeSkills trims, dedupes (case-insensitively) and bounds the list.
func normalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	seen := make(map[string]bool)
	for _, sk := range skills {
		sk = strings.TrimSpace(sk)
		if sk == "" || len(sk) > maxSkillLength {
			continue
		}
		key := strings.ToLower(sk)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sk)
		if len(out) == maxSkills {
			break
		}
	}
	return out
}

func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 &&
		!math.IsNaN(lat) && !math.IsNaN(lng)
}

// UpdateLocation stores where the developer is. label is the human readable
// place name and is kept when empty.
func (s *Store) UpdateLocation(ctx context.Context, id primitive.ObjectID, lat, lng float64, label string) (*User, error) {
	if !ValidCoordinates(lat, lng) {
		return nil, ErrInvalidLocation
	}
	set := bson.M{
		CoordinatesField:    NewPoint(lat, lng),
		OnboardedField:      true,
		datastore.UpdatedAt: s.now(),
	}
	if label = strings.TrimSpace(label); label != "" {
		set[LocationField] = label
	}
	return s.updateAndFetch(ctx, id, bson.M{datastore.MongoSetOperator: set})
}

// Enrich refreshes the GitHub statistics and the language list derived from
// the developer's repositories.
func (s *Store) Enrich(ctx context.Context, id primitive.ObjectID, p *github.Profile, languages []string) (*User, error) {
	if p == nil {
		return nil, ErrInvalidProfile
	}
	if languages == nil {
		languages = make([]string, 0)
	}
	set := bson.D{
		{Key: AvatarField, Value: p.AvatarURL},
		{Key: PublicReposField, Value: p.PublicRepos},
		{Key: FollowersField, Value: p.Followers},
		{Key: FollowingField, Value: p.Following},
		{Key: LanguagesField, Value: languages},
		{Key: datastore.UpdatedAt, Value: s.now()},
	}
	return s.updateAndFetch(ctx, id, bson.D{{Key: datastore.MongoSetOperator, Value: set}})
}

func (s *Store) SetAvatar(ctx context.Context, id primitive.ObjectID, url string) (*User, error) {
	if url == "" {
		return nil, ErrNothingToUpdate
	}
	return s.updateAndFetch(ctx, id, bson.M{datastore.MongoSetOperator: bson.M{
		AvatarField:         url,
		datastore.UpdatedAt: s.now(),
	}})
}

// Nearby is a developer found around a point, with the distance to it.
type Nearby struct {
	User       User    `json:"user"`
	DistanceKm float64 `json:"distance_km"`
}

// Nearby lists developers within radiusKm of (lat, lng), closest first.
func (s *Store) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int, exclude ...primitive.ObjectID) (found []Nearby, err error) {
	if !ValidCoordinates(lat, lng) || radiusKm <= 0 || radiusKm > maxRadiusKm {
		err = ErrInvalidLocation
		return
	}
	limit = clamp(limit, 1, maxNearby)
	filter := bson.M{
		CoordinatesField: bson.M{"$nearSphere": bson.M{
			"$geometry":    NewPoint(lat, lng),
			"$maxDistance": radiusKm * 1000,
		}},
	}
	if len(exclude) > 0 {
		filter[datastore.ObjectID] = bson.M{datastore.MongoNinOperator: exclude}
	}
	users := make([]User, 0)
	if err = s.list(ctx, filter, options.Find().SetLimit(int64(limit)), &users); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("nearby developer query failed")
		return
	}
	found = make([]Nearby, 0, len(users))
	for _, u := range users {
		d := 0.0
		if u.Coordinates != nil && len(u.Coordinates.Coordinates) == 2 {
			d = Distance(lat, lng, u.Coordinates.Lat(), u.Coordinates.Lng())
		}
		found = append(found, Nearby{User: u, DistanceKm: math.Round(d*100) / 100})
	}
	return
}

// Distance is the great-circle distance in kilometres.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// Search matches the query against login, name and skills.
func (s *Store) Search(ctx context.Context, q string, limit int) (users []User, err error) {
	q = strings.TrimSpace(q)
	if n := utf8.RuneCountInString(q); n < 2 || n > 64 {
		err = ErrInvalidQuery
		return
	}
	re := primitive.Regex{Pattern: regexp.QuoteMeta(q), Options: "i"}
	filter := bson.M{"$or": bson.A{
		bson.M{LoginField: re},
		bson.M{NameField: re},
		bson.M{SkillsField: re},
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: FollowersField, Value: -1}, {Key: LoginField, Value: 1}}).
		SetLimit(int64(clamp(limit, 1, 50)))
	users = make([]User, 0)
	err = s.list(ctx, filter, opts, &users)
	return
}

// Discover lists onboarded developers that have a location or skills, most
// recently active first, skipping the excluded ids.
func (s *Store) Discover(ctx context.Context, exclude []primitive.ObjectID, limit int) (users []User, err error) {
	filter := bson.M{
		OnboardedField: true,
		"$or": bson.A{
			bson.M{CoordinatesField: bson.M{"$exists": true}},
			bson.M{SkillsField: bson.M{datastore.MongoNeOperator: bson.A{}}},
		},
	}
	if len(exclude) > 0 {
		filter[datastore.ObjectID] = bson.M{datastore.MongoNinOperator: exclude}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: LastLoginField, Value: -1}}).
		SetLimit(int64(clamp(limit, 1, 50)))
	users = make([]User, 0)
	err = s.list(ctx, filter, opts, &users)
	return
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsID(ids []primitive.ObjectID, id primitive.ObjectID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

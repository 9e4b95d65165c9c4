package datastore

import (
	"context"
	"time"

	"codenearby/config"
	"codenearby/log"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongodb query operators
const (
	MongoSetOperator         = "$set"
	MongoSetOnInsertOperator = "$setOnInsert"
	MongoPushOperator        = "$push"
	MongoPullOperator        = "$pull"
	MongoAddToSetOperator    = "$addToSet"
	MongoIncOperator         = "$inc"
	MongoInOperator          = "$in"
	MongoNinOperator         = "$nin"
	MongoNeOperator          = "$ne"
	MongoGteOperator         = "$gte"
	MongoGtOperator          = "$gt"
	MongoLtOperator          = "$lt"
)

const (
	UserCollection          = "users"
	FriendRequestCollection = "friend_requests"
	ConnectionCollection    = "connections"
	SwipeCollection         = "swipes"
	MessageCollection       = "messages"
	PostCollection          = "posts"
	GatheringCollection     = "gatherings"
	IssueCollection         = "issues"
	APIKeyCollection        = "api_keys"
	BillingCollection       = "billing_accounts"
	OrderCollection         = "orders"
)

// common fields/attributes of documents in various collections
const (
	ObjectID  = "_id" // document level Primary Key
	CreatedAt = "created_at"
	UpdatedAt = "updated_at"
)

var (
	ErrNoDocUpdate = errors.New("no document updated")
)

// Connect opens a client for the configured deployment, checks it answers and
// returns the handle of the target database, so queries don't select it again.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Database, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().ApplyURI(cfg.ConnectionURI()).SetAppName("codenearby")
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, log.WriteLogAndReturnError(err, "create mongo connection on %s failed", cfg.Host)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, log.WriteLogAndReturnError(err, "ping mongo on %s failed", cfg.Host)
	}
	log.Logger().Info().Str("database", cfg.Database).Msg("mongo successfully connected")
	return client.Database(cfg.Database), nil
}

// SortObjectIDs returns the object IDs in ascending order
func SortObjectIDs(id1, id2 primitive.ObjectID) (primitive.ObjectID, primitive.ObjectID) {
	if id1.Hex() < id2.Hex() {
		return id1, id2
	}
	return id2, id1
}

// PairKey identifies an unordered pair of users, whichever way round they are given.
func PairKey(id1, id2 primitive.ObjectID) string {
	a, b := SortObjectIDs(id1, id2)
	return a.Hex() + ":" + b.Hex()
}

// EnsureIndexes creates the indexes the stores rely on for uniqueness and
// geo queries. Creating an existing index is a no-op.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		UserCollection: {
			{Keys: bson.D{{Key: "github_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "login", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "coordinates", Value: "2dsphere"}}},
			{Keys: bson.D{{Key: "last_login", Value: -1}}},
		},
		FriendRequestCollection: {
			{
				Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": "pending"}),
			},
			{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "status", Value: 1}}},
		},
		SwipeCollection: {
			{Keys: bson.D{{Key: "swiper", Value: 1}, {Key: "target", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "target", Value: 1}, {Key: "direction", Value: 1}}},
		},
		ConnectionCollection: {
			{Keys: bson.D{{Key: "pair", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "users", Value: 1}}},
		},
		MessageCollection: {
			{Keys: bson.D{{Key: "conversation", Value: 1}, {Key: CreatedAt, Value: -1}}},
			{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "read", Value: 1}}},
		},
		PostCollection: {
			{Keys: bson.D{{Key: CreatedAt, Value: -1}}},
			{Keys: bson.D{{Key: "score", Value: -1}, {Key: CreatedAt, Value: -1}}},
			{Keys: bson.D{{Key: "author_id", Value: 1}, {Key: CreatedAt, Value: -1}}},
		},
		GatheringCollection: {
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		IssueCollection: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: CreatedAt, Value: -1}}},
		},
		APIKeyCollection: {
			{Keys: bson.D{{Key: "prefix", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		BillingCollection: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: unique},
		},
	}
	for coll, models := range indexes {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "creating indexes on %s failed", coll)
		}
	}
	return nil
}

// IsDuplicateKey reports whether err comes from a unique index violation.
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(errors.Cause(err))
}

package datastore

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DatabaseInserter provides an interface to provide a persistent storage for a given document (data)
type DatabaseInserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// DatabaseUpdater provides an interface to provide an update for an already persisted document
type DatabaseUpdater interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// DatabaseFinder fetches the document from the persistent store based on the given filters
type DatabaseFinder interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// DatabaseLister iterates over every document matching the filters
type DatabaseLister interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// DatabaseFindUpdater updates a single document and hands back its before or after image
type DatabaseFindUpdater interface {
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
}

type DatabaseDeleter interface {
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

type DatabaseCounter interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

type DatabaseAggregator interface {
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
}

// Collection is everything the stores need from a collection. *mongo.Collection
// satisfies it; tests swap in fakes.
type Collection interface {
	DatabaseInserter
	DatabaseUpdater
	DatabaseFinder
	DatabaseLister
	DatabaseFindUpdater
	DatabaseDeleter
	DatabaseCounter
	DatabaseAggregator
}

var _ Collection = (*mongo.Collection)(nil)

// CheckUpdated turns an update that touched nothing into ErrNoDocUpdate.
func CheckUpdated(res *mongo.UpdateResult) error {
	if res == nil || res.MatchedCount+res.UpsertedCount == 0 {
		return ErrNoDocUpdate
	}
	return nil
}

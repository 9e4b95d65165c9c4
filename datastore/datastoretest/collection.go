// Package datastoretest provides a scriptable stand-in for a mongo collection.
package datastoretest

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Op is one recorded call.
type Op struct {
	Method string
	Filter interface{}
	Update interface{} // document for inserts, pipeline for aggregates
}

// Collection implements datastore.Collection. Every method records the call
// and delegates to its hook when set; without a hook it answers as an empty
// collection that accepts writes.
type Collection struct {
	mu  sync.Mutex
	Ops []Op

	InsertOneFn        func(doc interface{}) (*mongo.InsertOneResult, error)
	UpdateOneFn        func(filter, update interface{}) (*mongo.UpdateResult, error)
	UpdateManyFn       func(filter, update interface{}) (*mongo.UpdateResult, error)
	FindOneFn          func(filter interface{}) *mongo.SingleResult
	FindFn             func(filter interface{}) (*mongo.Cursor, error)
	FindOneAndUpdateFn func(filter, update interface{}) *mongo.SingleResult
	DeleteOneFn        func(filter interface{}) (*mongo.DeleteResult, error)
	CountFn            func(filter interface{}) (int64, error)
	AggregateFn        func(pipeline interface{}) (*mongo.Cursor, error)
}

func (c *Collection) record(method string, filter, update interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ops = append(c.Ops, Op{Method: method, Filter: filter, Update: update})
}

// Calls returns the recorded operations of one method.
func (c *Collection) Calls(method string) []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Op, 0)
	for _, op := range c.Ops {
		if op.Method == method {
			out = append(out, op)
		}
	}
	return out
}

func (c *Collection) InsertOne(_ context.Context, doc interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	c.record("InsertOne", nil, doc)
	if c.InsertOneFn != nil {
		return c.InsertOneFn(doc)
	}
	return &mongo.InsertOneResult{InsertedID: primitive.NewObjectID()}, nil
}

func (c *Collection) UpdateOne(_ context.Context, filter, update interface{}, _ ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	c.record("UpdateOne", filter, update)
	if c.UpdateOneFn != nil {
		return c.UpdateOneFn(filter, update)
	}
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *Collection) UpdateMany(_ context.Context, filter, update interface{}, _ ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	c.record("UpdateMany", filter, update)
	if c.UpdateManyFn != nil {
		return c.UpdateManyFn(filter, update)
	}
	return &mongo.UpdateResult{}, nil
}

func (c *Collection) FindOne(_ context.Context, filter interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	c.record("FindOne", filter, nil)
	if c.FindOneFn != nil {
		return c.FindOneFn(filter)
	}
	return NotFound()
}

func (c *Collection) Find(_ context.Context, filter interface{}, _ ...*options.FindOptions) (*mongo.Cursor, error) {
	c.record("Find", filter, nil)
	if c.FindFn != nil {
		return c.FindFn(filter)
	}
	return Cursor()
}

func (c *Collection) FindOneAndUpdate(_ context.Context, filter, update interface{}, _ ...*options.FindOneAndUpdateOptions) *mongo.SingleResult {
	c.record("FindOneAndUpdate", filter, update)
	if c.FindOneAndUpdateFn != nil {
		return c.FindOneAndUpdateFn(filter, update)
	}
	return NotFound()
}

func (c *Collection) DeleteOne(_ context.Context, filter interface{}, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	c.record("DeleteOne", filter, nil)
	if c.DeleteOneFn != nil {
		return c.DeleteOneFn(filter)
	}
	return &mongo.DeleteResult{DeletedCount: 1}, nil
}

func (c *Collection) CountDocuments(_ context.Context, filter interface{}, _ ...*options.CountOptions) (int64, error) {
	c.record("CountDocuments", filter, nil)
	if c.CountFn != nil {
		return c.CountFn(filter)
	}
	return 0, nil
}

func (c *Collection) Aggregate(_ context.Context, pipeline interface{}, _ ...*options.AggregateOptions) (*mongo.Cursor, error) {
	c.record("Aggregate", nil, pipeline)
	if c.AggregateFn != nil {
		return c.AggregateFn(pipeline)
	}
	return Cursor()
}

// Found wraps doc in a single result the way the driver would return it.
func Found(doc interface{}) *mongo.SingleResult {
	return mongo.NewSingleResultFromDocument(doc, nil, nil)
}

// NotFound is the single result of a query that matched nothing.
func NotFound() *mongo.SingleResult {
	return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
}

// Failed is a single result carrying err.
func Failed(err error) *mongo.SingleResult {
	return mongo.NewSingleResultFromDocument(bson.D{}, err, nil)
}

// Cursor iterates over docs.
func Cursor(docs ...interface{}) (*mongo.Cursor, error) {
	if docs == nil {
		docs = []interface{}{}
	}
	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

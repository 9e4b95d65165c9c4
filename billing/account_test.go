package billing

import (
	"context"
	"os"
	"testing"
	"time"

	"codenearby/config"
	"codenearby/datastore"
	"codenearby/datastore/datastoretest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/crypto/bcrypt"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

var testLimits = config.BillingConfig{FreeDaily: 100, DeveloperDaily: 1000, BusinessDaily: 10000, MaxKeys: 5}

func TestMain(m *testing.M) {
	keyHashCost = bcrypt.MinCost
	os.Exit(m.Run())
}

type fakes struct {
	accounts, keys, orders *datastoretest.Collection
}

func newTestStore() (*Store, *fakes) {
	f := &fakes{&datastoretest.Collection{}, &datastoretest.Collection{}, &datastoretest.Collection{}}
	s := NewStoreWithCollections(f.accounts, f.keys, f.orders, testLimits)
	s.now = func() time.Time { return fixedNow }
	return s, f
}

func TestDayStart(t *testing.T) {
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), dayStart(fixedNow))
	berlin := time.FixedZone("CEST", 2*60*60)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
		dayStart(time.Date(2024, 5, 1, 1, 0, 0, 0, berlin)), "boundary is UTC midnight")
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), NextMidnight(fixedNow))
}

func TestAccountCreatesFreeAccount(t *testing.T) {
	s, f := newTestStore()
	user := primitive.NewObjectID()
	f.accounts.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		assert.Equal(t, bson.M{UserIDField: user}, filter)
		insert := update.(bson.M)[datastore.MongoSetOnInsertOperator].(bson.M)
		assert.Equal(t, Free, insert[TierField])
		assert.EqualValues(t, 100, insert[BalanceField])
		return datastoretest.Found(Account{UserID: user, Tier: Free, DailyLimit: 100, Balance: 100, LastReset: dayStart(fixedNow)})
	}
	acct, err := s.Account(context.Background(), user)
	require.NoError(t, err)
	assert.EqualValues(t, 100, acct.Balance)
	assert.Len(t, f.accounts.Calls("FindOneAndUpdate"), 1, "no refill on the same day")
}

func TestAccountLazyReset(t *testing.T) {
	s, f := newTestStore()
	user, id := primitive.NewObjectID(), primitive.NewObjectID()
	stale := Account{ID: id, UserID: user, Tier: Developer, DailyLimit: 1000, Balance: 3, Used: 997,
		LastReset: dayStart(fixedNow).Add(-24 * time.Hour)}
	calls := 0
	f.accounts.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		calls++
		if calls == 1 {
			return datastoretest.Found(stale)
		}
		fm := filter.(bson.M)
		assert.Equal(t, bson.M{datastore.MongoLtOperator: dayStart(fixedNow)}, fm[LastResetField], "refill only once per day")
		set := update.(bson.M)[datastore.MongoSetOperator].(bson.M)
		assert.EqualValues(t, 1000, set[BalanceField])
		fresh := stale
		fresh.Balance, fresh.Used, fresh.LastReset = 1000, 0, dayStart(fixedNow)
		return datastoretest.Found(fresh)
	}
	acct, err := s.Account(context.Background(), user)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, acct.Balance)
	assert.EqualValues(t, 0, acct.Used)
}

func TestConsume(t *testing.T) {
	user := primitive.NewObjectID()
	today := Account{UserID: user, Tier: Free, DailyLimit: 100, Balance: 1, LastReset: dayStart(fixedNow)}

	s, f := newTestStore()
	_, err := s.Consume(context.Background(), user, 0)
	assert.Equal(t, ErrInvalidCost, err)

	f.accounts.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		fm := filter.(bson.M)
		if _, conditional := fm[BalanceField]; conditional {
			assert.Equal(t, bson.M{datastore.MongoGteOperator: int64(2)}, fm[BalanceField])
			return datastoretest.NotFound()
		}
		return datastoretest.Found(today)
	}
	_, err = s.Consume(context.Background(), user, 2)
	assert.Equal(t, ErrInsufficientTokens, err)

	f.accounts.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		if _, conditional := filter.(bson.M)[BalanceField]; conditional {
			inc := update.(bson.M)[datastore.MongoIncOperator].(bson.M)
			assert.EqualValues(t, -1, inc[BalanceField])
			assert.EqualValues(t, 1, inc[UsedField])
			spent := today
			spent.Balance, spent.Used = 0, 1
			return datastoretest.Found(spent)
		}
		return datastoretest.Found(today)
	}
	acct, err := s.Consume(context.Background(), user, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, acct.Balance)
}

func TestUpgrade(t *testing.T) {
	user, id := primitive.NewObjectID(), primitive.NewObjectID()
	free := Account{ID: id, UserID: user, Tier: Free, DailyLimit: 100, Balance: 40, LastReset: dayStart(fixedNow)}

	s, f := newTestStore()
	_, _, err := s.Upgrade(context.Background(), user, "platinum", "ref")
	assert.Equal(t, ErrInvalidTier, err)
	_, _, err = s.Upgrade(context.Background(), user, Business, "")
	assert.Equal(t, ErrPaymentRequired, err)

	f.accounts.FindOneAndUpdateFn = func(filter, update interface{}) *mongo.SingleResult {
		if set, ok := update.(bson.M)[datastore.MongoSetOperator]; ok {
			sm := set.(bson.M)
			assert.Equal(t, Developer, sm[TierField])
			assert.EqualValues(t, 1000, sm[BalanceField], "balance topped up to the new limit")
			up := free
			up.Tier, up.DailyLimit, up.Balance = Developer, 1000, 1000
			return datastoretest.Found(up)
		}
		return datastoretest.Found(free)
	}
	_, _, err = s.Upgrade(context.Background(), user, Free, "")
	assert.Equal(t, ErrSameTier, err)

	acct, order, err := s.Upgrade(context.Background(), user, Developer, "stub-123")
	require.NoError(t, err)
	assert.Equal(t, Developer, acct.Tier)
	assert.Equal(t, OrderPaid, order.Status)
	assert.Equal(t, Free, order.From)
	assert.EqualValues(t, 900, order.Amount)
	assert.Len(t, f.orders.Calls("InsertOne"), 1)
}

func TestResetAll(t *testing.T) {
	s, f := newTestStore()
	f.accounts.UpdateManyFn = func(filter, update interface{}) (*mongo.UpdateResult, error) {
		assert.Equal(t, bson.M{LastResetField: bson.M{datastore.MongoLtOperator: dayStart(fixedNow)}}, filter)
		stage := update.(bson.A)[0].(bson.M)[datastore.MongoSetOperator].(bson.M)
		assert.Equal(t, "$"+DailyLimitField, stage[BalanceField], "each account refills to its own limit")
		return &mongo.UpdateResult{MatchedCount: 7, ModifiedCount: 7}, nil
	}
	n, err := s.ResetAll(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
}

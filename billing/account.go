// Package billing meters the public API. Every user has an account on a tier
// with a daily token allowance; API keys identify the account on each call.
package billing

import (
	"context"
	"time"

	"codenearby/config"
	"codenearby/datastore"
	"codenearby/log"
	"codenearby/metrics"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// account document fields
const (
	UserIDField     = "user_id"
	TierField       = "tier"
	DailyLimitField = "daily_limit"
	BalanceField    = "balance"
	UsedField       = "used"
	TotalUsedField  = "total_used"
	LastResetField  = "last_reset"
)

type Tier string

const (
	Free      Tier = "free"
	Developer Tier = "developer"
	Business  Tier = "business"
)

// monthly price of each tier in cents
var prices = map[Tier]int64{
	Free:      0,
	Developer: 900,
	Business:  4900,
}

type OrderStatus string

const OrderPaid OrderStatus = "paid"

var (
	ErrInsufficientTokens = errors.New("daily token allowance exhausted")
	ErrInvalidCost        = errors.New("token cost must be positive")
	ErrInvalidTier        = errors.New("tier must be free, developer or business")
	ErrSameTier           = errors.New("account is already on this tier")
	ErrPaymentRequired    = errors.New("a payment reference is required for paid tiers")
)

// Account is the token balance of one user.
type Account struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	UserID     primitive.ObjectID `bson:"user_id" json:"user_id"`
	Tier       Tier               `bson:"tier" json:"tier"`
	DailyLimit int64              `bson:"daily_limit" json:"daily_limit"`
	Balance    int64              `bson:"balance" json:"balance"`
	Used       int64              `bson:"used" json:"used_today"`
	TotalUsed  int64              `bson:"total_used" json:"total_used"`
	LastReset  time.Time          `bson:"last_reset" json:"last_reset"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time          `bson:"updated_at" json:"updated_at"`
}

// NextReset is when the balance refills.
func (a *Account) NextReset() time.Time {
	return NextMidnight(a.LastReset)
}

// Order records a tier change and the (stubbed) payment behind it.
type Order struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID     primitive.ObjectID `bson:"user_id" json:"user_id"`
	From       Tier               `bson:"from" json:"from"`
	To         Tier               `bson:"to" json:"to"`
	Amount     int64              `bson:"amount" json:"amount"`
	PaymentRef string             `bson:"payment_ref" json:"payment_ref"`
	Status     OrderStatus        `bson:"status" json:"status"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
}

type Store struct {
	accounts datastore.Collection
	keys     datastore.Collection
	orders   datastore.Collection
	limits   map[Tier]int64
	maxKeys  int
	now      func() time.Time
}

func NewStore(db *mongo.Database, cfg config.BillingConfig) *Store {
	return NewStoreWithCollections(
		db.Collection(datastore.BillingCollection),
		db.Collection(datastore.APIKeyCollection),
		db.Collection(datastore.OrderCollection),
		cfg,
	)
}

func NewStoreWithCollections(accounts, keys, orders datastore.Collection, cfg config.BillingConfig) *Store {
	return &Store{
		accounts: accounts,
		keys:     keys,
		orders:   orders,
		limits: map[Tier]int64{
			Free:      cfg.FreeDaily,
			Developer: cfg.DeveloperDaily,
			Business:  cfg.BusinessDaily,
		},
		maxKeys: cfg.MaxKeys,
		now:     now,
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// dayStart is the UTC midnight at or before t.
func dayStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func (t Tier) Valid() bool {
	_, ok := prices[t]
	return ok
}

// Limit is the daily allowance of tier.
func (s *Store) Limit(t Tier) int64 {
	return s.limits[t]
}

func (s *Store) findUpdate(ctx context.Context, filter, update interface{}, upsert bool) (acct *Account, err error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(upsert)
	acct = &Account{}
	err = s.accounts.FindOneAndUpdate(ctx, filter, update, opts).Decode(acct)
	if err != nil {
		acct = nil
	}
	return
}

// Account returns the user's account, opening a free one on first use and
// refilling the balance when a new UTC day has started.
func (s *Store) Account(ctx context.Context, userID primitive.ObjectID) (acct *Account, err error) {
	ts := s.now()
	today := dayStart(ts)
	acct, err = s.findUpdate(ctx,
		bson.M{UserIDField: userID},
		bson.M{datastore.MongoSetOnInsertOperator: bson.M{
			TierField:           Free,
			DailyLimitField:     s.limits[Free],
			BalanceField:        s.limits[Free],
			UsedField:           0,
			TotalUsedField:      0,
			LastResetField:      today,
			datastore.CreatedAt: ts,
			datastore.UpdatedAt: ts,
		}}, true)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user", userID.Hex()).Msg("loading billing account failed")
		return nil, errors.Wrap(err, "loading billing account")
	}
	if !acct.LastReset.Before(today) {
		return
	}

	refilled, err := s.findUpdate(ctx,
		bson.M{datastore.ObjectID: acct.ID, LastResetField: bson.M{datastore.MongoLtOperator: today}},
		bson.M{datastore.MongoSetOperator: bson.M{
			BalanceField:        acct.DailyLimit,
			UsedField:           0,
			LastResetField:      today,
			datastore.UpdatedAt: ts,
		}}, false)
	if err == mongo.ErrNoDocuments { // refilled concurrently
		return s.Account(ctx, userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "refilling billing account")
	}
	metrics.TokenResets.Inc()
	return refilled, nil
}

// Consume takes cost tokens from the user's balance. The balance check and
// the decrement are one conditional update, so it never goes negative.
func (s *Store) Consume(ctx context.Context, userID primitive.ObjectID, cost int64) (*Account, error) {
	if cost <= 0 {
		return nil, ErrInvalidCost
	}
	if _, err := s.Account(ctx, userID); err != nil {
		return nil, err
	}
	acct, err := s.findUpdate(ctx,
		bson.M{UserIDField: userID, BalanceField: bson.M{datastore.MongoGteOperator: cost}},
		bson.M{
			datastore.MongoIncOperator: bson.M{BalanceField: -cost, UsedField: cost, TotalUsedField: cost},
			datastore.MongoSetOperator: bson.M{datastore.UpdatedAt: s.now()},
		}, false)
	if err == mongo.ErrNoDocuments {
		metrics.TokenRejections.Inc()
		return nil, ErrInsufficientTokens
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user", userID.Hex()).Msg("consuming tokens failed")
		return nil, errors.Wrap(err, "consuming tokens")
	}
	metrics.TokensConsumed.WithLabelValues(string(acct.Tier)).Add(float64(cost))
	return acct, nil
}

// Upgrade moves the account to tier. The payment gateway is a stub: any
// reference is accepted and the order is recorded as paid.
func (s *Store) Upgrade(ctx context.Context, userID primitive.ObjectID, tier Tier, paymentRef string) (*Account, *Order, error) {
	if !tier.Valid() {
		return nil, nil, ErrInvalidTier
	}
	if prices[tier] > 0 && paymentRef == "" {
		return nil, nil, ErrPaymentRequired
	}
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if acct.Tier == tier {
		return nil, nil, ErrSameTier
	}

	ts := s.now()
	order := &Order{
		ID:         primitive.NewObjectID(),
		UserID:     userID,
		From:       acct.Tier,
		To:         tier,
		Amount:     prices[tier],
		PaymentRef: paymentRef,
		Status:     OrderPaid,
		CreatedAt:  ts,
	}
	if _, err = s.orders.InsertOne(ctx, order); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user", userID.Hex()).Msg("recording order failed")
		return nil, nil, errors.Wrap(err, "recording order")
	}

	limit := s.limits[tier]
	acct, err = s.findUpdate(ctx,
		bson.M{datastore.ObjectID: acct.ID},
		bson.M{datastore.MongoSetOperator: bson.M{
			TierField:           tier,
			DailyLimitField:     limit,
			BalanceField:        limit,
			datastore.UpdatedAt: ts,
		}}, false)
	if err != nil {
		return nil, nil, errors.Wrap(err, "changing tier")
	}
	log.Ctx(ctx).Info().Str("user", userID.Hex()).Str("from", string(order.From)).Str("to", string(tier)).Msg("tier changed")
	return acct, order, nil
}

// ResetAll refills every account not yet reset on the day of at and
// returns how many were refilled.
func (s *Store) ResetAll(ctx context.Context, at time.Time) (int64, error) {
	today := dayStart(at)
	res, err := s.accounts.UpdateMany(ctx,
		bson.M{LastResetField: bson.M{datastore.MongoLtOperator: today}},
		bson.A{bson.M{datastore.MongoSetOperator: bson.M{
			BalanceField:        "$" + DailyLimitField,
			UsedField:           0,
			LastResetField:      today,
			datastore.UpdatedAt: at.UTC(),
		}}})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("daily token reset failed")
		return 0, errors.Wrap(err, "resetting balances")
	}
	metrics.TokenResets.Add(float64(res.ModifiedCount))
	return res.ModifiedCount, nil
}

// NextMidnight is the next UTC day boundary after t.
func NextMidnight(t time.Time) time.Time {
	return dayStart(t).Add(24 * time.Hour)
}

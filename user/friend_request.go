package user

import (
	"context"
	"time"

	"codenearby/datastore"
	"codenearby/log"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// friend request document fields
const (
	SenderField      = "sender"
	ReceiverField    = "receiver"
	StatusField      = "status"
	RespondedAtField = "responded_at"
)

type RequestStatus string

const (
	Pending   RequestStatus = "pending"
	Accepted  RequestStatus = "accepted"
	Rejected  RequestStatus = "rejected"
	Cancelled RequestStatus = "cancelled"
)

type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

var (
	ErrSelfRequest    = errors.New("cannot send a friend request to yourself")
	ErrAlreadyFriends = errors.New("already friends")
	ErrRequestExists  = errors.New("a pending friend request already exists")
	ErrRequestMissing = errors.New("friend request not found")
	ErrNotPending     = errors.New("friend request is no longer pending")
	ErrForbidden      = errors.New("not allowed")
	ErrNotFriends     = errors.New("users are not friends")
	ErrBadDirection   = errors.New("direction must be sent or received")
)

// FriendRequest records one invitation and what became of it.
type FriendRequest struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Sender      primitive.ObjectID `bson:"sender" json:"sender"`
	Receiver    primitive.ObjectID `bson:"receiver" json:"receiver"`
	Status      RequestStatus      `bson:"status" json:"status"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	RespondedAt *time.Time         `bson:"responded_at,omitempty" json:"responded_at,omitempty"`
}

// SendFriendRequest invites to to become friends with from.
func (s *Store) SendFriendRequest(ctx context.Context, from, to primitive.ObjectID) (req *FriendRequest, err error) {
	if from == to {
		err = ErrSelfRequest
		return
	}
	receiver, err := s.GetByID(ctx, to)
	if err != nil {
		return
	}
	if receiver.HasFriend(from) {
		err = ErrAlreadyFriends
		return
	}

	pending, err := s.requests.CountDocuments(ctx, bson.M{
		StatusField: Pending,
		"$or": bson.A{
			bson.M{SenderField: from, ReceiverField: to},
			bson.M{SenderField: to, ReceiverField: from},
		},
	})
	if err != nil {
		err = errors.Wrap(err, "checking pending friend requests")
		return
	}
	if pending > 0 {
		err = ErrRequestExists
		return
	}

	req = &FriendRequest{
		ID:        primitive.NewObjectID(),
		Sender:    from,
		Receiver:  to,
		Status:    Pending,
		CreatedAt: s.now(),
	}
	if _, err = s.requests.InsertOne(ctx, req); err != nil {
		if datastore.IsDuplicateKey(err) { // lost a race with an identical request
			return nil, ErrRequestExists
		}
		log.Ctx(ctx).Error().Err(err).Str("sender", from.Hex()).Str("receiver", to.Hex()).Msg("sending friend request failed")
		return nil, errors.Wrap(err, "inserting friend request")
	}

	if err = s.pushRequest(ctx, from, SentRequestsField, to); err != nil {
		return
	}
	err = s.pushRequest(ctx, to, ReceivedRequestsField, from)
	return
}

func (s *Store) pushRequest(ctx context.Context, owner primitive.ObjectID, field string, other primitive.ObjectID) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{datastore.ObjectID: owner},
		bson.D{{Key: datastore.MongoAddToSetOperator, Value: bson.D{{Key: field, Value: other}}}})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user", owner.Hex()).Str("field", field).Msg("recording friend request failed")
		return errors.Wrapf(err, "updating %s of %s", field, owner.Hex())
	}
	return datastore.CheckUpdated(res)
}

// clearRequest drops the pending request between sender and receiver from
// both users' arrays.
func (s *Store) clearRequest(ctx context.Context, sender, receiver primitive.ObjectID, befriend bool) error {
	pull := func(field string, other primitive.ObjectID) bson.D {
		update := bson.D{{Key: datastore.MongoPullOperator, Value: bson.D{{Key: field, Value: other}}}}
		if befriend {
			update = append(update, bson.E{Key: datastore.MongoAddToSetOperator, Value: bson.D{{Key: FriendsField, Value: other}}})
		}
		return update
	}
	if _, err := s.users.UpdateOne(ctx, bson.M{datastore.ObjectID: receiver}, pull(ReceivedRequestsField, sender)); err != nil {
		return errors.Wrapf(err, "updating requests of %s", receiver.Hex())
	}
	if _, err := s.users.UpdateOne(ctx, bson.M{datastore.ObjectID: sender}, pull(SentRequestsField, receiver)); err != nil {
		return errors.Wrapf(err, "updating requests of %s", sender.Hex())
	}
	return nil
}

func (s *Store) getRequest(ctx context.Context, id primitive.ObjectID) (req *FriendRequest, err error) {
	req = &FriendRequest{}
	err = s.requests.FindOne(ctx, bson.M{datastore.ObjectID: id}).Decode(req)
	if err == mongo.ErrNoDocuments {
		return nil, ErrRequestMissing
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching friend request %s", id.Hex())
	}
	return
}

// respond moves a pending request to status. Only one transition can win,
// so concurrent accepts or an accept racing a cancel resolve to one outcome.
func (s *Store) respond(ctx context.Context, id, actor primitive.ObjectID, status RequestStatus) (req *FriendRequest, err error) {
	req, err = s.getRequest(ctx, id)
	if err != nil {
		return
	}
	allowed := req.Receiver
	if status == Cancelled {
		allowed = req.Sender
	}
	if actor != allowed {
		return nil, ErrForbidden
	}
	if req.Status != Pending {
		return nil, ErrNotPending
	}

	ts := s.now()
	res, err := s.requests.UpdateOne(ctx,
		bson.M{datastore.ObjectID: id, StatusField: Pending},
		bson.M{datastore.MongoSetOperator: bson.M{StatusField: status, RespondedAtField: ts}})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("request", id.Hex()).Msg("updating friend request failed")
		return nil, errors.Wrap(err, "updating friend request")
	}
	if res.MatchedCount == 0 {
		return nil, ErrNotPending
	}
	req.Status = status
	req.RespondedAt = &ts

	if err = s.clearRequest(ctx, req.Sender, req.Receiver, status == Accepted); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("request", id.Hex()).Msg("clearing friend request from users failed")
		return nil, err
	}
	return
}

// AcceptFriendRequest makes sender and receiver friends. Only the receiver may accept.
func (s *Store) AcceptFriendRequest(ctx context.Context, id, actor primitive.ObjectID) (*FriendRequest, error) {
	return s.respond(ctx, id, actor, Accepted)
}

func (s *Store) RejectFriendRequest(ctx context.Context, id, actor primitive.ObjectID) (*FriendRequest, error) {
	return s.respond(ctx, id, actor, Rejected)
}

// CancelFriendRequest withdraws a sent request. Only the sender may cancel.
func (s *Store) CancelFriendRequest(ctx context.Context, id, actor primitive.ObjectID) (*FriendRequest, error) {
	return s.respond(ctx, id, actor, Cancelled)
}

// ListFriendRequests returns the user's pending requests, newest first.
func (s *Store) ListFriendRequests(ctx context.Context, userID primitive.ObjectID, dir Direction) (reqs []FriendRequest, err error) {
	filter := bson.M{StatusField: Pending}
	switch dir {
	case Received:
		filter[ReceiverField] = userID
	case Sent:
		filter[SenderField] = userID
	default:
		err = ErrBadDirection
		return
	}
	cur, err := s.requests.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: datastore.CreatedAt, Value: -1}}))
	if err != nil {
		err = errors.Wrap(err, "listing friend requests")
		return
	}
	reqs = make([]FriendRequest, 0)
	err = errors.Wrap(cur.All(ctx, &reqs), "decoding friend requests")
	return
}

// AddFriendship makes a and b friends of each other and withdraws any
// pending requests between them.
func (s *Store) AddFriendship(ctx context.Context, a, b primitive.ObjectID) error {
	for _, pair := range [][2]primitive.ObjectID{{a, b}, {b, a}} {
		update := bson.D{
			{Key: datastore.MongoAddToSetOperator, Value: bson.D{{Key: FriendsField, Value: pair[1]}}},
			{Key: datastore.MongoPullOperator, Value: bson.D{
				{Key: SentRequestsField, Value: pair[1]},
				{Key: ReceivedRequestsField, Value: pair[1]},
			}},
		}
		res, err := s.users.UpdateOne(ctx, bson.M{datastore.ObjectID: pair[0]}, update)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("user", pair[0].Hex()).Msg("adding friend failed")
			return errors.Wrapf(err, "adding friend to %s", pair[0].Hex())
		}
		if err = datastore.CheckUpdated(res); err != nil {
			return ErrNotFound
		}
	}
	_, err := s.requests.UpdateMany(ctx,
		bson.M{StatusField: Pending, "$or": bson.A{
			bson.M{SenderField: a, ReceiverField: b},
			bson.M{SenderField: b, ReceiverField: a},
		}},
		bson.M{datastore.MongoSetOperator: bson.M{StatusField: Accepted, RespondedAtField: s.now()}})
	return errors.Wrap(err, "settling friend requests")
}

// Friends returns the profiles of the user's friends.
func (s *Store) Friends(ctx context.Context, userID primitive.ObjectID) ([]User, error) {
	u, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.GetMany(ctx, u.Friends)
}

// RemoveFriend ends the friendship on both sides.
func (s *Store) RemoveFriend(ctx context.Context, userID, friendID primitive.ObjectID) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{datastore.ObjectID: userID, FriendsField: friendID},
		bson.D{{Key: datastore.MongoPullOperator, Value: bson.D{{Key: FriendsField, Value: friendID}}}})
	if err != nil {
		return errors.Wrap(err, "removing friend")
	}
	if res.MatchedCount == 0 {
		return ErrNotFriends
	}
	_, err = s.users.UpdateOne(ctx,
		bson.M{datastore.ObjectID: friendID},
		bson.D{{Key: datastore.MongoPullOperator, Value: bson.D{{Key: FriendsField, Value: userID}}}})
	return errors.Wrap(err, "removing friend")
}

func (s *Store) AreFriends(ctx context.Context, a, b primitive.ObjectID) (bool, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{datastore.ObjectID: a, FriendsField: b})
	if err != nil {
		return false, errors.Wrap(err, "checking friendship")
	}
	return n > 0, nil
}

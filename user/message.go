package user

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"codenearby/datastore"
	"codenearby/log"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// message document fields
const (
	ConversationField = "conversation"
	ReadField         = "read"
)

const (
	MaxMessageLength  = 2000
	maxPage           = 100
	maxConversations  = 50
	defaultMessageCap = 50
)

var ErrInvalidMessage = errors.New("message must be 1 to 2000 characters")

// Message is one direct message between two friends.
type Message struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Conversation string             `bson:"conversation" json:"-"`
	Sender       primitive.ObjectID `bson:"sender" json:"sender"`
	Receiver     primitive.ObjectID `bson:"receiver" json:"receiver"`
	Text         string             `bson:"text" json:"text"`
	Read         bool               `bson:"read" json:"read"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}

// ConversationSummary is the latest message exchanged with a peer.
type ConversationSummary struct {
	Peer   primitive.ObjectID `json:"peer"`
	Last   Message            `json:"last"`
	Unread int                `json:"unread"`
}

// SendMessage delivers text from sender to receiver. Only friends can message
// each other.
func (s *Store) SendMessage(ctx context.Context, sender, receiver primitive.ObjectID, text string) (msg *Message, err error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxMessageLength {
		err = ErrInvalidMessage
		return
	}
	friends, err := s.AreFriends(ctx, sender, receiver)
	if err != nil {
		return
	}
	if !friends {
		err = ErrNotFriends
		return
	}
	msg = &Message{
		ID:           primitive.NewObjectID(),
		Conversation: datastore.PairKey(sender, receiver),
		Sender:       sender,
		Receiver:     receiver,
		Text:         text,
		CreatedAt:    s.now(),
	}
	if _, err = s.messages.InsertOne(ctx, msg); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("sender", sender.Hex()).Str("receiver", receiver.Hex()).Msg("error while sending msg")
		return nil, errors.Wrap(err, "inserting message")
	}
	return
}

// Conversation pages backwards through the messages of a and b, newest
// first. A zero before starts from the latest message.
func (s *Store) Conversation(ctx context.Context, a, b primitive.ObjectID, before time.Time, limit int) ([]Message, error) {
	filter := bson.M{ConversationField: datastore.PairKey(a, b)}
	if !before.IsZero() {
		filter[datastore.CreatedAt] = bson.M{datastore.MongoLtOperator: before}
	}
	if limit == 0 {
		limit = defaultMessageCap
	}
	opts := options.Find().
		SetSort(bson.D{{Key: datastore.CreatedAt, Value: -1}, {Key: datastore.ObjectID, Value: -1}}).
		SetLimit(int64(clamp(limit, 1, maxPage)))
	return s.findMessages(ctx, filter, opts)
}

// FetchIncomingMessages returns what other sent to self after since, oldest first.
func (s *Store) FetchIncomingMessages(ctx context.Context, self, other primitive.ObjectID, since time.Time) ([]Message, error) {
	filter := bson.M{
		ConversationField:   datastore.PairKey(self, other),
		SenderField:         other,
		datastore.CreatedAt: bson.M{datastore.MongoGtOperator: since},
	}
	opts := options.Find().SetSort(bson.D{{Key: datastore.CreatedAt, Value: 1}}).SetLimit(maxPage)
	return s.findMessages(ctx, filter, opts)
}

func (s *Store) findMessages(ctx context.Context, filter bson.M, opts *options.FindOptions) (msgs []Message, err error) {
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("fetching messages failed")
		err = errors.Wrap(err, "fetching messages")
		return
	}
	msgs = make([]Message, 0)
	err = errors.Wrap(cur.All(ctx, &msgs), "decoding messages")
	return
}

// MarkRead flags everything other sent to reader as read and returns how
// many messages changed.
func (s *Store) MarkRead(ctx context.Context, reader, other primitive.ObjectID) (int64, error) {
	res, err := s.messages.UpdateMany(ctx,
		bson.M{
			ConversationField: datastore.PairKey(reader, other),
			ReceiverField:     reader,
			ReadField:         false,
		},
		bson.M{datastore.MongoSetOperator: bson.M{ReadField: true}})
	if err != nil {
		return 0, errors.Wrap(err, "marking messages read")
	}
	return res.ModifiedCount, nil
}

type conversationRow struct {
	Last   Message `bson:"last"`
	Unread int     `bson:"unread"`
}

// Conversations lists the user's conversations, most recent first.
func (s *Store) Conversations(ctx context.Context, userID primitive.ObjectID) (convs []ConversationSummary, err error) {
	pipeline := conversationsPipeline(userID)
	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user", userID.Hex()).Msg("aggregating conversations failed")
		err = errors.Wrap(err, "aggregating conversations")
		return
	}
	rows := make([]conversationRow, 0)
	if err = cur.All(ctx, &rows); err != nil {
		err = errors.Wrap(err, "decoding conversations")
		return
	}
	convs = make([]ConversationSummary, 0, len(rows))
	for _, r := range rows {
		peer := r.Last.Sender
		if peer == userID {
			peer = r.Last.Receiver
		}
		convs = append(convs, ConversationSummary{Peer: peer, Last: r.Last, Unread: r.Unread})
	}
	return
}

func conversationsPipeline(userID primitive.ObjectID) bson.A {
	unread := bson.M{"$cond": bson.A{
		bson.M{"$and": bson.A{
			bson.M{"$eq": bson.A{"$" + ReceiverField, userID}},
			bson.M{"$eq": bson.A{"$" + ReadField, false}},
		}},
		1, 0,
	}}
	return bson.A{
		bson.M{"$match": bson.M{"$or": bson.A{
			bson.M{SenderField: userID},
			bson.M{ReceiverField: userID},
		}}},
		bson.M{"$sort": bson.D{{Key: datastore.CreatedAt, Value: -1}}},
		bson.M{"$group": bson.M{
			"_id":    "$" + ConversationField,
			"last":   bson.M{"$first": "$$ROOT"},
			"unread": bson.M{"$sum": unread},
		}},
		bson.M{"$sort": bson.D{{Key: "last." + datastore.CreatedAt, Value: -1}}},
		bson.M{"$limit": maxConversations},
	}
}

package billing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"

	"codenearby/datastore"
	"codenearby/log"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"
)

// api key document fields
const (
	PrefixField     = "prefix"
	RevokedAtField  = "revoked_at"
	LastUsedAtField = "last_used_at"
)

const (
	keyScheme     = "cnb_"
	prefixBytes   = 4
	secretBytes   = 32
	maxKeyName    = 50
	prefixRetries = 3
)

// keyHashCost is the bcrypt cost for stored key digests.
var keyHashCost = bcrypt.DefaultCost

var (
	ErrKeyLimit       = errors.New("api key limit reached, revoke one first")
	ErrKeyNotFound    = errors.New("api key not found")
	ErrInvalidKey     = errors.New("invalid api key")
	ErrKeyRevoked     = errors.New("api key has been revoked")
	ErrInvalidKeyName = errors.New("key name must be 1 to 50 characters")
)

// APIKey is the stored form of a key. The plaintext is never kept.
type APIKey struct {
	ID         string             `bson:"_id" json:"id"`
	UserID     primitive.ObjectID `bson:"user_id" json:"user_id"`
	Name       string             `bson:"name" json:"name"`
	Prefix     string             `bson:"prefix" json:"prefix"`
	Hash       string             `bson:"hash" json:"-"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	LastUsedAt *time.Time         `bson:"last_used_at,omitempty" json:"last_used_at,omitempty"`
	RevokedAt  *time.Time         `bson:"revoked_at,omitempty" json:"revoked_at,omitempty"`
}

func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// hashKey bcrypts the SHA-256 digest of the key, which keeps the input under
// bcrypt's 72 byte limit.
func hashKey(plaintext string) (string, error) {
	sum := sha256.Sum256([]byte(plaintext))
	hash, err := bcrypt.GenerateFromPassword(sum[:], keyHashCost)
	if err != nil {
		return "", errors.Wrap(err, "hashing api key")
	}
	return string(hash), nil
}

func verifyKey(plaintext, hash string) bool {
	sum := sha256.Sum256([]byte(plaintext))
	return bcrypt.CompareHashAndPassword([]byte(hash), sum[:]) == nil
}

// generateKey returns a fresh key and its lookup prefix.
func generateKey() (plaintext, prefix string, err error) {
	buf := make([]byte, prefixBytes+secretBytes)
	if _, err = rand.Read(buf); err != nil {
		err = errors.Wrap(err, "generating api key")
		return
	}
	prefix = hex.EncodeToString(buf[:prefixBytes])
	plaintext = keyScheme + prefix + "_" + base64.RawURLEncoding.EncodeToString(buf[prefixBytes:])
	return
}

// parseKey extracts the lookup prefix from a plaintext key.
func parseKey(plaintext string) (string, bool) {
	rest := strings.TrimPrefix(plaintext, keyScheme)
	if rest == plaintext {
		return "", false
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 || len(parts[0]) != 2*prefixBytes || parts[1] == "" {
		return "", false
	}
	if _, err := hex.DecodeString(parts[0]); err != nil {
		return "", false
	}
	return parts[0], true
}

// CreateKey issues a new API key. The plaintext is returned only here.
func (s *Store) CreateKey(ctx context.Context, userID primitive.ObjectID, name string) (key *APIKey, plaintext string, err error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxKeyName {
		err = ErrInvalidKeyName
		return
	}
	active, err := s.keys.CountDocuments(ctx, bson.M{
		UserIDField:    userID,
		RevokedAtField: bson.M{"$exists": false},
	})
	if err != nil {
		err = errors.Wrap(err, "counting api keys")
		return
	}
	if active >= int64(s.maxKeys) {
		err = ErrKeyLimit
		return
	}

	for attempt := 0; attempt < prefixRetries; attempt++ {
		var prefix, hash string
		if plaintext, prefix, err = generateKey(); err != nil {
			return
		}
		if hash, err = hashKey(plaintext); err != nil {
			return
		}
		key = &APIKey{
			ID:        uuid.NewString(),
			UserID:    userID,
			Name:      name,
			Prefix:    prefix,
			Hash:      hash,
			CreatedAt: s.now(),
		}
		if _, err = s.keys.InsertOne(ctx, key); err == nil {
			log.Ctx(ctx).Info().Str("user", userID.Hex()).Str("key", key.ID).Str("prefix", prefix).Msg("api key created")
			return
		}
		if !datastore.IsDuplicateKey(err) {
			log.Ctx(ctx).Error().Err(err).Str("user", userID.Hex()).Msg("storing api key failed")
			return nil, "", errors.Wrap(err, "storing api key")
		}
	}
	return nil, "", errors.Wrap(err, "allocating api key prefix")
}

// ListKeys returns the user's keys, newest first, revoked ones included.
func (s *Store) ListKeys(ctx context.Context, userID primitive.ObjectID) (keys []APIKey, err error) {
	cur, err := s.keys.Find(ctx, bson.M{UserIDField: userID},
		options.Find().SetSort(bson.D{{Key: datastore.CreatedAt, Value: -1}}))
	if err != nil {
		err = errors.Wrap(err, "listing api keys")
		return
	}
	keys = make([]APIKey, 0)
	err = errors.Wrap(cur.All(ctx, &keys), "decoding api keys")
	return
}

// RevokeKey disables one of the user's keys.
func (s *Store) RevokeKey(ctx context.Context, userID primitive.ObjectID, id string) error {
	res, err := s.keys.UpdateOne(ctx,
		bson.M{datastore.ObjectID: id, UserIDField: userID, RevokedAtField: bson.M{"$exists": false}},
		bson.M{datastore.MongoSetOperator: bson.M{RevokedAtField: s.now()}})
	if err != nil {
		return errors.Wrap(err, "revoking api key")
	}
	if res.MatchedCount == 0 {
		return ErrKeyNotFound
	}
	log.Ctx(ctx).Info().Str("user", userID.Hex()).Str("key", id).Msg("api key revoked")
	return nil
}

// ValidateKey resolves a plaintext key to its stored record.
func (s *Store) ValidateKey(ctx context.Context, plaintext string) (*APIKey, error) {
	prefix, ok := parseKey(plaintext)
	if !ok {
		return nil, ErrInvalidKey
	}
	key := &APIKey{}
	err := s.keys.FindOne(ctx, bson.M{PrefixField: prefix}).Decode(key)
	if err == mongo.ErrNoDocuments {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, errors.Wrap(err, "looking up api key")
	}
	if !verifyKey(plaintext, key.Hash) {
		log.Ctx(ctx).Warn().Str("prefix", prefix).Msg("api key hash mismatch")
		return nil, ErrInvalidKey
	}
	if key.Revoked() {
		return nil, ErrKeyRevoked
	}

	ts := s.now()
	if _, err = s.keys.UpdateOne(ctx, bson.M{datastore.ObjectID: key.ID},
		bson.M{datastore.MongoSetOperator: bson.M{LastUsedAtField: ts}}); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key.ID).Msg("recording api key use failed")
	} else {
		key.LastUsedAt = &ts
	}
	return key, nil
}

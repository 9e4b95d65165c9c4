//go:build integration

package user

import (
	"context"
	"testing"

	"codenearby/datastore"
	"codenearby/datastore/datastoretest"
	"codenearby/github"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFriendshipLifecycleOnMongo(t *testing.T) {
	db := datastoretest.StartMongo(t)
	ctx := context.Background()
	require.NoError(t, datastore.EnsureIndexes(ctx, db))
	s := NewStore(db)

	alice, created, err := s.UpsertFromGitHub(ctx, &github.Profile{ID: 1, Login: "alice"})
	require.NoError(t, err)
	assert.True(t, created)
	bob, _, err := s.UpsertFromGitHub(ctx, &github.Profile{ID: 2, Login: "bob"})
	require.NoError(t, err)

	_, created, err = s.UpsertFromGitHub(ctx, &github.Profile{ID: 1, Login: "alice", Name: "Alice"})
	require.NoError(t, err)
	assert.False(t, created, "second sign in updates in place")

	_, err = s.UpdateLocation(ctx, alice.ID, 52.52, 13.405, "Berlin")
	require.NoError(t, err)
	_, err = s.UpdateLocation(ctx, bob.ID, 52.3906, 13.0645, "Potsdam")
	require.NoError(t, err)
	near, err := s.Nearby(ctx, 52.52, 13.405, 50, 10, alice.ID)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "bob", near[0].User.Login)

	req, err := s.SendFriendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = s.SendFriendRequest(ctx, bob.ID, alice.ID)
	assert.Equal(t, ErrRequestExists, err, "reverse request while one is pending")

	_, err = s.SendMessage(ctx, alice.ID, bob.ID, "hi")
	assert.Equal(t, ErrNotFriends, err)

	_, err = s.AcceptFriendRequest(ctx, req.ID, bob.ID)
	require.NoError(t, err)
	_, err = s.AcceptFriendRequest(ctx, req.ID, bob.ID)
	assert.Equal(t, ErrNotPending, err)

	fresh, err := s.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, fresh.HasFriend(bob.ID))
	assert.Empty(t, fresh.SentRequests)

	_, err = s.SendMessage(ctx, alice.ID, bob.ID, "hi bob")
	require.NoError(t, err)
	convs, err := s.Conversations(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, alice.ID, convs[0].Peer)
	assert.Equal(t, 1, convs[0].Unread)

	n, err := s.MarkRead(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.RemoveFriend(ctx, bob.ID, alice.ID))
	ok, err := s.AreFriends(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

package gathering

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestChatMessages(t *testing.T) {
	s, coll, rec := newTestStore(t)
	host, outsider := primitive.NewObjectID(), primitive.NewObjectID()
	g := liveGathering(host)
	withGathering(coll, g)
	me := Member{ID: host, Login: "host"}

	tests := []struct {
		name   string
		sender Member
		text   string
		err    error
	}{
		{"blank", me, "  ", ErrInvalidMessage},
		{"too long", me, strings.Repeat("x", MaxMessageLength+1), ErrInvalidMessage},
		{"outsider", Member{ID: outsider}, "hi", ErrNotParticipant},
	}
	for _, tc := range tests {
		_, err := s.SendMessage(context.Background(), g.Slug, tc.sender, tc.text)
		assert.Equal(t, tc.err, err, tc.name)
	}

	for i, text := range []string{"one", "two", "three"} {
		s.now = func() time.Time { return fixedNow.Add(time.Duration(i) * time.Second) }
		_, err := s.SendMessage(context.Background(), g.Slug, me, text)
		require.NoError(t, err)
	}
	s.now = func() time.Time { return fixedNow }

	msgs, err := s.Messages(context.Background(), g.Slug, host, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text, "last entries, oldest first")
	assert.Equal(t, "three", msgs[1].Text)
	assert.Equal(t, []string{EventMessage, EventMessage, EventMessage}, rec.types())

	_, err = s.Messages(context.Background(), g.Slug, outsider, 10)
	assert.Equal(t, ErrNotParticipant, err)
}

func TestNormalizeOptions(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		ok   bool
	}{
		{"one option", []string{"yes"}, false},
		{"too many", strings.Split("a,b,c,d,e,f,g,h,i,j,k", ","), false},
		{"duplicate ignoring case", []string{"Go", " go"}, false},
		{"blank option", []string{"Go", " "}, false},
		{"ok", []string{" Go ", "Rust"}, true},
	}
	for _, tc := range tests {
		_, ok := normalizeOptions(tc.in)
		assert.Equal(t, tc.ok, ok, tc.name)
	}
}

func TestPollVoting(t *testing.T) {
	s, coll, rec := newTestStore(t)
	host, guest, late := primitive.NewObjectID(), primitive.NewObjectID(), primitive.NewObjectID()
	g := liveGathering(host, guest, late)
	withGathering(coll, g)
	ctx := context.Background()

	_, err := s.CreatePoll(ctx, g.Slug, Member{ID: host}, "?", []string{"a", "b"})
	assert.Equal(t, ErrInvalidPoll, err)

	p, err := s.CreatePoll(ctx, g.Slug, Member{ID: guest, Login: "guest"}, "Tabs or spaces?", []string{"Tabs", "Spaces"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, p.Counts)

	_, err = s.Vote(ctx, g.Slug, p.ID, host, 5)
	assert.Equal(t, ErrInvalidOption, err)
	_, err = s.Vote(ctx, g.Slug, "nope", host, 0)
	assert.Equal(t, ErrPollNotFound, err)

	p, err = s.Vote(ctx, g.Slug, p.ID, host, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, p.Counts)
	assert.True(t, p.HasVoted(host))

	_, err = s.Vote(ctx, g.Slug, p.ID, host, 0)
	assert.Equal(t, ErrAlreadyVoted, err, "one vote per user")

	_, err = s.ClosePoll(ctx, g.Slug, p.ID, late)
	assert.Equal(t, ErrForbidden, err, "neither creator nor host")
	p, err = s.ClosePoll(ctx, g.Slug, p.ID, guest)
	require.NoError(t, err)
	assert.True(t, p.Closed)
	_, err = s.ClosePoll(ctx, g.Slug, p.ID, host)
	require.NoError(t, err, "closing twice is fine")

	_, err = s.Vote(ctx, g.Slug, p.ID, late, 0)
	assert.Equal(t, ErrPollClosed, err)

	polls, err := s.Polls(ctx, g.Slug, late)
	require.NoError(t, err)
	require.Len(t, polls, 1)
	assert.Equal(t, []int{0, 1}, polls[0].Counts)
	assert.Equal(t, []string{EventPoll, EventPoll, EventPollClosed}, rec.types())
}

func TestConcurrentVotesAreAllCounted(t *testing.T) {
	s, coll, _ := newTestStore(t)
	host := primitive.NewObjectID()
	voters := make([]primitive.ObjectID, 20)
	for i := range voters {
		voters[i] = primitive.NewObjectID()
	}
	g := liveGathering(host, voters...)
	withGathering(coll, g)
	ctx := context.Background()

	p, err := s.CreatePoll(ctx, g.Slug, Member{ID: host}, "Best editor?", []string{"vim", "emacs"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(voters))
	for i, v := range voters {
		wg.Add(1)
		go func(v primitive.ObjectID, opt int) {
			defer wg.Done()
			if _, err := s.Vote(ctx, g.Slug, p.ID, v, opt); err != nil {
				errs <- err
			}
		}(v, i%2)
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		assert.False(t, errors.Is(err, ErrAlreadyVoted))
		failed++
	}
	polls, err := s.Polls(ctx, g.Slug, host)
	require.NoError(t, err)
	require.Len(t, polls, 1)
	assert.Equal(t, len(voters)-failed, polls[0].Counts[0]+polls[0].Counts[1], "no vote is lost or doubled")
}

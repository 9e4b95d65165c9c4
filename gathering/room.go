package gathering

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"codenearby/log"
	"codenearby/metrics"
	"codenearby/realtime"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	MaxMessageLength   = 1000
	defaultMessagePage = 50
	maxMessagePage     = 200
	minPollOptions     = 2
	maxPollOptions     = 10
	maxOptionLength    = 100
)

// event types pushed to room subscribers; EventLeft carries the Member who
// left and closes their sockets in the room
const (
	EventMessage    = "message"
	EventPoll       = "poll"
	EventPollClosed = "poll_closed"
	EventDeleted    = "gathering_deleted"
	EventLeft       = "participant_left"
)

var (
	ErrInvalidMessage = errors.New("message must be 1 to 1000 characters")
	ErrInvalidPoll    = errors.New("a poll needs a 3 to 200 character question and 2 to 10 distinct options")
	ErrPollNotFound   = errors.New("poll not found")
	ErrPollClosed     = errors.New("poll is closed")
	ErrInvalidOption  = errors.New("no such option")
	ErrAlreadyVoted   = errors.New("already voted on this poll")
)

// Event is what subscribers of a gathering receive.
type Event struct {
	Type      string      `json:"type"`
	Gathering string      `json:"gathering"`
	Data      interface{} `json:"data,omitempty"`
}

// Publisher fans gathering events out to connected clients.
type Publisher interface {
	Publish(slug string, ev Event)
}

type NopPublisher struct{}

func (NopPublisher) Publish(string, Event) {}

// Member identifies who is speaking in a room.
type Member struct {
	ID    primitive.ObjectID `json:"id"`
	Login string             `json:"login"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    Member    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Poll keeps one vote per voter; Counts is derived from Votes.
type Poll struct {
	ID        string         `json:"id"`
	Question  string         `json:"question"`
	Options   []string       `json:"options"`
	CreatedBy Member         `json:"created_by"`
	Votes     map[string]int `json:"-"`
	Counts    []int          `json:"counts"`
	Closed    bool           `json:"closed"`
	CreatedAt time.Time      `json:"created_at"`
}

// pollRecord is the stored form, which keeps the voter map.
type pollRecord struct {
	Poll
	Voters map[string]int `json:"voters"`
}

func (r *pollRecord) Reset() {
	*r = pollRecord{}
}

func (p *Poll) HasVoted(userID primitive.ObjectID) bool {
	_, ok := p.Votes[userID.Hex()]
	return ok
}

func (p *Poll) recount() {
	p.Counts = make([]int, len(p.Options))
	for _, opt := range p.Votes {
		if opt >= 0 && opt < len(p.Counts) {
			p.Counts[opt]++
		}
	}
}

func recordPrefix(slug string) string {
	return "gathering/" + slug + "/"
}

func messagePrefix(slug string) string {
	return recordPrefix(slug) + "msg/"
}

func pollPrefix(slug string) string {
	return recordPrefix(slug) + "poll/"
}

// SendMessage appends a chat line to the room and publishes it.
func (s *Store) SendMessage(ctx context.Context, slug string, sender Member, text string) (msg *ChatMessage, err error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxMessageLength {
		err = ErrInvalidMessage
		return
	}
	g, err := s.participant(ctx, slug, sender.ID)
	if err != nil {
		return
	}
	ts := s.now()
	msg = &ChatMessage{ID: uuid.NewString(), Sender: sender, Text: text, CreatedAt: ts}
	key := fmt.Sprintf("%s%020d-%s", messagePrefix(slug), ts.UnixNano(), msg.ID)
	if err = s.records.Put(key, msg, s.ttl(g)); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("slug", slug).Msg("storing gathering message failed")
		return nil, errors.Wrap(err, "storing gathering message")
	}
	metrics.MessagesSent.WithLabelValues("gathering").Inc()
	s.pub.Publish(slug, Event{Type: EventMessage, Gathering: slug, Data: msg})
	return
}

// Messages returns the last limit chat lines, oldest first.
func (s *Store) Messages(ctx context.Context, slug string, userID primitive.ObjectID, limit int) ([]ChatMessage, error) {
	if _, err := s.participant(ctx, slug, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessagePage
	} else if limit > maxMessagePage {
		limit = maxMessagePage
	}
	msgs := make([]ChatMessage, 0, limit)
	err := s.records.Tail(messagePrefix(slug), limit, func(_ string, decode realtime.Decoder) error {
		var m ChatMessage
		if err := decode(&m); err != nil {
			return err
		}
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading gathering messages")
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func normalizeOptions(options []string) ([]string, bool) {
	if len(options) < minPollOptions || len(options) > maxPollOptions {
		return nil, false
	}
	seen := make(map[string]bool, len(options))
	out := make([]string, 0, len(options))
	for _, o := range options {
		o = strings.TrimSpace(o)
		key := strings.ToLower(o)
		if o == "" || utf8.RuneCountInString(o) > maxOptionLength || seen[key] {
			return nil, false
		}
		seen[key] = true
		out = append(out, o)
	}
	return out, true
}

// CreatePoll opens a poll in the room.
func (s *Store) CreatePoll(ctx context.Context, slug string, creator Member, question string, options []string) (*Poll, error) {
	question = strings.TrimSpace(question)
	opts, ok := normalizeOptions(options)
	if n := utf8.RuneCountInString(question); n < 3 || n > 200 || !ok {
		return nil, ErrInvalidPoll
	}
	g, err := s.participant(ctx, slug, creator.ID)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7() // time ordered, so scans list polls oldest first
	if err != nil {
		return nil, errors.Wrap(err, "generating poll id")
	}
	rec := pollRecord{Poll: Poll{
		ID:        id.String(),
		Question:  question,
		Options:   opts,
		CreatedBy: creator,
		CreatedAt: s.now(),
	}, Voters: map[string]int{}}
	rec.Votes = rec.Voters
	rec.recount()
	if err = s.records.Put(pollPrefix(slug)+rec.ID, &rec, s.ttl(g)); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("slug", slug).Msg("storing poll failed")
		return nil, errors.Wrap(err, "storing poll")
	}
	s.pub.Publish(slug, Event{Type: EventPoll, Gathering: slug, Data: &rec.Poll})
	return &rec.Poll, nil
}

// updatePoll runs mutate on the stored poll inside a realtime transaction.
func (s *Store) updatePoll(g *Gathering, pollID string, mutate func(p *Poll) error) (*Poll, error) {
	var rec pollRecord
	err := s.records.Update(pollPrefix(g.Slug)+pollID, &rec, s.ttl(g), func() error {
		if rec.Voters == nil {
			rec.Voters = map[string]int{}
		}
		rec.Votes = rec.Voters
		return mutate(&rec.Poll)
	})
	if errors.Is(err, realtime.ErrNotFound) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Votes = rec.Voters
	return &rec.Poll, nil
}

// Vote casts userID's single vote for option.
func (s *Store) Vote(ctx context.Context, slug, pollID string, userID primitive.ObjectID, option int) (*Poll, error) {
	g, err := s.participant(ctx, slug, userID)
	if err != nil {
		return nil, err
	}
	p, err := s.updatePoll(g, pollID, func(p *Poll) error {
		switch {
		case p.Closed:
			return ErrPollClosed
		case option < 0 || option >= len(p.Options):
			return ErrInvalidOption
		case p.HasVoted(userID):
			return ErrAlreadyVoted
		}
		p.Votes[userID.Hex()] = option
		p.recount()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.pub.Publish(slug, Event{Type: EventPoll, Gathering: slug, Data: p})
	return p, nil
}

// ClosePoll stops voting. The poll creator and the host may close it;
// closing a closed poll is a no-op.
func (s *Store) ClosePoll(ctx context.Context, slug, pollID string, userID primitive.ObjectID) (*Poll, error) {
	g, err := s.participant(ctx, slug, userID)
	if err != nil {
		return nil, err
	}
	changed := false
	p, err := s.updatePoll(g, pollID, func(p *Poll) error {
		if p.CreatedBy.ID != userID && g.Host != userID {
			return ErrForbidden
		}
		changed = !p.Closed
		p.Closed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.pub.Publish(slug, Event{Type: EventPollClosed, Gathering: slug, Data: p})
	}
	return p, nil
}

// Polls lists the room's polls, oldest first.
func (s *Store) Polls(ctx context.Context, slug string, userID primitive.ObjectID) ([]Poll, error) {
	if _, err := s.participant(ctx, slug, userID); err != nil {
		return nil, err
	}
	polls := make([]Poll, 0)
	err := s.records.Scan(pollPrefix(slug), func(_ string, decode realtime.Decoder) error {
		var rec pollRecord
		if err := decode(&rec); err != nil {
			return err
		}
		rec.Votes = rec.Voters
		polls = append(polls, rec.Poll)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading polls")
	}
	return polls, nil
}

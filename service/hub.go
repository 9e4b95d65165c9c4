package service

import (
	"context"
	"net/http"
	"sync"

	"codenearby/gathering"
	"codenearby/log"
	"codenearby/metrics"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	hubQueue   = 256
	clientSend = 64
)

type roomMessage struct {
	slug    string
	payload []byte
	final   bool   // the room is gone; disconnect everyone after delivery
	evict   string // login whose clients leave the room after delivery
}

// Hub fans gathering events out to the WebSocket clients of each room. The
// run loop owns membership changes; mu guards reads from other goroutines
// and the done channel, which is replaced on every run.
type Hub struct {
	rooms      map[string]map[*wsClient]struct{}
	mu         sync.RWMutex
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan roomMessage
	done       chan struct{}
	upgrader   websocket.Upgrader
}

var _ gathering.Publisher = (*Hub)(nil)

// NewHub accepts upgrades from the given origins; "*" allows any.
func NewHub(origins []string) *Hub {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Hub{
		rooms:      make(map[string]map[*wsClient]struct{}),
		register:   make(chan *wsClient, hubQueue),
		unregister: make(chan *wsClient, hubQueue),
		broadcast:  make(chan roomMessage, hubQueue),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

// Publish queues ev for every client in the room of slug. It never blocks
// a request; when the hub is saturated the event is dropped.
func (h *Hub) Publish(slug string, ev gathering.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Logger().Error().Err(err).Str("gathering", slug).Msg("encoding gathering event failed")
		return
	}
	msg := roomMessage{slug: slug, payload: payload, final: ev.Type == gathering.EventDeleted}
	if m, ok := ev.Data.(gathering.Member); ok && ev.Type == gathering.EventLeft {
		msg.evict = m.Login
	}
	select {
	case h.broadcast <- msg:
	case <-h.stopped():
	default:
		log.Logger().Warn().Str("gathering", slug).Str("event", ev.Type).Msg("hub saturated, event dropped")
	}
}

// Clients counts the open connections of a room.
func (h *Hub) Clients(slug string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[slug])
}

func (h *Hub) stopped() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

func (h *Hub) RunWithContext(ctx context.Context) error {
	h.mu.Lock()
	select {
	case <-h.done:
		// restarted by the supervisor
		h.done = make(chan struct{})
	default:
	}
	done := h.done
	h.mu.Unlock()

	log.Logger().Info().Msg("gathering hub started")
	defer h.stop(done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.slug]
	if !ok {
		room = make(map[*wsClient]struct{})
		h.rooms[c.slug] = room
	}
	room[c] = struct{}{}
	metrics.WebSocketClients.Inc()
	log.Logger().Debug().Str("gathering", c.slug).Str("user", c.login).Msg("client joined room")
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop must be called with mu held.
func (h *Hub) drop(c *wsClient) {
	room, ok := h.rooms[c.slug]
	if !ok {
		return
	}
	if _, ok = room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	metrics.WebSocketClients.Dec()
	if len(room) == 0 {
		delete(h.rooms, c.slug)
	}
}

func (h *Hub) deliver(msg roomMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[msg.slug] {
		select {
		case c.send <- msg.payload:
			if msg.final || (msg.evict != "" && c.login == msg.evict) {
				h.drop(c)
			}
		default:
			log.Logger().Warn().Str("gathering", msg.slug).Str("user", c.login).Msg("dropping slow websocket client")
			metrics.WebSocketDropped.Inc()
			h.drop(c)
		}
	}
}

// stop closes done and every client. ServeWS only queues registrations
// under a read lock after checking done, so draining register here under
// the write lock leaves nothing behind.
func (h *Hub) stop(done chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(done)
	for _, room := range h.rooms {
		for c := range room {
			h.drop(c)
		}
	}
	for {
		select {
		case c := <-h.register:
			close(c.send)
			continue
		default:
		}
		break
	}
	log.Logger().Info().Msg("gathering hub stopped")
}

// ServeWS upgrades the request and subscribes the connection to the room of
// slug. Authorization happens before this is called.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, slug, login string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		log.Ctx(r.Context()).Debug().Err(err).Str("gathering", slug).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{hub: h, conn: conn, slug: slug, login: login, send: make(chan []byte, clientSend)}
	if reason := h.enqueue(c); reason != "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// enqueue hands c to the run loop and returns why it could not.
func (h *Hub) enqueue(c *wsClient) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	select {
	case <-h.done:
		return "server shutting down"
	default:
	}
	c.done = h.done
	select {
	case h.register <- c:
		return ""
	default:
		log.Logger().Warn().Str("gathering", c.slug).Msg("hub saturated, connection refused")
		return "server busy"
	}
}

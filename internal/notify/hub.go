package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"civicroute/internal/domain"
	"civicroute/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type subscriber struct {
	conn        *websocket.Conn
	mu          sync.Mutex
	authorityID string
	complaintID string
	filter      EventFilter
}

func (s *subscriber) wants(evt domain.Event) bool {
	if s.authorityID != "" && s.authorityID != evt.AuthorityID {
		return false
	}
	if s.complaintID != "" && s.complaintID != evt.ComplaintID {
		return false
	}
	return s.filter.Match(evt.Type)
}

func (s *subscriber) write(msgType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(msgType, data)
}

// Hub fans events out to live websocket subscribers. Query parameters
// authority, complaint and type narrow what a subscriber receives.
// Delivery is best effort: slow or dead connections are dropped.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub(logger *slog.Logger, allowOrigin func(*http.Request) bool) *Hub {
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: allowOrigin},
		log:      logging.OrDiscard(logger),
		subs:     make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	q := r.URL.Query()
	s := &subscriber{
		conn:        conn,
		authorityID: q.Get("authority"),
		complaintID: q.Get("complaint"),
		filter:      NewEventFilter(q["type"]),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("websocket subscriber connected", "authority", s.authorityID, "complaint", s.complaintID)

	done := make(chan struct{})
	go h.pingLoop(s, done)
	h.readLoop(s)
	close(done)
}

func (h *Hub) pingLoop(s *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				h.drop(s)
				return
			}
		}
	}
}

// readLoop only services control frames; subscribers never send data.
func (h *Hub) readLoop(s *subscriber) {
	defer h.drop(s)
	s.conn.SetReadLimit(4 << 10)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

func (h *Hub) Deliver(_ context.Context, evt domain.Event) error {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		if s.wants(evt) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}
	data, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return err
	}
	for _, s := range targets {
		if err := s.write(websocket.TextMessage, data); err != nil {
			h.log.Debug("dropping websocket subscriber", "err", err)
			h.drop(s)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()
	for s := range subs {
		s.mu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		s.mu.Unlock()
		_ = s.conn.Close()
	}
}

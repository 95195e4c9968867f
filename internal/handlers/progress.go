package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mediaConverter/internal/models"
)

const (
	progressWriteTimeout = 5 * time.Second
	// Subscribers only listen; anything they send is discarded.
	progressReadLimit = 512
)

// progressHub fans lifecycle and transcode progress events out to websocket
// subscribers. Clients pick the job id and subscribe before they upload.
type progressHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// subscriber serializes writes; gorilla connections allow one writer at a time.
type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscriber) send(evt models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
	return s.conn.WriteJSON(evt)
}

func newProgressHub(logger *slog.Logger) *progressHub {
	return &progressHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

func (h *progressHub) serve(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(jobID); err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(progressReadLimit)

	sub := &subscriber{conn: conn}
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(jobID, sub)
}

func (h *progressHub) broadcast(jobID string, evt models.ProgressEvent) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[jobID]))
	for s := range h.subs[jobID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(evt); err != nil {
			h.logger.Debug("dropping progress subscriber", "job_id", jobID, "error", err)
			h.remove(jobID, s)
		}
	}
}

func (h *progressHub) remove(jobID string, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, jobID)
		}
	}
	h.mu.Unlock()
	_ = sub.conn.Close()
}

func (h *progressHub) subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

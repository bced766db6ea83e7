package server

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// subscriber is one websocket connection watching one task.
type subscriber struct {
	taskID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// close ends the write pump, which sends a close frame.
func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub fans task messages out to the websocket subscribers of each task.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger *log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), logger: logger}
}

// Subscribers returns the number of open connections for taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}

// Broadcast queues msg for every subscriber of taskID.
//
// A subscriber whose buffer is full is dropped rather than stalling the others.
func (h *Hub) Broadcast(taskID string, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[taskID] {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("dropping slow subscriber", "task_id", taskID)
			h.removeLocked(sub)
		}
	}
}

// CloseTask closes every connection of taskID after the queued messages are written.
func (h *Hub) CloseTask(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[taskID] {
		h.removeLocked(sub)
	}
}

// CloseAll closes every connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.subs {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
}

// serve registers conn for taskID, queues the greeting messages and runs the
// read and write pumps until the connection ends.
func (h *Hub) serve(taskID string, conn *websocket.Conn, greeting ...[]byte) {
	sub := &subscriber{taskID: taskID, conn: conn, send: make(chan []byte, sendBuffer)}
	for _, msg := range greeting {
		sub.send <- msg
	}

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[*subscriber]struct{})
	}
	h.subs[taskID][sub] = struct{}{}
	h.mu.Unlock()

	logger := h.logger.With("task_id", taskID)
	logger.Debug("subscriber connected")

	go h.writePump(sub, logger)
	h.readPump(sub, logger)
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	if subs, ok := h.subs[sub.taskID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.taskID)
		}
	}
	sub.close()
}

// readPump discards client messages and notices when the client goes away.
func (h *Hub) readPump(sub *subscriber, logger *log.Logger) {
	defer func() {
		h.remove(sub)
		logger.Debug("subscriber disconnected")
	}()

	sub.conn.SetReadLimit(maxMessageSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "err", err)
			}
			return
		}
	}
}

// writePump writes queued messages one frame each and pings idle clients.
func (h *Hub) writePump(sub *subscriber, logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Warn("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

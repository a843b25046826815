package webhook

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"leadflow/utils"
)

const (
	listenerQueue = 64
	writeWait     = 10 * time.Second
)

// StreamConn is the part of a websocket connection the hub writes to.
type StreamConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Listener is one registered connection. Events reach it through a bounded
// queue drained by its own writer goroutine.
type Listener struct {
	hub            *Hub
	organizationID uint
	conn           StreamConn
	send           chan []byte
	done           chan struct{}
}

// Hub fans published events out to websocket listeners of an organization.
// Broadcast never waits on a connection: a listener whose queue is full is
// dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[uint]map[*Listener]struct{}
	log     *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uint]map[*Listener]struct{}),
		log:     utils.ComponentLogger("event_hub"),
	}
}

// Register attaches conn to the organization's feed and starts its writer.
// The caller must Close the listener before releasing conn.
func (h *Hub) Register(organizationID uint, conn StreamConn) *Listener {
	l := &Listener{
		hub:            h,
		organizationID: organizationID,
		conn:           conn,
		send:           make(chan []byte, listenerQueue),
		done:           make(chan struct{}),
	}

	h.mu.Lock()
	if h.clients[organizationID] == nil {
		h.clients[organizationID] = make(map[*Listener]struct{})
	}
	h.clients[organizationID][l] = struct{}{}
	h.mu.Unlock()

	go l.writePump()
	return l
}

// Listeners returns the number of open connections for the organization.
func (h *Hub) Listeners(organizationID uint) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[organizationID])
}

// Broadcast queues env for every listener of the organization.
func (h *Hub) Broadcast(organizationID uint, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		utils.LogError("event_hub_encode", err, map[string]interface{}{
			"event_name": env.EventName,
		})
		return
	}

	var dropped []*Listener
	h.mu.Lock()
	for l := range h.clients[organizationID] {
		select {
		case l.send <- body:
		default:
			h.removeLocked(l)
			dropped = append(dropped, l)
		}
	}
	h.mu.Unlock()

	for _, l := range dropped {
		h.log.WithField("organization_id", organizationID).Warn("Dropping slow event listener")
		// Unblocks a writer stuck on the connection.
		l.conn.Close()
	}
}

// removeLocked detaches l and closes its queue. h.mu must be held.
func (h *Hub) removeLocked(l *Listener) {
	set := h.clients[l.organizationID]
	if _, ok := set[l]; !ok {
		return
	}
	delete(set, l)
	if len(set) == 0 {
		delete(h.clients, l.organizationID)
	}
	close(l.send)
}

func (h *Hub) detach(l *Listener) {
	h.mu.Lock()
	h.removeLocked(l)
	h.mu.Unlock()
}

// Close detaches the listener and waits for its writer to exit.
func (l *Listener) Close() {
	l.hub.detach(l)
	<-l.done
}

func (l *Listener) writePump() {
	defer close(l.done)
	defer l.conn.Close()

	for body := range l.send {
		_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := l.conn.WriteMessage(websocket.TextMessage, body); err != nil {
			l.hub.log.WithError(err).WithField("organization_id", l.organizationID).Debug("Event listener write failed")
			l.hub.detach(l)
			return
		}
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = l.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Package gateway is the realtime status gateway: it scopes delivery to
// per-user and per-job rooms, throttles progress fan-out, and queues
// notifications for offline recipients.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/frameforge/api/internal/model"
)

// OwnershipCheck reports whether a user may subscribe to a job's room.
type OwnershipCheck func(ctx context.Context, jobID, userID string) (bool, error)

// Client represents one authenticated WebSocket connection
type Client struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	closed bool // guarded by the hub mutex; true once Send is closed
}

type broadcastMessage struct {
	rooms   []string
	message []byte
}

func userRoom(userID string) string { return "user:" + userID }
func jobRoom(jobID string) string   { return "job:" + jobID }

// Hub maintains room membership and fans status events out to rooms.
// Membership is ephemeral and tied to connection lifetime; the per-job
// room is only ever joined after a successful ownership check.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[*Client]bool
	memberships map[*Client]map[string]bool

	broadcast chan *broadcastMessage

	checkOwnership OwnershipCheck
	pending        PendingStore
	throttle       *progressThrottle
}

// NewHub creates a new Hub
func NewHub(checkOwnership OwnershipCheck, pending PendingStore, progressInterval time.Duration) *Hub {
	return &Hub{
		rooms:          make(map[string]map[*Client]bool),
		memberships:    make(map[*Client]map[string]bool),
		broadcast:      make(chan *broadcastMessage, 256),
		checkOwnership: checkOwnership,
		pending:        pending,
		throttle:       newProgressThrottle(progressInterval),
	}
}

// Run starts the hub's broadcast loop
func (h *Hub) Run() {
	for msg := range h.broadcast {
		h.deliver(msg)
	}
}

func (h *Hub) deliver(msg *broadcastMessage) {
	// Deduplicate clients present in more than one target room so each
	// socket receives the event once.
	seen := make(map[*Client]bool)
	var stuck []*Client

	h.mu.RLock()
	for _, room := range msg.rooms {
		for client := range h.rooms[room] {
			if seen[client] {
				continue
			}
			seen[client] = true
			select {
			case client.Send <- msg.message:
			default:
				stuck = append(stuck, client)
			}
		}
	}
	h.mu.RUnlock()

	// Slow consumers are dropped rather than allowed to block the loop.
	for _, client := range stuck {
		h.Unregister(client)
	}
}

// Register joins a client to its user's room.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(userRoom(client.UserID), client)
	log.Printf("Client registered for user %s", client.UserID)
}

// Unregister removes a client from every room it joined.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.closed {
		return
	}
	for room := range h.memberships[client] {
		h.leaveLocked(room, client)
	}
	delete(h.memberships, client)
	client.closed = true
	close(client.Send)
	log.Printf("Client unregistered for user %s", client.UserID)
}

func (h *Hub) joinLocked(room string, client *Client) {
	if client.closed {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	if h.memberships[client] == nil {
		h.memberships[client] = make(map[string]bool)
	}
	h.memberships[client][room] = true
}

func (h *Hub) leaveLocked(room string, client *Client) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.memberships[client]; ok {
		delete(rooms, room)
	}
}

// roomEmpty reports whether a room has zero live sockets.
func (h *Hub) roomEmpty(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room]) == 0
}

// DispatchStatus broadcasts a job status event to the user's room and the
// job's room, so subscribers at either granularity receive it exactly
// once from their own perspective. Progress events pass through the
// gateway's own per-job throttle, independent of the reporter upstream.
func (h *Hub) DispatchStatus(ev model.StatusEvent) {
	switch ev.Type {
	case model.EventProgress:
		if !h.throttle.allow(ev.JobID) {
			return
		}
	case model.EventCompleted, model.EventFailed, model.EventCancelled:
		h.throttle.forget(ev.JobID)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", ev.Type, err)
		return
	}

	var rooms []string
	if ev.UserID != "" {
		rooms = append(rooms, userRoom(ev.UserID))
	}
	if ev.JobID != "" && ev.Type != model.EventCreditsUpdated {
		rooms = append(rooms, jobRoom(ev.JobID))
	}
	if len(rooms) == 0 {
		return
	}

	h.broadcast <- &broadcastMessage{rooms: rooms, message: data}
}

// CreditsUpdated pushes a balance change to the user's room.
func (h *Hub) CreditsUpdated(userID string, balance float64) {
	h.DispatchStatus(model.StatusEvent{
		Type:    model.EventCreditsUpdated,
		UserID:  userID,
		Balance: balance,
	})
}

// Notify delivers a plain notification to the user's room. With zero live
// sockets in the room it is queued in the pending store instead of being
// dropped.
func (h *Hub) Notify(ctx context.Context, userID string, n model.Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	msg := model.WSNotificationMessage{
		Type:         model.EventNotification,
		Notification: n,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if h.roomEmpty(userRoom(userID)) {
		return h.pending.Append(ctx, userID, data)
	}

	h.broadcast <- &broadcastMessage{rooms: []string{userRoom(userID)}, message: data}
	return nil
}

// drainPending fetches-and-deletes the user's backlog, then delivers it
// in order. Entries that fail to deserialize are skipped.
func (h *Hub) drainPending(client *Client) {
	entries, err := h.pending.Drain(context.Background(), client.UserID)
	if err != nil {
		log.Printf("Failed to drain pending notifications for user %s: %v", client.UserID, err)
		return
	}

	for _, entry := range entries {
		var msg model.WSNotificationMessage
		if err := json.Unmarshal(entry, &msg); err != nil {
			log.Printf("Skipping undecodable pending notification for user %s: %v", client.UserID, err)
			continue
		}
		h.sendTo(client, entry)
	}
}

// handleSubscribe processes a subscribe{jobId} request. The connection is
// never torn down over a failed subscription; the outcome is always an
// acknowledgement.
func (h *Hub) handleSubscribe(client *Client, jobID string) {
	ack := model.WSAck{Type: model.WSMessageTypeSubscribeAck, JobID: jobID}

	switch {
	case jobID == "":
		ack.Error = "jobId is required"
	default:
		ok, err := h.checkOwnership(context.Background(), jobID, client.UserID)
		if err != nil {
			log.Printf("Ownership check failed for job %s user %s: %v", jobID, client.UserID, err)
			ack.Error = "authorization check failed"
		} else if !ok {
			ack.Error = "not authorized for this job"
		} else {
			h.mu.Lock()
			h.joinLocked(jobRoom(jobID), client)
			h.mu.Unlock()
			ack.Ok = true
		}
	}

	h.sendAck(client, ack)
}

// handleUnsubscribe leaves the job room. Leaving a room not currently
// joined succeeds silently.
func (h *Hub) handleUnsubscribe(client *Client, jobID string) {
	if jobID != "" {
		h.mu.Lock()
		h.leaveLocked(jobRoom(jobID), client)
		h.mu.Unlock()
	}
	h.sendAck(client, model.WSAck{Type: model.WSMessageTypeUnsubscribeAck, JobID: jobID, Ok: true})
}

func (h *Hub) sendAck(client *Client, ack model.WSAck) {
	data, err := json.Marshal(ack)
	if err != nil {
		log.Printf("Failed to marshal ack: %v", err)
		return
	}
	h.sendTo(client, data)
}

// sendTo takes the read lock so the send cannot race Unregister closing
// the channel under the write lock.
func (h *Hub) sendTo(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if client.closed {
		return
	}
	select {
	case client.Send <- data:
	default:
		log.Printf("Dropping message for slow client (user %s)", client.UserID)
	}
}

// HandleConnection runs the read/write pumps for an authenticated socket.
// The user identity was established before the upgrade; there is no
// partially-authenticated state here.
func (h *Hub) HandleConnection(c *websocket.Conn, userID string) {
	client := &Client{
		UserID: userID,
		Conn:   c,
		Send:   make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	h.drainPending(client)

	// Writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg model.WSClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case model.WSMessageTypeSubscribe:
			h.handleSubscribe(client, msg.JobID)
		case model.WSMessageTypeUnsubscribe:
			h.handleUnsubscribe(client, msg.JobID)
		case model.WSMessageTypePing:
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			h.sendTo(client, data)
		}
	}
}

package devserver

import (
	"chatsync/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const connBuffer = 100

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrEmptyRoom         = errors.New("chat id is empty")
	ErrEmptyContent      = errors.New("message is empty")
)

type client struct {
	userID string
	out    chan models.Frame
	rooms  map[string]bool
}

// Hub routes messages between connections and rooms.
type Hub struct {
	// Map of chatID -> Room
	rooms map[string]*Room

	// Map of connID -> connected client
	clients map[string]*client

	users  map[string]User
	tokens map[string]string

	maxRecords int
	now        func() time.Time

	mu sync.RWMutex
}

func NewHub(seed Seed) *Hub {
	h := &Hub{
		rooms:      make(map[string]*Room),
		clients:    make(map[string]*client),
		users:      make(map[string]User),
		tokens:     make(map[string]string),
		maxRecords: seed.MaxRecords,
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, u := range seed.Users {
		h.users[u.ID] = u
		if u.Token != "" {
			h.tokens[u.Token] = u.ID
		}
	}
	for _, c := range seed.Rooms {
		h.createRoom(c)
	}
	for _, m := range seed.Messages {
		h.room(m.ChatID).AddMessage(m)
	}

	return h
}

func (h *Hub) createRoom(chat models.Chat) *Room {
	r := NewRoom(RoomConfig{
		ID:             chat.ID,
		Name:           chat.Name,
		IsGroup:        chat.IsGroup,
		MaxRecords:     h.maxRecords,
		RecordCallback: h.handleRecordCallback,
	})
	h.rooms[chat.ID] = r
	return r
}

// room returns the room for chatID, creating it on first use.
func (h *Hub) room(chatID string) *Room {
	h.mu.RLock()
	r, ok := h.rooms[chatID]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[chatID]; ok {
		return r
	}
	return h.createRoom(models.Chat{ID: chatID, Name: chatID, IsGroup: true})
}

// Authenticate resolves a session token to a user.
func (h *Hub) Authenticate(token string) (User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	id, ok := h.tokens[token]
	if !ok {
		return User{}, false
	}
	return h.users[id], true
}

// Register adds a connection for userID and returns its id and the channel
// of frames to write to it. The channel is closed when the connection is
// unregistered or dropped.
func (h *Hub) Register(userID string) (string, <-chan models.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connID := uuid.NewString()
	c := &client{
		userID: userID,
		out:    make(chan models.Frame, connBuffer),
		rooms:  make(map[string]bool),
	}
	h.clients[connID] = c
	return connID, c.out
}

// Unregister removes the connection from every room it joined.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
		close(c.out)
	}
	h.mu.Unlock()

	if ok {
		h.leaveAll(connID, c)
	}
}

// DropConnections disconnects every client as if the network failed.
// It returns the number of connections dropped.
func (h *Hub) DropConnections() int {
	h.mu.Lock()
	dropped := h.clients
	h.clients = make(map[string]*client)
	for _, c := range dropped {
		close(c.out)
	}
	h.mu.Unlock()

	for connID, c := range dropped {
		h.leaveAll(connID, c)
	}
	return len(dropped)
}

func (h *Hub) leaveAll(connID string, c *client) {
	for chatID := range c.rooms {
		h.room(chatID).Leave(connID)
	}
}

func (h *Hub) Join(connID, chatID string) error {
	if chatID == "" {
		return ErrEmptyRoom
	}
	r := h.room(chatID)

	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		c.rooms[chatID] = true
	}
	h.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}

	r.Join(connID)
	return nil
}

func (h *Hub) Leave(connID, chatID string) {
	h.mu.Lock()
	if c, ok := h.clients[connID]; ok {
		delete(c.rooms, chatID)
	}
	h.mu.Unlock()

	h.room(chatID).Leave(connID)
}

// IsMember reports whether connID has joined chatID.
func (h *Hub) IsMember(connID, chatID string) bool {
	return h.room(chatID).IsMember(connID)
}

// Members returns the number of connections joined to chatID.
func (h *Hub) Members(chatID string) int {
	r := h.room(chatID)
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.Members)
}

// Send stores a message from the connection's user and fans it out to every
// member of the room, the sender included.
func (h *Hub) Send(connID, chatID, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	switch {
	case chatID == "":
		return models.Message{}, ErrEmptyRoom
	case content == "":
		return models.Message{}, ErrEmptyContent
	}

	h.mu.RLock()
	c, ok := h.clients[connID]
	var user User
	if ok {
		user = h.users[c.userID]
	}
	h.mu.RUnlock()
	if !ok {
		return models.Message{}, ErrUnknownConnection
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Sender:    models.Sender{ID: user.ID, Username: user.Username},
		Content:   content,
		CreatedAt: h.now(),
	}
	h.room(chatID).AddMessage(msg)
	return msg, nil
}

// History returns the retained messages of chatID, oldest first.
func (h *Hub) History(chatID string) []models.Message {
	h.mu.RLock()
	r, ok := h.rooms[chatID]
	h.mu.RUnlock()
	if !ok {
		return []models.Message{}
	}
	return r.Messages()
}

// Chats lists every room, group rooms first, then by name.
func (h *Hub) Chats() []models.Chat {
	h.mu.RLock()
	result := make([]models.Chat, 0, len(h.rooms))
	for _, r := range h.rooms {
		result = append(result, r.Chat())
	}
	h.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].IsGroup != result[j].IsGroup {
			return result[i].IsGroup
		}
		return result[i].Name < result[j].Name
	})
	return result
}

func (h *Hub) handleRecordCallback(receiverID string, record Record) {
	data, err := json.Marshal(record.Message)
	if err != nil {
		log.Printf("failed to encode message %s: %v", record.Message.ID, err)
		return
	}
	frame := models.Frame{
		Type:  models.FrameTypeEvent,
		Event: models.EventNewMessage,
		Data:  data,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, online := h.clients[receiverID]
	if !online {
		return
	}
	select {
	case c.out <- frame:
	default:
		log.Printf("dropping message for slow connection %s", receiverID)
	}
}

func (u User) String() string {
	return fmt.Sprintf("%s(%s)", u.Username, u.ID)
}

package models

import (
	"encoding/json"
	"time"
)

// Protocol event names.
const (
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
	EventJoinChat    = "joinChat"
	EventLeaveChat   = "leaveChat"
	EventSendMessage = "sendMessage"
	EventNewMessage  = "newMessage"
)

// Sender identifies the author of a message.
type Sender struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
}

// Message represents a chat message as delivered by the server,
// either in the history snapshot or through newMessage.
type Message struct {
	ID        string    `json:"_id"`
	ChatID    string    `json:"chatId"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Chat represents a chat conversation in the collaborator REST API.
type Chat struct {
	ID      string `json:"_id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// ChatPayload is the body of joinChat and leaveChat.
type ChatPayload struct {
	ChatID string `json:"chatId"`
}

// SendPayload is the body of sendMessage.
type SendPayload struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

type FrameType string

const (
	FrameTypeEvent FrameType = "event"
	FrameTypeAck   FrameType = "ack"
)

// Frame is the unit written to the websocket in both directions.
// An event frame carrying AckID asks the peer for an ack frame with the same id.
type Frame struct {
	Type  FrameType       `json:"type"`
	Event string          `json:"event,omitempty"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessagesResponse is the body of GET /messages/:chatId.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// ChatsResponse is the body of GET /chats/myChats.
type ChatsResponse struct {
	Chats []Chat `json:"chats"`
}

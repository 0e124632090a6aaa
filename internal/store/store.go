// Package store holds the ordered, deduplicated message list of the active room.
package store

import (
	"chatsync/internal/models"
	"errors"
	"fmt"

	"github.com/c-pro/geche"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrForeignRoom = errors.New("message belongs to another room")
)

// Store keeps messages in arrival order and never holds two messages with
// the same id. It is not safe for concurrent use.
type Store struct {
	roomID   string
	messages []models.Message
	// index maps message id to its position in messages.
	index geche.Geche[string, int]
}

func New() *Store {
	return &Store{
		index: geche.NewMapCache[string, int](),
	}
}

// Validate reports why msg cannot be stored, if it cannot.
func Validate(msg models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if msg.Content == "" {
		return fmt.Errorf("%w: missing content", ErrMalformed)
	}
	return nil
}

// Initialize replaces the contents with history for roomID, keeping the given
// order. Malformed and repeated entries are skipped; the number skipped is returned.
func (s *Store) Initialize(roomID string, history []models.Message) int {
	s.Clear()
	s.roomID = roomID

	skipped := 0
	for _, msg := range history {
		if added, err := s.Ingest(msg); err != nil || !added {
			skipped++
		}
	}
	return skipped
}

// Ingest appends msg unless a message with the same id is already stored.
// It reports whether msg was appended.
func (s *Store) Ingest(msg models.Message) (bool, error) {
	if err := Validate(msg); err != nil {
		return false, err
	}
	if s.roomID != "" && msg.ChatID != "" && msg.ChatID != s.roomID {
		return false, fmt.Errorf("%w: %s", ErrForeignRoom, msg.ChatID)
	}
	if _, err := s.index.Get(msg.ID); err == nil {
		return false, nil
	}

	s.index.Set(msg.ID, len(s.messages))
	s.messages = append(s.messages, msg)
	return true, nil
}

// Clear empties the store and forgets the room.
func (s *Store) Clear() {
	s.roomID = ""
	s.messages = nil
	s.index = geche.NewMapCache[string, int]()
}

func (s *Store) RoomID() string {
	return s.roomID
}

func (s *Store) Len() int {
	return len(s.messages)
}

func (s *Store) Contains(id string) bool {
	_, err := s.index.Get(id)
	return err == nil
}

// Get returns the stored message with id.
func (s *Store) Get(id string) (models.Message, bool) {
	i, err := s.index.Get(id)
	if err != nil {
		return models.Message{}, false
	}
	return s.messages[i], true
}

// Messages returns a copy of the stored messages in arrival order.
func (s *Store) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

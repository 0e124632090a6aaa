package devserver

import (
	"chatsync/internal/models"
	"time"
)

const (
	defaultMaxRecords = 100
	TownhallID        = "townhall"
)

// User is an account known to the development server.
type User struct {
	ID       string
	Username string
	Token    string
}

// Seed is the initial state of a Hub.
type Seed struct {
	Users    []User
	Rooms    []models.Chat
	Messages []models.Message
	// MaxRecords bounds the history kept per room.
	MaxRecords int
}

// DefaultSeed returns a few users, a group room and two direct chats with
// some history.
func DefaultSeed() Seed {
	now := time.Now().UTC()
	return Seed{
		Users: []User{
			{ID: "1", Username: "alice", Token: "alice-token"},
			{ID: "2", Username: "bob", Token: "bob-token"},
			{ID: "3", Username: "charlie", Token: "charlie-token"},
		},
		Rooms: []models.Chat{
			{ID: TownhallID, Name: "Townhall", IsGroup: true},
			{ID: "dm_1_2", Name: "Alice & Bob"},
			{ID: "dm_1_3", Name: "Alice & Charlie"},
		},
		Messages: []models.Message{
			{ID: "seed-1", ChatID: TownhallID, Sender: models.Sender{ID: "1", Username: "alice"}, Content: "Hello everyone!", CreatedAt: now.Add(-25 * time.Hour)},
			{ID: "seed-2", ChatID: TownhallID, Sender: models.Sender{ID: "2", Username: "bob"}, Content: "Hi **Alice**!", CreatedAt: now.Add(-5 * time.Minute)},
			{ID: "seed-3", ChatID: "dm_1_2", Sender: models.Sender{ID: "1", Username: "alice"}, Content: "Hello Bob!", CreatedAt: now.Add(-time.Hour)},
		},
		MaxRecords: defaultMaxRecords,
	}
}

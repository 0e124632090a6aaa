package storage

import (
	"fmt"
	"time"

	"chatsync/internal/models"

	"go.etcd.io/bbolt"
)

const DefaultMaxRecords = 200

var (
	bucketChats    = []byte("chats")
	bucketMessages = []byte("messages")
)

// BboltStorage keeps the last known state of each chat on disk so a room can
// be shown when the history endpoint is unreachable.
type BboltStorage struct {
	db         *bbolt.DB
	maxRecords int
}

func NewBboltStorage(path string, maxRecords int) (*BboltStorage, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketChats); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, maxRecords: maxRecords}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveChats replaces the cached chat list.
func (s *BboltStorage) SaveChats(chats []models.Chat) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketChats); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketChats)
		if err != nil {
			return err
		}
		for _, chat := range chats {
			dbChat := DBChat{ID: chat.ID, Name: chat.Name, IsGroup: chat.IsGroup}
			data, err := dbChat.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(dbChat.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListChats returns the cached chat list ordered by id.
func (s *BboltStorage) ListChats() ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		return b.ForEach(func(k, v []byte) error {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(v); err != nil {
				return err
			}
			chats = append(chats, models.Chat{
				ID:      dbChat.ID,
				Name:    dbChat.Name,
				IsGroup: dbChat.IsGroup,
			})
			return nil
		})
	})
	return chats, err
}

// SaveMessages replaces the snapshot of chatID with the most recent
// maxRecords entries of messages.
func (s *BboltStorage) SaveMessages(chatID string, messages []models.Message) error {
	if chatID == "" {
		return fmt.Errorf("missing chatID")
	}
	if len(messages) > s.maxRecords {
		messages = messages[len(messages)-s.maxRecords:]
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		mainMsgBucket := tx.Bucket(bucketMessages)
		key := []byte(chatID)
		if mainMsgBucket.Bucket(key) != nil {
			if err := mainMsgBucket.DeleteBucket(key); err != nil {
				return fmt.Errorf("failed to reset chat bucket: %w", err)
			}
		}
		chatBucket, err := mainMsgBucket.CreateBucket(key)
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}

		for i, msg := range messages {
			dbMessage := DBMessage{
				Pos:        uint64(i),
				ID:         msg.ID,
				ChatID:     msg.ChatID,
				SenderID:   msg.Sender.ID,
				SenderName: msg.Sender.Username,
				Content:    msg.Content,
				CreatedAt:  msg.CreatedAt.UnixNano(),
			}
			data, err := dbMessage.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := chatBucket.Put(dbMessage.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// ListMessages returns the cached snapshot of chatID in its saved order.
func (s *BboltStorage) ListMessages(chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil // Nothing cached for this chat
		}

		c := chatBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:     dbMsg.ID,
				ChatID: dbMsg.ChatID,
				Sender: models.Sender{
					ID:       dbMsg.SenderID,
					Username: dbMsg.SenderName,
				},
				Content:   dbMsg.Content,
				CreatedAt: time.Unix(0, dbMsg.CreatedAt).UTC(),
			})
		}
		return nil
	})
	return messages, err
}

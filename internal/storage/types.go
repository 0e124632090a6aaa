package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBChat struct {
	ID      string `msgpack:"id"`
	Name    string `msgpack:"name"`
	IsGroup bool   `msgpack:"isGroup"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

// DBMessage is one cached message. Pos is its position in the snapshot and
// keeps keys in arrival order.
type DBMessage struct {
	Pos        uint64 `msgpack:"pos"`
	ID         string `msgpack:"id"`
	ChatID     string `msgpack:"chatId"`
	SenderID   string `msgpack:"senderId"`
	SenderName string `msgpack:"senderName"`
	Content    string `msgpack:"content"`
	// CreatedAt is in Unix nanoseconds.
	CreatedAt int64 `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.Pos)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

var (
	_ Storeable = (*DBChat)(nil)
	_ Storeable = (*DBMessage)(nil)
)

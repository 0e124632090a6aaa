package devserver

import (
	"chatsync/internal/models"
	"sync"
)

type Seq int64

// Record is a stored message with its position in the room.
type Record struct {
	Seq     Seq
	Message models.Message
}

// Room keeps the most recent messages of one chat in a ring buffer and
// tracks which connections have joined it.
type Room struct {
	ID         string
	Name       string
	IsGroup    bool
	Records    []Record
	Members    map[string]bool
	FirstSeq   Seq
	LastSeq    Seq
	LastIndex  int
	MaxRecords int

	RecordCallback func(receiverID string, record Record)

	mux sync.RWMutex
}

type RoomConfig struct {
	ID             string
	Name           string
	IsGroup        bool
	MaxRecords     int
	RecordCallback func(receiverID string, record Record)
}

func NewRoom(config RoomConfig) *Room {
	if config.MaxRecords <= 0 {
		config.MaxRecords = defaultMaxRecords
	}
	return &Room{
		ID:             config.ID,
		Name:           config.Name,
		IsGroup:        config.IsGroup,
		MaxRecords:     config.MaxRecords,
		LastIndex:      -1,
		FirstSeq:       -1,
		LastSeq:        -1,
		Members:        make(map[string]bool),
		RecordCallback: config.RecordCallback,
	}
}

// AddMessage appends msg to the ring buffer and hands it to every joined
// member, the author included.
func (r *Room) AddMessage(msg models.Message) Record {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.LastSeq++
	record := Record{Seq: r.LastSeq, Message: msg}

	switch {
	case len(r.Records) < r.MaxRecords:
		if r.FirstSeq == -1 {
			r.FirstSeq = r.LastSeq
		}
		r.Records = append(r.Records, record)
		r.LastIndex++
	default:
		r.FirstSeq++
		i := (r.LastIndex + 1) % r.MaxRecords
		r.Records[i] = record
		r.LastIndex = i
	}

	for receiverID, online := range r.Members {
		if online && r.RecordCallback != nil {
			r.RecordCallback(receiverID, record)
		}
	}
	return record
}

// Range returns records with from <= Seq < to, clamped to what is retained.
func (r *Room) Range(from, to Seq) []Record {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if r.FirstSeq == -1 {
		return []Record{}
	}
	if from < r.FirstSeq {
		from = r.FirstSeq
	}
	if to > r.LastSeq+1 {
		to = r.LastSeq + 1
	}
	if from >= to {
		return []Record{}
	}
	return r.copyLocked(from, int(to-from))
}

// Last returns up to count most recent records, oldest first.
func (r *Room) Last(count int) []Record {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if r.LastSeq == -1 || count <= 0 {
		return []Record{}
	}
	total := int(r.LastSeq - r.FirstSeq + 1)
	if count > total {
		count = total
	}
	return r.copyLocked(r.LastSeq-Seq(count)+1, count)
}

// Messages returns every retained message, oldest first.
func (r *Room) Messages() []models.Message {
	records := r.Last(r.MaxRecords)
	out := make([]models.Message, len(records))
	for i, rec := range records {
		out[i] = rec.Message
	}
	return out
}

func (r *Room) copyLocked(from Seq, count int) []Record {
	result := make([]Record, count)

	// Index of the oldest record
	head := 0
	if len(r.Records) == r.MaxRecords {
		head = (r.LastIndex + 1) % r.MaxRecords
	}
	offset := int(from - r.FirstSeq)
	startIdx := (head + offset) % len(r.Records)

	if startIdx+count <= len(r.Records) {
		copy(result, r.Records[startIdx:startIdx+count])
	} else {
		n1 := len(r.Records) - startIdx
		copy(result, r.Records[startIdx:])
		copy(result[n1:], r.Records[:count-n1])
	}
	return result
}

func (r *Room) setMember(connID string, online bool) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if online {
		r.Members[connID] = true
		return
	}
	delete(r.Members, connID)
}

func (r *Room) Join(connID string) {
	r.setMember(connID, true)
}

func (r *Room) Leave(connID string) {
	r.setMember(connID, false)
}

func (r *Room) IsMember(connID string) bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.Members[connID]
}

func (r *Room) Chat() models.Chat {
	return models.Chat{ID: r.ID, Name: r.Name, IsGroup: r.IsGroup}
}

// Package session ties the transport, room membership, the message store and
// the send controller together for one mounted room view.
//
// All session state is owned by the goroutine running Run. Transport
// callbacks, acks, timeouts and history results are posted to it, and the
// exported methods wait for the loop to execute them.
package session

import (
	"chatsync/internal/membership"
	"chatsync/internal/models"
	"chatsync/internal/projector"
	"chatsync/internal/sender"
	"chatsync/internal/store"
	"chatsync/internal/ws"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	inboxSize = 256

	joinRetryMin = 50 * time.Millisecond
	joinRetryMax = 2 * time.Second
)

var (
	ErrStopped    = errors.New("session is not running")
	ErrNotMounted = errors.New("no room is open")
	ErrAckTimeout = errors.New("message was not acknowledged in time")
	ErrNotJoined  = errors.New("room is not joined yet")
)

type Transport interface {
	IsConnected() bool
	On(event string, fn ws.Handler) *ws.Subscription
	Emit(event string, payload any, ack ws.AckFunc) error
}

type HistoryFetcher interface {
	Fetch(ctx context.Context, chatID string) ([]models.Message, error)
}

// Cache keeps the last known messages of a room.
type Cache interface {
	ListMessages(chatID string) ([]models.Message, error)
	SaveMessages(chatID string, messages []models.Message) error
}

type Config struct {
	// UserID marks the viewer's own messages in the projection.
	UserID     string
	AckTimeout time.Duration
	Location   *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
	// Cache is optional.
	Cache Cache
	// AfterFunc schedules ack timeouts. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) sender.Timer
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	RoomID     string
	Membership membership.State
	Connected  bool
	Sending    bool
	// Loading is set until the initial history of the room is applied.
	Loading bool
	// HistoryErr is the error of the last initial history fetch, if it failed.
	HistoryErr error
	// SendErr is set when the last send was not acknowledged.
	SendErr  error
	Messages []models.Message
}

type Session struct {
	transport Transport
	history   HistoryFetcher
	cfg       Config

	inbox   chan func()
	done    chan struct{}
	updates chan struct{}

	// Owned by the loop.
	ctx        context.Context
	membership *membership.Manager
	store      *store.Store
	sender     *sender.Controller
	scope      ws.Scope
	roomID     string
	gen        uint64
	fetchSeq   uint64
	cancel     context.CancelFunc
	loading    bool
	pending    []models.Message
	historyErr error
	sendErr    error
	joinRetry  *backoff.ExponentialBackOff
	joinTimer  sender.Timer
}

func New(transport Transport, history HistoryFetcher, cfg Config) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, fn func()) sender.Timer {
			return time.AfterFunc(d, fn)
		}
	}

	joinRetry := backoff.NewExponentialBackOff()
	joinRetry.InitialInterval = joinRetryMin
	joinRetry.MaxInterval = joinRetryMax

	s := &Session{
		transport:  transport,
		history:    history,
		cfg:        cfg,
		inbox:      make(chan func(), inboxSize),
		done:       make(chan struct{}),
		updates:    make(chan struct{}, 1),
		membership: membership.New(transport),
		store:      store.New(),
		joinRetry:  joinRetry,
	}
	s.sender = sender.New(transport, sender.Config{
		AckTimeout: cfg.AckTimeout,
		Post:       func(fn func()) { s.post(fn) },
		OnSettled:  s.onSettled,
		AfterFunc:  cfg.AfterFunc,
	})
	return s
}

// Run executes the session loop until ctx is done. The open room is closed
// before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.ctx = ctx
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-ctx.Done():
			s.unmount()
			return nil
		}
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Updates receives a value after state changes. Notifications are coalesced.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Open mounts roomID, leaving the previously open room first.
// Opening the current room again retries a failed history fetch.
func (s *Session) Open(roomID string) error {
	var err error
	if derr := s.do(func() { err = s.mount(roomID) }); derr != nil {
		return derr
	}
	return err
}

// Close unmounts the open room.
func (s *Session) Close() error {
	return s.do(s.unmount)
}

// Send submits content to the open room. It fails with ErrNotJoined while the
// transport is up but the join for the room has not been sent yet.
func (s *Session) Send(content string) error {
	var err error
	derr := s.do(func() {
		if s.roomID == "" {
			err = ErrNotMounted
			return
		}
		if s.transport.IsConnected() && s.membership.State() != membership.Joined {
			err = ErrNotJoined
			return
		}
		err = s.sender.Send(s.roomID, content)
		if err == nil {
			s.sendErr = nil
		}
		s.notify()
	})
	if derr != nil {
		return derr
	}
	return err
}

func (s *Session) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.do(func() {
		snap = Snapshot{
			RoomID:     s.roomID,
			Membership: s.membership.State(),
			Connected:  s.transport.IsConnected(),
			Sending:    s.sender.Sending(),
			Loading:    s.loading,
			HistoryErr: s.historyErr,
			SendErr:    s.sendErr,
			Messages:   s.store.Messages(),
		}
	})
	return snap, err
}

// Groups projects the open room's messages for display.
func (s *Session) Groups() ([]projector.DayGroup, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return projector.Project(snap.Messages, projector.Options{
		CurrentUserID: s.cfg.UserID,
		Now:           s.cfg.Now(),
		Location:      s.cfg.Location,
	}), nil
}

func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) mount(roomID string) error {
	if roomID == "" {
		return membership.ErrEmptyRoom
	}
	if roomID == s.roomID {
		if !s.loading && s.historyErr != nil {
			s.loadHistory(true)
		}
		return nil
	}
	s.unmount()

	s.gen++
	gen := s.gen
	s.roomID = roomID
	s.store.Initialize(roomID, nil)

	s.scope.Add(s.transport.On(models.EventConnect, func(json.RawMessage) {
		s.post(func() {
			if gen == s.gen {
				s.onConnect()
			}
		})
	}))
	s.scope.Add(s.transport.On(models.EventDisconnect, func(json.RawMessage) {
		s.post(func() {
			if gen == s.gen {
				s.membership.Disconnected()
				s.notify()
			}
		})
	}))
	s.scope.Add(s.transport.On(models.EventNewMessage, func(data json.RawMessage) {
		s.post(func() {
			if gen == s.gen {
				s.onNewMessage(data)
			}
		})
	}))

	if err := s.membership.Mount(roomID, s.transport.IsConnected()); err != nil {
		return err
	}
	s.ensureJoined()
	s.loadHistory(true)
	s.notify()
	return nil
}

func (s *Session) unmount() {
	if s.roomID == "" {
		return
	}
	s.saveCache()

	s.scope.Release()
	s.membership.Unmount()
	s.stopJoinRetry()
	s.sender.Reset()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.gen++
	s.roomID = ""
	s.loading = false
	s.pending = nil
	s.historyErr = nil
	s.sendErr = nil
	s.store.Clear()
	s.notify()
}

func (s *Session) onConnect() {
	s.membership.Connected()
	s.ensureJoined()
	// Messages sent while we were away are not replayed over the socket.
	if !s.loading {
		s.loadHistory(false)
	}
	s.notify()
}

// ensureJoined schedules another join attempt when the last one failed while
// the transport stayed connected, e.g. on a full outbound buffer. A disconnect
// needs no retry; the next connect joins.
func (s *Session) ensureJoined() {
	if s.membership.State() != membership.AwaitingConnection || !s.transport.IsConnected() {
		s.stopJoinRetry()
		return
	}
	if s.joinTimer != nil {
		return
	}

	gen := s.gen
	wait := s.joinRetry.NextBackOff()
	slog.Debug("join retry scheduled", "chat_id", s.roomID, "retry_in", wait)
	s.joinTimer = s.cfg.AfterFunc(wait, func() {
		s.post(func() {
			if gen != s.gen {
				return
			}
			s.joinTimer = nil
			if s.transport.IsConnected() {
				s.membership.Connected()
			}
			s.ensureJoined()
			s.notify()
		})
	})
}

func (s *Session) stopJoinRetry() {
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
	s.joinRetry.Reset()
}

func (s *Session) onNewMessage(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("dropping undecodable message", "chat_id", s.roomID, "error", err)
		return
	}
	if s.loading {
		s.pending = append(s.pending, msg)
		return
	}
	if s.ingest(msg) {
		s.notify()
	}
}

func (s *Session) ingest(msg models.Message) bool {
	added, err := s.store.Ingest(msg)
	if err != nil {
		slog.Warn("dropping message", "chat_id", s.roomID, "message_id", msg.ID, "error", err)
		return false
	}
	return added
}

// loadHistory fetches the room history in the background. An initial load
// replaces the store contents; otherwise new entries are merged in.
func (s *Session) loadHistory(initial bool) {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.fetchSeq++
	gen, seq, roomID := s.gen, s.fetchSeq, s.roomID
	if initial {
		s.loading = true
		s.historyErr = nil
	}

	go func() {
		msgs, err := s.history.Fetch(ctx, roomID)
		s.post(func() {
			if gen != s.gen || seq != s.fetchSeq {
				return
			}
			cancel()
			s.cancel = nil
			if initial {
				s.applyHistory(msgs, err)
			} else {
				s.mergeHistory(msgs, err)
			}
			s.notify()
		})
	}()
}

func (s *Session) applyHistory(msgs []models.Message, err error) {
	s.loading = false
	if err != nil {
		slog.Warn("history fetch failed", "chat_id", s.roomID, "error", err)
		s.historyErr = err
		msgs = s.cachedHistory()
	}

	prev := s.store.Messages()
	if skipped := s.store.Initialize(s.roomID, msgs); skipped > 0 {
		slog.Debug("skipped history entries", "chat_id", s.roomID, "count", skipped)
	}
	for _, msg := range prev {
		s.ingest(msg)
	}
	for _, msg := range s.pending {
		s.ingest(msg)
	}
	s.pending = nil

	if err == nil {
		s.saveCache()
	}
}

func (s *Session) mergeHistory(msgs []models.Message, err error) {
	if err != nil {
		slog.Warn("history resync failed", "chat_id", s.roomID, "error", err)
		return
	}
	added := 0
	for _, msg := range msgs {
		if s.ingest(msg) {
			added++
		}
	}
	if added > 0 {
		slog.Debug("history resync", "chat_id", s.roomID, "added", added)
	}
}

func (s *Session) cachedHistory() []models.Message {
	if s.cfg.Cache == nil {
		return nil
	}
	msgs, err := s.cfg.Cache.ListMessages(s.roomID)
	if err != nil {
		slog.Warn("failed to read cached messages", "chat_id", s.roomID, "error", err)
		return nil
	}
	return msgs
}

func (s *Session) saveCache() {
	if s.cfg.Cache == nil || s.loading || s.store.Len() == 0 {
		return
	}
	if err := s.cfg.Cache.SaveMessages(s.roomID, s.store.Messages()); err != nil {
		slog.Warn("failed to cache messages", "chat_id", s.roomID, "error", err)
	}
}

func (s *Session) onSettled(outcome sender.Outcome) {
	switch outcome {
	case sender.Acked:
		s.sendErr = nil
	case sender.TimedOut:
		slog.Warn("message not acknowledged", "chat_id", s.roomID)
		s.sendErr = ErrAckTimeout
	case sender.Failed:
		// Send already returned the error to the caller.
	}
	s.notify()
}

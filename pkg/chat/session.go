package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/portal/pkg/idx"
	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/aussiebroadwan/portal/pkg/realtime"
	"github.com/aussiebroadwan/portal/pkg/slogx"
	"golang.org/x/sync/singleflight"
)

// ErrNoActiveRoom is returned by operations on the active room when none is
// entered.
var ErrNoActiveRoom = errors.New("chat: no active room")

// Backend is the REST and realtime surface the session drives.
// *portalsdk.Client implements it.
type Backend interface {
	ListRooms(ctx context.Context) ([]portalsdk.Room, error)
	CreateRoom(ctx context.Context, req portalsdk.CreateRoomRequest) (*portalsdk.Room, error)
	JoinRoom(ctx context.Context, roomID int64) (*portalsdk.JoinResult, error)
	ApproveJoinRequest(ctx context.Context, roomID, requestID int64) error
	DenyJoinRequest(ctx context.Context, roomID, requestID int64, reason string) error
	PendingRequests(ctx context.Context, roomID int64) ([]portalsdk.JoinRequest, error)
	MyJoinRequests(ctx context.Context) ([]portalsdk.JoinRequest, error)
	RemoveParticipant(ctx context.Context, roomID, userID int64) error
	LeaveRoom(ctx context.Context, roomID int64) error
	RoomMessages(ctx context.Context, roomID int64) ([]portalsdk.Message, error)
	PostMessage(ctx context.Context, roomID int64, content string) (*portalsdk.Message, error)
	RealtimeConfig(path string) realtime.Config
}

var _ Backend = (*portalsdk.Client)(nil)

// Config configures a Session.
type Config struct {
	Backend Backend
	Logger  *slog.Logger

	// Realtime tuning for room channels. Zero values keep the channel
	// defaults.
	ProbeTimeout time.Duration
	BaseDelay    time.Duration
	MaxAttempts  int
}

// Session keeps the chat view in sync with the backend. Every change goes
// through Reduce and is published to subscribers in order.
//
// One room is active at a time. Entering another room, leaving it, or
// closing the session bumps a generation so results of requests started
// for the previous room are dropped.
type Session struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	flights singleflight.Group

	mu      sync.Mutex
	state   State
	epoch   uint64 // bumped by Close
	roomGen uint64 // bumped whenever the active room changes
	channel *realtime.Channel
	subs    map[int]func(State)
	nextSub int

	// notifyMu is taken before mu is released so subscribers observe
	// snapshots in the order they were produced.
	notifyMu sync.Mutex
}

// NewSession returns a session with an empty state.
func NewSession(cfg Config) *Session {
	return &Session{
		backend: cfg.Backend,
		cfg:     cfg,
		logger:  slogx.OrDefault(cfg.Logger).With("component", "chat"),
		state:   NewState(),
		subs:    make(map[int]func(State)),
	}
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every new snapshot and returns a function that
// removes it. fn must not call back into the session synchronously.
func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// ============================================================================
// Rooms
// ============================================================================

// FetchRooms loads the room list. Concurrent calls share one request and
// all observe its result. A malformed payload is treated as no rooms.
func (s *Session) FetchRooms(ctx context.Context) ([]portalsdk.Room, error) {
	epoch := s.currentEpoch()

	ch := s.flights.DoChan("rooms", func() (any, error) {
		s.dispatch(SetLoading{Loading: true})
		rooms, err := s.backend.ListRooms(context.WithoutCancel(ctx))
		if err != nil && !errors.Is(err, portalsdk.ErrMalformedResponse) {
			s.dispatchEpoch(epoch, SetError{Err: err}, SetLoading{Loading: false})
			return nil, err
		}
		if err != nil {
			s.logger.Warn("rooms_malformed", "error", err)
		}
		s.dispatchEpoch(epoch, SetRooms{Rooms: rooms}, SetLoading{Loading: false}, SetError{})
		return s.State().Rooms, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]portalsdk.Room), nil
	}
}

// refreshRooms forgets any in flight list so the refetch reflects a
// mutation that just completed.
func (s *Session) refreshRooms(ctx context.Context) {
	s.flights.Forget("rooms")
	if _, err := s.FetchRooms(ctx); err != nil {
		s.logger.Warn("rooms_refresh_failed", "error", err)
	}
}

// CreateRoom creates a room hosted by the current user.
func (s *Session) CreateRoom(ctx context.Context, req portalsdk.CreateRoomRequest) (*portalsdk.Room, error) {
	room, err := s.backend.CreateRoom(ctx, req)
	if err != nil {
		s.dispatch(SetError{Err: err})
		return nil, err
	}

	s.logger.Info("room_created", "room_id", room.ID, "name", room.Name)
	s.dispatch(AddRoom{Room: *room}, SetError{}, SetNotice{Notice: Notice{
		Kind:    NoticeSuccess,
		Message: fmt.Sprintf("Room %q created", room.Name),
	}})
	return room, nil
}

// JoinRoom joins a room. When the room is not auto-approving the result
// carries a pending request, tracked in State.JoinRequests until resolved.
func (s *Session) JoinRoom(ctx context.Context, roomID int64) (*portalsdk.JoinResult, error) {
	res, err := s.backend.JoinRoom(ctx, roomID)
	if err != nil {
		s.dispatch(SetError{Err: err})
		return nil, err
	}

	switch res.Status {
	case portalsdk.JoinApproved:
		s.logger.Info("room_joined", "room_id", roomID)
		s.dispatch(SetError{}, SetNotice{Notice: Notice{Kind: NoticeSuccess, Message: orDefault(res.Detail, "Joined room")}})
		s.refreshRooms(ctx)

	case portalsdk.JoinPending:
		s.logger.Info("join_request_pending", "room_id", roomID, "request_id", res.Request.ID)
		s.dispatch(SetError{}, TrackJoinRequest{Request: *res.Request}, SetNotice{Notice: Notice{
			Kind:    NoticeInfo,
			Message: orDefault(res.Detail, "Join request sent"),
		}})
	}
	return res, nil
}

// ApproveJoinRequest admits a requester. Host only.
func (s *Session) ApproveJoinRequest(ctx context.Context, roomID, requestID int64) error {
	if err := s.backend.ApproveJoinRequest(ctx, roomID, requestID); err != nil {
		s.dispatch(SetError{Err: err})
		return err
	}

	s.logger.Info("join_request_approved", "room_id", roomID, "request_id", requestID)
	s.dispatch(SetError{}, ResolvePendingRequest{RequestID: requestID, Status: portalsdk.JoinApproved},
		SetNotice{Notice: Notice{Kind: NoticeSuccess, Message: "Join request approved"}})
	s.refreshRooms(ctx)
	return nil
}

// DenyJoinRequest rejects a requester. Host only.
func (s *Session) DenyJoinRequest(ctx context.Context, roomID, requestID int64, reason string) error {
	if err := s.backend.DenyJoinRequest(ctx, roomID, requestID, reason); err != nil {
		s.dispatch(SetError{Err: err})
		return err
	}

	s.logger.Info("join_request_denied", "room_id", roomID, "request_id", requestID)
	s.dispatch(SetError{}, ResolvePendingRequest{RequestID: requestID, Status: portalsdk.JoinDenied},
		SetNotice{Notice: Notice{Kind: NoticeInfo, Message: "Join request denied"}})
	return nil
}

// FetchPendingRequests loads the pending requests of a room the user hosts.
func (s *Session) FetchPendingRequests(ctx context.Context, roomID int64) ([]portalsdk.JoinRequest, error) {
	epoch := s.currentEpoch()
	reqs, err := s.backend.PendingRequests(ctx, roomID)
	if err != nil && !errors.Is(err, portalsdk.ErrMalformedResponse) {
		s.dispatchEpoch(epoch, SetError{Err: err})
		return nil, err
	}
	s.dispatchEpoch(epoch, SetPendingRequests{RoomID: roomID, Requests: reqs})
	return reqs, nil
}

// FetchMyJoinRequests loads the user's own join requests.
func (s *Session) FetchMyJoinRequests(ctx context.Context) ([]portalsdk.JoinRequest, error) {
	epoch := s.currentEpoch()
	reqs, err := s.backend.MyJoinRequests(ctx)
	if err != nil && !errors.Is(err, portalsdk.ErrMalformedResponse) {
		s.dispatchEpoch(epoch, SetError{Err: err})
		return nil, err
	}
	s.dispatchEpoch(epoch, SetJoinRequests{Requests: reqs})
	return reqs, nil
}

// RemoveParticipant removes a user from a room the user hosts.
func (s *Session) RemoveParticipant(ctx context.Context, roomID, userID int64) error {
	if err := s.backend.RemoveParticipant(ctx, roomID, userID); err != nil {
		s.dispatch(SetError{Err: err})
		return err
	}

	s.logger.Info("participant_removed", "room_id", roomID, "user_id", userID)
	s.mu.Lock()
	room, ok := s.state.Room(roomID)
	s.mu.Unlock()
	if ok {
		participants := make([]portalsdk.User, 0, len(room.Participants))
		for _, p := range room.Participants {
			if p.ID != userID {
				participants = append(participants, p)
			}
		}
		s.dispatch(UpdateRoomParticipants{RoomID: roomID, Participants: participants})
	}
	s.dispatch(SetError{})
	return nil
}

// LeaveRoom removes the user from a room. Leaving the active room also
// exits it.
func (s *Session) LeaveRoom(ctx context.Context, roomID int64) error {
	if err := s.backend.LeaveRoom(ctx, roomID); err != nil {
		s.dispatch(SetError{Err: err})
		return err
	}

	s.logger.Info("room_left", "room_id", roomID)
	if s.State().ActiveRoomID == roomID {
		s.ExitRoom()
	}
	s.dispatch(SetError{}, SetNotice{Notice: Notice{Kind: NoticeInfo, Message: "Left room"}})
	s.refreshRooms(ctx)
	return nil
}

// ============================================================================
// Active Room
// ============================================================================

// EnterRoom makes roomID the active room: the log is cleared, history is
// loaded and a realtime channel is opened. An unavailable channel is not an
// error; the room stays usable through PostMessage and State().Connection
// reports Failed.
func (s *Session) EnterRoom(ctx context.Context, roomID int64) error {
	gen, old := s.switchRoom(roomID)
	if old != nil {
		_ = old.Close()
	}

	if err := s.loadHistory(ctx, gen, roomID); err != nil {
		return err
	}

	cfg := s.backend.RealtimeConfig(fmt.Sprintf("/ws/chat/%d/", roomID))
	if s.cfg.ProbeTimeout > 0 {
		cfg.ProbeTimeout = s.cfg.ProbeTimeout
	}
	if s.cfg.BaseDelay > 0 {
		cfg.BaseDelay = s.cfg.BaseDelay
	}
	if s.cfg.MaxAttempts > 0 {
		cfg.MaxAttempts = s.cfg.MaxAttempts
	}
	cfg.OnMessage = func(data []byte) { s.handleFrame(gen, roomID, data) }
	cfg.OnStateChange = func(st realtime.State) { s.dispatchRoom(gen, SetConnection{State: st}) }

	channel := realtime.New(cfg)
	s.mu.Lock()
	if s.roomGen != gen {
		s.mu.Unlock()
		return ErrNoActiveRoom
	}
	s.channel = channel
	s.mu.Unlock()

	if err := channel.Connect(ctx); err != nil {
		if !errors.Is(err, realtime.ErrChannelUnavailable) {
			return err
		}
		s.logger.Warn("room_channel_unavailable", "room_id", roomID, "error", err)
		s.dispatchRoom(gen, SetNotice{Notice: Notice{
			Kind:    NoticeWarning,
			Message: "Live updates unavailable, messages will be sent without realtime",
		}})
	}
	return nil
}

// ReloadMessages refetches the active room's history and merges it with the
// messages received since.
func (s *Session) ReloadMessages(ctx context.Context) error {
	s.mu.Lock()
	gen, roomID := s.roomGen, s.state.ActiveRoomID
	s.mu.Unlock()

	if roomID == 0 {
		return ErrNoActiveRoom
	}
	return s.loadHistory(ctx, gen, roomID)
}

func (s *Session) loadHistory(ctx context.Context, gen uint64, roomID int64) error {
	msgs, err := s.backend.RoomMessages(ctx, roomID)
	if err != nil && !errors.Is(err, portalsdk.ErrMalformedResponse) {
		s.dispatchRoom(gen, SetError{Err: err})
		return err
	}
	if err != nil {
		s.logger.Warn("messages_malformed", "room_id", roomID, "error", err)
	}
	s.dispatchRoom(gen, SetMessages{RoomID: roomID, Messages: msgs})
	return nil
}

// ExitRoom closes the active room's channel and clears the view without
// leaving the room.
func (s *Session) ExitRoom() {
	_, old := s.switchRoom(0)
	if old != nil {
		_ = old.Close()
	}
}

// switchRoom bumps the room generation and detaches the current channel.
func (s *Session) switchRoom(roomID int64) (gen uint64, old *realtime.Channel) {
	s.apply(func() bool {
		s.roomGen++
		gen, old = s.roomGen, s.channel
		s.channel = nil
		return true
	}, []Action{SetActiveRoom{RoomID: roomID}})
	return gen, old
}

// SendMessage sends content over the active room's channel. It returns
// portalsdk.ErrNotConnected when the channel is not open; the message is
// not queued.
func (s *Session) SendMessage(content string) error {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()

	if channel == nil {
		return portalsdk.ErrNotConnected
	}
	return channel.SendJSON(outboundMessage{Type: frameChatMessage, Content: content})
}

// PostMessage sends content to the active room over REST and appends the
// stored message.
func (s *Session) PostMessage(ctx context.Context, content string) (*portalsdk.Message, error) {
	s.mu.Lock()
	gen, roomID := s.roomGen, s.state.ActiveRoomID
	s.mu.Unlock()

	if roomID == 0 {
		return nil, ErrNoActiveRoom
	}

	msg, err := s.backend.PostMessage(ctx, roomID, content)
	if err != nil {
		s.dispatchRoom(gen, SetError{Err: err})
		return nil, err
	}
	s.dispatchRoom(gen, AppendMessage{Message: *msg}, SetError{})
	return msg, nil
}

// Close exits the active room and drops the results of requests still in
// flight. The session can be reused afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()

	s.flights.Forget("rooms")
	s.ExitRoom()
	s.dispatch(SetLoading{Loading: false})
	return nil
}

// ============================================================================
// Realtime Frames
// ============================================================================

const (
	frameChatMessage    = "chat_message"
	frameSystem         = "system"
	frameMessageEdited  = "message_edited"
	frameMessageDeleted = "message_deleted"
	frameReaction       = "reaction"
	frameParticipants   = "participants"
)

type outboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type inboundFrame struct {
	Type         string           `json:"type"`
	Message      json.RawMessage  `json:"message"`
	Timestamp    time.Time        `json:"timestamp"`
	MessageID    int64            `json:"message_id"`
	Content      string           `json:"content"`
	Emoji        string           `json:"emoji"`
	UserID       int64            `json:"user_id"`
	Participants []portalsdk.User `json:"participants"`
}

// handleFrame folds one realtime frame into the state. Frames that do not
// decode are logged and dropped.
func (s *Session) handleFrame(gen uint64, roomID int64, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("frame_malformed", "room_id", roomID, "error", err)
		return
	}

	var action Action
	switch f.Type {
	case frameChatMessage:
		var msg portalsdk.Message
		if err := json.Unmarshal(f.Message, &msg); err != nil {
			s.logger.Warn("frame_malformed", "room_id", roomID, "type", f.Type, "error", err)
			return
		}
		if msg.RoomID == 0 {
			msg.RoomID = roomID
		}
		if msg.ID == 0 && msg.LocalID.IsZero() {
			msg.LocalID = idx.NewAt(orNow(msg.Timestamp))
		}
		action = AppendMessage{Message: msg}

	case frameSystem:
		var text string
		if err := json.Unmarshal(f.Message, &text); err != nil {
			s.logger.Warn("frame_malformed", "room_id", roomID, "type", f.Type, "error", err)
			return
		}
		ts := orNow(f.Timestamp)
		action = AppendMessage{Message: portalsdk.Message{
			LocalID:   idx.NewAt(ts),
			RoomID:    roomID,
			Content:   text,
			Type:      portalsdk.MessageSystem,
			Timestamp: ts,
		}}

	case frameMessageEdited:
		action = EditMessage{MessageID: f.MessageID, Content: f.Content}
	case frameMessageDeleted:
		action = DeleteMessage{MessageID: f.MessageID}
	case frameReaction:
		action = ReactMessage{MessageID: f.MessageID, Emoji: f.Emoji, UserID: f.UserID}
	case frameParticipants:
		action = UpdateRoomParticipants{RoomID: roomID, Participants: f.Participants}

	default:
		s.logger.Debug("frame_ignored", "room_id", roomID, "type", f.Type)
		return
	}

	s.dispatchRoom(gen, action)
}

// ============================================================================
// Dispatch
// ============================================================================

func orNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

func (s *Session) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Session) dispatch(actions ...Action) {
	s.apply(func() bool { return true }, actions)
}

// dispatchEpoch applies actions unless the session was closed since epoch.
func (s *Session) dispatchEpoch(epoch uint64, actions ...Action) {
	s.apply(func() bool { return s.epoch == epoch }, actions)
}

// dispatchRoom applies actions unless the active room changed since gen.
func (s *Session) dispatchRoom(gen uint64, actions ...Action) {
	s.apply(func() bool { return s.roomGen == gen }, actions)
}

// apply reduces actions if guard, run under mu, allows it and publishes
// the snapshot.
func (s *Session) apply(guard func() bool, actions []Action) {
	s.mu.Lock()
	if !guard() {
		s.mu.Unlock()
		return
	}
	s.state = Reduce(s.state, actions...)
	snapshot := s.state
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()

	defer s.notifyMu.Unlock()
	for _, fn := range subs {
		fn(snapshot)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

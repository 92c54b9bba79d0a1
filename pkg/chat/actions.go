package chat

import (
	"slices"

	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/aussiebroadwan/portal/pkg/realtime"
)

// Action is a state transition. The set is closed: only this package can
// define actions.
type Action interface {
	apply(State) State
}

// ============================================================================
// Status
// ============================================================================

type SetLoading struct{ Loading bool }

func (a SetLoading) apply(s State) State {
	s.Loading = a.Loading
	return s
}

// SetError records a REST failure. A nil Err clears it.
type SetError struct{ Err error }

func (a SetError) apply(s State) State {
	s.Err = a.Err
	return s
}

type SetConnection struct{ State realtime.State }

func (a SetConnection) apply(s State) State {
	s.Connection = a.State
	return s
}

type SetNotice struct{ Notice Notice }

func (a SetNotice) apply(s State) State {
	n := a.Notice
	s.Notice = &n
	return s
}

type ClearNotice struct{}

func (ClearNotice) apply(s State) State {
	s.Notice = nil
	return s
}

// ============================================================================
// Rooms
// ============================================================================

type SetRooms struct{ Rooms []portalsdk.Room }

func (a SetRooms) apply(s State) State {
	s.Rooms = cloneRooms(a.Rooms)
	return s
}

// AddRoom replaces the room with the same id, or inserts it first.
type AddRoom struct{ Room portalsdk.Room }

func (a AddRoom) apply(s State) State {
	room := cloneRoom(a.Room)
	if i := roomIndex(s.Rooms, room.ID); i >= 0 {
		s.Rooms = slices.Clone(s.Rooms)
		s.Rooms[i] = room
		return s
	}
	s.Rooms = append([]portalsdk.Room{room}, s.Rooms...)
	return s
}

// SetActiveRoom switches the viewed room and clears the message log.
type SetActiveRoom struct{ RoomID int64 }

func (a SetActiveRoom) apply(s State) State {
	s.ActiveRoomID = a.RoomID
	s.Messages = []portalsdk.Message{}
	s.Connection = realtime.State{}
	return s
}

// UpdateRoomParticipants replaces a room's participant list.
type UpdateRoomParticipants struct {
	RoomID       int64
	Participants []portalsdk.User
}

func (a UpdateRoomParticipants) apply(s State) State {
	i := roomIndex(s.Rooms, a.RoomID)
	if i < 0 {
		return s
	}
	s.Rooms = slices.Clone(s.Rooms)
	s.Rooms[i].Participants = cloneUsers(a.Participants)
	return s
}

// ============================================================================
// Messages
// ============================================================================

// SetMessages loads a room's history. Messages already in the log that the
// history does not contain are kept after it in their arrival order, so a
// late history fetch never reorders live messages. Ignored unless RoomID is
// the active room.
type SetMessages struct {
	RoomID   int64
	Messages []portalsdk.Message
}

func (a SetMessages) apply(s State) State {
	if a.RoomID != s.ActiveRoomID {
		return s
	}

	seen := make(map[string]struct{}, len(a.Messages))
	merged := make([]portalsdk.Message, 0, len(a.Messages)+len(s.Messages))
	for _, m := range a.Messages {
		if _, dup := seen[m.Key()]; dup {
			continue
		}
		seen[m.Key()] = struct{}{}
		merged = append(merged, cloneMessage(m))
	}
	for _, m := range s.Messages {
		if _, dup := seen[m.Key()]; dup {
			continue
		}
		seen[m.Key()] = struct{}{}
		merged = append(merged, m)
	}
	s.Messages = merged
	return s
}

// AppendMessage adds a message to the active room's log. Messages for
// another room and messages already in the log are ignored.
type AppendMessage struct{ Message portalsdk.Message }

func (a AppendMessage) apply(s State) State {
	if s.ActiveRoomID == 0 || (a.Message.RoomID != 0 && a.Message.RoomID != s.ActiveRoomID) {
		return s
	}
	if messageIndex(s.Messages, a.Message.Key()) >= 0 {
		return s
	}
	msgs := make([]portalsdk.Message, len(s.Messages), len(s.Messages)+1)
	copy(msgs, s.Messages)
	s.Messages = append(msgs, cloneMessage(a.Message))
	return s
}

type EditMessage struct {
	MessageID int64
	Content   string
}

func (a EditMessage) apply(s State) State {
	return updateMessage(s, a.MessageID, func(m *portalsdk.Message) {
		m.Content = a.Content
		m.Edited = true
	})
}

type DeleteMessage struct{ MessageID int64 }

func (a DeleteMessage) apply(s State) State {
	if a.MessageID == 0 {
		return s
	}
	s.Messages = slices.DeleteFunc(slices.Clone(s.Messages), func(m portalsdk.Message) bool {
		return m.ID == a.MessageID
	})
	return s
}

// ReactMessage toggles a user's reaction on a message.
type ReactMessage struct {
	MessageID int64
	Emoji     string
	UserID    int64
}

func (a ReactMessage) apply(s State) State {
	if a.Emoji == "" {
		return s
	}
	return updateMessage(s, a.MessageID, func(m *portalsdk.Message) {
		users := m.Reactions[a.Emoji]
		if i := slices.Index(users, a.UserID); i >= 0 {
			users = slices.Delete(users, i, i+1)
		} else {
			users = append(users, a.UserID)
		}
		if len(users) == 0 {
			delete(m.Reactions, a.Emoji)
			return
		}
		if m.Reactions == nil {
			m.Reactions = map[string][]int64{}
		}
		m.Reactions[a.Emoji] = users
	})
}

// ============================================================================
// Join Requests
// ============================================================================

// SetPendingRequests replaces the pending requests for one room.
type SetPendingRequests struct {
	RoomID   int64
	Requests []portalsdk.JoinRequest
}

func (a SetPendingRequests) apply(s State) State {
	kept := slices.DeleteFunc(slices.Clone(s.PendingRequests), func(r portalsdk.JoinRequest) bool {
		return r.RoomID == a.RoomID
	})
	for _, r := range a.Requests {
		if r.RoomID == 0 {
			r.RoomID = a.RoomID
		}
		if r.Status == "" || r.Status == portalsdk.JoinPending {
			kept = append(kept, r)
		}
	}
	s.PendingRequests = kept
	return s
}

// ResolvePendingRequest removes a decided request. When approved the
// requester is added to the room's participants.
type ResolvePendingRequest struct {
	RequestID int64
	Status    portalsdk.JoinStatus
}

func (a ResolvePendingRequest) apply(s State) State {
	i := slices.IndexFunc(s.PendingRequests, func(r portalsdk.JoinRequest) bool {
		return r.ID == a.RequestID
	})
	if i < 0 {
		return s
	}
	req := s.PendingRequests[i]
	s.PendingRequests = slices.Delete(slices.Clone(s.PendingRequests), i, i+1)

	if a.Status != portalsdk.JoinApproved {
		return s
	}
	if j := roomIndex(s.Rooms, req.RoomID); j >= 0 && !s.Rooms[j].HasParticipant(req.Requester.ID) {
		s.Rooms = slices.Clone(s.Rooms)
		participants := cloneUsers(s.Rooms[j].Participants)
		s.Rooms[j].Participants = append(participants, req.Requester)
	}
	return s
}

type SetJoinRequests struct{ Requests []portalsdk.JoinRequest }

func (a SetJoinRequests) apply(s State) State {
	s.JoinRequests = slices.Clone(a.Requests)
	if s.JoinRequests == nil {
		s.JoinRequests = []portalsdk.JoinRequest{}
	}
	return s
}

// TrackJoinRequest inserts or updates one of the user's own requests.
type TrackJoinRequest struct{ Request portalsdk.JoinRequest }

func (a TrackJoinRequest) apply(s State) State {
	reqs := slices.Clone(s.JoinRequests)
	i := slices.IndexFunc(reqs, func(r portalsdk.JoinRequest) bool {
		return r.ID == a.Request.ID
	})
	if i >= 0 {
		reqs[i] = a.Request
	} else {
		reqs = append(reqs, a.Request)
	}
	s.JoinRequests = reqs
	return s
}

package chat

import (
	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/aussiebroadwan/portal/pkg/realtime"
)

// NoticeKind classifies a user-facing notice.
type NoticeKind int

const (
	NoticeInfo NoticeKind = iota
	NoticeSuccess
	NoticeWarning
	NoticeError
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeSuccess:
		return "success"
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	}
	return "info"
}

// Notice is a transient message for the user, e.g. "join request sent".
type Notice struct {
	Kind    NoticeKind
	Message string
}

// State is the chat view. Slices are never nil and are never modified in
// place once published; treat them as read-only.
type State struct {
	Loading bool

	// Err is the last REST failure. Domain collections are left as they were.
	Err error

	Rooms []portalsdk.Room

	// ActiveRoomID is the room being viewed, 0 for none.
	ActiveRoomID int64

	// Messages is the active room's log in arrival order.
	Messages []portalsdk.Message

	// PendingRequests are join requests awaiting the current user's decision
	// as host.
	PendingRequests []portalsdk.JoinRequest

	// JoinRequests are the current user's own requests.
	JoinRequests []portalsdk.JoinRequest

	// Connection is the active room's realtime state.
	Connection realtime.State

	Notice *Notice
}

// NewState returns the empty state.
func NewState() State {
	return State{}.normalized()
}

// Connected reports whether the active room's channel is open.
func (s State) Connected() bool {
	return s.Connection.Status == realtime.StatusOpen
}

// Room returns the room with id.
func (s State) Room(id int64) (portalsdk.Room, bool) {
	for _, r := range s.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	return portalsdk.Room{}, false
}

// ActiveRoom returns the room being viewed.
func (s State) ActiveRoom() (portalsdk.Room, bool) {
	if s.ActiveRoomID == 0 {
		return portalsdk.Room{}, false
	}
	return s.Room(s.ActiveRoomID)
}

// normalized coerces nil collections to empty ones.
func (s State) normalized() State {
	if s.Rooms == nil {
		s.Rooms = []portalsdk.Room{}
	}
	if s.Messages == nil {
		s.Messages = []portalsdk.Message{}
	}
	if s.PendingRequests == nil {
		s.PendingRequests = []portalsdk.JoinRequest{}
	}
	if s.JoinRequests == nil {
		s.JoinRequests = []portalsdk.JoinRequest{}
	}
	return s
}

package portalsdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aussiebroadwan/portal/pkg/idx"
)

// ============================================================================
// Collections
// ============================================================================

// List decodes a collection payload at the REST boundary. It accepts a JSON
// array or a paginated {"results": [...]} envelope. Any other shape (object,
// null, scalar, wrong element type) decodes to an empty list with Malformed
// set, so a bad payload never reaches state as anything but an empty slice.
type List[T any] struct {
	Items     []T
	Malformed bool
}

// UnmarshalJSON implements json.Unmarshaler. It never returns an error.
func (l *List[T]) UnmarshalJSON(data []byte) error {
	l.Items = []T{}
	l.Malformed = false

	payload := bytes.TrimSpace(data)
	if len(payload) > 0 && payload[0] == '{' {
		var envelope struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Results != nil {
			payload = bytes.TrimSpace(envelope.Results)
		}
	}

	if len(payload) == 0 || payload[0] != '[' {
		l.Malformed = true
		return nil
	}

	var items []T
	if err := json.Unmarshal(payload, &items); err != nil {
		l.Malformed = true
		return nil
	}
	if items != nil {
		l.Items = items
	}
	return nil
}

// Err returns ErrMalformedResponse if the payload was not a list.
func (l List[T]) Err() error {
	if l.Malformed {
		return ErrMalformedResponse
	}
	return nil
}

// ============================================================================
// Users
// ============================================================================

// User is a backend user as embedded in rooms and messages, and returned in
// full by the profile endpoint.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      string `json:"role,omitempty"`
}

// DisplayName returns the full name, or the username if no name is set.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	}
	return u.Username
}

// ProfileUpdate is the writable part of a user profile.
type ProfileUpdate struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	Role            string `json:"role,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
}

// ============================================================================
// Token Types
// ============================================================================

// TokenResponse is returned by the token obtain and refresh endpoints. The
// refresh endpoint only includes Refresh when the backend rotates it.
type TokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Credentials authenticate a user with the token endpoint.
type Credentials struct {
	Username string
	Password string

	// OTPSecret is an optional base32 TOTP secret. When set a current code
	// is generated and sent with the login, for headless accounts with MFA.
	OTPSecret string
}

// ============================================================================
// Rooms
// ============================================================================

// Room is a chat room.
type Room struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Host            *User     `json:"host"`
	Participants    []User    `json:"participants"`
	RoomType        string    `json:"room_type"`
	Public          bool      `json:"public"`
	AutoApprove     bool      `json:"auto_approve"`
	IsActive        bool      `json:"is_active"`
	MaxParticipants int       `json:"max_participants"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasParticipant reports whether the user is the host or a participant.
func (r Room) HasParticipant(userID int64) bool {
	if r.Host != nil && r.Host.ID == userID {
		return true
	}
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// CreateRoomRequest creates a room. Zero values fall back to backend defaults.
type CreateRoomRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	RoomType        string `json:"room_type,omitempty"`
	Public          bool   `json:"public"`
	AutoApprove     bool   `json:"auto_approve"`
	MaxParticipants int    `json:"max_participants,omitempty"`
}

// ============================================================================
// Join Requests
// ============================================================================

// JoinStatus is the lifecycle state of a join request.
type JoinStatus string

const (
	JoinPending  JoinStatus = "pending"
	JoinApproved JoinStatus = "approved"
	JoinDenied   JoinStatus = "denied"
)

// JoinRequest asks the host of a non auto-approving room for admission.
type JoinRequest struct {
	ID        int64      `json:"id"`
	RoomID    int64      `json:"room"`
	Requester User       `json:"requester"`
	Status    JoinStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// JoinResult is the outcome of joining a room. Exactly one of Room (when
// approved) or Request (when pending) is set.
type JoinResult struct {
	Status  JoinStatus
	Detail  string
	Room    *Room
	Request *JoinRequest
}

// ============================================================================
// Messages
// ============================================================================

// MessageType distinguishes user messages from server generated ones.
type MessageType int

const (
	MessageNormal MessageType = iota
	MessageSystem
)

func (t MessageType) String() string {
	if t == MessageSystem {
		return "system"
	}
	return "normal"
}

// Message is one entry in a room's log.
type Message struct {
	// ID is the backend id. It is zero for system messages that only ever
	// arrived over the realtime channel.
	ID int64

	// LocalID identifies messages without a backend id.
	LocalID idx.ID

	RoomID    int64
	Sender    *User
	Content   string
	Type      MessageType
	Timestamp time.Time
	Edited    bool

	// Reactions maps an emoji to the ids of users who reacted with it.
	Reactions map[string][]int64
}

// Key identifies a message within a room log regardless of whether it came
// from the backend or was synthesized locally.
func (m Message) Key() string {
	if m.ID != 0 {
		return strconv.FormatInt(m.ID, 10)
	}
	return "local:" + m.LocalID.String()
}

type wireMessage struct {
	ID          int64              `json:"id"`
	Room        int64              `json:"room"`
	Sender      *User              `json:"sender"`
	Content     string             `json:"content"`
	MessageType string             `json:"message_type"`
	Timestamp   time.Time          `json:"timestamp"`
	Edited      bool               `json:"edited,omitempty"`
	Reactions   map[string][]int64 `json:"reactions,omitempty"`
}

// UnmarshalJSON maps the backend message_type ("text", "file", "system") to
// MessageType.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	*m = Message{
		ID:        w.ID,
		RoomID:    w.Room,
		Sender:    w.Sender,
		Content:   w.Content,
		Type:      MessageNormal,
		Timestamp: w.Timestamp,
		Edited:    w.Edited,
		Reactions: w.Reactions,
	}
	if w.MessageType == "system" {
		m.Type = MessageSystem
	}
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (m Message) MarshalJSON() ([]byte, error) {
	kind := "text"
	if m.Type == MessageSystem {
		kind = "system"
	}
	return json.Marshal(wireMessage{
		ID:          m.ID,
		Room:        m.RoomID,
		Sender:      m.Sender,
		Content:     m.Content,
		MessageType: kind,
		Timestamp:   m.Timestamp,
		Edited:      m.Edited,
		Reactions:   m.Reactions,
	})
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is a push notification addressed to the current user.
type Notification struct {
	ID        int64           `json:"id"`
	Verb      string          `json:"verb"`
	Type      string          `json:"notification_type"`
	Actor     string          `json:"actor_display_name,omitempty"`
	TargetURL string          `json:"target_url,omitempty"`
	IsRead    bool            `json:"is_read"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

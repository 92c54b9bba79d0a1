package portalsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

func roomPath(roomID int64, action string) string {
	return fmt.Sprintf("/rooms/%d/%s/", roomID, action)
}

// ListRooms returns the rooms visible to the current user. A payload that is
// not a list yields an empty slice and ErrMalformedResponse.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms List[Room]
	if err := c.do(ctx, http.MethodGet, "/rooms/", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms.Items, rooms.Err()
}

// CreateRoom creates a room hosted by the current user.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*Room, error) {
	var room Room
	if err := c.do(ctx, http.MethodPost, "/rooms/", req, &room); err != nil {
		return nil, err
	}
	if room.ID == 0 {
		return nil, fmt.Errorf("%w: created room missing id", ErrMalformedResponse)
	}
	return &room, nil
}

// JoinRoom asks to join a room. Auto-approving rooms answer with the
// updated room, the rest with a pending join request.
func (c *Client) JoinRoom(ctx context.Context, roomID int64) (*JoinResult, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "join"), nil, &raw); err != nil {
		return nil, err
	}
	return decodeJoinResult(roomID, raw)
}

func decodeJoinResult(roomID int64, raw json.RawMessage) (*JoinResult, error) {
	var head struct {
		Detail string          `json:"detail"`
		Status JoinStatus      `json:"status"`
		Room   json.RawMessage `json:"room"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	result := &JoinResult{Status: head.Status, Detail: head.Detail}
	switch head.Status {
	case JoinApproved:
		var room Room
		if len(head.Room) > 0 && head.Room[0] == '{' {
			if err := json.Unmarshal(head.Room, &room); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
			}
		} else {
			room.ID = roomID
		}
		result.Room = &room

	case JoinPending:
		var req JoinRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if req.RoomID == 0 {
			req.RoomID = roomID
		}
		result.Request = &req

	default:
		return nil, fmt.Errorf("%w: unknown join status %q", ErrMalformedResponse, head.Status)
	}
	return result, nil
}

// ApproveJoinRequest admits the requester. Host only.
func (c *Client) ApproveJoinRequest(ctx context.Context, roomID, requestID int64) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "approve_request"),
		map[string]int64{"request_id": requestID}, nil)
}

// DenyJoinRequest rejects the requester. Host only.
func (c *Client) DenyJoinRequest(ctx context.Context, roomID, requestID int64, reason string) error {
	body := map[string]any{"request_id": requestID}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, http.MethodPost, roomPath(roomID, "deny_request"), body, nil)
}

// PendingRequests lists a room's pending join requests. Host only.
func (c *Client) PendingRequests(ctx context.Context, roomID int64) ([]JoinRequest, error) {
	var reqs List[JoinRequest]
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "pending_requests"), nil, &reqs); err != nil {
		return nil, err
	}
	return reqs.Items, reqs.Err()
}

// MyJoinRequests lists the current user's join requests in every state.
func (c *Client) MyJoinRequests(ctx context.Context) ([]JoinRequest, error) {
	var reqs List[JoinRequest]
	if err := c.do(ctx, http.MethodGet, "/rooms/my_requests/", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs.Items, reqs.Err()
}

// RemoveParticipant removes a user from a room. Host only.
func (c *Client) RemoveParticipant(ctx context.Context, roomID, userID int64) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "remove_participant"),
		map[string]int64{"user_id": userID}, nil)
}

// LeaveRoom removes the current user from a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID int64) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "leave_room"), nil, nil)
}

// RoomMessages returns a room's message history, oldest first.
func (c *Client) RoomMessages(ctx context.Context, roomID int64) ([]Message, error) {
	var msgs List[Message]
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "messages"), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs.Items, msgs.Err()
}

// PostMessage sends a message over REST. Unlike the realtime path it is
// acknowledged by the server.
func (c *Client) PostMessage(ctx context.Context, roomID int64, content string) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "send_message"),
		map[string]string{"message": content}, &msg); err != nil {
		return nil, err
	}
	if msg.RoomID == 0 {
		msg.RoomID = roomID
	}
	return &msg, nil
}

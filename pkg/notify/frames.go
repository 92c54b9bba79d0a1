package notify

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/aussiebroadwan/portal/pkg/portalsdk"
)

const (
	frameNew           = "new_notification"
	frameUnreadCount   = "unread_count"
	frameUpdated       = "notification_updated"
	frameDeleted       = "notification_deleted"
	frameMarkedRead    = "notification_marked_read"
	frameAllMarkedRead = "all_notifications_marked_read"
	cmdMarkAsRead      = "mark_as_read"
)

type markAsReadCommand struct {
	Type           string `json:"type"`
	NotificationID int64  `json:"notification_id"`
}

type inboundFrame struct {
	Type           string                  `json:"type"`
	Notification   *portalsdk.Notification `json:"notification"`
	NotificationID int64                   `json:"notification_id"`
	UnreadCount    *int                    `json:"unread_count"`
	UpdatedCount   int                     `json:"updated_count"`
}

// handleFrame folds one channel event into the state. Frames that do not
// decode or lack their payload are logged and dropped.
func (s *Session) handleFrame(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("frame_malformed", "error", err)
		return
	}

	switch f.Type {
	case frameNew:
		if f.Notification == nil {
			break
		}
		n := *f.Notification
		s.update(func(state *State) bool {
			if slices.ContainsFunc(state.Notifications, func(x portalsdk.Notification) bool { return x.ID == n.ID }) {
				return false
			}
			state.Notifications = s.capped(append([]portalsdk.Notification{n}, state.Notifications...))
			if !n.IsRead {
				state.UnreadCount++
			}
			return true
		})
		return

	case frameUnreadCount:
		if f.UnreadCount == nil || *f.UnreadCount < 0 {
			break
		}
		s.applyCount(*f.UnreadCount)
		return

	case frameUpdated:
		if f.Notification == nil {
			break
		}
		n := *f.Notification
		s.update(func(state *State) bool {
			i := indexOf(state.Notifications, n.ID)
			if i < 0 {
				return false
			}
			state.Notifications = slices.Clone(state.Notifications)
			state.Notifications[i] = n
			return true
		})
		return

	case frameDeleted:
		id := f.NotificationID
		s.update(func(state *State) bool {
			i := indexOf(state.Notifications, id)
			if i < 0 {
				return false
			}
			if !state.Notifications[i].IsRead && state.UnreadCount > 0 {
				state.UnreadCount--
			}
			state.Notifications = slices.Delete(slices.Clone(state.Notifications), i, i+1)
			return true
		})
		return

	case frameMarkedRead:
		s.markLocally(f.NotificationID)
		s.resolveAck(f.NotificationID)
		return

	case frameAllMarkedRead:
		s.logger.Debug("all_marked_read", "updated_count", f.UpdatedCount)
		s.update(func(state *State) bool {
			markAllRead(state)
			return true
		})
		return

	default:
		s.logger.Debug("frame_ignored", "type", f.Type)
		return
	}

	s.logger.Warn("frame_malformed", "type", f.Type)
}

// applyCount sets the unread count from the server. While a mark-as-read
// command is unacknowledged the latest count is held back so an update sent
// before the command was processed does not undo the optimistic change.
func (s *Session) applyCount(n int) {
	if s.holdCount(n) {
		return
	}
	s.update(func(state *State) bool {
		if state.UnreadCount == n {
			return false
		}
		state.UnreadCount = n
		return true
	})
}

// holdCount buffers n and reports true while acks are outstanding.
func (s *Session) holdCount(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.acks) == 0 {
		return false
	}
	s.buffered = &n
	return true
}

// awaitAck registers an outstanding mark-as-read command. If no ack arrives
// within AckTimeout the buffered count is applied anyway.
func (s *Session) awaitAck(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.acks[id]; ok {
		timer.Stop()
	}
	s.acks[id] = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.logger.Debug("mark_as_read_ack_timeout", "notification_id", id)
		s.resolveAck(id)
	})
}

// resolveAck settles a command and flushes the buffered count once none
// remain outstanding.
func (s *Session) resolveAck(id int64) {
	s.mu.Lock()
	timer, ok := s.acks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	timer.Stop()
	delete(s.acks, id)

	var flush *int
	if len(s.acks) == 0 {
		flush, s.buffered = s.buffered, nil
	}
	s.mu.Unlock()

	if flush != nil {
		s.applyCount(*flush)
	}
}

func indexOf(list []portalsdk.Notification, id int64) int {
	return slices.IndexFunc(list, func(n portalsdk.Notification) bool { return n.ID == id })
}

package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/aussiebroadwan/portal/pkg/chat"
	"github.com/aussiebroadwan/portal/pkg/notify"
	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/aussiebroadwan/portal/pkg/realtime"
)

// transcript renders session snapshots as plain lines. Each message, notice
// and connection change is written once.
type transcript struct {
	out  io.Writer
	self int64

	mu       sync.Mutex
	room     int64
	seen     map[string]bool
	notice   *chat.Notice
	status   realtime.Status
	unread   int
	hasCount bool
}

func newTranscript(out io.Writer, self int64) *transcript {
	return &transcript{out: out, self: self, seen: make(map[string]bool)}
}

func (t *transcript) onChat(s chat.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.ActiveRoomID != t.room {
		t.room = s.ActiveRoomID
		t.seen = make(map[string]bool)
		if room, ok := s.ActiveRoom(); ok {
			fmt.Fprintf(t.out, "-- %s (%d participants)\n", room.Name, len(room.Participants))
		}
	}

	if s.Connection.Status != t.status {
		t.status = s.Connection.Status
		if t.status == realtime.StatusReconnecting {
			fmt.Fprintf(t.out, "-- reconnecting (attempt %d)\n", s.Connection.Attempt)
		} else if t.room != 0 {
			fmt.Fprintf(t.out, "-- %s\n", t.status)
		}
	}

	if s.Notice != nil && s.Notice != t.notice {
		t.notice = s.Notice
		fmt.Fprintf(t.out, "-- %s: %s\n", s.Notice.Kind, s.Notice.Message)
	}

	for _, m := range s.Messages {
		key := m.Key()
		if t.seen[key] {
			continue
		}
		t.seen[key] = true
		fmt.Fprintln(t.out, t.format(m))
	}
}

func (t *transcript) onNotifications(s notify.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasCount && s.UnreadCount == t.unread {
		return
	}
	t.hasCount = true
	t.unread = s.UnreadCount
	fmt.Fprintf(t.out, "-- %d unread notifications\n", s.UnreadCount)
}

func (t *transcript) format(m portalsdk.Message) string {
	stamp := m.Timestamp.Local().Format("15:04")
	if m.Type == portalsdk.MessageSystem || m.Sender == nil {
		return fmt.Sprintf("[%s] * %s", stamp, m.Content)
	}

	name := m.Sender.DisplayName()
	if m.Sender.ID == t.self {
		name = "you"
	}
	edited := ""
	if m.Edited {
		edited = " (edited)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", stamp, name, m.Content, edited)
}

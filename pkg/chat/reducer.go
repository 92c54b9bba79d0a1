package chat

import (
	"maps"
	"slices"

	"github.com/aussiebroadwan/portal/pkg/portalsdk"
)

// Reduce applies actions in order and returns the new state. It never
// modifies s or the slices it references, and nil actions are skipped.
func Reduce(s State, actions ...Action) State {
	s = s.normalized()
	for _, a := range actions {
		if a == nil {
			continue
		}
		s = a.apply(s).normalized()
	}
	return s
}

func roomIndex(rooms []portalsdk.Room, id int64) int {
	return slices.IndexFunc(rooms, func(r portalsdk.Room) bool { return r.ID == id })
}

func messageIndex(msgs []portalsdk.Message, key string) int {
	return slices.IndexFunc(msgs, func(m portalsdk.Message) bool { return m.Key() == key })
}

// updateMessage applies fn to a copy of the message with id.
func updateMessage(s State, id int64, fn func(*portalsdk.Message)) State {
	i := slices.IndexFunc(s.Messages, func(m portalsdk.Message) bool { return m.ID == id })
	if id == 0 || i < 0 {
		return s
	}
	s.Messages = slices.Clone(s.Messages)
	m := cloneMessage(s.Messages[i])
	fn(&m)
	s.Messages[i] = m
	return s
}

func cloneRooms(rooms []portalsdk.Room) []portalsdk.Room {
	out := make([]portalsdk.Room, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, cloneRoom(r))
	}
	return out
}

func cloneRoom(r portalsdk.Room) portalsdk.Room {
	r.Participants = cloneUsers(r.Participants)
	if r.Host != nil {
		host := *r.Host
		r.Host = &host
	}
	return r
}

func cloneUsers(users []portalsdk.User) []portalsdk.User {
	if users == nil {
		return []portalsdk.User{}
	}
	return slices.Clone(users)
}

func cloneMessage(m portalsdk.Message) portalsdk.Message {
	if m.Reactions != nil {
		reactions := maps.Clone(m.Reactions)
		for emoji, users := range reactions {
			reactions[emoji] = slices.Clone(users)
		}
		m.Reactions = reactions
	}
	return m
}

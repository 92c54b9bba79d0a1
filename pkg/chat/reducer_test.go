package chat_test

import (
	"testing"

	"github.com/aussiebroadwan/portal/pkg/chat"
	"github.com/aussiebroadwan/portal/pkg/idx"
	"github.com/aussiebroadwan/portal/pkg/portalsdk"
	"github.com/aussiebroadwan/portal/pkg/realtime"
	"github.com/stretchr/testify/require"
)

func msg(id int64, room int64, content string) portalsdk.Message {
	return portalsdk.Message{ID: id, RoomID: room, Content: content}
}

func contents(msgs []portalsdk.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestReduceCoercesNil(t *testing.T) {
	t.Parallel()

	s := chat.Reduce(chat.State{},
		nil,
		chat.SetRooms{Rooms: nil},
		chat.SetJoinRequests{Requests: nil},
		chat.SetPendingRequests{RoomID: 1, Requests: nil},
		chat.SetMessages{RoomID: 0, Messages: nil},
	)

	require.NotNil(t, s.Rooms)
	require.NotNil(t, s.Messages)
	require.NotNil(t, s.JoinRequests)
	require.NotNil(t, s.PendingRequests)
	require.Empty(t, s.Rooms)
}

func TestReduceUnknownTargetsAreNoops(t *testing.T) {
	t.Parallel()

	base := chat.Reduce(chat.NewState(), chat.SetActiveRoom{RoomID: 1},
		chat.SetMessages{RoomID: 1, Messages: []portalsdk.Message{msg(1, 1, "hi")}})

	s := chat.Reduce(base,
		chat.EditMessage{MessageID: 99, Content: "x"},
		chat.DeleteMessage{MessageID: 99},
		chat.DeleteMessage{MessageID: 0},
		chat.ReactMessage{MessageID: 99, Emoji: "+1", UserID: 1},
		chat.UpdateRoomParticipants{RoomID: 42},
		chat.ResolvePendingRequest{RequestID: 7, Status: portalsdk.JoinApproved},
	)
	require.Equal(t, base, s)
}

func TestReduceDoesNotAlias(t *testing.T) {
	t.Parallel()

	rooms := []portalsdk.Room{{ID: 1, Name: "general"}}
	s := chat.Reduce(chat.NewState(), chat.SetRooms{Rooms: rooms})
	rooms[0].Name = "changed"
	require.Equal(t, "general", s.Rooms[0].Name)

	before := s
	after := chat.Reduce(before, chat.AddRoom{Room: portalsdk.Room{ID: 1, Name: "renamed"}})
	require.Equal(t, "general", before.Rooms[0].Name)
	require.Equal(t, "renamed", after.Rooms[0].Name)
}

func TestReduceRooms(t *testing.T) {
	t.Parallel()

	s := chat.Reduce(chat.NewState(),
		chat.SetRooms{Rooms: []portalsdk.Room{{ID: 1}, {ID: 2}}},
		chat.AddRoom{Room: portalsdk.Room{ID: 3}},
		chat.AddRoom{Room: portalsdk.Room{ID: 2, Name: "updated"}},
	)

	require.Len(t, s.Rooms, 3)
	require.Equal(t, int64(3), s.Rooms[0].ID)
	room, ok := s.Room(2)
	require.True(t, ok)
	require.Equal(t, "updated", room.Name)
}

func TestReduceMessages(t *testing.T) {
	t.Parallel()

	active := chat.Reduce(chat.NewState(), chat.SetActiveRoom{RoomID: 1})

	t.Run("history merges with live messages", func(t *testing.T) {
		t.Parallel()

		s := chat.Reduce(active,
			chat.AppendMessage{Message: msg(3, 1, "three")},
			chat.AppendMessage{Message: msg(4, 1, "four")},
			chat.SetMessages{RoomID: 1, Messages: []portalsdk.Message{
				msg(1, 1, "one"), msg(2, 1, "two"), msg(3, 1, "three"),
			}},
		)
		require.Equal(t, []string{"one", "two", "three", "four"}, contents(s.Messages))
	})

	t.Run("append ignores other rooms and duplicates", func(t *testing.T) {
		t.Parallel()

		s := chat.Reduce(active,
			chat.AppendMessage{Message: msg(1, 1, "one")},
			chat.AppendMessage{Message: msg(1, 1, "one again")},
			chat.AppendMessage{Message: msg(2, 2, "stale room")},
			chat.SetMessages{RoomID: 2, Messages: []portalsdk.Message{msg(5, 2, "stale history")}},
		)
		require.Equal(t, []string{"one"}, contents(s.Messages))
	})

	t.Run("append without active room", func(t *testing.T) {
		t.Parallel()

		s := chat.Reduce(chat.NewState(), chat.AppendMessage{Message: msg(1, 1, "one")})
		require.Empty(t, s.Messages)
	})

	t.Run("system messages keyed locally", func(t *testing.T) {
		t.Parallel()

		sys := portalsdk.Message{LocalID: idx.New(), Type: portalsdk.MessageSystem, Content: "joined"}
		s := chat.Reduce(active, chat.AppendMessage{Message: sys}, chat.AppendMessage{Message: sys},
			chat.AppendMessage{Message: msg(1, 1, "one")})
		require.Equal(t, []string{"joined", "one"}, contents(s.Messages))
	})

	t.Run("edit delete react", func(t *testing.T) {
		t.Parallel()

		s := chat.Reduce(active,
			chat.AppendMessage{Message: msg(1, 1, "one")},
			chat.AppendMessage{Message: msg(2, 1, "two")},
			chat.EditMessage{MessageID: 1, Content: "uno"},
			chat.DeleteMessage{MessageID: 2},
			chat.ReactMessage{MessageID: 1, Emoji: "+1", UserID: 10},
			chat.ReactMessage{MessageID: 1, Emoji: "+1", UserID: 11},
			chat.ReactMessage{MessageID: 1, Emoji: "+1", UserID: 10},
		)
		require.Len(t, s.Messages, 1)
		require.Equal(t, "uno", s.Messages[0].Content)
		require.True(t, s.Messages[0].Edited)
		require.Equal(t, map[string][]int64{"+1": {11}}, s.Messages[0].Reactions)

		cleared := chat.Reduce(s, chat.ReactMessage{MessageID: 1, Emoji: "+1", UserID: 11})
		require.Empty(t, cleared.Messages[0].Reactions)
		require.Equal(t, []int64{11}, s.Messages[0].Reactions["+1"])
	})

	t.Run("switching rooms clears the log", func(t *testing.T) {
		t.Parallel()

		s := chat.Reduce(active,
			chat.AppendMessage{Message: msg(1, 1, "one")},
			chat.SetConnection{State: realtime.State{Status: realtime.StatusOpen}},
			chat.SetActiveRoom{RoomID: 2},
		)
		require.Empty(t, s.Messages)
		require.False(t, s.Connected())
		require.Equal(t, int64(2), s.ActiveRoomID)
	})
}

func TestReduceJoinRequests(t *testing.T) {
	t.Parallel()

	alice := portalsdk.User{ID: 1, Username: "alice"}
	bob := portalsdk.User{ID: 2, Username: "bob"}

	s := chat.Reduce(chat.NewState(),
		chat.SetRooms{Rooms: []portalsdk.Room{{ID: 1, Host: &alice, Participants: []portalsdk.User{alice}}}},
		chat.SetPendingRequests{RoomID: 1, Requests: []portalsdk.JoinRequest{
			{ID: 10, Requester: bob, Status: portalsdk.JoinPending},
			{ID: 11, Requester: portalsdk.User{ID: 3}, Status: portalsdk.JoinPending},
			{ID: 12, Requester: portalsdk.User{ID: 4}, Status: portalsdk.JoinDenied},
		}},
	)
	require.Len(t, s.PendingRequests, 2)
	require.Equal(t, int64(1), s.PendingRequests[0].RoomID)

	s = chat.Reduce(s,
		chat.ResolvePendingRequest{RequestID: 10, Status: portalsdk.JoinApproved},
		chat.ResolvePendingRequest{RequestID: 11, Status: portalsdk.JoinDenied},
	)
	require.Empty(t, s.PendingRequests)
	room, _ := s.Room(1)
	require.True(t, room.HasParticipant(bob.ID))
	require.False(t, room.HasParticipant(3))

	s = chat.Reduce(s,
		chat.TrackJoinRequest{Request: portalsdk.JoinRequest{ID: 20, RoomID: 5, Status: portalsdk.JoinPending}},
		chat.TrackJoinRequest{Request: portalsdk.JoinRequest{ID: 20, RoomID: 5, Status: portalsdk.JoinApproved}},
	)
	require.Len(t, s.JoinRequests, 1)
	require.Equal(t, portalsdk.JoinApproved, s.JoinRequests[0].Status)
}

func TestReduceNotice(t *testing.T) {
	t.Parallel()

	s := chat.Reduce(chat.NewState(), chat.SetNotice{Notice: chat.Notice{Kind: chat.NoticeSuccess, Message: "ok"}})
	require.NotNil(t, s.Notice)
	require.Equal(t, "ok", s.Notice.Message)

	s = chat.Reduce(s, chat.ClearNotice{})
	require.Nil(t, s.Notice)
}

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

func testMembershipContract(t *testing.T, s domain.MembershipStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		id, err := s.CreateRoom(ctx, domain.RoomTypeGroup, "general", []string{"alice", "bob", "alice"})
		require.NoError(t, err)

		room, err := s.GetRoom(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, room.ID)
		assert.Equal(t, domain.RoomTypeGroup, room.Type)
		assert.Equal(t, "general", room.Name)
		assert.Equal(t, []string{"alice", "bob"}, room.Members)

		members, err := s.GetMembers(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, members)
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := s.GetRoom(ctx, "00000000-0000-0000-0000-00000000dead")
		assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)

		err = s.AddMember(ctx, "00000000-0000-0000-0000-00000000dead", "alice")
		assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
	})

	t.Run("add and remove members", func(t *testing.T) {
		id, err := s.CreateRoom(ctx, domain.RoomTypeGroup, "team", []string{"carol"})
		require.NoError(t, err)

		require.NoError(t, s.AddMember(ctx, id, "dave"))
		require.NoError(t, s.AddMember(ctx, id, "dave"))
		members, err := s.GetMembers(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"carol", "dave"}, members)

		rooms, err := s.ListRoomsForUser(ctx, "dave")
		require.NoError(t, err)
		assert.Contains(t, rooms, id)

		require.NoError(t, s.RemoveMember(ctx, id, "dave"))
		require.NoError(t, s.RemoveMember(ctx, id, "dave"))
		rooms, err = s.ListRoomsForUser(ctx, "dave")
		require.NoError(t, err)
		assert.NotContains(t, rooms, id)
	})

	t.Run("find direct room", func(t *testing.T) {
		id, err := s.CreateRoom(ctx, domain.RoomTypeDirect, "", []string{"erin", "frank"})
		require.NoError(t, err)

		found, ok, err := s.FindDirectRoom(ctx, "frank", "erin")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, id, found)

		_, ok, err = s.FindDirectRoom(ctx, "erin", "grace")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.CreateRoom(ctx, domain.RoomTypeGroup, "trio", []string{"heidi", "ivan"})
		require.NoError(t, err)
		_, ok, err = s.FindDirectRoom(ctx, "heidi", "ivan")
		require.NoError(t, err)
		assert.False(t, ok, "group rooms never match")
	})
}

func testMessageContract(t *testing.T, s domain.MessageStore, roomID string) {
	t.Helper()
	ctx := context.Background()

	var ids []string
	for i := int64(1); i <= 5; i++ {
		m, err := s.Append(ctx, domain.NewMessage{RoomID: roomID, SenderID: "alice", Content: "hi", Sequence: i})
		require.NoError(t, err)
		require.NotEmpty(t, m.ID)
		assert.Equal(t, i, m.Sequence)
		assert.False(t, m.CreatedAt.IsZero())
		ids = append(ids, m.ID)
	}

	t.Run("list recent is ascending and limited", func(t *testing.T) {
		msgs, err := s.ListRecent(ctx, roomID, 3)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, []int64{3, 4, 5}, []int64{msgs[0].Sequence, msgs[1].Sequence, msgs[2].Sequence})
		assert.Equal(t, ids[4], msgs[2].ID)
	})

	t.Run("react replaces prior emoji", func(t *testing.T) {
		require.NoError(t, s.React(ctx, ids[4], "alice", "👍"))
		require.NoError(t, s.React(ctx, ids[4], "bob", "👍"))
		require.NoError(t, s.React(ctx, ids[4], "alice", "❤️"))

		msgs, err := s.ListRecent(ctx, roomID, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.ElementsMatch(t, []domain.Reaction{
			{UserID: "bob", Emoji: "👍"},
			{UserID: "alice", Emoji: "❤️"},
		}, msgs[0].Reactions)
	})

	t.Run("unreact only removes the matching emoji", func(t *testing.T) {
		require.NoError(t, s.Unreact(ctx, ids[4], "bob", "❤️"))
		require.NoError(t, s.Unreact(ctx, ids[4], "alice", "❤️"))

		msgs, err := s.ListRecent(ctx, roomID, 1)
		require.NoError(t, err)
		assert.Equal(t, []domain.Reaction{{UserID: "bob", Emoji: "👍"}}, msgs[0].Reactions)
	})

	t.Run("unknown message", func(t *testing.T) {
		err := s.React(ctx, "00000000-0000-0000-0000-00000000beef", "alice", "👍")
		assert.ErrorIs(t, err, apperrors.ErrMessageNotFound)
	})
}

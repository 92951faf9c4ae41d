package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

// MemoryStore keeps rooms, messages and reactions in process memory. It
// implements both domain.MembershipStore and domain.MessageStore.
type MemoryStore struct {
	mu        sync.RWMutex
	rooms     map[string]*domain.RoomInfo
	messages  map[string][]domain.Message // room ID -> ascending sequence
	msgRoom   map[string]string           // message ID -> room ID
	reactions map[string][]domain.Reaction
}

var (
	_ domain.MembershipStore = (*MemoryStore)(nil)
	_ domain.MessageStore    = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:     make(map[string]*domain.RoomInfo),
		messages:  make(map[string][]domain.Message),
		msgRoom:   make(map[string]string),
		reactions: make(map[string][]domain.Reaction),
	}
}

func (s *MemoryStore) ListRoomsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, room := range s.rooms {
		if slices.Contains(room.Members, userID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) GetMembers(_ context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return slices.Clone(room.Members), nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (*domain.RoomInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	c := *room
	c.Members = slices.Clone(room.Members)
	return &c, nil
}

func (s *MemoryStore) FindDirectRoom(_ context.Context, userA, userB string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, room := range s.rooms {
		if isDirectPair(room, userA, userB) {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (s *MemoryStore) AddMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	if !slices.Contains(room.Members, userID) {
		room.Members = append(room.Members, userID)
	}
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	room.Members = slices.DeleteFunc(room.Members, func(m string) bool { return m == userID })
	return nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, roomType domain.RoomType, name string, members []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.rooms[id] = &domain.RoomInfo{
		ID:        id,
		Type:      roomType,
		Name:      name,
		Members:   dedupe(members),
		CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (s *MemoryStore) Append(_ context.Context, msg domain.NewMessage) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[msg.RoomID]; !ok {
		return nil, apperrors.ErrRoomNotFound.WithDetails(msg.RoomID)
	}

	stored := domain.Message{
		ID:        uuid.NewString(),
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: time.Now().UTC(),
		Sequence:  msg.Sequence,
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], stored)
	s.msgRoom[stored.ID] = msg.RoomID

	return &stored, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, roomID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[roomID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]domain.Message, len(all))
	for i, m := range all {
		m.Reactions = slices.Clone(s.reactions[m.ID])
		out[i] = m
	}
	return out, nil
}

func (s *MemoryStore) React(_ context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.msgRoom[messageID]; !ok {
		return apperrors.ErrMessageNotFound.WithDetails(messageID)
	}

	rs := slices.DeleteFunc(s.reactions[messageID], func(r domain.Reaction) bool { return r.UserID == userID })
	s.reactions[messageID] = append(rs, domain.Reaction{UserID: userID, Emoji: emoji})
	return nil
}

func (s *MemoryStore) Unreact(_ context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.msgRoom[messageID]; !ok {
		return apperrors.ErrMessageNotFound.WithDetails(messageID)
	}

	s.reactions[messageID] = slices.DeleteFunc(s.reactions[messageID], func(r domain.Reaction) bool {
		return r.UserID == userID && r.Emoji == emoji
	})
	return nil
}

func isDirectPair(room *domain.RoomInfo, a, b string) bool {
	if room.Type != domain.RoomTypeDirect || len(room.Members) != 2 {
		return false
	}
	return (room.Members[0] == a && room.Members[1] == b) || (room.Members[0] == b && room.Members[1] == a)
}

func dedupe(members []string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

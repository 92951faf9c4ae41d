package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HMasataka/chathub/internal/config"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/metrics"
	"github.com/HMasataka/chathub/pkg/domain"
)

// Backend is the pair of stores the hub runs against.
type Backend struct {
	Membership domain.MembershipStore
	Messages   domain.MessageStore

	closers []func() error
}

// Open builds the backend selected by cfg. Messages go to Redis when a
// Redis URL is configured; otherwise both stores share the driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (*Backend, error) {
	b := &Backend{}

	type both interface {
		domain.MembershipStore
		domain.MessageStore
	}
	var primary both

	switch cfg.Driver {
	case config.DriverMemory, "":
		primary = NewMemoryStore()
	case config.DriverSQLite:
		s, err := NewSQLiteStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		primary = s
	case config.DriverPostgres:
		s, err := NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		primary = s
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	b.Membership = primary
	b.Messages = primary

	if cfg.RedisURL != "" {
		r, err := NewRedisMessageStore(ctx, cfg.RedisURL, 0)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, r.Close)
		b.Messages = r
	}

	logger.Info("store opened", "driver", cfg.Driver, "redis_messages", cfg.RedisURL != "")

	b.Membership = Instrument(b.Membership)
	b.Messages = InstrumentMessages(b.Messages)
	return b, nil
}

// Close releases every underlying connection.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Instrument wraps a membership store so that every call is timed.
func Instrument(s domain.MembershipStore) domain.MembershipStore {
	return &instrumentedMembership{next: s}
}

// InstrumentMessages wraps a message store so that every call is timed.
func InstrumentMessages(s domain.MessageStore) domain.MessageStore {
	return &instrumentedMessages{next: s}
}

type instrumentedMembership struct {
	next domain.MembershipStore
}

func (s *instrumentedMembership) ListRoomsForUser(ctx context.Context, userID string) ([]string, error) {
	defer metrics.ObserveStore("list_rooms_for_user", time.Now())
	return s.next.ListRoomsForUser(ctx, userID)
}

func (s *instrumentedMembership) GetMembers(ctx context.Context, roomID string) ([]string, error) {
	defer metrics.ObserveStore("get_members", time.Now())
	return s.next.GetMembers(ctx, roomID)
}

func (s *instrumentedMembership) GetRoom(ctx context.Context, roomID string) (*domain.RoomInfo, error) {
	defer metrics.ObserveStore("get_room", time.Now())
	return s.next.GetRoom(ctx, roomID)
}

func (s *instrumentedMembership) FindDirectRoom(ctx context.Context, userA, userB string) (string, bool, error) {
	defer metrics.ObserveStore("find_direct_room", time.Now())
	return s.next.FindDirectRoom(ctx, userA, userB)
}

func (s *instrumentedMembership) AddMember(ctx context.Context, roomID, userID string) error {
	defer metrics.ObserveStore("add_member", time.Now())
	return s.next.AddMember(ctx, roomID, userID)
}

func (s *instrumentedMembership) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer metrics.ObserveStore("remove_member", time.Now())
	return s.next.RemoveMember(ctx, roomID, userID)
}

func (s *instrumentedMembership) CreateRoom(ctx context.Context, roomType domain.RoomType, name string, members []string) (string, error) {
	defer metrics.ObserveStore("create_room", time.Now())
	return s.next.CreateRoom(ctx, roomType, name, members)
}

type instrumentedMessages struct {
	next domain.MessageStore
}

func (s *instrumentedMessages) Append(ctx context.Context, msg domain.NewMessage) (*domain.Message, error) {
	defer metrics.ObserveStore("append", time.Now())
	return s.next.Append(ctx, msg)
}

func (s *instrumentedMessages) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	defer metrics.ObserveStore("list_recent", time.Now())
	return s.next.ListRecent(ctx, roomID, limit)
}

func (s *instrumentedMessages) React(ctx context.Context, messageID, userID, emoji string) error {
	defer metrics.ObserveStore("react", time.Now())
	return s.next.React(ctx, messageID, userID, emoji)
}

func (s *instrumentedMessages) Unreact(ctx context.Context, messageID, userID, emoji string) error {
	defer metrics.ObserveStore("unreact", time.Now())
	return s.next.Unreact(ctx, messageID, userID, emoji)
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ domain.MembershipStore = (*PostgresStore)(nil)
	_ domain.MessageStore    = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and makes sure the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS rooms (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('DIRECT', 'GROUP')),
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS room_members (
		id BIGSERIAL PRIMARY KEY,
		room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		UNIQUE (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (room_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS reactions (
		id BIGSERIAL PRIMARY KEY,
		message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		emoji TEXT NOT NULL,
		UNIQUE (message_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id::text FROM room_members WHERE user_id = $1 ORDER BY room_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms for user: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list rooms for user: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetMembers(ctx context.Context, roomID string) ([]string, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Members, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (*domain.RoomInfo, error) {
	id, err := uuid.Parse(roomID)
	if err != nil {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}

	room := &domain.RoomInfo{ID: roomID}
	var roomType string
	err = s.pool.QueryRow(ctx, `
		SELECT type, name, created_at FROM rooms WHERE id = $1
	`, id).Scan(&roomType, &room.Name, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	room.Type = domain.RoomType(roomType)

	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}
	if room.Members, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}

	return room, nil
}

func (s *PostgresStore) FindDirectRoom(ctx context.Context, userA, userB string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT r.id::text FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE r.type = 'DIRECT'
		GROUP BY r.id
		HAVING COUNT(*) = 2
		   AND bool_or(m.user_id = $1)
		   AND bool_or(m.user_id = $2)
		LIMIT 1
	`, userA, userB).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("find direct room: %w", err)
	}
	return id, true, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, roomID, userID string) error {
	id, err := s.roomID(ctx, roomID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, id, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	id, err := s.roomID(ctx, roomID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		DELETE FROM room_members WHERE room_id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, roomType domain.RoomType, name string, members []string) (string, error) {
	id := uuid.New()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, type, name) VALUES ($1, $2, $3)
		`, id, string(roomType), name); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, m := range members {
			batch.Queue(`
				INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
				ON CONFLICT (room_id, user_id) DO NOTHING
			`, id, m)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	return id.String(), nil
}

func (s *PostgresStore) Append(ctx context.Context, msg domain.NewMessage) (*domain.Message, error) {
	roomID, err := uuid.Parse(msg.RoomID)
	if err != nil {
		return nil, apperrors.ErrRoomNotFound.WithDetails(msg.RoomID)
	}

	stored := &domain.Message{
		ID:       uuid.NewString(),
		RoomID:   msg.RoomID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		Sequence: msg.Sequence,
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, sequence)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, stored.ID, roomID, stored.SenderID, stored.Content, stored.Sequence).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	return stored, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	id, err := uuid.Parse(roomID)
	if err != nil {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, room_id::text, sender_id, content, sequence, created_at FROM (
			SELECT * FROM messages WHERE room_id = $1 ORDER BY sequence DESC LIMIT $2
		) recent ORDER BY sequence ASC
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var m domain.Message
		err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Sequence, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		index[m.ID] = i
	}

	reactionRows, err := s.pool.Query(ctx, `
		SELECT message_id::text, user_id, emoji FROM reactions
		WHERE message_id = ANY($1::uuid[])
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer reactionRows.Close()

	for reactionRows.Next() {
		var messageID string
		var r domain.Reaction
		if err := reactionRows.Scan(&messageID, &r.UserID, &r.Emoji); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		messages[index[messageID]].Reactions = append(messages[index[messageID]].Reactions, r)
	}

	return messages, reactionRows.Err()
}

func (s *PostgresStore) React(ctx context.Context, messageID, userID, emoji string) error {
	id, err := s.messageID(ctx, messageID)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM reactions WHERE message_id = $1 AND user_id = $2
		`, id, userID); err != nil {
			return fmt.Errorf("replace reaction: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		`, id, userID, emoji); err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Unreact(ctx context.Context, messageID, userID, emoji string) error {
	id, err := s.messageID(ctx, messageID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, id, userID, emoji)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) roomID(ctx context.Context, roomID string) (uuid.UUID, error) {
	id, err := uuid.Parse(roomID)
	if err != nil {
		return uuid.Nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, id).Scan(&exists); err != nil {
		return uuid.Nil, fmt.Errorf("lookup room: %w", err)
	}
	if !exists {
		return uuid.Nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return id, nil
}

func (s *PostgresStore) messageID(ctx context.Context, messageID string) (uuid.UUID, error) {
	id, err := uuid.Parse(messageID)
	if err != nil {
		return uuid.Nil, apperrors.ErrMessageNotFound.WithDetails(messageID)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return uuid.Nil, fmt.Errorf("lookup message: %w", err)
	}
	if !exists {
		return uuid.Nil, apperrors.ErrMessageNotFound.WithDetails(messageID)
	}
	return id, nil
}

// Truncate removes every row. Used by tests against a shared database.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE reactions, messages, room_members, rooms`)
	return err
}

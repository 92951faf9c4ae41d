package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ domain.MembershipStore = (*SQLiteStore)(nil)
	_ domain.MessageStore    = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens the database at dbPath, creating the file and the
// schema when missing.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chathub.db"
	}

	dsn := dbPath
	if !strings.HasPrefix(dbPath, "file:") && dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('DIRECT', 'GROUP')),
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		UNIQUE (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (room_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS reactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		emoji TEXT NOT NULL,
		UNIQUE (message_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) ListRoomsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id FROM room_members WHERE user_id = ? ORDER BY room_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms for user: %w", err)
	}
	return scanStrings(rows)
}

func (s *SQLiteStore) GetMembers(ctx context.Context, roomID string) ([]string, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Members, nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*domain.RoomInfo, error) {
	room := &domain.RoomInfo{}
	var roomType string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, created_at FROM rooms WHERE id = ?
	`, roomID).Scan(&room.ID, &roomType, &room.Name, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	room.Type = domain.RoomType(roomType)

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM room_members WHERE room_id = ? ORDER BY id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}
	if room.Members, err = scanStrings(rows); err != nil {
		return nil, err
	}

	return room, nil
}

func (s *SQLiteStore) FindDirectRoom(ctx context.Context, userA, userB string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id FROM rooms r
		WHERE r.type = 'DIRECT'
		  AND (SELECT COUNT(*) FROM room_members m WHERE m.room_id = r.id) = 2
		  AND EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = r.id AND m.user_id = ?)
		  AND EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = r.id AND m.user_id = ?)
		LIMIT 1
	`, userA, userB).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("find direct room: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) AddMember(ctx context.Context, roomID, userID string) error {
	if err := s.roomExists(ctx, roomID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := s.roomExists(ctx, roomID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM room_members WHERE room_id = ? AND user_id = ?
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, roomType domain.RoomType, name string, members []string) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create room: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, type, name, created_at) VALUES (?, ?, ?, ?)
	`, id, string(roomType), name, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert room: %w", err)
	}

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)
		`, id, m); err != nil {
			return "", fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create room: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) Append(ctx context.Context, msg domain.NewMessage) (*domain.Message, error) {
	stored := &domain.Message{
		ID:        uuid.NewString(),
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: time.Now().UTC(),
		Sequence:  msg.Sequence,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.RoomID, stored.SenderID, stored.Content, stored.Sequence, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	return stored, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, content, sequence, created_at FROM (
			SELECT * FROM messages WHERE room_id = ? ORDER BY sequence DESC LIMIT ?
		) ORDER BY sequence ASC
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	index := make(map[string]int)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		index[m.ID] = len(messages)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	reactionRows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji FROM reactions
		WHERE message_id IN (
			SELECT id FROM messages WHERE room_id = ? ORDER BY sequence DESC LIMIT ?
		)
		ORDER BY id
	`, roomID, limit)
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
		if i, ok := index[messageID]; ok {
			messages[i].Reactions = append(messages[i].Reactions, r)
		}
	}

	return messages, reactionRows.Err()
}

func (s *SQLiteStore) React(ctx context.Context, messageID, userID, emoji string) error {
	if err := s.messageExists(ctx, messageID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin react: %w", err)
	}
	defer tx.Rollback()

	// Re-inserting moves the reaction to the end of the emoji order.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = ? AND user_id = ?
	`, messageID, userID); err != nil {
		return fmt.Errorf("replace reaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji) VALUES (?, ?, ?)
	`, messageID, userID, emoji); err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Unreact(ctx context.Context, messageID, userID, emoji string) error {
	if err := s.messageExists(ctx, messageID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?
	`, messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) roomExists(ctx context.Context, roomID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return err
}

func (s *SQLiteStore) messageExists(ctx context.Context, messageID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrMessageNotFound.WithDetails(messageID)
	}
	return err
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

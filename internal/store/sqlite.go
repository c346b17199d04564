package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	ErrNotFound = errors.New("not found")
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        title TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS prompts (
        role TEXT PRIMARY KEY CHECK (role IN ('system', 'user')),
        content TEXT NOT NULL,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS uploads (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        filename TEXT NOT NULL,
        path TEXT NOT NULL,
        index_name TEXT NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'done', 'failed')),
        row_count INTEGER DEFAULT 0,
        chunk_count INTEGER DEFAULT 0,
        error TEXT DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS interactions (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        ttft_ms INTEGER DEFAULT 0,
        elapsed_ms INTEGER DEFAULT 0,
        cached BOOLEAN DEFAULT FALSE,
        negative_feedback BOOLEAN DEFAULT FALSE,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.Exec("INSERT INTO users (external_user_id, password_hash) VALUES (?, ?)", externalUserID, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getUserByID(id)
}

func (s *SQLiteStore) getUserByID(id int64) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Chat methods
func (s *SQLiteStore) CreateChat(userID int64, title *string) (*Chat, error) {
	chatID := uuid.NewString()
	now := time.Now()
	_, err := s.db.Exec("INSERT INTO chats (id, user_id, title, created_at) VALUES (?, ?, ?, ?)", chatID, userID, title, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	return &Chat{ID: chatID, UserID: userID, Title: title, CreatedAt: now}, nil
}

// GetChatByID returns nil when the chat does not exist or belongs to another user.
func (s *SQLiteStore) GetChatByID(chatID string, userID int64) (*Chat, error) {
	var chat Chat
	var title sql.NullString
	err := s.db.QueryRow("SELECT id, user_id, title, created_at FROM chats WHERE id = ? AND user_id = ?", chatID, userID).Scan(&chat.ID, &chat.UserID, &title, &chat.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	if title.Valid {
		chat.Title = &title.String
	}
	return &chat, nil
}

func (s *SQLiteStore) GetChatsByUserID(userID int64) ([]Chat, error) {
	rows, err := s.db.Query("SELECT id, user_id, title, created_at FROM chats WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var chat Chat
		var title sql.NullString
		if err := rows.Scan(&chat.ID, &chat.UserID, &title, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		if title.Valid {
			chat.Title = &title.String
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) UpdateChatTitle(chatID string, userID int64, title string) error {
	res, err := s.db.Exec("UPDATE chats SET title = ? WHERE id = ? AND user_id = ?", title, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to update chat title: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// Prompt methods
func (s *SQLiteStore) GetPrompt(role string) (*Prompt, error) {
	var p Prompt
	err := s.db.QueryRow("SELECT role, content, updated_at FROM prompts WHERE role = ?", role).Scan(&p.Role, &p.Content, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get prompt %s: %w", role, err)
	}
	return &p, nil
}

func (s *SQLiteStore) ListPrompts() ([]Prompt, error) {
	rows, err := s.db.Query("SELECT role, content, updated_at FROM prompts ORDER BY role")
	if err != nil {
		return nil, fmt.Errorf("failed to query prompts: %w", err)
	}
	defer rows.Close()

	prompts := []Prompt{}
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.Role, &p.Content, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt row: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

func (s *SQLiteStore) UpsertPrompt(role, content string) (*Prompt, error) {
	now := time.Now()
	_, err := s.db.Exec(`
        INSERT INTO prompts (role, content, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(role) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		role, content, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert prompt %s: %w", role, err)
	}
	return &Prompt{Role: role, Content: content, UpdatedAt: now}, nil
}

// InsertPromptIfMissing seeds a prompt without overwriting user edits.
func (s *SQLiteStore) InsertPromptIfMissing(role, content string) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO prompts (role, content, updated_at) VALUES (?, ?, ?)", role, content, time.Now())
	if err != nil {
		return fmt.Errorf("failed to seed prompt %s: %w", role, err)
	}
	return nil
}

// Upload methods
const uploadColumns = "id, user_id, filename, path, index_name, status, row_count, chunk_count, error, created_at, updated_at"

func (s *SQLiteStore) CreateUpload(u *Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = UploadPending
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt

	_, err := s.db.Exec("INSERT INTO uploads ("+uploadColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		u.ID, u.UserID, u.Filename, u.Path, u.IndexName, u.Status, u.Rows, u.Chunks, u.Error, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateUpload(u *Upload) error {
	u.UpdatedAt = time.Now()
	res, err := s.db.Exec("UPDATE uploads SET status = ?, row_count = ?, chunk_count = ?, error = ?, updated_at = ? WHERE id = ?",
		u.Status, u.Rows, u.Chunks, u.Error, u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf("failed to update upload: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("upload %s: %w", u.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetUpload(id string) (*Upload, error) {
	row := s.db.QueryRow("SELECT "+uploadColumns+" FROM uploads WHERE id = ?", id)
	u, err := scanUpload(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ListUploads() ([]Upload, error) {
	rows, err := s.db.Query("SELECT " + uploadColumns + " FROM uploads ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	uploads := []Upload{}
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload row: %w", err)
		}
		uploads = append(uploads, *u)
	}
	return uploads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(r rowScanner) (*Upload, error) {
	var u Upload
	err := r.Scan(&u.ID, &u.UserID, &u.Filename, &u.Path, &u.IndexName, &u.Status, &u.Rows, &u.Chunks, &u.Error, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Interaction methods
func (s *SQLiteStore) CreateInteraction(in *Interaction) error {
	in.ID = uuid.NewString()
	in.CreatedAt = time.Now()

	_, err := s.db.Exec(`INSERT INTO interactions
        (id, chat_id, question, answer, ttft_ms, elapsed_ms, cached, negative_feedback, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ChatID, in.Question, in.Answer, in.TTFTMillis, in.ElapsedMillis, in.Cached, in.NegativeFeedback, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

// GetInteractionsByChatID returns the latest limit interactions of a chat, oldest first.
func (s *SQLiteStore) GetInteractionsByChatID(chatID string, limit int) ([]Interaction, error) {
	rows, err := s.db.Query(`
        SELECT id, chat_id, question, answer, ttft_ms, elapsed_ms, cached, negative_feedback, created_at
        FROM (
            SELECT rowid AS seq, id, chat_id, question, answer, ttft_ms, elapsed_ms, cached, negative_feedback, created_at
            FROM interactions
            WHERE chat_id = ?
            ORDER BY created_at DESC, seq DESC
            LIMIT ?
        )
        ORDER BY created_at ASC, seq ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	interactions := []Interaction{}
	for rows.Next() {
		var in Interaction
		if err := rows.Scan(&in.ID, &in.ChatID, &in.Question, &in.Answer, &in.TTFTMillis, &in.ElapsedMillis, &in.Cached, &in.NegativeFeedback, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction row: %w", err)
		}
		interactions = append(interactions, in)
	}
	return interactions, rows.Err()
}

// UpdateInteractionFeedback only touches interactions of chats owned by userID.
func (s *SQLiteStore) UpdateInteractionFeedback(interactionID string, userID int64, negative bool) error {
	res, err := s.db.Exec(`
        UPDATE interactions SET negative_feedback = ?
        WHERE id = ? AND chat_id IN (SELECT id FROM chats WHERE user_id = ?)`,
		negative, interactionID, userID)
	if err != nil {
		return fmt.Errorf("failed to update feedback: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("interaction %s: %w", interactionID, ErrNotFound)
	}
	return nil
}

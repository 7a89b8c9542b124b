package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Broadcast is the recipient value addressing the global feed.
const Broadcast = "all"

// FilePrefix marks a message body as a pointer to an uploaded blob.
const FilePrefix = "[file]"

const (
	MinFetchLimit = 1
	MaxFetchLimit = 500
)

// Message is one row of the append-only messages log. Rows are ordered by
// (created_at, id); created_at has second resolution so ties are expected.
type Message struct {
	ID         int64  `db:"id"`
	Sender     string `db:"sender"`
	SenderName string `db:"sender_name"`
	Recipient  string `db:"recipient"`
	Text       string `db:"text"`
	Created    int64  `db:"created_at"`
}

// CreatedAt returns the creation stamp as a time.
func (m Message) CreatedAt() time.Time {
	return time.Unix(m.Created, 0).UTC()
}

// IsBroadcast reports whether the message targets the global feed.
func (m Message) IsBroadcast() bool {
	return m.Recipient == Broadcast
}

// IsFile reports whether the body references an uploaded file.
func (m Message) IsFile() bool {
	return strings.HasPrefix(m.Text, FilePrefix)
}

// FileName returns the stored blob name for file messages.
func (m Message) FileName() string {
	if !m.IsFile() {
		return ""
	}
	return strings.TrimPrefix(m.Text, FilePrefix)
}

// FileBody builds the body marker for an uploaded blob.
func FileBody(name string) string {
	return FilePrefix + name
}

// ClampLimit bounds a fetch size to [MinFetchLimit, MaxFetchLimit].
func ClampLimit(limit int) int {
	if limit < MinFetchLimit {
		return MinFetchLimit
	}
	if limit > MaxFetchLimit {
		return MaxFetchLimit
	}
	return limit
}

const messageColumns = `m.id, m.sender, COALESCE(u.username, '') AS sender_name, m.recipient, m.text, m.created_at`

// AppendMessage validates and durably stores a message, returning the stored row.
func (s *Store) AppendMessage(ctx context.Context, sender, recipient, text string) (Message, error) {
	if err := requireNonBlank(map[string]string{"sender": sender, "recipient": recipient, "text": text}); err != nil {
		return Message{}, err
	}
	msg := Message{
		Sender:    strings.TrimSpace(sender),
		Recipient: strings.TrimSpace(recipient),
		Text:      text,
		Created:   s.now().Unix(),
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(sender, recipient, text, created_at) VALUES(?, ?, ?, ?)`,
		msg.Sender, msg.Recipient, msg.Text, msg.Created)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if msg.ID, err = result.LastInsertId(); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// FetchBroadcast returns the newest limit messages of the global feed, oldest first.
func (s *Store) FetchBroadcast(ctx context.Context, limit int) ([]Message, error) {
	query := `SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages m LEFT JOIN users u ON u.id = m.sender
			WHERE m.recipient = ?
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`
	messages := []Message{}
	if err := s.db.SelectContext(ctx, &messages, query, Broadcast, ClampLimit(limit)); err != nil {
		return nil, fmt.Errorf("fetch broadcast: %w", err)
	}
	return messages, nil
}

// FetchDialog returns the newest limit messages exchanged between a and b in
// either direction, oldest first.
func (s *Store) FetchDialog(ctx context.Context, a, b string, limit int) ([]Message, error) {
	query := `SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages m LEFT JOIN users u ON u.id = m.sender
			WHERE (m.sender = ? AND m.recipient = ?) OR (m.sender = ? AND m.recipient = ?)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`
	messages := []Message{}
	if err := s.db.SelectContext(ctx, &messages, query, a, b, b, a, ClampLimit(limit)); err != nil {
		return nil, fmt.Errorf("fetch dialog: %w", err)
	}
	return messages, nil
}

// FetchForUser returns every message the user sent or received, by id.
func (s *Store) FetchForUser(ctx context.Context, userID string) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m LEFT JOIN users u ON u.id = m.sender
		WHERE m.sender = ? OR m.recipient = ?
		ORDER BY m.id ASC`
	messages := []Message{}
	if err := s.db.SelectContext(ctx, &messages, query, userID, userID); err != nil {
		return nil, fmt.Errorf("fetch for user: %w", err)
	}
	return messages, nil
}

// ResetMessages deletes every message atomically.
func (s *Store) ResetMessages(ctx context.Context) error {
	return s.deleteAll(ctx, "messages")
}

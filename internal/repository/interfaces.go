package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lalith-99/huddle/internal/models"
)

// Every method takes a context and returns nil, nil for a lookup that
// finds nothing. Services translate that into a not_found error kind.

// ErrDuplicate is returned when a unique key (such as the canonical pair of
// a direct conversation) already exists.
var ErrDuplicate = errors.New("duplicate key")

// UserRepository is the read side of the external user directory, plus the
// signup path that populates it.
type UserRepository interface {
	// Create inserts a user whose ID is already normalized.
	Create(ctx context.Context, user *models.User) (*models.User, error)

	GetByID(ctx context.Context, userID string) (*models.User, error)

	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// ListByIDs returns the users that exist among ids, in no particular order.
	ListByIDs(ctx context.Context, userIDs []string) ([]models.User, error)
}

// ConversationRepository owns conversation metadata, membership and the
// per-user flags table.
type ConversationRepository interface {
	// Create inserts the conversation with its members and a zeroed flags
	// row per member. Returns ErrDuplicate if DirectKey is taken.
	Create(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)

	// GetByID returns the conversation with its members loaded.
	GetByID(ctx context.Context, conversationID string) (*models.Conversation, error)

	// FindDirect looks a direct conversation up by its canonical pair key.
	FindDirect(ctx context.Context, directKey string) (*models.Conversation, error)

	// ListForUser returns every conversation userID belongs to, with the
	// caller's flags folded in, newest activity first. Title is left empty.
	ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error)

	UpdateDetails(ctx context.Context, conversationID, name, description, iconMediaID string) error

	// AddMembers inserts members that are not already present.
	AddMembers(ctx context.Context, conversationID string, members []models.Member) error

	RemoveMembers(ctx context.Context, conversationID string, userIDs []string) error

	SetRoles(ctx context.Context, conversationID, userID string, roles models.RoleSet) error

	// Delete removes the conversation, its members, flags, messages and
	// receipts. Media blobs are kept.
	Delete(ctx context.Context, conversationID string) error

	// GetFlags returns zero-valued flags when no row exists.
	GetFlags(ctx context.Context, conversationID, userID string) (*models.Flags, error)

	SetMuted(ctx context.Context, conversationID, userID string, muted bool) error

	SetHidden(ctx context.Context, conversationID, userID string, hidden bool) error

	// MarkReadUpTo raises last_read_seq to seq (never lowers it) and
	// recomputes the unread count from messages after it.
	MarkReadUpTo(ctx context.Context, conversationID, userID string, seq int64) (*models.Flags, error)
}

// Page selects messages strictly older than a cursor. A zero cursor means
// "from the newest".
type Page struct {
	BeforeSeq  int64
	BeforeTime time.Time
	Limit      int
}

// MessageRepository is the append-only message log with receipts.
type MessageRepository interface {
	// Append assigns ID and Seq, persists msg with status sent, advances the
	// conversation summary, and for each recipient creates a sent receipt,
	// bumps unread and clears hidden.
	Append(ctx context.Context, msg *models.Message, recipients []string) (*models.Message, error)

	GetByID(ctx context.Context, messageID int64) (*models.Message, error)

	// ListBefore returns messages older than the page cursor, newest first.
	ListBefore(ctx context.Context, conversationID string, page Page) ([]models.Message, error)

	// ListAfter returns messages with seq > afterSeq, oldest first.
	ListAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error)

	UpdateText(ctx context.Context, messageID int64, text string, editedAt time.Time) error

	// MarkDeleted tombstones the message body and sets deleted_at.
	MarkDeleted(ctx context.Context, messageID int64, deletedAt time.Time) error

	// AdvanceReceipts moves userID's receipts for messageIDs forward to
	// status and returns the messages whose aggregate status advanced.
	AdvanceReceipts(ctx context.Context, userID string, messageIDs []int64, status models.MessageStatus) ([]models.StatusChange, error)

	Receipts(ctx context.Context, messageID int64) ([]models.Receipt, error)
}

// MediaRepository stores blob metadata. The bytes live in media storage.
type MediaRepository interface {
	Create(ctx context.Context, blob *models.MediaBlob) error

	GetByID(ctx context.Context, mediaID string) (*models.MediaBlob, error)

	AttachMessage(ctx context.Context, mediaID string, messageID int64) error

	Delete(ctx context.Context, mediaID string) error
}

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

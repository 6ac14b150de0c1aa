package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/huddle/internal/models"
)

const conversationColumns = `c.id, c.kind, c.direct_key, c.name, c.description, c.icon_media_id,
	c.created_by, c.created_at, c.last_seq, c.last_message_text, c.last_sender_id, c.last_message_time`

type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

// scanConversation reads conversationColumns followed by extra.
func scanConversation(row pgx.Row, extra ...any) (*models.Conversation, error) {
	var (
		c         models.Conversation
		kind      string
		directKey *string
	)
	dest := append([]any{
		&c.ID, &kind, &directKey, &c.Name, &c.Description, &c.IconMediaID,
		&c.CreatedBy, &c.CreatedAt, &c.LastSeq, &c.LastMessageText, &c.LastSenderID, &c.LastMessageTime,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Kind = models.ConversationKind(kind)
	c.DirectKey = deref(directKey)
	return &c, nil
}

// Create inserts the conversation, its members and a zeroed flags row per
// member in one transaction.
func (s *ConversationStore) Create(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := exec(ctx, tx, psql.Insert("conversations").
			Columns("id", "kind", "direct_key", "name", "description", "icon_media_id", "created_by", "created_at").
			Values(conv.ID, string(conv.Kind), nullString(conv.DirectKey), conv.Name, conv.Description,
				conv.IconMediaID, conv.CreatedBy, sq.Expr("COALESCE(?, now())", nullTime(conv.CreatedAt))))
		if err != nil {
			return translate(err)
		}
		return insertMembers(ctx, tx, conv.ID, conv.Members)
	})
	if err != nil {
		return nil, fmt.Errorf("insert conversation %s: %w", conv.ID, err)
	}
	return s.GetByID(ctx, conv.ID)
}

// insertMembers adds members that are not already present, each with a
// flags row.
func insertMembers(ctx context.Context, q querier, conversationID string, members []models.Member) error {
	if len(members) == 0 {
		return nil
	}
	ins := psql.Insert("conversation_members").Columns("conversation_id", "user_id", "roles", "joined_at")
	flags := psql.Insert("conversation_flags").Columns("conversation_id", "user_id")
	for _, m := range members {
		ins = ins.Values(conversationID, m.UserID, int16(m.Roles), sq.Expr("COALESCE(?, now())", nullTime(m.JoinedAt)))
		flags = flags.Values(conversationID, m.UserID)
	}
	if _, err := exec(ctx, q, ins.Suffix("ON CONFLICT (conversation_id, user_id) DO NOTHING")); err != nil {
		return fmt.Errorf("insert members: %w", err)
	}
	if _, err := exec(ctx, q, flags.Suffix("ON CONFLICT (conversation_id, user_id) DO NOTHING")); err != nil {
		return fmt.Errorf("insert flags: %w", err)
	}
	return nil
}

func (s *ConversationStore) GetByID(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return s.getOne(ctx, sq.Eq{"c.id": conversationID})
}

func (s *ConversationStore) FindDirect(ctx context.Context, directKey string) (*models.Conversation, error) {
	return s.getOne(ctx, sq.Eq{"c.direct_key": directKey})
}

func (s *ConversationStore) getOne(ctx context.Context, where sq.Sqlizer) (*models.Conversation, error) {
	sql, args, err := psql.Select(conversationColumns).From("conversations c").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	members, err := s.members(ctx, []string{conv.ID})
	if err != nil {
		return nil, err
	}
	conv.Members = members[conv.ID]
	return conv, nil
}

// members loads the member lists of several conversations in one query.
func (s *ConversationStore) members(ctx context.Context, ids []string) (map[string][]models.Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, user_id, roles, joined_at
		FROM conversation_members
		WHERE conversation_id = ANY($1)
		ORDER BY joined_at, user_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.Member, len(ids))
	for _, id := range ids {
		out[id] = []models.Member{}
	}
	for rows.Next() {
		var (
			convID string
			m      models.Member
			roles  int16
		)
		if err := rows.Scan(&convID, &m.UserID, &roles, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Roles = models.RoleSet(roles)
		out[convID] = append(out[convID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return out, nil
}

func (s *ConversationStore) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := query(ctx, s.pool, psql.
		Select(conversationColumns, "m.roles", "COALESCE(f.unread_count, 0)", "COALESCE(f.muted, false)", "COALESCE(f.hidden, false)").
		From("conversations c").
		Join("conversation_members m ON m.conversation_id = c.id AND m.user_id = ?", userID).
		LeftJoin("conversation_flags f ON f.conversation_id = c.id AND f.user_id = m.user_id").
		OrderBy("COALESCE(c.last_message_time, c.created_at) DESC", "c.id"))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]models.ConversationSummary, 0)
	ids := make([]string, 0)
	for rows.Next() {
		var (
			sum   models.ConversationSummary
			roles int16
		)
		conv, err := scanConversation(rows, &roles, &sum.UnreadCount, &sum.Muted, &sum.Hidden)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.Conversation = *conv
		sum.Admin = models.RoleSet(roles).Has(models.RoleAdmin)
		out = append(out, sum)
		ids = append(ids, conv.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	rows.Close()

	members, err := s.members(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Members = members[out[i].ID]
	}
	return out, nil
}

func (s *ConversationStore) UpdateDetails(ctx context.Context, conversationID, name, description, iconMediaID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET name = $2, description = $3, icon_media_id = $4
		WHERE id = $1`, conversationID, name, description, iconMediaID)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *ConversationStore) AddMembers(ctx context.Context, conversationID string, members []models.Member) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		return insertMembers(ctx, tx, conversationID, members)
	})
}

func (s *ConversationStore) RemoveMembers(ctx context.Context, conversationID string, userIDs []string) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = ANY($2)`,
			conversationID, userIDs); err != nil {
			return fmt.Errorf("remove members %s: %w", conversationID, err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM conversation_flags WHERE conversation_id = $1 AND user_id = ANY($2)`,
			conversationID, userIDs); err != nil {
			return fmt.Errorf("remove flags %s: %w", conversationID, err)
		}
		return nil
	})
}

func (s *ConversationStore) SetRoles(ctx context.Context, conversationID, userID string, roles models.RoleSet) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_members SET roles = $3
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, int16(roles))
	if err != nil {
		return fmt.Errorf("set roles %s/%s: %w", conversationID, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set roles %s/%s: not a member", conversationID, userID)
	}
	return nil
}

// Delete relies on ON DELETE CASCADE for members, flags, messages and
// receipts. media_blobs has no foreign key and survives.
func (s *ConversationStore) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}

const flagColumns = "conversation_id, user_id, muted, hidden, last_read_seq, unread_count"

func scanFlags(row pgx.Row) (*models.Flags, error) {
	var f models.Flags
	if err := row.Scan(&f.ConversationID, &f.UserID, &f.Muted, &f.Hidden, &f.LastReadSeq, &f.UnreadCount); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *ConversationStore) GetFlags(ctx context.Context, conversationID, userID string) (*models.Flags, error) {
	f, err := scanFlags(s.pool.QueryRow(ctx, `
		SELECT `+flagColumns+` FROM conversation_flags
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Flags{ConversationID: conversationID, UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flags: %w", err)
	}
	return f, nil
}

func (s *ConversationStore) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	return s.upsertFlag(ctx, "muted", conversationID, userID, muted)
}

func (s *ConversationStore) SetHidden(ctx context.Context, conversationID, userID string, hidden bool) error {
	return s.upsertFlag(ctx, "hidden", conversationID, userID, hidden)
}

func (s *ConversationStore) upsertFlag(ctx context.Context, column, conversationID, userID string, value bool) error {
	_, err := exec(ctx, s.pool, psql.Insert("conversation_flags").
		Columns("conversation_id", "user_id", column).
		Values(conversationID, userID, value).
		Suffix("ON CONFLICT (conversation_id, user_id) DO UPDATE SET "+column+" = EXCLUDED."+column))
	if err != nil {
		return fmt.Errorf("set %s %s/%s: %w", column, conversationID, userID, err)
	}
	return nil
}

// MarkReadUpTo never lowers last_read_seq, then recounts unread messages
// from other senders after it. System messages don't count.
func (s *ConversationStore) MarkReadUpTo(ctx context.Context, conversationID, userID string, seq int64) (*models.Flags, error) {
	f, err := scanFlags(s.pool.QueryRow(ctx, `
		INSERT INTO conversation_flags AS f (conversation_id, user_id, last_read_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET last_read_seq = GREATEST(f.last_read_seq, EXCLUDED.last_read_seq)
		RETURNING `+flagColumns, conversationID, userID, seq))
	if err != nil {
		return nil, fmt.Errorf("mark read %s/%s: %w", conversationID, userID, err)
	}

	f, err = scanFlags(s.pool.QueryRow(ctx, `
		UPDATE conversation_flags f SET unread_count = (
			SELECT count(*) FROM messages m
			WHERE m.conversation_id = f.conversation_id
			  AND m.seq > f.last_read_seq
			  AND m.sender_id <> f.user_id
			  AND m.kind <> 'system'
		)
		WHERE f.conversation_id = $1 AND f.user_id = $2
		RETURNING `+flagColumns, f.ConversationID, f.UserID))
	if err != nil {
		return nil, fmt.Errorf("recount unread %s/%s: %w", conversationID, userID, err)
	}
	return f, nil
}

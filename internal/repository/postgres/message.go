package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

const messageColumns = `id, conversation_id, seq, sender_id, kind, body, media_id, file_name, mime_type,
	size, reply_to, forwarded_from, status, created_at, edited_at, deleted_at`

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		m                 models.Message
		kind, status      string
		mediaID, fileName *string
		mimeType          *string
		size              *int64
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &kind, &m.Text,
		&mediaID, &fileName, &mimeType, &size, &m.ReplyTo, &m.ForwardedFrom,
		&status, &m.CreatedAt, &m.EditedAt, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	m.Kind = models.MessageKind(kind)
	m.Status = models.MessageStatus(status)
	if mediaID != nil {
		m.Media = &models.MediaDescriptor{
			MediaID:  *mediaID,
			FileName: deref(fileName),
			MimeType: deref(mimeType),
		}
		if size != nil {
			m.Media.Size = *size
		}
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows, limit int) ([]models.Message, error) {
	defer rows.Close()

	out := make([]models.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// Append takes the next seq by bumping conversations.last_seq, which also
// row-locks the conversation until the transaction commits.
func (s *MessageStore) Append(ctx context.Context, msg *models.Message, recipients []string) (*models.Message, error) {
	var out *models.Message
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var seq int64
		err := tx.QueryRow(ctx, `
			UPDATE conversations SET last_seq = last_seq + 1
			WHERE id = $1
			RETURNING last_seq`, msg.ConversationID).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("conversation %s not found", msg.ConversationID)
		}
		if err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		ins := psql.Insert("messages").
			Columns("conversation_id", "seq", "sender_id", "kind", "body", "media_id", "file_name",
				"mime_type", "size", "reply_to", "forwarded_from", "status", "created_at").
			Suffix("RETURNING " + messageColumns)
		if msg.Media != nil {
			ins = ins.Values(msg.ConversationID, seq, msg.SenderID, string(msg.Kind), msg.Text,
				msg.Media.MediaID, msg.Media.FileName, msg.Media.MimeType, msg.Media.Size,
				msg.ReplyTo, msg.ForwardedFrom, string(models.StatusSent),
				sq.Expr("COALESCE(?, now())", nullTime(msg.CreatedAt)))
		} else {
			ins = ins.Values(msg.ConversationID, seq, msg.SenderID, string(msg.Kind), msg.Text,
				nil, nil, nil, nil, msg.ReplyTo, msg.ForwardedFrom, string(models.StatusSent),
				sq.Expr("COALESCE(?, now())", nullTime(msg.CreatedAt)))
		}
		sql, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		m, err := scanMessage(tx.QueryRow(ctx, sql, args...))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		// GREATEST ignores NULL, so the first message sets the time.
		if _, err := tx.Exec(ctx, `
			UPDATE conversations
			SET last_message_text = $2, last_sender_id = $3,
			    last_message_time = GREATEST(last_message_time, $4)
			WHERE id = $1`, m.ConversationID, m.Preview(), m.SenderID, m.CreatedAt); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}

		if len(recipients) > 0 {
			receipts := psql.Insert("message_receipts").Columns("message_id", "user_id", "status", "updated_at")
			flags := psql.Insert("conversation_flags AS f").Columns("conversation_id", "user_id", "unread_count")
			for _, uid := range recipients {
				receipts = receipts.Values(m.ID, uid, string(models.StatusSent), m.CreatedAt)
				flags = flags.Values(m.ConversationID, uid, 1)
			}
			if _, err := exec(ctx, tx, receipts); err != nil {
				return fmt.Errorf("insert receipts: %w", err)
			}
			flags = flags.Suffix(`ON CONFLICT (conversation_id, user_id)
				DO UPDATE SET unread_count = f.unread_count + 1, hidden = false`)
			if _, err := exec(ctx, tx, flags); err != nil {
				return fmt.Errorf("bump unread: %w", err)
			}
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return out, nil
}

func (s *MessageStore) GetByID(ctx context.Context, messageID int64) (*models.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *MessageStore) ListBefore(ctx context.Context, conversationID string, page repository.Page) ([]models.Message, error) {
	q := psql.Select(messageColumns).From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("seq DESC").
		Limit(uint64(page.Limit))
	if page.BeforeSeq > 0 {
		q = q.Where(sq.Lt{"seq": page.BeforeSeq})
	}
	if !page.BeforeTime.IsZero() {
		q = q.Where(sq.Lt{"created_at": page.BeforeTime})
	}
	rows, err := query(ctx, s.pool, q)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows, page.Limit)
}

func (s *MessageStore) ListAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]models.Message, error) {
	rows, err := query(ctx, s.pool, psql.Select(messageColumns).From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		Where(sq.Gt{"seq": afterSeq}).
		OrderBy("seq").
		Limit(uint64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list messages since %d: %w", afterSeq, err)
	}
	return collectMessages(rows, limit)
}

func (s *MessageStore) UpdateText(ctx context.Context, messageID int64, text string, editedAt time.Time) error {
	return s.rewrite(ctx, messageID, psql.Update("messages").
		Set("body", text).
		Set("edited_at", editedAt).
		Where(sq.Eq{"id": messageID}))
}

func (s *MessageStore) MarkDeleted(ctx context.Context, messageID int64, deletedAt time.Time) error {
	return s.rewrite(ctx, messageID, psql.Update("messages").
		Set("body", models.TombstoneText).
		Set("deleted_at", deletedAt).
		Where(sq.Eq{"id": messageID}))
}

// rewrite applies upd and refreshes the conversation preview when the
// message is the latest one.
func (s *MessageStore) rewrite(ctx context.Context, messageID int64, upd sq.UpdateBuilder) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		sql, args, err := upd.Suffix("RETURNING " + messageColumns).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		m, err := scanMessage(tx.QueryRow(ctx, sql, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update message %d: not found", messageID)
		}
		if err != nil {
			return fmt.Errorf("update message %d: %w", messageID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET last_message_text = $3
			WHERE id = $1 AND last_seq = $2`, m.ConversationID, m.Seq, m.Preview()); err != nil {
			return fmt.Errorf("refresh summary: %w", err)
		}
		return nil
	})
}

// below lists the statuses that rank under status.
func below(status models.MessageStatus) []string {
	out := make([]string, 0, 2)
	for _, s := range []models.MessageStatus{models.StatusSent, models.StatusDelivered, models.StatusRead} {
		if s.Rank() < status.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}

// AdvanceReceipts locks the affected messages first so concurrent readers
// of the same message see each other's receipts when aggregating.
//
// Without the FOR UPDATE, two recipients reading the last unread copy at
// the same moment would each update their own receipt, each aggregate
// before seeing the other's row, and both conclude the message is still
// delivered. The sender would then never get the read tick. Rows are
// locked in id order so two batches over overlapping ids cannot deadlock.
func (s *MessageStore) AdvanceReceipts(ctx context.Context, userID string, messageIDs []int64, status models.MessageStatus) ([]models.StatusChange, error) {
	changes := make([]models.StatusChange, 0)
	if len(messageIDs) == 0 {
		return changes, nil
	}
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		type head struct {
			conversationID, senderID string
			status                   models.MessageStatus
		}
		heads := make(map[int64]head, len(messageIDs))
		rows, err := tx.Query(ctx, `
			SELECT id, conversation_id, sender_id, status FROM messages
			WHERE id = ANY($1)
			ORDER BY id
			FOR UPDATE`, messageIDs)
		if err != nil {
			return fmt.Errorf("lock messages: %w", err)
		}
		for rows.Next() {
			var (
				id int64
				h  head
				st string
			)
			if err := rows.Scan(&id, &h.conversationID, &h.senderID, &st); err != nil {
				rows.Close()
				return fmt.Errorf("scan message: %w", err)
			}
			h.status = models.MessageStatus(st)
			heads[id] = h
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate messages: %w", err)
		}

		rows, err = tx.Query(ctx, `
			UPDATE message_receipts SET status = $3, updated_at = now()
			WHERE message_id = ANY($1) AND user_id = $2 AND status = ANY($4)
			RETURNING message_id`, messageIDs, userID, string(status), below(status))
		if err != nil {
			return fmt.Errorf("advance receipts: %w", err)
		}
		moved := make([]int64, 0, len(messageIDs))
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan receipt: %w", err)
			}
			moved = append(moved, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate receipts: %w", err)
		}
		if len(moved) == 0 {
			return nil
		}

		rows, err = tx.Query(ctx, `
			SELECT message_id, status FROM message_receipts
			WHERE message_id = ANY($1)`, moved)
		if err != nil {
			return fmt.Errorf("aggregate receipts: %w", err)
		}
		statuses := make(map[int64][]models.MessageStatus, len(moved))
		for rows.Next() {
			var (
				id int64
				st string
			)
			if err := rows.Scan(&id, &st); err != nil {
				rows.Close()
				return fmt.Errorf("scan receipt: %w", err)
			}
			statuses[id] = append(statuses[id], models.MessageStatus(st))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate receipts: %w", err)
		}

		movedSet := make(map[int64]struct{}, len(moved))
		for _, id := range moved {
			movedSet[id] = struct{}{}
		}
		for _, id := range messageIDs {
			if _, ok := movedSet[id]; !ok {
				continue
			}
			delete(movedSet, id)
			h := heads[id]
			agg := models.MinStatus(statuses[id])
			if agg.Rank() <= h.status.Rank() {
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, id, string(agg)); err != nil {
				return fmt.Errorf("update message status %d: %w", id, err)
			}
			changes = append(changes, models.StatusChange{
				MessageID:      id,
				ConversationID: h.conversationID,
				SenderID:       h.senderID,
				Status:         agg,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *MessageStore) Receipts(ctx context.Context, messageID int64) ([]models.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, user_id, status, updated_at FROM message_receipts
		WHERE message_id = $1
		ORDER BY user_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Receipt, 0)
	for rows.Next() {
		var (
			r  models.Receipt
			st string
		)
		if err := rows.Scan(&r.MessageID, &r.UserID, &st, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.Status = models.MessageStatus(st)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return out, nil
}

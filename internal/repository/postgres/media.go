package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/huddle/internal/models"
)

type MediaStore struct {
	pool *pgxpool.Pool
}

func NewMediaStore(pool *pgxpool.Pool) *MediaStore {
	return &MediaStore{pool: pool}
}

func (s *MediaStore) Create(ctx context.Context, blob *models.MediaBlob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO media_blobs (id, conversation_id, uploader_id, file_name, mime_type, size, storage_key, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))`,
		blob.ID, blob.ConversationID, blob.UploaderID, blob.FileName, blob.MimeType,
		blob.Size, blob.StorageKey, blob.MessageID, nullTime(blob.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert media %s: %w", blob.ID, translate(err))
	}
	return nil
}

func (s *MediaStore) GetByID(ctx context.Context, mediaID string) (*models.MediaBlob, error) {
	var b models.MediaBlob
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, uploader_id, file_name, mime_type, size, storage_key, message_id, created_at
		FROM media_blobs WHERE id = $1`, mediaID).Scan(
		&b.ID, &b.ConversationID, &b.UploaderID, &b.FileName, &b.MimeType,
		&b.Size, &b.StorageKey, &b.MessageID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get media: %w", err)
	}
	return &b, nil
}

// AttachMessage records the first message a blob was sent in. Later
// calls leave it unchanged.
func (s *MediaStore) AttachMessage(ctx context.Context, mediaID string, messageID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_blobs SET message_id = COALESCE(message_id, $2)
		WHERE id = $1`, mediaID, messageID)
	if err != nil {
		return fmt.Errorf("attach media %s: %w", mediaID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attach media %s: not found", mediaID)
	}
	return nil
}

func (s *MediaStore) Delete(ctx context.Context, mediaID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM media_blobs WHERE id = $1`, mediaID); err != nil {
		return fmt.Errorf("delete media %s: %w", mediaID, err)
	}
	return nil
}

package models

import "time"

// MediaBlob is an uploaded file. It is created only after its bytes are
// fully stored and outlives the message that references it.
type MediaBlob struct {
	ID             string    `json:"media_id"`
	ConversationID string    `json:"conversation_id"`
	UploaderID     string    `json:"uploader_id"`
	FileName       string    `json:"file_name"`
	MimeType       string    `json:"mime_type"`
	Size           int64     `json:"size"`
	StorageKey     string    `json:"-"`
	MessageID      *int64    `json:"message_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (b *MediaBlob) Descriptor() *MediaDescriptor {
	return &MediaDescriptor{
		MediaID:  b.ID,
		FileName: b.FileName,
		MimeType: b.MimeType,
		Size:     b.Size,
	}
}

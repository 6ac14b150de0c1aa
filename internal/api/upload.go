package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/media"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/middleware"
	"github.com/lalith-99/huddle/internal/models"
)

// multipartSlack covers part headers and boundaries on top of the file
// bytes when capping the request body.
const multipartSlack = 64 << 10

// MediaHandler runs both phases of a media send over HTTP and serves
// downloads.
type MediaHandler struct {
	media    *media.Service
	msgs     *messaging.Service
	maxBytes int64
	logger   *zap.Logger
}

func NewMediaHandler(svc *media.Service, msgs *messaging.Service, maxBytes int64, logger *zap.Logger) *MediaHandler {
	return &MediaHandler{media: svc, msgs: msgs, maxBytes: maxBytes, logger: logger}
}

type uploadResponse struct {
	TempID    string `json:"temp_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	MediaID   string `json:"media_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
}

// uploadForm collects the text fields seen so far. Parts are read as a
// stream, so fields must precede the file part they apply to.
type uploadForm struct {
	conversationID string
	senderID       string
	tempID         string
	caption        string
	size           int64
	send           bool
}

// Upload handles POST /v1/upload
//
// Multipart fields: conversation_id, sender_id (optional, must match the
// token), temp_id, caption, size, send=false, then one or more file parts.
// Each file is streamed to storage (phase A) and then sent as a message
// (phase B) unless send=false, which only stores the blob, e.g. for a
// group icon. One file answers with an object, several with an array.
func (h *MediaHandler) Upload(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartSlack)
	}
	mr, err := c.Request.MultipartReader()
	if err != nil {
		badRequest(c, "expected multipart/form-data")
		return
	}

	userID := middleware.GetUserID(c)
	form := uploadForm{send: true}
	var out []uploadResponse

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(c, h.logger, partError(err))
			return
		}

		if part.FileName() == "" {
			if err := form.set(part); err != nil {
				part.Close()
				writeError(c, h.logger, err)
				return
			}
			part.Close()
			continue
		}

		resp, err := h.handleFile(c, userID, &form, part)
		part.Close()
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		out = append(out, *resp)
		// A temp_id names one bubble; the next file needs its own.
		form.tempID = ""
		form.size = 0
	}

	switch len(out) {
	case 0:
		badRequest(c, "file is required")
	case 1:
		c.JSON(http.StatusCreated, out[0])
	default:
		c.JSON(http.StatusCreated, out)
	}
}

func (h *MediaHandler) handleFile(c *gin.Context, userID string, form *uploadForm, part *multipart.Part) (*uploadResponse, error) {
	ctx := c.Request.Context()
	if form.conversationID == "" {
		return nil, apperr.New(apperr.InvalidRequest, "conversation_id must precede the file")
	}
	if form.senderID != "" && models.NormalizeUserID(form.senderID) != userID {
		return nil, apperr.New(apperr.Forbidden, "sender_id does not match the token")
	}

	blob, err := h.media.Upload(ctx, media.UploadRequest{
		ConversationID: form.conversationID,
		UploaderID:     userID,
		TempID:         form.tempID,
		FileName:       part.FileName(),
		Size:           h.declaredSize(c, form),
		Body:           part,
	})
	if err != nil {
		return nil, err
	}
	resp := &uploadResponse{
		TempID:   form.tempID,
		MediaID:  blob.ID,
		FileName: blob.FileName,
		MimeType: blob.MimeType,
	}
	if !form.send {
		return resp, nil
	}

	res, err := h.msgs.Send(ctx, messaging.SendRequest{
		ConversationID: form.conversationID,
		SenderID:       userID,
		Kind:           models.MediaKindFor(blob.MimeType),
		Text:           form.caption,
		TempID:         form.tempID,
		Media:          blob.Descriptor(),
	})
	if err != nil {
		// Phase B failed: drop the blob so nothing orphaned is left behind.
		h.media.Discard(ctx, blob)
		return nil, err
	}
	resp.MessageID = res.Message.ID
	if res.Duplicate {
		// A retried temp_id resolves to the message already sent. Its
		// media is the one clients must see; the bytes just stored
		// belong to nothing.
		h.media.Discard(ctx, blob)
		if m := res.Message.Media; m != nil {
			resp.MediaID = m.MediaID
			resp.FileName = m.FileName
			resp.MimeType = m.MimeType
		}
	}
	return resp, nil
}

// declaredSize drives progress reporting. An explicit size field wins;
// otherwise the request length stands in, clamped so multipart overhead
// never trips the early size check.
func (h *MediaHandler) declaredSize(c *gin.Context, form *uploadForm) int64 {
	if form.size > 0 {
		return form.size
	}
	n := c.Request.ContentLength
	if h.maxBytes > 0 && n > h.maxBytes {
		n = h.maxBytes
	}
	return n
}

func (f *uploadForm) set(part *multipart.Part) error {
	raw, err := io.ReadAll(io.LimitReader(part, 4<<10))
	if err != nil {
		return partError(err)
	}
	value := string(raw)
	switch part.FormName() {
	case "conversation_id":
		f.conversationID = value
	case "sender_id":
		f.senderID = value
	case "temp_id":
		f.tempID = value
	case "caption", "message_text":
		f.caption = value
	case "size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return apperr.New(apperr.InvalidRequest, "invalid size")
		}
		f.size = n
	case "send":
		send, err := strconv.ParseBool(value)
		if err != nil {
			return apperr.New(apperr.InvalidRequest, "invalid send flag")
		}
		f.send = send
	}
	return nil
}

func partError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperr.Newf(apperr.PayloadTooLarge, "request exceeds %d bytes", maxErr.Limit)
	}
	return apperr.Wrap(apperr.InvalidRequest, err, "malformed multipart body")
}

// CancelUpload handles DELETE /v1/upload/:temp_id
func (h *MediaHandler) CancelUpload(c *gin.Context) {
	if !h.media.Cancel(middleware.GetUserID(c), c.Param("temp_id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no upload in progress", "kind": apperr.NotFound})
		return
	}
	c.Status(http.StatusNoContent)
}

// Download handles GET /v1/file-download/:media_id
func (h *MediaHandler) Download(c *gin.Context) {
	blob, rc, err := h.media.Download(c.Request.Context(), middleware.GetUserID(c), c.Param("media_id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Type", blob.MimeType)
	c.Header("Content-Disposition", media.ContentDisposition(blob.FileName))
	c.Header("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Writer, c.Request, "", blob.CreatedAt, rc)
}

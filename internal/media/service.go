// Package media implements the first phase of a media send: streaming the
// bytes to storage under a cancellable write handle, checking type and
// size, and recording the blob. The message itself is sent afterwards by
// the message pipeline.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/identity"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/realtime"
	"github.com/lalith-99/huddle/internal/repository"
)

const (
	sniffLen  = 512
	chunkSize = 32 << 10
)

var (
	errCancelledByClient = errors.New("cancelled by client")
	errUploaderOffline   = errors.New("uploader disconnected")
)

type Publisher interface {
	PublishUser(userID string, ev realtime.Event)
}

type Service struct {
	blobs    repository.MediaRepository
	store    BlobStore
	policy   *Policy
	registry *identity.Registry
	hub      Publisher
	clock    clockwork.Clock

	maxBytes int64
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[uploadKey]context.CancelCauseFunc
}

type Options struct {
	MaxBytes int64
	Timeout  time.Duration
	Clock    clockwork.Clock
}

type uploadKey struct {
	userID string
	tempID string
}

func NewService(
	blobs repository.MediaRepository,
	store BlobStore,
	policy *Policy,
	registry *identity.Registry,
	hub Publisher,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Service{
		blobs:    blobs,
		store:    store,
		policy:   policy,
		registry: registry,
		hub:      hub,
		clock:    opts.Clock,
		maxBytes: opts.MaxBytes,
		timeout:  opts.Timeout,
		logger:   logger.Named("media"),
		inflight: make(map[uploadKey]context.CancelCauseFunc),
	}
}

type UploadRequest struct {
	ConversationID string
	UploaderID     string
	// TempID names the optimistic bubble; it is what cancel_upload refers to.
	TempID   string
	FileName string
	// Size is the declared length, or <= 0 when unknown. It only drives
	// progress reporting; the cap is enforced on the bytes actually read.
	Size int64
	Body io.Reader
}

// Upload streams req.Body to storage and records the blob. Nothing is
// persisted unless every byte arrived: on cancel, timeout, policy failure
// or read error the partial file is removed and no blob row exists.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.MediaBlob, error) {
	req.UploaderID = models.NormalizeUserID(req.UploaderID)
	req.FileName = cleanFileName(req.FileName)
	if req.Body == nil {
		return nil, apperr.New(apperr.InvalidRequest, "file is required")
	}
	if req.TempID != "" && !models.ValidTempID(req.TempID) {
		return nil, apperr.Newf(apperr.InvalidRequest, "temp_id must start with %q", models.TempIDPrefix)
	}
	if s.maxBytes > 0 && req.Size > s.maxBytes {
		return nil, apperr.Newf(apperr.PayloadTooLarge, "file exceeds %d bytes", s.maxBytes)
	}
	if _, err := s.registry.AccessCheck(ctx, req.UploaderID, req.ConversationID, identity.ActionSend); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if req.TempID != "" {
		release, err := s.track(req.UploaderID, req.TempID, cancel)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	if s.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = clockwork.WithTimeout(ctx, s.clock, s.timeout)
		defer stop()
	}

	// The writer is a temp file until Commit renames it into place. The
	// deferred Abort runs on every return path: after a successful Commit
	// it is a no-op, and on cancel, timeout or a rejected MIME it deletes
	// the partial file. That way a half-written blob is never visible and
	// the blob row is only inserted once the bytes are final.
	w, err := s.store.Create()
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not store file")
	}
	defer func() {
		if err := w.Abort(); err != nil {
			s.logger.Warn("discard partial upload", zap.Error(err))
		}
	}()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(req.Body, head)
	switch {
	case errors.Is(err, io.EOF):
		return nil, apperr.New(apperr.InvalidRequest, "file is empty")
	case err != nil && !errors.Is(err, io.ErrUnexpectedEOF):
		return nil, s.readError(ctx, req, err)
	}
	head = head[:n]
	mime, ok := s.policy.Check(head)
	if !ok {
		return nil, apperr.Newf(apperr.UnsupportedMedia, "file type %s is not allowed", mime)
	}

	size, err := s.copy(ctx, w, req, head)
	if err != nil {
		return nil, err
	}

	key, err := w.Commit()
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "could not store file")
	}
	blob := &models.MediaBlob{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		UploaderID:     req.UploaderID,
		FileName:       req.FileName,
		MimeType:       mime,
		Size:           size,
		StorageKey:     key,
		CreatedAt:      s.clock.Now().UTC(),
	}
	if err := s.blobs.Create(ctx, blob); err != nil {
		if rerr := s.store.Remove(key); rerr != nil {
			s.logger.Warn("remove orphaned blob", zap.String("key", key), zap.Error(rerr))
		}
		return nil, apperr.Wrap(apperr.Transient, err, "could not record file")
	}

	s.logger.Info("media uploaded",
		zap.String("media_id", blob.ID),
		zap.String("conversation_id", blob.ConversationID),
		zap.String("mime_type", mime),
		zap.Int64("size", size),
	)
	return blob, nil
}

// copy writes head and the rest of the body to w, checking for
// cancellation between chunks and reporting progress in 10% steps.
func (s *Service) copy(ctx context.Context, w io.Writer, req UploadRequest, head []byte) (int64, error) {
	var written int64
	lastStep := 0
	buf := make([]byte, chunkSize)
	chunk := head

	for {
		if err := ctx.Err(); err != nil {
			return 0, s.aborted(ctx, req)
		}
		if len(chunk) > 0 {
			written += int64(len(chunk))
			if s.maxBytes > 0 && written > s.maxBytes {
				return 0, apperr.Newf(apperr.PayloadTooLarge, "file exceeds %d bytes", s.maxBytes)
			}
			if _, err := w.Write(chunk); err != nil {
				return 0, apperr.Wrap(apperr.Transient, err, "could not store file")
			}
			if req.Size > 0 && req.TempID != "" {
				step := int(min(written*10/req.Size, 10))
				if step > lastStep {
					lastStep = step
					s.hub.PublishUser(req.UploaderID, realtime.NewEvent(realtime.EventUploadProgress, realtime.UploadProgress{
						TempID:         req.TempID,
						ConversationID: req.ConversationID,
						Percent:        step * 10,
					}))
				}
			}
		}

		n, err := req.Body.Read(buf)
		chunk = buf[:n]
		if errors.Is(err, io.EOF) {
			if n == 0 {
				return written, nil
			}
			continue
		}
		if err != nil {
			return 0, s.readError(ctx, req, err)
		}
	}
}

func (s *Service) readError(ctx context.Context, req UploadRequest, err error) error {
	if ctx.Err() != nil {
		return s.aborted(ctx, req)
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Newf(apperr.PayloadTooLarge, "file exceeds %d bytes", tooLarge.Limit)
	}
	return apperr.Wrap(apperr.InvalidRequest, err, "could not read upload")
}

// aborted turns a cancelled context into the error the caller sees and
// tells the uploader's devices to drop the bubble.
func (s *Service) aborted(ctx context.Context, req UploadRequest) error {
	cause := context.Cause(ctx)
	reason := "cancelled"
	var err error
	switch {
	case errors.Is(cause, errUploaderOffline):
		reason = "disconnected"
		err = apperr.New(apperr.Cancelled, "uploader disconnected")
	case !errors.Is(cause, errCancelledByClient) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = "timeout"
		err = apperr.New(apperr.Cancelled, "upload timed out")
	default:
		err = apperr.New(apperr.Cancelled, "upload cancelled")
	}
	if req.TempID != "" {
		s.hub.PublishUser(req.UploaderID, realtime.NewEvent(realtime.EventUploadCancelled, realtime.UploadCancelled{
			TempID:         req.TempID,
			ConversationID: req.ConversationID,
			Reason:         reason,
		}))
	}
	s.logger.Info("upload aborted",
		zap.String("uploader_id", req.UploaderID),
		zap.String("temp_id", req.TempID),
		zap.String("reason", reason),
	)
	return err
}

func (s *Service) track(userID, tempID string, cancel context.CancelCauseFunc) (func(), error) {
	k := uploadKey{userID: userID, tempID: tempID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[k]; busy {
		return nil, apperr.Newf(apperr.Conflict, "upload %s is already in progress", tempID)
	}
	s.inflight[k] = cancel
	return func() {
		s.mu.Lock()
		delete(s.inflight, k)
		s.mu.Unlock()
	}, nil
}

// Cancel aborts the caller's in-flight upload named by tempID. It reports
// whether such an upload existed.
func (s *Service) Cancel(userID, tempID string) bool {
	k := uploadKey{userID: models.NormalizeUserID(userID), tempID: tempID}
	s.mu.Lock()
	cancel, ok := s.inflight[k]
	s.mu.Unlock()
	if ok {
		cancel(errCancelledByClient)
	}
	return ok
}

// CancelUser aborts every in-flight upload of a user. It is called when
// the user's last session goes away.
func (s *Service) CancelUser(userID string) int {
	userID = models.NormalizeUserID(userID)
	s.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0)
	for k, c := range s.inflight {
		if k.userID == userID {
			cancels = append(cancels, c)
		}
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c(errUploaderOffline)
	}
	return len(cancels)
}

// InFlight reports how many uploads are currently streaming.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Download opens a blob for a member of the conversation it was uploaded
// to. The caller closes the reader.
func (s *Service) Download(ctx context.Context, actor, mediaID string) (*models.MediaBlob, io.ReadSeekCloser, error) {
	blob, err := s.blobs.GetByID(ctx, mediaID)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Transient, err, "could not load media")
	}
	if blob == nil {
		return nil, nil, apperr.Newf(apperr.NotFound, "media %s not found", mediaID)
	}
	if _, err := s.registry.AccessCheck(ctx, actor, blob.ConversationID, identity.ActionRead); err != nil {
		return nil, nil, err
	}
	r, err := s.store.Open(blob.StorageKey)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, nil, apperr.Newf(apperr.NotFound, "media %s has no content", mediaID)
	}
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Transient, err, "could not open media")
	}
	return blob, r, nil
}

// Attachable returns the descriptor of a blob the actor uploaded to
// conversationID and has not yet sent. It backs sends that reference a
// previously uploaded file by id.
func (s *Service) Attachable(ctx context.Context, actor, conversationID, mediaID string) (*models.MediaDescriptor, models.MessageKind, error) {
	blob, err := s.blobs.GetByID(ctx, mediaID)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Transient, err, "could not load media")
	}
	if blob == nil || blob.ConversationID != conversationID || blob.UploaderID != models.NormalizeUserID(actor) {
		return nil, "", apperr.Newf(apperr.NotFound, "media %s not found", mediaID)
	}
	if blob.MessageID != nil {
		return nil, "", apperr.Newf(apperr.Conflict, "media %s was already sent", mediaID)
	}
	return blob.Descriptor(), models.MediaKindFor(blob.MimeType), nil
}

// Discard removes a blob whose message never got sent.
func (s *Service) Discard(ctx context.Context, blob *models.MediaBlob) {
	if err := s.blobs.Delete(ctx, blob.ID); err != nil {
		s.logger.Warn("delete unsent media", zap.String("media_id", blob.ID), zap.Error(err))
	}
	if err := s.store.Remove(blob.StorageKey); err != nil {
		s.logger.Warn("remove unsent blob", zap.String("media_id", blob.ID), zap.Error(err))
	}
}

func cleanFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// ContentDisposition renders the attachment header for a download.
func ContentDisposition(fileName string) string {
	return fmt.Sprintf("attachment; filename=%q", cleanFileName(fileName))
}

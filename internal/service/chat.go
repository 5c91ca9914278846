package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"botpipe/internal/db"
	"botpipe/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ErrInvalidInput marks client input errors: the gateway turns them into
// error replies instead of faults, and nothing reaches the queue.
var ErrInvalidInput = errors.New("invalid input")

// Store is the persistence surface the gateway needs.
type Store interface {
	GetConversation(ctx context.Context, id int64) (model.Conversation, error)
	SetAIPaused(ctx context.Context, id int64, paused bool) error
	TouchConversation(ctx context.Context, id int64, lastMessage string, at time.Time) error
	InsertMessage(ctx context.Context, p db.InsertMessageParams) (model.Message, error)
	UpdateMessageStatus(ctx context.Context, id int64, status model.MessageStatus) error
	SetMessageFile(ctx context.Context, id, fileID int64) error
	GetMessage(ctx context.Context, id int64) (model.Message, error)
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error)
	UserExists(ctx context.Context, id int64) (bool, error)
	ListCaptureFieldConfigs(ctx context.Context, botID int64) ([]model.CaptureFieldConfig, error)
	GetCapturedValues(ctx context.Context, conversationID int64) (map[string]string, error)
	InsertFile(ctx context.Context, conversationID int64, name, contentType, url string) (model.File, error)
	ListOpenConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error)
}

// Enqueuer is the queue surface the gateway needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) (string, error)
}

// FileStore persists decoded file content and resolves public URLs.
type FileStore interface {
	Put(ctx context.Context, objectName string, r io.Reader) error
	URL(objectName string) string
}

// ChatService implements the gateway operations: synchronous persistence
// and broadcast of inbound turns, pause gating, and job enqueue for
// asynchronous AI handling.
type ChatService struct {
	store Store
	queue Enqueuer
	bc    Broadcaster
	files FileStore
	log   *zap.Logger
}

func NewChatService(store Store, queue Enqueuer, bc Broadcaster, files FileStore, log *zap.Logger) *ChatService {
	return &ChatService{
		store: store,
		queue: queue,
		bc:    bc,
		files: files,
		log:   log,
	}
}

type SendMessageInput struct {
	ConversationID int64
	BotID          int64
	UserID         *int64
	Question       string
	ReplyToID      *int64
	UserCountry    string
	UserCity       string
	ContextMessage string
}

// SendMessage persists and broadcasts the user turn synchronously, then
// enqueues a job for asynchronous AI handling unless AI is paused for the
// conversation. The enqueued job id is returned alongside the message; it
// is empty when no job was enqueued.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (model.Message, string, error) {
	if in.ConversationID <= 0 {
		return model.Message{}, "", fmt.Errorf("%w: conversation id must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Question) == "" {
		return model.Message{}, "", fmt.Errorf("%w: question must not be empty", ErrInvalidInput)
	}
	if in.UserID != nil {
		exists, err := s.store.UserExists(ctx, *in.UserID)
		if err != nil {
			return model.Message{}, "", fmt.Errorf("failed to check user: %w", err)
		}
		if !exists {
			return model.Message{}, "", fmt.Errorf("%w: unknown user %d", ErrInvalidInput, *in.UserID)
		}
	}

	replyText, err := s.resolveReply(ctx, in.ConversationID, in.ReplyToID)
	if err != nil {
		return model.Message{}, "", err
	}

	msg, err := s.store.InsertMessage(ctx, db.InsertMessageParams{
		ConversationID: in.ConversationID,
		Sender:         model.SenderUser,
		Text:           in.Question,
		ReplyToID:      in.ReplyToID,
		Status:         model.MessageSent,
	})
	if err != nil {
		return model.Message{}, "", fmt.Errorf("failed to persist message: %w", err)
	}
	s.touch(ctx, in.ConversationID, in.Question, msg.CreatedAt)

	s.bc.ToConversation(in.ConversationID, ReceiveMessageEvent(msg, replyText, "", nil))
	s.bc.ToAdmin(NewConversationOrMessageEvent(msg, in.UserID))

	// Pause check before enqueue. The worker re-checks after dequeue since
	// the flag can flip in between.
	conv, err := s.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		s.log.Warn("Failed to read pause flag, enqueuing anyway",
			zap.Int64("conversation_id", in.ConversationID), zap.Error(err))
	} else if conv.AIPaused {
		return msg, "", nil
	}

	s.bc.ToConversation(in.ConversationID, TypingEvent(string(model.SenderBot)))

	jobID, err := s.queue.Enqueue(ctx, model.Job{
		ConversationID: in.ConversationID,
		BotID:          in.BotID,
		UserID:         in.UserID,
		Question:       in.Question,
		UserCountry:    in.UserCountry,
		UserCity:       in.UserCity,
		ContextMessage: in.ContextMessage,
		CapturedFields: s.captureSnapshot(ctx, in.BotID, in.ConversationID),
	})
	if err != nil {
		// The user turn is already delivered; losing the AI reply degrades
		// the conversation but must not fail the send.
		s.log.Error("Failed to enqueue job",
			zap.Int64("conversation_id", in.ConversationID), zap.Error(err))
		return msg, "", nil
	}

	s.log.Debug("Job enqueued",
		zap.String("job_id", jobID),
		zap.Int64("conversation_id", in.ConversationID))
	return msg, jobID, nil
}

// captureSnapshot assembles the capture-field state the job carries: the
// bot's configured fields with values already captured for this session
// filled in, so the worker never re-asks for satisfied fields.
func (s *ChatService) captureSnapshot(ctx context.Context, botID, conversationID int64) []model.CaptureField {
	configs, err := s.store.ListCaptureFieldConfigs(ctx, botID)
	if err != nil {
		s.log.Warn("Failed to load capture config", zap.Int64("bot_id", botID), zap.Error(err))
		return nil
	}
	if len(configs) == 0 {
		return nil
	}

	values, err := s.store.GetCapturedValues(ctx, conversationID)
	if err != nil {
		s.log.Warn("Failed to load captured values",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
		values = nil
	}

	fields := make([]model.CaptureField, 0, len(configs))
	for _, c := range configs {
		f := model.CaptureField{
			FieldName: c.FieldName,
			FieldType: c.FieldType,
			Required:  c.Required,
		}
		if v, ok := values[c.FieldName]; ok {
			value := v
			f.Value = &value
		}
		fields = append(fields, f)
	}
	return fields
}

// AdminMessage persists and broadcasts an operator-authored turn. It never
// triggers AI processing.
func (s *ChatService) AdminMessage(ctx context.Context, conversationID int64, text string, replyToID *int64) (model.Message, error) {
	if conversationID <= 0 {
		return model.Message{}, fmt.Errorf("%w: conversation id must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(text) == "" {
		return model.Message{}, fmt.Errorf("%w: text must not be empty", ErrInvalidInput)
	}

	replyText, err := s.resolveReply(ctx, conversationID, replyToID)
	if err != nil {
		return model.Message{}, err
	}

	msg, err := s.store.InsertMessage(ctx, db.InsertMessageParams{
		ConversationID: conversationID,
		Sender:         model.SenderAdmin,
		Text:           text,
		ReplyToID:      replyToID,
		Status:         model.MessageSent,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	s.touch(ctx, conversationID, text, msg.CreatedAt)

	s.bc.ToConversation(conversationID, ReceiveMessageEvent(msg, replyText, "", nil))
	s.bc.ToAdmin(NewConversationOrMessageEvent(msg, nil))
	return msg, nil
}

// SetAIPaused toggles whether the worker responds in this conversation.
func (s *ChatService) SetAIPaused(ctx context.Context, conversationID int64, paused bool) error {
	if conversationID <= 0 {
		return fmt.Errorf("%w: conversation id must be positive", ErrInvalidInput)
	}
	if err := s.store.SetAIPaused(ctx, conversationID, paused); err != nil {
		return fmt.Errorf("failed to set pause flag: %w", err)
	}
	s.log.Info("AI pause toggled",
		zap.Int64("conversation_id", conversationID), zap.Bool("paused", paused))
	return nil
}

// Typing relays a typing signal. Pure fan-out, nothing persisted.
func (s *ChatService) Typing(conversationID int64, from string) error {
	if conversationID <= 0 {
		return fmt.Errorf("%w: conversation id must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(from) == "" {
		return fmt.Errorf("%w: sender must not be empty", ErrInvalidInput)
	}
	s.bc.ToConversation(conversationID, TypingEvent(from))
	return nil
}

// AdminSnapshot is the synchronous read served on admin join.
func (s *ChatService) AdminSnapshot(ctx context.Context) ([]model.ConversationSummary, error) {
	return s.store.ListOpenConversationSummaries(ctx)
}

// History returns the persisted messages of a conversation in authoritative
// order.
func (s *ChatService) History(ctx context.Context, conversationID int64, limit int) ([]model.Message, error) {
	if conversationID <= 0 {
		return nil, fmt.Errorf("%w: conversation id must be positive", ErrInvalidInput)
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	return s.store.ListMessages(ctx, conversationID, limit)
}

type SendFileInput struct {
	ConversationID int64
	UserID         *int64
	Name           string
	ContentType    string
	// Either URL (pre-hosted reference) or Data (base64-encoded content).
	URL  string
	Data string
}

// SendFile delivers a file into a conversation. Inline content is decoded
// and written to stable storage under a generated unique name; the message
// walks pending -> uploading -> sent, or ends failed on decode errors.
func (s *ChatService) SendFile(ctx context.Context, in SendFileInput) (model.Message, error) {
	if in.ConversationID <= 0 {
		return model.Message{}, fmt.Errorf("%w: conversation id must be positive", ErrInvalidInput)
	}
	if in.URL == "" && in.Data == "" {
		return model.Message{}, fmt.Errorf("%w: file url or data required", ErrInvalidInput)
	}

	if in.URL != "" {
		file, err := s.store.InsertFile(ctx, in.ConversationID, in.Name, in.ContentType, in.URL)
		if err != nil {
			return model.Message{}, fmt.Errorf("failed to record file: %w", err)
		}
		return s.finishFileMessage(ctx, in.ConversationID, file, 0)
	}

	msg, err := s.store.InsertMessage(ctx, db.InsertMessageParams{
		ConversationID: in.ConversationID,
		Sender:         model.SenderUser,
		Text:           in.Name,
		Status:         model.MessagePending,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	content, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		s.fail(ctx, msg.ID)
		return model.Message{}, fmt.Errorf("%w: malformed file content: %v", ErrInvalidInput, err)
	}

	if err := s.store.UpdateMessageStatus(ctx, msg.ID, model.MessageUploading); err != nil {
		s.log.Warn("Failed to mark message uploading", zap.Int64("message_id", msg.ID), zap.Error(err))
	}

	objectName := ulid.Make().String() + filepath.Ext(in.Name)
	if err := s.files.Put(ctx, objectName, bytes.NewReader(content)); err != nil {
		s.fail(ctx, msg.ID)
		return model.Message{}, fmt.Errorf("failed to store file: %w", err)
	}

	file, err := s.store.InsertFile(ctx, in.ConversationID, in.Name, in.ContentType, s.files.URL(objectName))
	if err != nil {
		s.fail(ctx, msg.ID)
		return model.Message{}, fmt.Errorf("failed to record file: %w", err)
	}

	return s.finishFileMessage(ctx, in.ConversationID, file, msg.ID)
}

// finishFileMessage links the file, marks the message sent and broadcasts
// it like a normal message. messageID zero means no message row exists yet
// (pre-hosted references skip the upload states).
func (s *ChatService) finishFileMessage(ctx context.Context, conversationID int64, file model.File, messageID int64) (model.Message, error) {
	if messageID == 0 {
		msg, err := s.store.InsertMessage(ctx, db.InsertMessageParams{
			ConversationID: conversationID,
			Sender:         model.SenderUser,
			Text:           file.Name,
			FileID:         &file.ID,
			Status:         model.MessageSent,
		})
		if err != nil {
			return model.Message{}, fmt.Errorf("failed to persist message: %w", err)
		}
		s.broadcastFile(ctx, msg, file)
		return msg, nil
	}

	if err := s.store.SetMessageFile(ctx, messageID, file.ID); err != nil {
		s.log.Warn("Failed to link file", zap.Int64("message_id", messageID), zap.Error(err))
	}
	if err := s.store.UpdateMessageStatus(ctx, messageID, model.MessageSent); err != nil {
		return model.Message{}, fmt.Errorf("failed to mark message sent: %w", err)
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to reload message: %w", err)
	}
	s.broadcastFile(ctx, msg, file)
	return msg, nil
}

func (s *ChatService) broadcastFile(ctx context.Context, msg model.Message, file model.File) {
	s.touch(ctx, msg.ConversationID, file.Name, msg.CreatedAt)
	s.bc.ToConversation(msg.ConversationID, ReceiveMessageEvent(msg, nil, file.URL, nil))
	s.bc.ToAdmin(NewConversationOrMessageEvent(msg, nil))
}

type InlineImage struct {
	Name        string
	ContentType string
	Data        string
}

// SendGroupedImages stores a batch of inline images and delivers them as a
// single message carrying all image references.
func (s *ChatService) SendGroupedImages(ctx context.Context, conversationID int64, userID *int64, images []InlineImage) (model.Message, error) {
	if conversationID <= 0 {
		return model.Message{}, fmt.Errorf("%w: conversation id must be positive", ErrInvalidInput)
	}
	if len(images) == 0 {
		return model.Message{}, fmt.Errorf("%w: at least one image required", ErrInvalidInput)
	}

	// Decode everything up front: a malformed payload is a client error and
	// must not leave half a batch behind.
	contents := make([][]byte, len(images))
	for i, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return model.Message{}, fmt.Errorf("%w: malformed image %q: %v", ErrInvalidInput, img.Name, err)
		}
		contents[i] = data
	}

	var urls []string
	var firstFileID *int64
	for i, img := range images {
		objectName := ulid.Make().String() + filepath.Ext(img.Name)
		if err := s.files.Put(ctx, objectName, bytes.NewReader(contents[i])); err != nil {
			return model.Message{}, fmt.Errorf("failed to store image: %w", err)
		}
		file, err := s.store.InsertFile(ctx, conversationID, img.Name, img.ContentType, s.files.URL(objectName))
		if err != nil {
			return model.Message{}, fmt.Errorf("failed to record image: %w", err)
		}
		if firstFileID == nil {
			id := file.ID
			firstFileID = &id
		}
		urls = append(urls, file.URL)
	}

	msg, err := s.store.InsertMessage(ctx, db.InsertMessageParams{
		ConversationID: conversationID,
		Sender:         model.SenderUser,
		Text:           strings.Join(urls, "\n"),
		FileID:         firstFileID,
		Status:         model.MessageSent,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	s.touch(ctx, conversationID, "[images]", msg.CreatedAt)

	event := ReceiveMessageEvent(msg, nil, "", urls)
	event["text"] = ""
	s.bc.ToConversation(conversationID, event)
	s.bc.ToAdmin(NewConversationOrMessageEvent(msg, userID))
	return msg, nil
}

// resolveReply validates a reply target and returns its text for the
// outbound event. The target must be an existing, strictly earlier message
// in the same conversation.
func (s *ChatService) resolveReply(ctx context.Context, conversationID int64, replyToID *int64) (*string, error) {
	if replyToID == nil {
		return nil, nil
	}
	if *replyToID <= 0 {
		return nil, fmt.Errorf("%w: reply target must be positive", ErrInvalidInput)
	}
	target, err := s.store.GetMessage(ctx, *replyToID)
	if err != nil {
		return nil, fmt.Errorf("%w: reply target not found", ErrInvalidInput)
	}
	if target.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: reply target belongs to another conversation", ErrInvalidInput)
	}
	return &target.Text, nil
}

// touch updates the conversation's denormalized summary fields. The write
// is separate from message persistence: a crash in between leaves a stale
// summary, which is reconstructible from history.
func (s *ChatService) touch(ctx context.Context, conversationID int64, lastMessage string, at time.Time) {
	if err := s.store.TouchConversation(ctx, conversationID, lastMessage, at); err != nil {
		s.log.Warn("Failed to update conversation summary",
			zap.Int64("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *ChatService) fail(ctx context.Context, messageID int64) {
	if err := s.store.UpdateMessageStatus(ctx, messageID, model.MessageFailed); err != nil {
		s.log.Warn("Failed to mark message failed", zap.Int64("message_id", messageID), zap.Error(err))
	}
}

package service

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"botpipe/internal/db"
	"botpipe/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu            sync.Mutex
	conversations map[int64]model.Conversation
	messages      map[int64]model.Message
	nextMessageID int64
	users         map[int64]bool
	configs       []model.CaptureFieldConfig
	captured      map[string]string
	files         map[int64]model.File
	nextFileID    int64
	insertErr     error
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[int64]model.Conversation{
			1: {ID: 1, BotID: 7, Status: model.ConversationActive},
		},
		messages: make(map[int64]model.Message),
		users:    map[int64]bool{10: true},
		captured: make(map[string]string),
		files:    make(map[int64]model.File),
	}
}

func (s *memStore) GetConversation(ctx context.Context, id int64) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, errors.New("not found")
	}
	return c, nil
}

func (s *memStore) SetAIPaused(ctx context.Context, id int64, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversations[id]
	c.AIPaused = paused
	s.conversations[id] = c
	return nil
}

func (s *memStore) TouchConversation(ctx context.Context, id int64, lastMessage string, at time.Time) error {
	return nil
}

func (s *memStore) InsertMessage(ctx context.Context, p db.InsertMessageParams) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return model.Message{}, s.insertErr
	}
	s.nextMessageID++
	m := model.Message{
		ID:             s.nextMessageID,
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		Text:           p.Text,
		ReplyToID:      p.ReplyToID,
		FileID:         p.FileID,
		Status:         p.Status,
		CreatedAt:      time.Now(),
	}
	s.messages[m.ID] = m
	return m, nil
}

func (s *memStore) UpdateMessageStatus(ctx context.Context, id int64, status model.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[id]
	m.Status = status
	s.messages[id] = m
	return nil
}

func (s *memStore) SetMessageFile(ctx context.Context, id, fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[id]
	m.FileID = &fileID
	s.messages[id] = m
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, id int64) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, errors.New("not found")
	}
	return m, nil
}

func (s *memStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for id := int64(1); id <= s.nextMessageID && len(out) < limit; id++ {
		if m, ok := s.messages[id]; ok && m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) UserExists(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id], nil
}

func (s *memStore) ListCaptureFieldConfigs(ctx context.Context, botID int64) ([]model.CaptureFieldConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs, nil
}

func (s *memStore) GetCapturedValues(ctx context.Context, conversationID int64) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.captured))
	for k, v := range s.captured {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) InsertFile(ctx context.Context, conversationID int64, name, contentType, url string) (model.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFileID++
	f := model.File{ID: s.nextFileID, ConversationID: conversationID, Name: name, ContentType: contentType, URL: url, CreatedAt: time.Now()}
	s.files[f.ID] = f
	return f, nil
}

func (s *memStore) ListOpenConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error) {
	return nil, nil
}

type memQueue struct {
	mu   sync.Mutex
	jobs []model.Job
	err  error
}

func (q *memQueue) Enqueue(ctx context.Context, job model.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	job.ID = "job-1"
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

func (q *memQueue) enqueued() []model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

type captureBroadcaster struct {
	mu           sync.Mutex
	conversation []map[string]interface{}
	admin        []map[string]interface{}
}

func (b *captureBroadcaster) ToConversation(conversationID int64, event map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversation = append(b.conversation, event)
}

func (b *captureBroadcaster) ToAdmin(event map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.admin = append(b.admin, event)
}

func (b *captureBroadcaster) conversationTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.conversation {
		out = append(out, e["type"].(string))
	}
	return out
}

type nullFiles struct{}

func (nullFiles) Put(ctx context.Context, objectName string, r io.Reader) error { return nil }
func (nullFiles) URL(objectName string) string                                  { return "http://files/" + objectName }

func newTestChat() (*ChatService, *memStore, *memQueue, *captureBroadcaster) {
	store := newMemStore()
	queue := &memQueue{}
	bc := &captureBroadcaster{}
	return NewChatService(store, queue, bc, nullFiles{}, zap.NewNop()), store, queue, bc
}

func TestSendMessagePersistsBroadcastsAndEnqueues(t *testing.T) {
	chat, store, queue, bc := newTestChat()
	userID := int64(10)

	msg, jobID, err := chat.SendMessage(context.Background(), SendMessageInput{
		ConversationID: 1,
		BotID:          7,
		UserID:         &userID,
		Question:       "when do you open?",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, model.SenderUser, msg.Sender)

	store.mu.Lock()
	persisted := len(store.messages)
	store.mu.Unlock()
	assert.Equal(t, 1, persisted)

	jobs := queue.enqueued()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1), jobs[0].ConversationID)
	assert.Equal(t, int64(7), jobs[0].BotID)
	assert.Equal(t, "when do you open?", jobs[0].Question)

	// ReceiveMessage first, then the bot typing indicator.
	assert.Equal(t, []string{"ReceiveMessage", "Typing"}, bc.conversationTypes())
	assert.Len(t, bc.admin, 1)
}

func TestSendMessagePausedSkipsEnqueue(t *testing.T) {
	chat, _, queue, bc := newTestChat()
	require.NoError(t, chat.SetAIPaused(context.Background(), 1, true))

	msg, jobID, err := chat.SendMessage(context.Background(), SendMessageInput{
		ConversationID: 1,
		BotID:          7,
		Question:       "anyone there?",
	})
	require.NoError(t, err)
	assert.Empty(t, jobID)
	assert.NotZero(t, msg.ID, "the user turn is still persisted")

	assert.Empty(t, queue.enqueued())
	assert.Equal(t, []string{"ReceiveMessage"}, bc.conversationTypes(), "no typing indicator while paused")
}

func TestSendMessageInvalidInput(t *testing.T) {
	chat, _, queue, _ := newTestChat()
	ctx := context.Background()

	_, _, err := chat.SendMessage(ctx, SendMessageInput{ConversationID: 0, Question: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = chat.SendMessage(ctx, SendMessageInput{ConversationID: 1, Question: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	ghost := int64(999)
	_, _, err = chat.SendMessage(ctx, SendMessageInput{ConversationID: 1, UserID: &ghost, Question: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, queue.enqueued())
}

func TestSendMessageEnqueueFailureStillDelivers(t *testing.T) {
	chat, _, queue, bc := newTestChat()
	queue.err = errors.New("queue down")

	msg, jobID, err := chat.SendMessage(context.Background(), SendMessageInput{
		ConversationID: 1,
		BotID:          7,
		Question:       "hello",
	})
	require.NoError(t, err)
	assert.Empty(t, jobID)
	assert.NotZero(t, msg.ID)
	assert.NotEmpty(t, bc.conversation)
}

func TestSendMessageCarriesCaptureSnapshot(t *testing.T) {
	chat, store, queue, _ := newTestChat()
	store.configs = []model.CaptureFieldConfig{
		{FieldName: "Nombre", FieldType: "name"},
		{FieldName: "Email", FieldType: "email"},
	}
	store.captured = map[string]string{"Nombre": "Ana"}

	_, _, err := chat.SendMessage(context.Background(), SendMessageInput{
		ConversationID: 1,
		BotID:          7,
		Question:       "hola",
	})
	require.NoError(t, err)

	jobs := queue.enqueued()
	require.Len(t, jobs, 1)
	require.Len(t, jobs[0].CapturedFields, 2)

	pending := jobs[0].PendingFields()
	require.Len(t, pending, 1)
	assert.Equal(t, "Email", pending[0].FieldName)
}

func TestReplyResolution(t *testing.T) {
	chat, store, _, bc := newTestChat()
	store.conversations[2] = model.Conversation{ID: 2, BotID: 7, Status: model.ConversationActive}
	ctx := context.Background()

	first, _, err := chat.SendMessage(ctx, SendMessageInput{ConversationID: 1, BotID: 7, Question: "original"})
	require.NoError(t, err)

	// Replying across conversations is rejected.
	_, err = chat.AdminMessage(ctx, 2, "reply", &first.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// A valid reply carries the target's text in the outbound event.
	_, err = chat.AdminMessage(ctx, 1, "reply", &first.ID)
	require.NoError(t, err)

	bc.mu.Lock()
	last := bc.conversation[len(bc.conversation)-1]
	bc.mu.Unlock()
	assert.Equal(t, "original", last["replyToText"])
}

func TestAdminMessageNeverEnqueues(t *testing.T) {
	chat, _, queue, bc := newTestChat()

	msg, err := chat.AdminMessage(context.Background(), 1, "an operator reply", nil)
	require.NoError(t, err)
	assert.Equal(t, model.SenderAdmin, msg.Sender)
	assert.Empty(t, queue.enqueued())
	assert.Equal(t, []string{"ReceiveMessage"}, bc.conversationTypes())
}

func TestTyping(t *testing.T) {
	chat, _, _, bc := newTestChat()

	require.NoError(t, chat.Typing(1, "admin"))
	assert.Equal(t, []string{"Typing"}, bc.conversationTypes())

	assert.ErrorIs(t, chat.Typing(0, "admin"), ErrInvalidInput)
	assert.ErrorIs(t, chat.Typing(1, " "), ErrInvalidInput)
}

func TestSendFileInlineContent(t *testing.T) {
	chat, store, _, bc := newTestChat()

	msg, err := chat.SendFile(context.Background(), SendFileInput{
		ConversationID: 1,
		Name:           "notes.txt",
		ContentType:    "text/plain",
		Data:           base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, msg.Status)
	require.NotNil(t, msg.FileID)

	store.mu.Lock()
	file := store.files[*msg.FileID]
	store.mu.Unlock()
	assert.Equal(t, "notes.txt", file.Name)
	assert.Contains(t, file.URL, "http://files/")

	bc.mu.Lock()
	last := bc.conversation[len(bc.conversation)-1]
	bc.mu.Unlock()
	assert.Equal(t, file.URL, last["file"])
}

func TestSendFileMalformedData(t *testing.T) {
	chat, store, _, _ := newTestChat()

	_, err := chat.SendFile(context.Background(), SendFileInput{
		ConversationID: 1,
		Name:           "broken.bin",
		Data:           "%%% not base64 %%%",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.messages, 1)
	assert.Equal(t, model.MessageFailed, store.messages[1].Status)
}

func TestSendGroupedImages(t *testing.T) {
	chat, store, _, bc := newTestChat()
	data := base64.StdEncoding.EncodeToString([]byte("img"))

	msg, err := chat.SendGroupedImages(context.Background(), 1, nil, []InlineImage{
		{Name: "a.png", ContentType: "image/png", Data: data},
		{Name: "b.png", ContentType: "image/png", Data: data},
	})
	require.NoError(t, err)

	store.mu.Lock()
	fileCount := len(store.files)
	store.mu.Unlock()
	assert.Equal(t, 2, fileCount)
	require.NotNil(t, msg.FileID)

	bc.mu.Lock()
	last := bc.conversation[len(bc.conversation)-1]
	bc.mu.Unlock()
	assert.Equal(t, "", last["text"])
	assert.Len(t, last["images"], 2)
}

func TestHistoryLimits(t *testing.T) {
	chat, _, _, _ := newTestChat()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := chat.SendMessage(ctx, SendMessageInput{ConversationID: 1, BotID: 7, Question: "turn"})
		require.NoError(t, err)
	}

	msgs, err := chat.History(ctx, 1, 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	_, err = chat.History(ctx, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

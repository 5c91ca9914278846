package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"botpipe/internal/ai"
	"botpipe/internal/capture"
	"botpipe/internal/model"
	"botpipe/internal/prompt"
	"botpipe/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu          sync.Mutex
	conv        model.Conversation
	convErr     error
	messages    []model.Message
	byJobID     map[string]model.Message
	submissions map[string]string
	configs     []model.CaptureFieldConfig
	panicOnSave bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conv:        model.Conversation{ID: 1, BotID: 7, Status: model.ConversationActive},
		byJobID:     make(map[string]model.Message),
		submissions: make(map[string]string),
	}
}

func (s *fakeStore) GetConversation(ctx context.Context, id int64) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convErr != nil {
		return model.Conversation{}, s.convErr
	}
	return s.conv, nil
}

func (s *fakeStore) InsertBotMessage(ctx context.Context, jobID string, conversationID int64, text string) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnSave {
		panic("store blew up")
	}
	if m, ok := s.byJobID[jobID]; ok {
		return m, false, nil
	}
	m := model.Message{
		ID:             int64(len(s.messages) + 1),
		ConversationID: conversationID,
		Sender:         model.SenderBot,
		Text:           text,
		JobID:          &jobID,
		Status:         model.MessageSent,
		CreatedAt:      time.Now(),
	}
	s.messages = append(s.messages, m)
	s.byJobID[jobID] = m
	return m, true, nil
}

func (s *fakeStore) RecordBotResponse(ctx context.Context, id int64, lastMessage string, at time.Time) error {
	return nil
}

func (s *fakeStore) InsertCaptureSubmission(ctx context.Context, conversationID int64, fieldName, fieldType, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[fieldName]; ok {
		return false, nil
	}
	s.submissions[fieldName] = value
	return true, nil
}

func (s *fakeStore) ListCaptureFieldConfigs(ctx context.Context, botID int64) ([]model.CaptureFieldConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs, nil
}

func (s *fakeStore) botMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

type fakeRetriever struct {
	snippets []model.Snippet
	err      error
}

func (r *fakeRetriever) Search(ctx context.Context, botID int64, query string, limit int) ([]model.Snippet, error) {
	return r.snippets, r.err
}

type recordingInvoker struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (i *recordingInvoker) Complete(ctx context.Context, promptText string, cfg ai.Config) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.prompts = append(i.prompts, promptText)
	if i.err != nil {
		return "", i.err
	}
	return i.reply, nil
}

func (i *recordingInvoker) calls() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.prompts))
	copy(out, i.prompts)
	return out
}

type recordingBroadcaster struct {
	mu           sync.Mutex
	conversation []map[string]interface{}
	admin        []map[string]interface{}
}

func (b *recordingBroadcaster) ToConversation(conversationID int64, event map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversation = append(b.conversation, event)
}

func (b *recordingBroadcaster) ToAdmin(event map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.admin = append(b.admin, event)
}

func newTestWorker(store *fakeStore, retriever *fakeRetriever, invoker *recordingInvoker, bc *recordingBroadcaster) *Worker {
	return New(
		queue.NewMemory(8),
		store,
		capture.New(zap.NewNop()),
		retriever,
		prompt.NewTemplate(),
		invoker,
		bc,
		Config{},
		zap.NewNop(),
	)
}

func testJob() model.Job {
	return model.Job{
		ID:             queue.NewJobID(),
		ConversationID: 1,
		BotID:          7,
		Question:       "what are your opening hours?",
	}
}

func TestProcessHappyPath(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{snippets: []model.Snippet{{Content: "We open 9 to 5 on weekdays.", Score: 0.9}}}
	invoker := &recordingInvoker{reply: "We are open 9 to 5, Monday to Friday."}
	bc := &recordingBroadcaster{}
	w := newTestWorker(store, retriever, invoker, bc)

	err := w.process(context.Background(), testJob())
	require.NoError(t, err)

	msgs := store.botMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.SenderBot, msgs[0].Sender)
	assert.Equal(t, "We are open 9 to 5, Monday to Friday.", msgs[0].Text)

	calls := invoker.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "We open 9 to 5 on weekdays.")
	assert.Contains(t, calls[0], "what are your opening hours?")

	assert.Len(t, bc.conversation, 1)
	assert.Len(t, bc.admin, 1)
}

func TestProcessPausedDiscardsJob(t *testing.T) {
	store := newFakeStore()
	store.conv.AIPaused = true
	invoker := &recordingInvoker{reply: "should never be used"}
	bc := &recordingBroadcaster{}
	w := newTestWorker(store, &fakeRetriever{snippets: []model.Snippet{{Content: "ctx"}}}, invoker, bc)

	err := w.process(context.Background(), testJob())
	require.NoError(t, err)

	assert.Empty(t, store.botMessages())
	assert.Empty(t, invoker.calls())
	assert.Empty(t, bc.conversation)
}

func TestProcessEmptyRetrievalSkipsModel(t *testing.T) {
	store := newFakeStore()
	invoker := &recordingInvoker{reply: "should never be used"}
	bc := &recordingBroadcaster{}
	w := newTestWorker(store, &fakeRetriever{}, invoker, bc)

	err := w.process(context.Background(), testJob())
	require.NoError(t, err)

	msgs := store.botMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, FallbackNoContext, msgs[0].Text)
	assert.Empty(t, invoker.calls())
}

func TestProcessRetrievalErrorFailsOpen(t *testing.T) {
	store := newFakeStore()
	invoker := &recordingInvoker{reply: "should never be used"}
	bc := &recordingBroadcaster{}
	w := newTestWorker(store, &fakeRetriever{err: errors.New("index down")}, invoker, bc)

	err := w.process(context.Background(), testJob())
	require.NoError(t, err)

	msgs := store.botMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, FallbackNoContext, msgs[0].Text)
	assert.Empty(t, invoker.calls())
}

func TestProcessInvokerErrorSendsApology(t *testing.T) {
	store := newFakeStore()
	invoker := &recordingInvoker{err: errors.New("provider 500")}
	bc := &recordingBroadcaster{}
	w := newTestWorker(store, &fakeRetriever{snippets: []model.Snippet{{Content: "ctx"}}}, invoker, bc)

	err := w.process(context.Background(), testJob())
	require.NoError(t, err)

	msgs := store.botMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, FallbackAIError, msgs[0].Text)
	assert.Len(t, bc.conversation, 1)
}

func TestProcessCapturedValueFlowsIntoPrompt(t *testing.T) {
	store := newFakeStore()
	store.configs = []model.CaptureFieldConfig{{FieldName: "Nombre", FieldType: "name"}}
	invoker := &recordingInvoker{reply: "Hola Ana"}
	bc := &recordingBroadcaster{}
	w := newTestWorker(store, &fakeRetriever{snippets: []model.Snippet{{Content: "ctx"}}}, invoker, bc)

	job := testJob()
	job.Question = "mi nombre es Ana, cuando abren?"
	job.CapturedFields = []model.CaptureField{{FieldName: "Nombre", FieldType: "name"}}

	err := w.process(context.Background(), job)
	require.NoError(t, err)

	store.mu.Lock()
	captured := store.submissions["Nombre"]
	store.mu.Unlock()
	assert.Equal(t, "Ana", captured)

	calls := invoker.calls()
	require.Len(t, calls, 1)
	assert.True(t, strings.Contains(calls[0], "Nombre: Ana"), "prompt should carry the value captured in this same turn")
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	invoker := &recordingInvoker{reply: "hello"}
	bc := &recordingBroadcaster{}
	w := newTestWorker(store, &fakeRetriever{snippets: []model.Snippet{{Content: "ctx"}}}, invoker, bc)

	job := testJob()
	require.NoError(t, w.process(context.Background(), job))
	require.NoError(t, w.process(context.Background(), job))

	assert.Len(t, store.botMessages(), 1)
}

func TestProcessEntryRecoversPanic(t *testing.T) {
	store := newFakeStore()
	store.panicOnSave = true
	w := newTestWorker(store, &fakeRetriever{}, &recordingInvoker{}, &recordingBroadcaster{})

	err := w.processEntry(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestRunConsumesFromQueue(t *testing.T) {
	store := newFakeStore()
	invoker := &recordingInvoker{reply: "hi"}
	bc := &recordingBroadcaster{}

	q := queue.NewMemory(8)
	w := New(q, store, capture.New(zap.NewNop()), &fakeRetriever{snippets: []model.Snippet{{Content: "ctx"}}},
		prompt.NewTemplate(), invoker, bc, Config{Consumers: 2, Block: 50 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	_, err := q.Enqueue(ctx, testJob())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(store.botMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	q.Close()
}

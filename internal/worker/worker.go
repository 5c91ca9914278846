// Package worker runs the consumer loops that turn queued chat jobs into
// bot replies: capture extraction, retrieval gating, prompt assembly, AI
// invocation, persistence and fan-out.
package worker

import (
	"context"
	"fmt"
	"time"

	"botpipe/internal/ai"
	"botpipe/internal/capture"
	"botpipe/internal/model"
	"botpipe/internal/prompt"
	"botpipe/internal/queue"
	"botpipe/internal/retrieval"
	"botpipe/internal/service"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fixed user-visible replies. FallbackNoContext is the anti-hallucination
// guard when retrieval finds nothing; FallbackAIError stands in for the
// bot when the provider fails.
const (
	FallbackNoContext = "I don't have relevant information available to answer that yet. An agent will follow up with you."
	FallbackAIError   = "Sorry, I ran into a problem generating a response. Please try again in a moment."
)

// Store is the persistence surface the pipeline needs. All writes are
// idempotent under redelivery: bot messages key on job id, submissions on
// (conversation, field).
type Store interface {
	GetConversation(ctx context.Context, id int64) (model.Conversation, error)
	InsertBotMessage(ctx context.Context, jobID string, conversationID int64, text string) (model.Message, bool, error)
	RecordBotResponse(ctx context.Context, id int64, lastMessage string, at time.Time) error
	InsertCaptureSubmission(ctx context.Context, conversationID int64, fieldName, fieldType, value string) (bool, error)
	ListCaptureFieldConfigs(ctx context.Context, botID int64) ([]model.CaptureFieldConfig, error)
}

type Config struct {
	// Consumers is the number of concurrent consumer loops.
	Consumers int
	// Batch and Block shape each Receive call.
	Batch int
	Block time.Duration
	// Backoff after connectivity-class receive errors.
	Backoff time.Duration
	AI      ai.Config
}

func (c *Config) defaults() {
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.Batch <= 0 {
		c.Batch = 8
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
}

type Worker struct {
	q         queue.Queue
	store     Store
	extractor *capture.Extractor
	retriever retrieval.Retriever
	assembler prompt.Assembler
	invoker   ai.Invoker
	bc        service.Broadcaster
	cfg       Config
	log       *zap.Logger
}

func New(q queue.Queue, store Store, extractor *capture.Extractor, retriever retrieval.Retriever,
	assembler prompt.Assembler, invoker ai.Invoker, bc service.Broadcaster, cfg Config, log *zap.Logger) *Worker {
	cfg.defaults()
	return &Worker{
		q:         q,
		store:     store,
		extractor: extractor,
		retriever: retriever,
		assembler: assembler,
		invoker:   invoker,
		bc:        bc,
		cfg:       cfg,
		log:       log,
	}
}

// Run starts the consumer loops and blocks until ctx is cancelled. Loops
// stop between jobs, never mid-job, and a job is only acked after it was
// fully processed.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Consumers; i++ {
		g.Go(func() error {
			w.consume(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := w.q.Receive(ctx, w.cfg.Batch, w.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("Receive failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.Backoff):
			}
			continue
		}

		for _, d := range deliveries {
			if err := w.processEntry(ctx, d.Job); err != nil {
				// No ack: a durable backend will redeliver the entry.
				w.log.Error("Job failed, leaving unacked",
					zap.String("job_id", d.Job.ID),
					zap.Int64("conversation_id", d.Job.ConversationID),
					zap.Error(err))
				continue
			}
			if err := w.q.Ack(ctx, d.Handle); err != nil {
				w.log.Warn("Failed to ack entry", zap.String("handle", d.Handle), zap.Error(err))
			}
		}
	}
}

// processEntry shields the loop from a panicking job: the entry stays
// unacked for redelivery instead of taking the consumer down.
func (w *Worker) processEntry(ctx context.Context, job model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
		}
	}()
	return w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job model.Job) error {
	// Re-check the pause flag after dequeue: the gateway's pre-enqueue
	// check is not transactional with this one.
	conv, err := w.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to fetch conversation: %w", err)
	}
	if conv.AIPaused {
		w.log.Info("AI paused, discarding job",
			zap.String("job_id", job.ID),
			zap.Int64("conversation_id", job.ConversationID))
		return nil
	}

	w.extract(ctx, &job)

	snippets, err := w.retriever.Search(ctx, job.BotID, job.Question, 5)
	if err != nil {
		// Fail open to "no context"; retrieval being down never fails the job.
		w.log.Warn("Retrieval failed, treating as empty",
			zap.String("job_id", job.ID), zap.Error(err))
		snippets = nil
	}
	if len(snippets) == 0 {
		// Nothing relevant indexed: withhold the model entirely.
		return w.respond(ctx, job, FallbackNoContext)
	}

	promptText, err := w.assembler.Assemble(ctx, prompt.Input{
		Question:       job.Question,
		Fields:         job.CapturedFields,
		Snippets:       snippets,
		UserCountry:    job.UserCountry,
		UserCity:       job.UserCity,
		ContextMessage: job.ContextMessage,
	})
	if err != nil {
		w.log.Warn("Prompt assembly failed, using raw question",
			zap.String("job_id", job.ID), zap.Error(err))
		promptText = job.Question
	}

	reply, err := w.invoker.Complete(ctx, promptText, w.cfg.AI)
	if err != nil {
		// Visible to the end user, not to the queue.
		w.log.Error("AI invocation failed",
			zap.String("job_id", job.ID), zap.Error(err))
		reply = FallbackAIError
	}

	return w.respond(ctx, job, reply)
}

// extract runs capture extraction over the pending fields and persists new
// submissions. Captured values are written into the job's in-flight
// snapshot so prompt assembly within this same job sees them.
func (w *Worker) extract(ctx context.Context, job *model.Job) {
	pending := job.PendingFields()
	if len(pending) == 0 {
		return
	}

	configs, err := w.store.ListCaptureFieldConfigs(ctx, job.BotID)
	if err != nil {
		w.log.Warn("Failed to load capture config",
			zap.Int64("bot_id", job.BotID), zap.Error(err))
		return
	}
	byName := make(map[string]model.CaptureFieldConfig, len(configs))
	for _, c := range configs {
		byName[c.FieldName] = c
	}

	for name, value := range w.extractor.Extract(job.Question, pending, byName) {
		cfg := byName[name]
		inserted, err := w.store.InsertCaptureSubmission(ctx, job.ConversationID, name, cfg.FieldType, value)
		if err != nil {
			w.log.Warn("Failed to persist capture submission",
				zap.Int64("conversation_id", job.ConversationID),
				zap.String("field", name), zap.Error(err))
			continue
		}
		if !inserted {
			w.log.Debug("Capture submission already exists",
				zap.Int64("conversation_id", job.ConversationID),
				zap.String("field", name))
		}
		job.SetFieldValue(name, value)
	}
}

// respond persists the bot message (insert-if-absent on job id), updates
// the conversation summary and fans out. Persistence errors propagate so
// the entry stays unacked; summary and broadcast failures do not, since
// the message history is already authoritative.
func (w *Worker) respond(ctx context.Context, job model.Job, text string) error {
	msg, inserted, err := w.store.InsertBotMessage(ctx, job.ID, job.ConversationID, text)
	if err != nil {
		return fmt.Errorf("failed to persist bot message: %w", err)
	}
	if !inserted {
		w.log.Info("Duplicate delivery, reusing persisted reply",
			zap.String("job_id", job.ID), zap.Int64("message_id", msg.ID))
	}

	if err := w.store.RecordBotResponse(ctx, job.ConversationID, text, msg.CreatedAt); err != nil {
		w.log.Warn("Failed to update conversation summary",
			zap.Int64("conversation_id", job.ConversationID), zap.Error(err))
	}

	w.bc.ToConversation(job.ConversationID, service.ReceiveMessageEvent(msg, nil, "", nil))
	w.bc.ToAdmin(service.NewConversationOrMessageEvent(msg, job.UserID))

	w.log.Debug("Job processed",
		zap.String("job_id", job.ID),
		zap.Int64("conversation_id", job.ConversationID),
		zap.Bool("inserted", inserted))
	return nil
}

// Package jobs runs scheduled maintenance work. The inactivity sweep is
// deliberately separate from the chat-processing queue: it only toggles
// conversation status and emits notifications through the fan-out channel.
package jobs

import (
	"context"
	"time"

	"botpipe/internal/db"
	"botpipe/internal/model"
	"botpipe/internal/service"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const taskSweep = "conversations:sweep"

type SweepConfig struct {
	// Schedule is an asynq cron/interval spec, e.g. "@every 5m".
	Schedule string
	// IdleAfter moves active conversations to inactive.
	IdleAfter time.Duration
	// CloseAfter moves inactive conversations to closed.
	CloseAfter time.Duration
}

func (c *SweepConfig) defaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 30 * time.Minute
	}
	if c.CloseAfter <= 0 {
		c.CloseAfter = 24 * time.Hour
	}
}

// SweepServer schedules and executes the periodic inactivity sweep.
type SweepServer struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	q         *db.Queries
	bc        service.Broadcaster
	cfg       SweepConfig
	log       *zap.Logger
}

func NewSweepServer(redisAddr string, q *db.Queries, bc service.Broadcaster, cfg SweepConfig, log *zap.Logger) *SweepServer {
	cfg.defaults()
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	scheduler := asynq.NewScheduler(redisOpt, nil)

	return &SweepServer{
		server:    server,
		scheduler: scheduler,
		q:         q,
		bc:        bc,
		cfg:       cfg,
		log:       log,
	}
}

func (s *SweepServer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskSweep, s.handleSweep)

	if _, err := s.scheduler.Register(s.cfg.Schedule, asynq.NewTask(taskSweep, nil)); err != nil {
		return err
	}
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.server.Start(mux)
}

func (s *SweepServer) Stop() {
	s.scheduler.Shutdown()
	s.server.Shutdown()
}

func (s *SweepServer) handleSweep(ctx context.Context, t *asynq.Task) error {
	now := time.Now()

	idle, err := s.q.MarkIdleConversations(ctx, model.ConversationActive, model.ConversationInactive, now.Add(-s.cfg.IdleAfter))
	if err != nil {
		return err
	}
	s.notify(idle, model.ConversationInactive)

	closed, err := s.q.MarkIdleConversations(ctx, model.ConversationInactive, model.ConversationClosed, now.Add(-s.cfg.CloseAfter))
	if err != nil {
		return err
	}
	s.notify(closed, model.ConversationClosed)

	if len(idle) > 0 || len(closed) > 0 {
		s.log.Info("Swept idle conversations",
			zap.Int("inactive", len(idle)),
			zap.Int("closed", len(closed)))
	}
	return nil
}

func (s *SweepServer) notify(ids []int64, status model.ConversationStatus) {
	for _, id := range ids {
		event := service.ConversationStatusEvent(id, status)
		s.bc.ToConversation(id, event)
		s.bc.ToAdmin(event)
	}
}

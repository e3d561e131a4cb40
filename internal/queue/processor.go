package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codeduel-backend/internal/battle"
	"codeduel-backend/internal/logging"

	"github.com/go-co-op/gocron/v2"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	TypeBattleTick      = "battle:tick"
	TypeJudgeSubmission = "submission:judge"

	queueTicks   = "ticks"
	queueJudging = "judging"
)

type tickRunner interface {
	Tick(ctx context.Context) (battle.TickStats, error)
}

type judgementRecorder interface {
	RecordJudgement(ctx context.Context, sub battle.Submission, v battle.Verdict) (*battle.Session, error)
}

type ProcessorConfig struct {
	RedisURL     string
	Concurrency  int
	TickInterval time.Duration
	// Clustered routes every tick through asynq with a per-second task id so
	// only one instance runs it.
	Clustered bool
	Clock     clockwork.Clock
}

// Processor owns the background work: the once-per-second battle tick and
// asynchronous judging of submissions.
type Processor struct {
	ticks     tickRunner
	recorder  judgementRecorder
	judge     battle.Judge
	server    *asynq.Server
	client    *asynq.Client
	scheduler gocron.Scheduler
	cfg       ProcessorConfig
	logger    *zap.Logger
}

func NewProcessor(cfg ProcessorConfig, ticks tickRunner, recorder judgementRecorder, judge battle.Judge, logger *zap.Logger) (*Processor, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("processor")

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url for asynq: %w", err)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			queueTicks:   6,
			queueJudging: 3,
		},
		StrictPriority: true,
		Logger:         logger.Sugar(),
	})

	scheduler, err := gocron.NewScheduler(gocron.WithClock(cfg.Clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &Processor{
		ticks:     ticks,
		recorder:  recorder,
		judge:     judge,
		server:    server,
		client:    asynq.NewClient(redisOpt),
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func (p *Processor) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeBattleTick, p.handleTickTask)
	mux.HandleFunc(TypeJudgeSubmission, p.handleJudgeTask)
	return mux
}

// Run starts the worker and the tick schedule and blocks until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.server.Start(p.Handler()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	_, err := p.scheduler.NewJob(
		gocron.DurationJob(p.cfg.TickInterval),
		gocron.NewTask(func() { p.scheduleTick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("battle-tick"),
	)
	if err != nil {
		p.server.Shutdown()
		return fmt.Errorf("schedule battle tick: %w", err)
	}
	p.scheduler.Start()

	p.logger.Info("[PROCESSOR] started",
		zap.Duration("tick_interval", p.cfg.TickInterval),
		zap.Bool("clustered", p.cfg.Clustered),
		zap.Int("concurrency", p.cfg.Concurrency))

	<-ctx.Done()
	p.Stop()
	return nil
}

func (p *Processor) Stop() {
	if err := p.scheduler.Shutdown(); err != nil {
		p.logger.Warn("[PROCESSOR] scheduler shutdown", zap.Error(err))
	}
	p.server.Shutdown()
	if err := p.client.Close(); err != nil {
		p.logger.Warn("[PROCESSOR] asynq client close", zap.Error(err))
	}
	p.logger.Info("[PROCESSOR] stopped")
}

type tickPayload struct {
	At int64 `json:"at"`
}

// scheduleTick runs one tick locally, or in clustered mode enqueues it under
// an id derived from the current second so concurrent instances collapse to
// a single task.
func (p *Processor) scheduleTick(ctx context.Context) {
	if !p.cfg.Clustered {
		if _, err := p.ticks.Tick(ctx); err != nil {
			p.logger.Warn("[PROCESSOR] tick failed", zap.Error(err))
		}
		return
	}

	at := p.cfg.Clock.Now().Unix()
	payload, _ := json.Marshal(tickPayload{At: at})
	task := asynq.NewTask(TypeBattleTick, payload,
		asynq.TaskID(tickTaskID(at)),
		asynq.Queue(queueTicks),
		asynq.MaxRetry(0),
		asynq.Timeout(5*p.cfg.TickInterval),
		asynq.Retention(time.Minute),
	)
	_, err := p.client.EnqueueContext(ctx, task)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
		p.logger.Warn("[PROCESSOR] failed to enqueue tick", zap.Int64("at", at), zap.Error(err))
	}
}

func tickTaskID(unixSecond int64) string {
	return fmt.Sprintf("tick:%d", unixSecond)
}

func (p *Processor) handleTickTask(ctx context.Context, task *asynq.Task) error {
	var payload tickPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode tick payload: %v: %w", err, asynq.SkipRetry)
	}
	stats, err := p.ticks.Tick(ctx)
	if err != nil {
		p.logger.Warn("[PROCESSOR] tick scan failed", zap.Int64("at", payload.At), zap.Error(err))
		return nil
	}
	if stats.Ended > 0 {
		p.logger.Info("[PROCESSOR] tick ended battles", zap.Int64("at", payload.At), zap.Int("ended", stats.Ended))
	}
	return nil
}

// Dispatch queues a submission for judging. Re-dispatching the same
// submission id is a no-op.
func (p *Processor) Dispatch(ctx context.Context, sub battle.Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	task := asynq.NewTask(TypeJudgeSubmission, payload,
		asynq.TaskID("judge:"+sub.ID),
		asynq.Queue(queueJudging),
		asynq.MaxRetry(3),
	)
	if _, err := p.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return battle.Infra(err)
	}
	return nil
}

func (p *Processor) handleJudgeTask(ctx context.Context, task *asynq.Task) error {
	var sub battle.Submission
	if err := json.Unmarshal(task.Payload(), &sub); err != nil {
		return fmt.Errorf("decode submission: %v: %w", err, asynq.SkipRetry)
	}
	log := p.logger.With(logging.Battle(sub.BattleID), logging.User(sub.UserID), zap.String("submission_id", sub.ID))

	start := time.Now()
	verdict, err := p.judge.Evaluate(ctx, sub.Code, sub.Language, sub.ProblemID)
	if err != nil {
		log.Warn("[JUDGE] evaluation failed", zap.Error(err))
		return err
	}
	log.Info("[JUDGE] evaluated",
		zap.Int("passed", verdict.Passed), zap.Int("total", verdict.Total),
		zap.Duration("duration", time.Since(start)))

	if _, err := p.recorder.RecordJudgement(ctx, sub, verdict); err != nil {
		if errors.Is(err, battle.ErrInfrastructure) {
			return err
		}
		log.Info("[JUDGE] verdict discarded", zap.Error(err))
	}
	return nil
}

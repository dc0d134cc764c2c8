package sleep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers consolidation cycles: light and deep on cron schedules,
// micro when the assistant has been idle long enough.
type Scheduler struct {
	engine *Engine
	logger *zap.Logger

	lightSpec string
	deepSpec  string
	idleAfter time.Duration

	cron   *cron.Cron
	cancel context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	lastMicro    time.Time
}

// SchedulerConfig holds cron specs and the idle threshold for micro cycles.
type SchedulerConfig struct {
	// LightSpec is the cron spec for light cycles, e.g. "@every 2h".
	LightSpec string

	// DeepSpec is the cron spec for deep cycles, e.g. "@every 24h".
	DeepSpec string

	// IdleAfter is how long the system must be quiet before a micro cycle
	// fires.
	IdleAfter time.Duration
}

// NewScheduler creates a consolidation scheduler.
func NewScheduler(engine *Engine, c SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		engine:       engine,
		logger:       logger,
		lightSpec:    c.LightSpec,
		deepSpec:     c.DeepSpec,
		idleAfter:    c.IdleAfter,
		lastActivity: time.Now(),
	}
}

// Touch records activity, deferring the next micro cycle.
func (s *Scheduler) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Start registers the cron entries and the idle watcher. Runs until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()

	if s.lightSpec != "" {
		if _, err := c.AddFunc(s.lightSpec, func() { s.runCycle(ctx, CycleLight) }); err != nil {
			return err
		}
	}
	if s.deepSpec != "" {
		if _, err := c.AddFunc(s.deepSpec, func() { s.runCycle(ctx, CycleDeep) }); err != nil {
			return err
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cron = c

	c.Start()
	if s.idleAfter > 0 {
		go s.watchIdle(watchCtx)
	}

	s.logger.Info("sleep scheduler started",
		zap.String("light", s.lightSpec),
		zap.String("deep", s.deepSpec),
		zap.Duration("idle_after", s.idleAfter),
	)

	return nil
}

// Stop halts the cron entries and the idle watcher.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// watchIdle fires a micro cycle when the system has been quiet past the
// threshold. At most one micro cycle runs per idle period.
func (s *Scheduler) watchIdle(ctx context.Context) {
	ticker := time.NewTicker(s.idleAfter / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			alreadyRan := s.lastMicro.After(s.lastActivity)
			s.mu.Unlock()

			if idle < s.idleAfter || alreadyRan {
				continue
			}

			s.mu.Lock()
			s.lastMicro = time.Now()
			s.mu.Unlock()

			s.runCycle(ctx, CycleMicro)
		}
	}
}

// runCycle runs one cycle, tolerating overlap refusals.
func (s *Scheduler) runCycle(ctx context.Context, t CycleType) {
	_, err := s.engine.Run(ctx, t)
	if errors.Is(err, ErrCycleRunning) {
		s.logger.Debug("skipping cycle, one already running", zap.String("type", string(t)))
		return
	}
	if err != nil {
		s.logger.Error("sleep cycle failed",
			zap.String("type", string(t)), zap.Error(err))
	}
}

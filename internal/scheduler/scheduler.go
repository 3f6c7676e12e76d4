package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/scheduler/config"
	"github.com/iurnickita/postbackcache/internal/service"
)

type Flusher interface {
	FlushAllVerticals(ctx context.Context, trigger service.FlushTrigger) (model.FlushSummary, error)
	LastScheduledFlush(ctx context.Context) (time.Time, error)
}

// Scheduler раз в Interval проверяет окно ежедневного сброса.
// Окно: с Hour:FromMinute до конца часа по времени Location; за день выполняется один сброс
type Scheduler struct {
	cfg      config.Config
	flusher  Flusher
	location *time.Location
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewScheduler(cfg config.Config, flusher Flusher, zaplog *zap.Logger) (*Scheduler, error) {
	location, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		cfg:      cfg,
		flusher:  flusher,
		location: location,
		zaplog:   zaplog,
		now:      time.Now,
	}, nil
}

// Run блокируется до отмены ctx
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.zaplog.Info("daily cache flush disabled")
		return
	}
	s.zaplog.Info("daily cache flush scheduled",
		zap.String("location", s.location.String()),
		zap.Int("hour", s.cfg.Hour),
		zap.Int("from_minute", s.cfg.FromMinute))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) bool {
	now := s.now().In(s.location)
	if !s.inWindow(now) {
		return false
	}

	last, err := s.flusher.LastScheduledFlush(ctx)
	if err != nil {
		s.zaplog.Error("last scheduled flush lookup failed", zap.Error(err))
		return false
	}
	if sameDay(last.In(s.location), now) {
		return false
	}

	summary, err := s.flusher.FlushAllVerticals(ctx, service.FlushScheduled)
	if err != nil {
		s.zaplog.Error("scheduled cache flush failed", zap.Error(err))
		return false
	}
	s.zaplog.Info("scheduled cache flush done",
		zap.Int("processed", summary.Processed),
		zap.Int("successful", summary.Successful),
		zap.Int("flushed", summary.Flushed))
	return true
}

func (s *Scheduler) inWindow(t time.Time) bool {
	return t.Hour() == s.cfg.Hour && t.Minute() >= s.cfg.FromMinute
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

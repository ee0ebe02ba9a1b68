package history

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically enforces the age limit of a Log.
type Sweeper struct {
	log    *Log
	every  time.Duration
	logger *slog.Logger
}

// NewSweeper creates a Sweeper. If interval is <= 0, it defaults to 10m.
func NewSweeper(l *Log, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		log:    l,
		every:  interval,
		logger: slog.Default().With("component", "history-sweeper"),
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
// It returns at once when the log has no age limit.
func (s *Sweeper) Run(ctx context.Context) {
	if s.log.retention.MaxAge <= 0 {
		return
	}

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep and returns the number of removed messages.
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	n, err := s.log.ExpireOld(ctx)
	if err != nil {
		s.logger.Error("history sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("expired old messages", "count", n, "max_age", s.log.retention.MaxAge)
	}
	return n
}

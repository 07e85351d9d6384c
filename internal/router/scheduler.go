package router

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/navi/internal/logging"
)

// BudgetScheduler resets ledger entries whose budget period has elapsed.
type BudgetScheduler struct {
	router   *Router
	interval time.Duration
	logger   *zap.Logger
}

func NewBudgetScheduler(r *Router, interval time.Duration, logger *zap.Logger) *BudgetScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &BudgetScheduler{router: r, interval: interval, logger: logging.OrNop(logger)}
}

// Run ticks until ctx is done.
func (s *BudgetScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick performs one reset pass and returns the keys that were reset.
func (s *BudgetScheduler) Tick() []string {
	t := s.router.Table()
	reset := s.router.Ledger().ResetExpired(func(key string) time.Duration {
		switch {
		case strings.HasPrefix(key, "route:"):
			return t.Routes[strings.TrimPrefix(key, "route:")].Budget.Period
		case strings.HasPrefix(key, "model:"):
			return t.Models[strings.TrimPrefix(key, "model:")].Budget.Period
		}
		return 0
	})
	if len(reset) > 0 {
		s.logger.Info("budget period rolled over", zap.Strings("keys", reset))
	}
	return reset
}
